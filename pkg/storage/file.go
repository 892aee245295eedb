package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

const energyDataDir = "energy_data"

// File persists everything as JSON files under a base directory. Date-keyed
// array files are rewritten through a temp file and rename so a crash mid-write
// never corrupts an existing day; append-only kinds use NDJSON.
type File struct {
	base string
	mu   sync.Mutex
}

// NewFile creates the directory layout under base if needed.
func NewFile(base string) (*File, error) {
	if err := os.MkdirAll(filepath.Join(base, energyDataDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &File{base: base}, nil
}

func (f *File) SaveSnapshots(ctx context.Context, snaps []types.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// snapshots within one batch can straddle midnight
	byDay := map[string][]types.Snapshot{}
	for _, s := range snaps {
		key := s.Timestamp.Format("2006-01-02")
		byDay[key] = append(byDay[key], s)
	}
	for day, batch := range byDay {
		path := filepath.Join(f.base, energyDataDir, "energy_data_"+day+".json")
		var existing []types.Snapshot
		if err := readJSONFile(path, &existing); err != nil {
			return err
		}
		if err := writeJSONFile(path, append(existing, batch...)); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) QuerySnapshots(ctx context.Context, start, end time.Time) ([]types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Snapshot
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	for day := first; !day.After(end); day = day.AddDate(0, 0, 1) {
		path := filepath.Join(f.base, energyDataDir, "energy_data_"+day.Format("2006-01-02")+".json")
		var snaps []types.Snapshot
		if err := readJSONFile(path, &snaps); err != nil {
			return nil, err
		}
		for _, s := range snaps {
			if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *File) SaveState(ctx context.Context, st types.CoordinatorState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.base, "coordinator_state_"+st.LastTick.Format("20060102")+".json")
	return appendNDJSON(path, st)
}

func (f *File) QueryStateLatest(ctx context.Context, n int) ([]types.CoordinatorState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths, err := filepath.Glob(filepath.Join(f.base, "coordinator_state_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths) // date-keyed names sort chronologically
	var all []types.CoordinatorState
	for _, p := range paths {
		var states []types.CoordinatorState
		if err := readNDJSON(p, &states); err != nil {
			return nil, err
		}
		all = append(all, states...)
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (f *File) SaveDecision(ctx context.Context, d types.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := "charging_decision_" + d.Timestamp.Format("20060102_150405") + ".json"
	return writeJSONFile(filepath.Join(f.base, energyDataDir, name), d)
}

func (f *File) SaveSellingDecision(ctx context.Context, d types.SellingDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := "battery_selling_decision_" + d.Timestamp.Format("20060102_150405") + ".json"
	return writeJSONFile(filepath.Join(f.base, energyDataDir, name), d)
}

func (f *File) QueryDecisions(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths, err := filepath.Glob(filepath.Join(f.base, energyDataDir, "charging_decision_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []types.Decision
	for _, p := range paths {
		ts, err := time.ParseInLocation("20060102_150405", decisionStamp(p), start.Location())
		if err != nil {
			continue // foreign file in the directory
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		var d types.Decision
		if err := readJSONFile(p, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decisionStamp(path string) string {
	base := filepath.Base(path)
	base = base[len("charging_decision_"):]
	return base[:len(base)-len(".json")]
}

func (f *File) SaveSession(ctx context.Context, s types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.base, "sessions_"+s.StartedAt.Format("2006-01-02")+".json")
	return appendNDJSON(path, s)
}

func (f *File) QuerySessions(ctx context.Context, start, end time.Time) ([]types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths, err := filepath.Glob(filepath.Join(f.base, "sessions_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	// sessions are appended on every status change, keep the last record per ID
	latest := map[string]types.Session{}
	var order []string
	for _, p := range paths {
		var sessions []types.Session
		if err := readNDJSON(p, &sessions); err != nil {
			return nil, err
		}
		for _, s := range sessions {
			if s.StartedAt.Before(start) || s.StartedAt.After(end) {
				continue
			}
			id := s.ID.String()
			if _, seen := latest[id]; !seen {
				order = append(order, id)
			}
			latest[id] = s
		}
	}
	out := make([]types.Session, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

func (f *File) SaveChargingSchedule(ctx context.Context, plan []types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.base, "charging_schedule_"+time.Now().Format("2006-01-02")+".json")
	return writeJSONFile(path, plan)
}

func (f *File) SaveMarketPrices(ctx context.Context, points []types.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.base, energyDataDir, "market_prices_"+points[0].TSStart.Format("2006-01-02")+".json")
	return writeJSONFile(path, points)
}

func (f *File) SavePVForecast(ctx context.Context, points []types.PVForecastPoint) error {
	if len(points) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.base, energyDataDir, "pv_forecast_"+points[0].TSStart.Format("2006-01-02")+".json")
	return writeJSONFile(path, points)
}

func (f *File) SaveWeather(ctx context.Context, sample types.WeatherSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.base, energyDataDir, "weather_"+sample.Timestamp.Format("2006-01-02")+".json")
	return appendNDJSON(path, sample)
}

func (f *File) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(f.base, ".health")
	if err := os.WriteFile(probe, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	return nil
}

func (f *File) Close() error {
	return nil
}

// readJSONFile decodes path into v; a missing file leaves v untouched.
func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// writeJSONFile writes v atomically via a temp file in the same directory.
func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func appendNDJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// readNDJSON appends each decoded line of path to the slice pointed to by out.
func readNDJSON[T any](path string, out *[]T) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var v T
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		*out = append(*out, v)
	}
	return nil
}
