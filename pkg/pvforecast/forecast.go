// Package pvforecast provides PV production forecasts: an external HTTP
// source when one is configured, with a clear-sky model as fallback so the
// decision engine never runs blind.
package pvforecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/sixdouglas/suncalc"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Source produces a PV forecast for one day at 15-minute resolution.
type Source interface {
	Forecast(ctx context.Context, day time.Time) ([]types.PVForecastPoint, error)
}

// HTTPSource reads forecast points from an external service.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// ConfiguredHTTP sets up flags for the external forecast source. Returns nil
// when no endpoint is configured.
func ConfiguredHTTP() func() *HTTPSource {
	baseURL := lflag.String("pv-forecast-url", "", "URL for the external PV forecast API (optional)")
	return func() *HTTPSource {
		if *baseURL == "" {
			return nil
		}
		return NewHTTPSource(*baseURL)
	}
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{baseURL: baseURL, client: common.HTTPClient(30 * time.Second)}
}

func (s *HTTPSource) Forecast(ctx context.Context, day time.Time) ([]types.PVForecastPoint, error) {
	u := fmt.Sprintf("%s?date=%s", s.baseURL, day.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pv forecast: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pv forecast api status %d: %s", resp.StatusCode, body)
	}

	var points []types.PVForecastPoint
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("decode pv forecast: %w", err)
	}
	for i := range points {
		if points[i].Confidence == 0 {
			points[i].Confidence = 0.7
		}
	}
	return points, nil
}

// ClearSky derives a forecast from solar geometry alone, optionally damped by
// cloud cover. Confidence never exceeds 0.4; it is a fallback, not a model of
// the actual sky.
type ClearSky struct {
	peakKW  float64
	lat     float64
	lon     float64
	weather *Weather // optional
}

func NewClearSky(peakKW float64, cfg config.WeatherConfig, weather *Weather) *ClearSky {
	return &ClearSky{peakKW: peakKW, lat: cfg.Latitude, lon: cfg.Longitude, weather: weather}
}

func (c *ClearSky) Forecast(ctx context.Context, day time.Time) ([]types.PVForecastPoint, error) {
	var samples []types.WeatherSample
	confidence := 0.3
	if c.weather != nil {
		var err error
		samples, err = c.weather.Hourly(ctx)
		if err != nil {
			log.Ctx(ctx).Warn("weather unavailable, clear-sky forecast runs uncorrected", "error", err)
		} else {
			confidence = 0.4
		}
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	points := make([]types.PVForecastPoint, 0, 96)
	for i := 0; i < 96; i++ {
		ts := start.Add(time.Duration(i) * 15 * time.Minute)
		pos := suncalc.GetPosition(ts.Add(7*time.Minute+30*time.Second), c.lat, c.lon)
		var kw float64
		if pos.Altitude > 0 {
			kw = c.peakKW * math.Sin(pos.Altitude)
			if cloud, ok := cloudAt(samples, ts); ok {
				// Kasten-Czeplak damping
				frac := cloud / 100
				kw *= 1 - 0.75*math.Pow(frac, 3)
			}
		}
		points = append(points, types.PVForecastPoint{TSStart: ts, PowerKW: kw, Confidence: confidence})
	}
	return points, nil
}

func cloudAt(samples []types.WeatherSample, t time.Time) (float64, bool) {
	hour := t.Truncate(time.Hour)
	for _, s := range samples {
		if s.Timestamp.Equal(hour) {
			return s.CloudCoverPct, true
		}
	}
	return 0, false
}

// Layered tries the external source first and falls back to clear-sky.
type Layered struct {
	primary  Source // may be nil
	fallback Source
}

func NewLayered(primary, fallback Source) *Layered {
	return &Layered{primary: primary, fallback: fallback}
}

func (l *Layered) Forecast(ctx context.Context, day time.Time) ([]types.PVForecastPoint, error) {
	if l.primary != nil {
		points, err := l.primary.Forecast(ctx, day)
		if err == nil && len(points) > 0 {
			return points, nil
		}
		if err != nil {
			log.Ctx(ctx).Warn("external pv forecast failed, using clear-sky fallback", "error", err)
		}
	}
	return l.fallback.Forecast(ctx, day)
}

// DailyEnergyKWH integrates a forecast into total energy.
func DailyEnergyKWH(points []types.PVForecastPoint) float64 {
	var kwh float64
	for _, p := range points {
		kwh += p.PowerKW * 0.25
	}
	return kwh
}

// IsPoorDay classifies a forecast day: production per daylight hour below the
// threshold means the battery cannot count on tomorrow's sun.
func IsPoorDay(points []types.PVForecastPoint, thresholdKWHPerHour float64) bool {
	var kwh float64
	var daylight float64
	for _, p := range points {
		if p.PowerKW > 0 {
			kwh += p.PowerKW * 0.25
			daylight += 0.25
		}
	}
	if daylight == 0 {
		return true
	}
	return kwh/daylight < thresholdKWHPerHour
}
