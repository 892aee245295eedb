package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// SQLite persists records in an embedded database. Rows store the full JSON
// payload next to the indexed columns so schema evolution never loses data.
type SQLite struct {
	db        *gorm.DB
	batchSize int
}

type energyDataRow struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	Payload   []byte
}

func (energyDataRow) TableName() string { return "energy_data" }

type systemStateRow struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	Phase     string
	Payload   []byte
}

func (systemStateRow) TableName() string { return "system_state" }

type decisionRow struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`
	Kind      string    `gorm:"index"` // charging or selling
	Action    string
	Payload   []byte
}

func (decisionRow) TableName() string { return "coordinator_decisions" }

type sessionRow struct {
	ID        string    `gorm:"primaryKey"` // session uuid
	Kind      string    `gorm:"index"`
	StartedAt time.Time `gorm:"index"`
	Status    string
	Payload   []byte
}

func (sessionRow) TableName() string { return "sessions" }

type scheduleRow struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`
	Payload   []byte
}

func (scheduleRow) TableName() string { return "charging_schedule" }

type marketPriceRow struct {
	TSStart        time.Time `gorm:"primaryKey"`
	MarketPLNMWH   float64
	FinalPLNKWH    float64
	Band           int
}

func (marketPriceRow) TableName() string { return "market_prices" }

type pvForecastRow struct {
	TSStart    time.Time `gorm:"primaryKey"`
	PowerKW    float64
	Confidence float64
}

func (pvForecastRow) TableName() string { return "pv_forecast" }

type weatherRow struct {
	ID            uint      `gorm:"primaryKey"`
	Timestamp     time.Time `gorm:"index"`
	CloudCoverPct float64
	TempC         float64
}

func (weatherRow) TableName() string { return "weather_data" }

// NewSQLite opens (or creates) the database and migrates the schema.
func NewSQLite(cfg config.DBStorage) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite pool: %w", err)
	}
	if cfg.PoolSize > 0 {
		sqlDB.SetMaxOpenConns(cfg.PoolSize)
	}
	if err := db.AutoMigrate(
		&energyDataRow{}, &systemStateRow{}, &decisionRow{}, &sessionRow{},
		&scheduleRow{}, &marketPriceRow{}, &pvForecastRow{}, &weatherRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &SQLite{db: db, batchSize: batch}, nil
}

func (s *SQLite) SaveSnapshots(ctx context.Context, snaps []types.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([]energyDataRow, 0, len(snaps))
	for _, snap := range snaps {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		rows = append(rows, energyDataRow{Timestamp: snap.Timestamp, Payload: payload})
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, s.batchSize).Error
}

func (s *SQLite) QuerySnapshots(ctx context.Context, start, end time.Time) ([]types.Snapshot, error) {
	var rows []energyDataRow
	err := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	out := make([]types.Snapshot, 0, len(rows))
	for _, r := range rows {
		var snap types.Snapshot
		if err := json.Unmarshal(r.Payload, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot row %d: %w", r.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *SQLite) SaveState(ctx context.Context, st types.CoordinatorState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.db.WithContext(ctx).Create(&systemStateRow{
		Timestamp: st.LastTick,
		Phase:     string(st.Phase),
		Payload:   payload,
	}).Error
}

func (s *SQLite) QueryStateLatest(ctx context.Context, n int) ([]types.CoordinatorState, error) {
	var rows []systemStateRow
	err := s.db.WithContext(ctx).
		Order("timestamp desc").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	// flip back to chronological order
	out := make([]types.CoordinatorState, len(rows))
	for i, r := range rows {
		var st types.CoordinatorState
		if err := json.Unmarshal(r.Payload, &st); err != nil {
			return nil, fmt.Errorf("decode state row %d: %w", r.ID, err)
		}
		out[len(rows)-1-i] = st
	}
	return out, nil
}

func (s *SQLite) SaveDecision(ctx context.Context, d types.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	return s.db.WithContext(ctx).Create(&decisionRow{
		Timestamp: d.Timestamp,
		Kind:      "charging",
		Action:    string(d.Action),
		Payload:   payload,
	}).Error
}

func (s *SQLite) SaveSellingDecision(ctx context.Context, d types.SellingDecision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode selling decision: %w", err)
	}
	return s.db.WithContext(ctx).Create(&decisionRow{
		Timestamp: d.Timestamp,
		Kind:      "selling",
		Action:    string(d.Action),
		Payload:   payload,
	}).Error
}

func (s *SQLite) QueryDecisions(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	var rows []decisionRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND timestamp >= ? AND timestamp <= ?", "charging", start, end).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	out := make([]types.Decision, 0, len(rows))
	for _, r := range rows {
		var d types.Decision
		if err := json.Unmarshal(r.Payload, &d); err != nil {
			return nil, fmt.Errorf("decode decision row %d: %w", r.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *SQLite) SaveSession(ctx context.Context, sess types.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	row := sessionRow{
		ID:        sess.ID.String(),
		Kind:      string(sess.Kind),
		StartedAt: sess.StartedAt,
		Status:    string(sess.Status),
		Payload:   payload,
	}
	// sessions update in place as their status advances
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLite) QuerySessions(ctx context.Context, start, end time.Time) ([]types.Session, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("started_at >= ? AND started_at <= ?", start, end).
		Order("started_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	out := make([]types.Session, 0, len(rows))
	for _, r := range rows {
		var sess types.Session
		if err := json.Unmarshal(r.Payload, &sess); err != nil {
			return nil, fmt.Errorf("decode session row %s: %w", r.ID, err)
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SQLite) SaveChargingSchedule(ctx context.Context, plan []types.Session) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&scheduleRow{}).Error; err != nil {
			return err
		}
		return tx.Create(&scheduleRow{CreatedAt: time.Now(), Payload: payload}).Error
	})
}

func (s *SQLite) SaveMarketPrices(ctx context.Context, points []types.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	rows := make([]marketPriceRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, marketPriceRow{
			TSStart:      p.TSStart,
			MarketPLNMWH: p.MarketPLNPerMWH,
			FinalPLNKWH:  p.FinalPLNPerKWH,
			Band:         int(p.Band),
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) SavePVForecast(ctx context.Context, points []types.PVForecastPoint) error {
	if len(points) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range points {
			row := pvForecastRow{TSStart: p.TSStart, PowerKW: p.PowerKW, Confidence: p.Confidence}
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) SaveWeather(ctx context.Context, sample types.WeatherSample) error {
	return s.db.WithContext(ctx).Create(&weatherRow{
		Timestamp:     sample.Timestamp,
		CloudCoverPct: sample.CloudCoverPct,
		TempC:         sample.TempC,
	}).Error
}

// Sweep removes telemetry and forecast rows older than the cutoff. Decisions
// and sessions are kept; they are small and form the audit trail.
func (s *SQLite) Sweep(ctx context.Context, olderThan time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("timestamp < ?", olderThan).Delete(&energyDataRow{}).Error; err != nil {
			return fmt.Errorf("sweep energy_data: %w", err)
		}
		if err := tx.Where("timestamp < ?", olderThan).Delete(&systemStateRow{}).Error; err != nil {
			return fmt.Errorf("sweep system_state: %w", err)
		}
		if err := tx.Where("ts_start < ?", olderThan).Delete(&marketPriceRow{}).Error; err != nil {
			return fmt.Errorf("sweep market_prices: %w", err)
		}
		if err := tx.Where("ts_start < ?", olderThan).Delete(&pvForecastRow{}).Error; err != nil {
			return fmt.Errorf("sweep pv_forecast: %w", err)
		}
		if err := tx.Where("timestamp < ?", olderThan).Delete(&weatherRow{}).Error; err != nil {
			return fmt.Errorf("sweep weather_data: %w", err)
		}
		return nil
	})
}

func (s *SQLite) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
