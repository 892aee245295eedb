package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

var (
	// ErrNotFound is returned by queries that matched nothing where the
	// caller asked for a specific record.
	ErrNotFound = errors.New("record not found")
	// ErrUnhealthy is returned by HealthCheck when the backend cannot
	// currently accept writes.
	ErrUnhealthy = errors.New("storage backend unhealthy")
)

// Provider is the uniform persistence interface for telemetry, decisions,
// sessions and forecasts. Implementations must be safe for concurrent use;
// individual write failures are reported to the caller but must never panic.
type Provider interface {
	// Telemetry
	SaveSnapshots(ctx context.Context, snaps []types.Snapshot) error
	QuerySnapshots(ctx context.Context, start, end time.Time) ([]types.Snapshot, error)

	// Coordinator state
	SaveState(ctx context.Context, st types.CoordinatorState) error
	QueryStateLatest(ctx context.Context, n int) ([]types.CoordinatorState, error)

	// Decisions
	SaveDecision(ctx context.Context, d types.Decision) error
	SaveSellingDecision(ctx context.Context, d types.SellingDecision) error
	QueryDecisions(ctx context.Context, start, end time.Time) ([]types.Decision, error)

	// Sessions
	SaveSession(ctx context.Context, s types.Session) error
	QuerySessions(ctx context.Context, start, end time.Time) ([]types.Session, error)

	// Current charging plan; replace semantics.
	SaveChargingSchedule(ctx context.Context, plan []types.Session) error

	// Forecast & market archive
	SaveMarketPrices(ctx context.Context, points []types.PricePoint) error
	SavePVForecast(ctx context.Context, points []types.PVForecastPoint) error
	SaveWeather(ctx context.Context, sample types.WeatherSample) error

	// Lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}

// New builds the configured provider. In composite mode the primary backend
// is chosen by the order file, database; the remaining backend becomes the
// fallback target.
func New(cfg config.StorageConfig) (Provider, error) {
	switch cfg.Mode {
	case "file":
		return NewFile(cfg.File.BasePath)
	case "database":
		return NewSQLite(cfg.Database)
	case "composite":
		primary, err := NewFile(cfg.File.BasePath)
		if err != nil {
			return nil, fmt.Errorf("composite primary: %w", err)
		}
		secondary, err := NewSQLite(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("composite secondary: %w", err)
		}
		return NewComposite(primary, []Provider{secondary}, cfg.EnableFallback), nil
	default:
		return nil, fmt.Errorf("data_storage.mode: unknown mode %q", cfg.Mode)
	}
}
