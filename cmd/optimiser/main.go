// Command optimiser runs the site-local energy optimiser: it samples the
// inverter, follows the day-ahead market and decides when the battery
// charges, waits or sells.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/collector"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/coordinator"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/decision"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/inverter"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/prices"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/pse"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/pvforecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/safety"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/selling"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/server"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// exit codes
const (
	exitOK           = 0
	exitConfigError  = 1
	exitUnsafeAtBoot = 2
	exitNoInverter   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := lflag.String("config-dir", "config", "directory with the baseline/local/override configuration layers")

	var cfg config.Config
	var cfgErr error
	lflag.Do(func() {
		cfg, cfgErr = config.Load(*configDir)
	})

	market := pse.Configured()
	httpForecast := pvforecast.ConfiguredHTTP()
	weather := pvforecast.ConfiguredWeather(func() config.WeatherConfig {
		return cfg.WeatherIntegration
	})

	lflag.Configure()

	var level slog.Level
	// lflag sets llog's level from -log-level; mirror it onto slog
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfgErr != nil {
		log.Ctx(ctx).Error("configuration error", "error", cfgErr)
		return exitConfigError
	}
	if err := market.Validate(); err != nil {
		log.Ctx(ctx).Error("configuration error", "error", err)
		return exitConfigError
	}
	tariff, err := prices.NewTariff(cfg.ElectricityTariff)
	if err != nil {
		log.Ctx(ctx).Error("configuration error", "error", err)
		return exitConfigError
	}

	store, err := storage.New(cfg.DataStorage)
	if err != nil {
		log.Ctx(ctx).Error("storage initialization failed", "error", err)
		return exitConfigError
	}
	queue := storage.NewQueue(store, 10)
	defer func() {
		if err := queue.Close(); err != nil {
			log.Ctx(ctx).Error("closing storage failed", "error", err)
		}
	}()

	system, err := inverter.New(cfg.Inverter, cfg.SafetyConfig())
	if err != nil {
		log.Ctx(ctx).Error("configuration error", "error", err)
		return exitConfigError
	}
	if err := system.Connect(ctx); err != nil {
		log.Ctx(ctx).Error("inverter unreachable", "error", err, "address", cfg.Inverter.IPAddress)
		return exitNoInverter
	}
	defer func() {
		if err := system.Disconnect(); err != nil {
			log.Ctx(ctx).Warn("inverter disconnect failed", "error", err)
		}
	}()

	// refuse to take control of a site that is already in a fatal state
	if issues, err := system.CheckSafety(ctx); err == nil && types.AnyFatal(issues) {
		log.Ctx(ctx).Error("fatal safety state at boot", "issues", types.IssueStrings(issues))
		return exitUnsafeAtBoot
	}

	var weatherSrc *pvforecast.Weather
	if cfg.WeatherIntegration.Enabled {
		weatherSrc = weather
	}
	clearSky := pvforecast.NewClearSky(cfg.PVConsumptionAnalysis.PeakPowerKW, cfg.WeatherIntegration, weatherSrc)
	var primary pvforecast.Source
	if src := httpForecast(); src != nil {
		primary = src
	}
	forecast := pvforecast.NewLayered(primary, clearSky)

	coll := collector.New(system, store, queue,
		cfg.Coordinator.PersistEveryNSamples, 48)
	if weatherSrc != nil {
		coll.SetWeather(weatherSrc)
	}

	coord, err := coordinator.New(cfg, coordinator.Deps{
		System:     system,
		Collector:  coll,
		Store:      store,
		Queue:      queue,
		Supervisor: safety.NewSupervisor(system, 3),
		Engine:     decision.New(cfg),
		Seller:     selling.New(cfg),
		Market:     market,
		Forecast:   forecast,
		Tariff:     tariff,
	})
	if err != nil {
		log.Ctx(ctx).Error("coordinator initialization failed", "error", err)
		return exitConfigError
	}

	if cfg.WebServer.Enabled {
		srv := server.New(cfg.WebServer, coord, store)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Ctx(ctx).Error("status server failed", "error", err)
				cancel()
			}
		}()
	}

	if err := coord.Run(ctx); err != nil {
		log.Ctx(ctx).Error("coordinator failed", "error", err)
		return exitConfigError
	}
	log.Ctx(ctx).Info("optimiser exited cleanly")
	return exitOK
}
