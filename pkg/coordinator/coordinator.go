// Package coordinator owns the master control loop: it samples the site,
// runs safety checks, asks the decision and selling engines what to do, and
// turns the answer into inverter commands and persisted records. The decision
// path is strictly serialized; only one decision is ever in flight.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/collector"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/decision"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/inverter"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/prices"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/pvforecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/safety"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/selling"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// minimum time a started charging session runs before a non-critical wait
// may interrupt it
const minSessionDuration = 15 * time.Minute

const shutdownTimeout = 10 * time.Second

// MarketSource provides day-ahead prices and the operator's peak labels.
type MarketSource interface {
	GetDayAheadPrices(ctx context.Context, day time.Time) ([]types.PricePoint, error)
	GetPeakHours(ctx context.Context, day time.Time) ([]types.PeakHour, error)
}

// sweeper is implemented by backends that support retention cleanup.
type sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time) error
}

// Deps are the collaborators the coordinator drives.
type Deps struct {
	System     inverter.System
	Collector  *collector.Collector
	Store      storage.Provider
	Queue      *storage.Queue
	Supervisor *safety.Supervisor
	Engine     *decision.Engine
	Seller     *selling.Engine
	Market     MarketSource
	Forecast   pvforecast.Source
	Tariff     prices.Tariff
}

// Coordinator runs the control loop.
type Coordinator struct {
	cfg  config.Config
	deps Deps

	clock func() time.Time

	mu             sync.Mutex
	state          types.CoordinatorState
	startedAt      time.Time
	running        bool
	lastAction     types.Action
	lastDecisionAt time.Time
	decisionCount  int
	chargeSession  *types.Session
	sellSession    *types.Session
	waitStartedAt  *time.Time
	forecastPeak   float64
	lastSweep      time.Time
	lastHealth     time.Time
	degraded       map[string]bool
}

// New wires a coordinator. All Deps fields are required except Market and
// Forecast, which degrade to conservative behaviour when nil.
func New(cfg config.Config, deps Deps) (*Coordinator, error) {
	if deps.System == nil || deps.Collector == nil || deps.Store == nil ||
		deps.Supervisor == nil || deps.Engine == nil || deps.Seller == nil {
		return nil, fmt.Errorf("coordinator: missing required dependency")
	}
	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		clock:    time.Now,
		degraded: map[string]bool{},
		state: types.CoordinatorState{
			Phase: types.PhaseInitializing,
			Since: time.Now(),
		},
	}, nil
}

// Run executes the control loop until ctx is cancelled, then shuts down
// gracefully: active sessions are stopped, pending writes flushed.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.startedAt = c.clock()
	c.running = true
	c.mu.Unlock()
	c.setPhase(types.PhaseMonitoring, "")

	ticker := time.NewTicker(c.cfg.Coordinator.SamplingInterval())
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one control cycle: sample, safety, then a decision when due.
func (c *Coordinator) Tick(ctx context.Context) {
	now := c.clock()
	tickCtx, cancel := context.WithTimeout(ctx, c.cfg.Coordinator.SamplingInterval())
	defer cancel()
	tickCtx = log.WithAttrs(tickCtx, "tick", now.Format(time.RFC3339))

	_, err := c.deps.Collector.Sample(tickCtx)
	c.markDegraded("inverter", err != nil)
	if err != nil {
		log.Ctx(tickCtx).Warn("snapshot collection failed", "error", err)
	}

	issues, err := c.deps.Supervisor.Check(tickCtx)
	if err != nil {
		log.Ctx(tickCtx).Warn("safety check failed", "error", err)
	}
	if c.deps.Supervisor.Tripped() {
		c.abortSessions(tickCtx, "emergency safety stop")
		c.setPhase(types.PhaseError, "fatal safety breach")
		c.persistState(now)
		return
	}
	if c.phase() == types.PhaseError {
		// supervisor recovered: back to normal control
		c.setPhase(types.PhaseMonitoring, "")
	}

	c.finishCompletedSessions(tickCtx)
	c.checkHealth(tickCtx, now)
	c.sweepRetention(tickCtx, now)

	c.mu.Lock()
	due := now.Sub(c.lastDecisionAt) >= c.cfg.Coordinator.DecisionInterval()
	c.mu.Unlock()
	if due {
		c.decide(tickCtx, now, types.IssueStrings(issues))
	}
	c.persistState(now)
}

// decide runs one decision cycle and executes the outcome.
func (c *Coordinator) decide(ctx context.Context, now time.Time, warnings []string) {
	snap, ok := c.deps.Collector.Latest()
	if !ok || now.Sub(snap.Timestamp) > c.cfg.Coordinator.SamplingInterval() {
		log.Ctx(ctx).Warn("skipping decision, snapshot stale or missing")
		return
	}

	in := c.buildInput(ctx, now, snap)
	d := c.deps.Engine.Decide(in)
	d.SafetyWarnings = warnings
	if err := d.Validate(); err != nil {
		log.Ctx(ctx).Error("discarding invalid decision", "error", err)
		return
	}

	var sd *types.SellingDecision
	criticalCharge := d.Priority == types.PriorityCritical && d.Action.IsCharge()
	if c.deps.Seller.Enabled() && !criticalCharge {
		sin := selling.Input{
			Now:             now,
			Snapshot:        snap,
			Prices:          in.Prices,
			WaitStartedAt:   c.waitStarted(),
			ForecastPeakPLN: c.peakPrice(),
		}
		s := c.deps.Seller.Evaluate(sin)
		if cancel, reason := c.deps.Seller.CancelWait(sin); cancel {
			s.Action = types.SellActionSellNow
			s.Reason = reason
		}
		sd = &s
	}

	c.execute(ctx, now, snap, d, sd)

	c.persistDecision(d, sd)
	cooldown := decision.NextCooldown(c.lastActionTaken(), d)

	c.mu.Lock()
	if cooldown != nil {
		c.state.WaitCooldownUntil = cooldown
	} else if c.state.WaitCooldownUntil != nil && !now.Before(*c.state.WaitCooldownUntil) {
		c.state.WaitCooldownUntil = nil
	}
	c.lastAction = d.Action
	c.lastDecisionAt = now
	c.state.LastDecisionAt = now
	c.decisionCount++
	c.mu.Unlock()

	log.Ctx(ctx).Info("decision",
		"action", string(d.Action),
		"priority", string(d.Priority),
		"reason", d.Reason,
		"confidence", d.Confidence)
}

// buildInput assembles the decision input from market, forecast and history
// sources. Every source is optional; failures degrade to conservative rules.
func (c *Coordinator) buildInput(ctx context.Context, now time.Time, snap types.Snapshot) decision.Input {
	in := decision.Input{
		Now:           now,
		Snapshot:      snap,
		LastAction:    c.lastActionTaken(),
		CooldownUntil: c.cooldownUntil(),
	}

	if c.deps.Market != nil {
		today, err := c.deps.Market.GetDayAheadPrices(ctx, now)
		c.markDegraded("market_prices", err != nil)
		if err != nil {
			log.Ctx(ctx).Warn("price fetch failed", "error", err)
		} else {
			peaks, perr := c.deps.Market.GetPeakHours(ctx, now)
			if perr != nil {
				log.Ctx(ctx).Warn("peak hour fetch failed", "error", perr)
			}
			bands := c.cfg.ElectricityTariff.BandThresholds
			in.Prices = prices.Apply(today, c.deps.Tariff, peaks, bands)
			in.PeakLabel = labelAt(peaks, now)
			maxGap := time.Duration(c.cfg.PVConsumptionAnalysis.MaxWindowGapMinutes) * time.Minute
			minDur := time.Duration(c.cfg.PVConsumptionAnalysis.MinChargingDurationHours * float64(time.Hour))
			in.ChargeWindows = prices.ChargeWindows(in.Prices, maxGap, minDur)
			c.archivePrices(in.Prices)

			if tomorrow, terr := c.deps.Market.GetDayAheadPrices(ctx, now.AddDate(0, 0, 1)); terr == nil {
				in.TomorrowPrices = prices.Apply(tomorrow, c.deps.Tariff, nil, bands)
			}
		}
	}

	if c.deps.Forecast != nil {
		today, err := c.deps.Forecast.Forecast(ctx, now)
		in.PVForecastOK = err == nil
		c.markDegraded("pv_forecast", err != nil)
		if err != nil {
			log.Ctx(ctx).Warn("pv forecast failed", "error", err)
		} else {
			in.PVForecast = today
			c.archiveForecast(today)
			if tomorrow, terr := c.deps.Forecast.Forecast(ctx, now.AddDate(0, 0, 1)); terr == nil {
				in.TomorrowPV = tomorrow
			} else {
				in.PVForecastOK = false
			}
		}
	}

	if avg, err := c.deps.Collector.AverageDailyConsumptionKWH(ctx, 7); err == nil {
		in.AvgDailyConsumptionKWH = avg
	}
	return in
}

// execute turns the decisions into inverter commands and session updates.
// Selling takes precedence over a non-critical charge.
func (c *Coordinator) execute(ctx context.Context, now time.Time, snap types.Snapshot, d types.Decision, sd *types.SellingDecision) {
	if sd != nil {
		switch sd.Action {
		case types.SellActionSellNow:
			if sd.AvailableKWH > 0 {
				c.startSelling(ctx, now, snap, *sd)
				return
			}
		case types.SellActionWaitForPeak, types.SellActionWaitForHigher:
			c.mu.Lock()
			if c.waitStartedAt == nil {
				t := now
				c.waitStartedAt = &t
				c.forecastPeak = sd.PeakPricePLNPerKWH
			}
			c.mu.Unlock()
		default:
			c.mu.Lock()
			c.waitStartedAt = nil
			c.mu.Unlock()
		}
	}

	switch {
	case d.Action.IsCharge():
		c.stopSelling(ctx, now, "superseded by charging")
		if err := c.deps.System.StartCharging(ctx, d.PowerW); err != nil {
			log.Ctx(ctx).Error("start charging failed", "error", err)
			return
		}
		c.mu.Lock()
		if c.chargeSession == nil || !c.chargeSession.Active() {
			s := types.NewSession(types.SessionKindCharging, now,
				d.TargetSOCPercent, d.PowerW, d.EnergyKWH, d.EstimatedCostPLN)
			s.Status = types.SessionStatusActive
			c.chargeSession = &s
		}
		session := *c.chargeSession
		c.mu.Unlock()
		c.persistSession(session)
		c.persistSchedule(session)
		c.setPhase(types.PhaseCharging, "")

	case d.Action == types.ActionStop:
		c.endCharging(ctx, now, types.SessionStatusCompleted, "")
		c.setPhase(types.PhaseMonitoring, "")

	case d.Action == types.ActionWait:
		c.mu.Lock()
		session := c.chargeSession
		young := session != nil && session.Active() && now.Sub(session.StartedAt) < minSessionDuration
		c.mu.Unlock()
		if young && d.Priority != types.PriorityCritical {
			log.Ctx(ctx).Info("keeping young charging session through wait decision")
			return
		}
		if session != nil && session.Active() {
			c.endCharging(ctx, now, types.SessionStatusCompleted, "")
		}
		c.setPhase(types.PhaseMonitoring, "")
	}
}

func (c *Coordinator) startSelling(ctx context.Context, now time.Time, snap types.Snapshot, sd types.SellingDecision) {
	c.endCharging(ctx, now, types.SessionStatusAborted, "superseded by selling")
	params := inverter.ModeParams{
		PowerW:        c.cfg.BatteryManagement.MaxDischargePowerW,
		MinSOCPercent: sd.MinSOCFloorPercent,
	}
	if err := c.deps.System.SetOperationMode(ctx, inverter.ModeEcoDischarge, params); err != nil {
		log.Ctx(ctx).Error("switching to discharge mode failed", "error", err)
		return
	}
	c.mu.Lock()
	c.waitStartedAt = nil
	if c.sellSession == nil || !c.sellSession.Active() {
		s := types.NewSession(types.SessionKindSelling, now,
			sd.MinSOCFloorPercent, c.cfg.BatteryManagement.MaxDischargePowerW,
			sd.AvailableKWH, -sd.ExpectedRevenuePLN)
		s.Status = types.SessionStatusActive
		c.sellSession = &s
	}
	session := *c.sellSession
	c.mu.Unlock()
	c.persistSession(session)
	c.setPhase(types.PhaseSelling, "")
}

func (c *Coordinator) stopSelling(ctx context.Context, now time.Time, reason string) {
	c.mu.Lock()
	session := c.sellSession
	c.mu.Unlock()
	if session == nil || !session.Active() {
		return
	}
	if err := c.deps.System.SetOperationMode(ctx, inverter.ModeGeneral, inverter.ModeParams{}); err != nil {
		log.Ctx(ctx).Error("leaving discharge mode failed", "error", err)
	}
	status := types.SessionStatusCompleted
	if reason != "" {
		status = types.SessionStatusAborted
	}
	c.closeSession(session, now, status, reason)
}

func (c *Coordinator) endCharging(ctx context.Context, now time.Time, status types.SessionStatus, reason string) {
	c.mu.Lock()
	session := c.chargeSession
	c.mu.Unlock()
	if session == nil || !session.Active() {
		return
	}
	if err := c.deps.System.StopCharging(ctx); err != nil {
		log.Ctx(ctx).Error("stop charging failed", "error", err)
	}
	c.closeSession(session, now, status, reason)
}

func (c *Coordinator) closeSession(s *types.Session, now time.Time, status types.SessionStatus, reason string) {
	c.mu.Lock()
	end := now
	s.EndedAt = &end
	s.Status = status
	s.AbortReason = reason
	session := *s
	c.mu.Unlock()
	c.persistSession(session)
}

// finishCompletedSessions completes a charging session once the battery
// reached its target; selling sessions end when SoC hits the floor.
func (c *Coordinator) finishCompletedSessions(ctx context.Context) {
	snap, ok := c.deps.Collector.Latest()
	if !ok {
		return
	}
	now := c.clock()
	c.mu.Lock()
	charge := c.chargeSession
	sell := c.sellSession
	c.mu.Unlock()

	if charge != nil && charge.Active() && snap.Battery.SOCPercent >= charge.TargetSOCPercent {
		log.Ctx(ctx).Info("charging target reached", "target_soc", charge.TargetSOCPercent)
		c.endCharging(ctx, now, types.SessionStatusCompleted, "")
		c.setPhase(types.PhaseMonitoring, "")
	}
	if sell != nil && sell.Active() && snap.Battery.SOCPercent <= sell.TargetSOCPercent {
		log.Ctx(ctx).Info("selling floor reached", "floor_soc", sell.TargetSOCPercent)
		c.stopSelling(ctx, now, "")
		c.setPhase(types.PhaseMonitoring, "")
	}
}

func (c *Coordinator) abortSessions(ctx context.Context, reason string) {
	now := c.clock()
	c.endCharging(ctx, now, types.SessionStatusAborted, reason)
	c.stopSelling(ctx, now, reason)
}

// shutdown stops active work and flushes persistence with a short deadline.
func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Ctx(ctx).Info("coordinator shutting down")

	c.abortSessions(ctx, "shutdown")
	c.deps.Collector.Flush(ctx)

	c.mu.Lock()
	c.running = false
	st := c.state
	st.LastTick = c.clock()
	c.mu.Unlock()
	if err := c.deps.Store.SaveState(ctx, st); err != nil {
		log.Ctx(ctx).Warn("final state write failed", "error", err)
	}
}

// persistence helpers; decisions and sessions are critical records that the
// queue never sheds.

func (c *Coordinator) persistDecision(d types.Decision, sd *types.SellingDecision) {
	c.enqueue("save decision", true, func(ctx context.Context) error {
		return c.deps.Store.SaveDecision(ctx, d)
	})
	if sd != nil {
		s := *sd
		c.enqueue("save selling decision", true, func(ctx context.Context) error {
			return c.deps.Store.SaveSellingDecision(ctx, s)
		})
	}
}

func (c *Coordinator) persistSession(s types.Session) {
	c.enqueue("save session", true, func(ctx context.Context) error {
		return c.deps.Store.SaveSession(ctx, s)
	})
}

func (c *Coordinator) persistSchedule(s types.Session) {
	c.enqueue("save schedule", false, func(ctx context.Context) error {
		return c.deps.Store.SaveChargingSchedule(ctx, []types.Session{s})
	})
}

func (c *Coordinator) persistState(now time.Time) {
	c.mu.Lock()
	c.state.LastTick = now
	st := c.state
	c.mu.Unlock()
	c.enqueue("save state", false, func(ctx context.Context) error {
		return c.deps.Store.SaveState(ctx, st)
	})
}

func (c *Coordinator) archivePrices(points []types.PricePoint) {
	pts := points
	c.enqueue("archive prices", false, func(ctx context.Context) error {
		return c.deps.Store.SaveMarketPrices(ctx, pts)
	})
}

func (c *Coordinator) archiveForecast(points []types.PVForecastPoint) {
	pts := points
	c.enqueue("archive pv forecast", false, func(ctx context.Context) error {
		return c.deps.Store.SavePVForecast(ctx, pts)
	})
}

// enqueue routes through the write queue when one is wired, otherwise writes
// synchronously.
func (c *Coordinator) enqueue(name string, critical bool, run func(context.Context) error) {
	if c.deps.Queue != nil {
		c.deps.Queue.Enqueue(name, critical, run)
		return
	}
	if err := run(context.Background()); err != nil {
		log.Ctx(context.Background()).Warn("write failed", "op", name, "error", err)
	}
}

// checkHealth probes storage on the health-check cadence and flags degraded
// persistence in the coordinator state.
func (c *Coordinator) checkHealth(ctx context.Context, now time.Time) {
	interval := time.Duration(c.cfg.Coordinator.HealthCheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.mu.Lock()
	due := now.Sub(c.lastHealth) >= interval
	if due {
		c.lastHealth = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	err := c.deps.Store.HealthCheck(ctx)
	if err != nil {
		log.Ctx(ctx).Warn("storage health check failed", "error", err)
	}
	c.markDegraded("storage", err != nil)
	c.mu.Lock()
	c.state.PersistenceDegraded = err != nil
	c.mu.Unlock()
}

// sweepRetention prunes aged telemetry from backends that support it, once
// per day.
func (c *Coordinator) sweepRetention(ctx context.Context, now time.Time) {
	days := c.cfg.Coordinator.DataRetentionDays
	if days <= 0 {
		return
	}
	c.mu.Lock()
	due := now.Sub(c.lastSweep) >= 24*time.Hour
	if due {
		c.lastSweep = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	cutoff := now.AddDate(0, 0, -days)
	sweep := func(p storage.Provider) {
		if s, ok := p.(sweeper); ok {
			c.enqueue("retention sweep", false, func(ctx context.Context) error {
				return s.Sweep(ctx, cutoff)
			})
		}
	}
	sweep(c.deps.Store)
}

// GetStatus returns the read-only dashboard payload.
func (c *Coordinator) GetStatus() types.Status {
	c.mu.Lock()
	st := types.Status{
		State:         c.state.Phase,
		Running:       c.running,
		DecisionCount: c.decisionCount,
	}
	if c.running {
		st.UptimeSeconds = c.clock().Sub(c.startedAt).Seconds()
	}
	if !c.lastDecisionAt.IsZero() {
		st.LastDecisionISO = c.lastDecisionAt.Format(time.RFC3339)
	}
	for name, bad := range c.degraded {
		if bad {
			st.Degraded = append(st.Degraded, name)
		}
	}
	c.mu.Unlock()

	st.SafetyStatus = c.deps.Supervisor.Status()
	if snap, ok := c.deps.Collector.Latest(); ok {
		st.CurrentSnapshot = &snap
		st.ComplianceReport = safety.Compliance(snap, c.cfg.SafetyConfig(),
			c.cfg.BatteryManagement.VDE251050Compliance)
	}
	return st
}

// State returns a copy of the coordinator lifecycle record.
func (c *Coordinator) State() types.CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// small locked accessors

func (c *Coordinator) setPhase(p types.CoordinatorPhase, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != p {
		c.state.Phase = p
		c.state.Since = c.clock()
	}
	c.state.LastError = lastErr
}

func (c *Coordinator) phase() types.CoordinatorPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

func (c *Coordinator) lastActionTaken() types.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAction
}

func (c *Coordinator) cooldownUntil() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.WaitCooldownUntil
}

func (c *Coordinator) waitStarted() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitStartedAt
}

func (c *Coordinator) peakPrice() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forecastPeak
}

func (c *Coordinator) markDegraded(name string, bad bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded[name] = bad
	var subsystems []string
	for n, b := range c.degraded {
		if b {
			subsystems = append(subsystems, n)
		}
	}
	c.state.DegradedSubsystems = subsystems
}

func labelAt(peaks []types.PeakHour, t time.Time) types.PeakLabel {
	hour := t.Truncate(time.Hour)
	for _, p := range peaks {
		if p.HourStart.Equal(hour) {
			return p.Label
		}
	}
	return types.PeakLabelNormal
}
