package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/executor"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/retry"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/risk"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/riskmath"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/storage"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/vault"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KEEPER SUPERVISOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns exactly one rebalancer, one executor, one safety gate, and one vault
// per engine. Drives the tick loop and the command consumer on one
// cooperative scheduler, watches the account subscription, and classifies
// failures.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrConnectFailed is returned when the venue cannot be reached at init.
var ErrConnectFailed = errors.New("keeper: venue connection failed at init")

type cmdReq struct {
	cmd   Command
	reply chan Response
}

// Supervisor is the engine lifecycle owner.
type Supervisor struct {
	cfg         *config.Config
	hedgeMarket drift.Market

	driver  venue.Driver
	prices  oracle.Source
	builder *snapshot.Builder
	vault   *vault.Vault
	exec    *executor.Executor
	reb     *Rebalancer
	router  *Router
	bus     *events.Bus
	db      *storage.Database

	mu            sync.Mutex
	latest        *snapshot.AccountState
	engineRunning bool
	connected     bool
	initialized   bool
	critical      bool
	criticalWhy   string
	lastWarnAt    time.Time
	lastCritAt    time.Time

	cmdCh chan cmdReq
	wg    sync.WaitGroup

	// Stats
	ticks      int
	rebalances int
	blocks     map[string]int

	GraceWindow       time.Duration
	ReconnectInterval time.Duration
}

// New wires one engine: vault, executor, gate, rebalancer, router.
func New(cfg *config.Config, driver venue.Driver, prices oracle.Source, db *storage.Database, bus *events.Bus) (*Supervisor, error) {
	hedge, err := drift.MarketBySymbol(cfg.HedgeMarket)
	if err != nil {
		return nil, fmt.Errorf("keeper: %w", err)
	}

	kind := "on_chain"
	if cfg.Mode == "paper" {
		kind = "virtual"
	}
	v, err := vault.Open(db.Gorm(), bus, cfg.EngineID, kind, cfg.Mode)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:         cfg,
		hedgeMarket: hedge,
		driver:      driver,
		prices:      prices,
		builder:     snapshot.NewBuilder(prices),
		vault:       v,
		bus:         bus,
		db:          db,
		cmdCh:       make(chan cmdReq, 32),
		blocks:      make(map[string]int),

		GraceWindow:       30 * time.Second,
		ReconnectInterval: 10 * time.Second,
	}

	s.exec = executor.New(cfg.EngineID, driver, prices, s, db.TradeLogger(cfg.EngineID), cfg.Rebalance)
	gate := risk.NewGate(cfg.Rebalance)
	s.reb = NewRebalancer(cfg.EngineID, cfg.Rebalance, hedge, cfg.SpotBase, driver, prices, gate, s.exec, v, bus, db, s)
	s.router = NewRouter(cfg.EngineID, s, s.exec, gate, v, s, driver, prices, bus, cfg.Rebalance.MinTradeSizeBase)

	return s, nil
}

// Latest implements the snapshot provider for the executor and router.
func (s *Supervisor) Latest() *snapshot.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Router exposes the command surface for transports.
func (s *Supervisor) Router() *Router { return s.router }

// StartEngine begins rebalancing. The mode must match the configured driver.
func (s *Supervisor) StartEngine(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.critical {
		return fmt.Errorf("engine halted: %s", s.criticalWhy)
	}
	if mode != s.cfg.Mode {
		return fmt.Errorf("%w: keeper is configured for %s", ErrInvalidMode, s.cfg.Mode)
	}
	if s.engineRunning {
		return ErrAlreadyRunning
	}
	s.engineRunning = true
	log.Info().Str("mode", mode).Msg("▶️ Engine started")
	return nil
}

// StopEngine pauses rebalancing; the keeper keeps watching state.
func (s *Supervisor) StopEngine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engineRunning {
		return ErrNotRunning
	}
	s.engineRunning = false
	log.Info().Msg("⏸️ Engine stopped")
	return nil
}

// Ready reports whether trade commands can be accepted.
func (s *Supervisor) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.critical {
		return fmt.Errorf("engine halted: %s", s.criticalWhy)
	}
	if !s.connected {
		return ErrReconnecting
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Submit routes a command through the FIFO consumer, answering within the
// 5 s contract. Later confirmations arrive as COMMAND_RESULT events.
func (s *Supervisor) Submit(ctx context.Context, cmd Command) Response {
	req := cmdReq{cmd: cmd, reply: make(chan Response, 1)}
	select {
	case s.cmdCh <- req:
	case <-ctx.Done():
		return Response{ID: cmd.ID, OK: false, Code: CodeTimeout, Message: "command queue full"}
	}

	select {
	case resp := <-req.reply:
		return resp
	case <-time.After(5 * time.Second):
		return Response{
			ID: cmd.ID, OK: true, Status: "pending",
			Message: "confirmation pending, watch COMMAND_RESULT events",
		}
	case <-ctx.Done():
		return Response{ID: cmd.ID, OK: false, Code: CodeTimeout, Message: ctx.Err().Error()}
	}
}

// Run drives the keeper until ctx is cancelled. It returns ErrConnectFailed
// when the venue is unreachable during init.
func (s *Supervisor) Run(ctx context.Context) error {
	// Initial connect with bounded exponential backoff.
	var sub <-chan []byte
	var cancelSub func()
	err := retry.Do(ctx, retry.InitSubscribe, func(ctx context.Context) error {
		var err error
		sub, cancelSub, err = s.driver.Subscribe(ctx)
		return err
	})
	switch {
	case errors.Is(err, venue.ErrAccountNotFound):
		// Trade commands are rejected until a deposit creates the account.
		log.Warn().Msg("Venue account not initialized; trade commands disabled")
		s.mu.Lock()
		s.connected = true
		s.initialized = false
		s.mu.Unlock()
	case err != nil:
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	default:
		s.mu.Lock()
		s.connected = true
		s.initialized = true
		s.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchSubscription(runCtx, sub, cancelSub)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(runCtx)
	}()

	<-ctx.Done()
	cancel()
	s.shutdown()
	return nil
}

// shutdown waits for loops to drain within the grace window, then flushes
// the vault. In-flight transactions finish through the executor lease before
// the loops exit.
func (s *Supervisor) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.GraceWindow):
		log.Error().Msg("Shutdown grace window elapsed, outcomes may be UNKNOWN")
	}

	if err := s.vault.Flush(); err != nil {
		log.Warn().Err(err).Msg("Vault flush on shutdown failed")
	}
	log.Info().Msg("Keeper shut down")
}

// watchSubscription consumes account updates and reconnects every
// ReconnectInterval while the stream is down.
func (s *Supervisor) watchSubscription(ctx context.Context, sub <-chan []byte, cancelSub func()) {
	defer func() {
		if cancelSub != nil {
			cancelSub()
		}
	}()

	for {
		if sub == nil {
			// Reconnect path. Trade commands are blocked with RECONNECTING.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.ReconnectInterval):
			}
			newSub, newCancel, err := s.driver.Subscribe(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Reconnect attempt failed")
				continue
			}
			sub = newSub
			cancelSub = newCancel
			s.mu.Lock()
			s.connected = true
			s.initialized = true
			s.mu.Unlock()
			log.Info().Msg("🔌 Venue subscription restored")
		}

		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub:
			if !ok {
				log.Warn().Msg("Venue subscription dropped, reconnecting")
				s.mu.Lock()
				s.connected = false
				s.mu.Unlock()
				cancelSub = nil
				sub = nil
				continue
			}
			s.handleAccountUpdate(ctx, data)
		}
	}
}

// handleAccountUpdate rebuilds the snapshot and emits STATE_UPDATE plus any
// due health alerts.
func (s *Supervisor) handleAccountUpdate(ctx context.Context, data []byte) {
	now := time.Now()
	state, err := s.builder.Build(ctx, data, now)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot build failed")
		return
	}

	s.mu.Lock()
	s.latest = state
	s.mu.Unlock()

	spotBase := s.cfg.SpotBase
	if spotBase.IsZero() {
		if native, err := s.driver.NativeBalance(ctx); err == nil {
			spotBase = native
		}
	}
	perpBase := state.PerpBase(s.hedgeMarket.Index)
	netDelta := riskmath.NetDelta(spotBase, perpBase, s.cfg.Rebalance.ReservedGasNative)
	driftPct := riskmath.Drift(spotBase, perpBase, s.cfg.Rebalance.ReservedGasNative)

	s.bus.Publish(events.EventStateUpdate, events.StateUpdate{
		State:    state,
		NetDelta: netDelta,
		DriftPct: driftPct,
		At:       now,
	})

	log.Debug().
		Str("health_ratio", state.HealthRatio.String()).
		Str("leverage", state.Leverage.String()).
		Str("total_collateral", state.TotalCollateral.String()).
		Str("free_collateral", state.FreeCollateral.String()).
		Msg("State update")

	s.checkHealth(state.HealthRatio, now)
}

// checkHealth emits HEALTH_WARN / HEALTH_CRITICAL, rate-limited per severity.
func (s *Supervisor) checkHealth(health decimal.Decimal, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg.Rebalance
	switch {
	case health.LessThan(cfg.HealthCriticalThreshold):
		if now.Sub(s.lastCritAt) >= cfg.HealthWarnCooldown {
			s.lastCritAt = now
			s.bus.Publish(events.EventHealthCritical, events.HealthAlert{
				Health: health, Threshold: cfg.HealthCriticalThreshold,
			})
			log.Error().Str("health", health.String()).Msg("🚨 Health CRITICAL")
		}
	case health.LessThan(cfg.HealthWarnThreshold):
		if now.Sub(s.lastWarnAt) >= cfg.HealthWarnCooldown {
			s.lastWarnAt = now
			s.bus.Publish(events.EventHealthWarn, events.HealthAlert{
				Health: health, Threshold: cfg.HealthWarnThreshold,
			})
			log.Warn().Str("health", health.String()).Msg("⚠️ Health below warning threshold")
		}
	}
}

// runLoop is the cooperative tick + command consumer. Pending commands are
// served ahead of each tick.
func (s *Supervisor) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Rebalance.LoopInterval)
	defer ticker.Stop()

	for {
		// Commands first: the tick yields to the queue.
		select {
		case req := <-s.cmdCh:
			s.serve(ctx, req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case req := <-s.cmdCh:
			s.serve(ctx, req)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) serve(ctx context.Context, req cmdReq) {
	resp := s.router.Dispatch(ctx, req.cmd)
	req.reply <- resp
}

func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	running := s.engineRunning && !s.critical
	s.ticks++
	s.mu.Unlock()
	if !running {
		return
	}

	ev := s.reb.Tick(ctx)

	s.mu.Lock()
	switch ev.Status {
	case events.StatusExecuted:
		s.rebalances++
	case events.StatusBlockedGate:
		s.blocks[ev.BlockReason]++
	}
	s.mu.Unlock()
}

// Halt transitions the engine to the terminal CRITICAL state.
func (s *Supervisor) Halt(reason, detail string) {
	s.mu.Lock()
	s.critical = true
	s.criticalWhy = reason
	s.engineRunning = false
	s.mu.Unlock()

	log.Error().Str("reason", reason).Str("detail", detail).Msg("🛑 CRITICAL halt, operator reset required")
	s.bus.Publish(events.EventCritical, events.Critical{Reason: reason, Detail: detail})
}

// Halted reports the terminal state, for exit codes.
func (s *Supervisor) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.critical
}

// Stats is a read-only counters snapshot for the STATS command.
func (s *Supervisor) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make(map[string]int, len(s.blocks))
	for k, v := range s.blocks {
		blocks[k] = v
	}
	return map[string]any{
		"engine_id":      s.cfg.EngineID,
		"mode":           s.cfg.Mode,
		"running":        s.engineRunning,
		"connected":      s.connected,
		"initialized":    s.initialized,
		"ticks":          s.ticks,
		"rebalances":     s.rebalances,
		"blocks":         blocks,
		"last_rebalance": s.reb.LastRebalance(),
		"vault":          s.vault.State(),
	}
}
