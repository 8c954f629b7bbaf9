package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/executor"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/risk"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/riskmath"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/storage"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/vault"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REBALANCER - Periodic delta correction
// ═══════════════════════════════════════════════════════════════════════════════
//
// Snapshot → drift → cooldown → min size → safety gate → executor
//
// last_rebalance only moves forward on a CONFIRMED execution.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Rebalancer runs one delta-correction tick at a time against the hedge
// market.
type Rebalancer struct {
	engineID    string
	cfg         config.RebalanceConfig
	hedgeMarket drift.Market
	spotBase    decimal.Decimal

	driver    venue.Driver
	prices    oracle.Source
	gate      *risk.Gate
	exec      *executor.Executor
	vault     *vault.Vault
	bus       *events.Bus
	db        *storage.Database
	snapshots executor.Snapshots

	mu            sync.Mutex
	lastRebalance time.Time

	// now is swapped in tests.
	now func() time.Time
}

func NewRebalancer(
	engineID string,
	cfg config.RebalanceConfig,
	hedgeMarket drift.Market,
	spotBase decimal.Decimal,
	driver venue.Driver,
	prices oracle.Source,
	gate *risk.Gate,
	exec *executor.Executor,
	v *vault.Vault,
	bus *events.Bus,
	db *storage.Database,
	snapshots executor.Snapshots,
) *Rebalancer {
	r := &Rebalancer{
		engineID:    engineID,
		cfg:         cfg,
		hedgeMarket: hedgeMarket,
		spotBase:    spotBase,
		driver:      driver,
		prices:      prices,
		gate:        gate,
		exec:        exec,
		vault:       v,
		bus:         bus,
		db:          db,
		snapshots:   snapshots,
		now:         time.Now,
	}
	if v != nil {
		r.lastRebalance = v.LastRebalance()
	}
	return r
}

// LastRebalance returns the timestamp of the last confirmed rebalance.
func (r *Rebalancer) LastRebalance() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRebalance
}

// Tick runs one control-loop iteration and reports the outcome.
func (r *Rebalancer) Tick(ctx context.Context) events.Rebalance {
	now := r.now()

	state := r.snapshots.Latest()
	if state == nil {
		log.Warn().Str("engine", r.engineID).Msg("Tick skipped: no snapshot available")
		return r.finish(events.Rebalance{At: now, Action: events.ActionNone, Status: events.StatusFailed, Error: "no snapshot"})
	}

	// The spot leg defaults to the wallet's native holdings; SPOT_BASE
	// overrides it for externally-held spot.
	spotBase := r.spotBase
	if spotBase.IsZero() {
		if native, err := r.driver.NativeBalance(ctx); err == nil {
			spotBase = native
		}
	}

	perpBase := state.PerpBase(r.hedgeMarket.Index)
	netDelta := riskmath.NetDelta(spotBase, perpBase, r.cfg.ReservedGasNative)
	driftPct := riskmath.Drift(spotBase, perpBase, r.cfg.ReservedGasNative)

	log.Debug().
		Str("engine", r.engineID).
		Str("net_delta", netDelta.String()).
		Str("drift_pct", driftPct.String()).
		Msg("Tick")

	// Equality at the tolerance boundary does not trigger.
	if driftPct.Abs().LessThanOrEqual(r.cfg.DriftTolerancePct) {
		return r.finish(events.Rebalance{At: now, Action: events.ActionNone, Status: events.StatusNone})
	}

	size, side := riskmath.CorrectionSize(netDelta)
	action := events.ActionExpandShort
	orderSide := "short"
	if side == riskmath.SideShortLess {
		action = events.ActionReduceShort
		orderSide = "long"
	}

	// Equality at cooldown expiry is allowed.
	r.mu.Lock()
	last := r.lastRebalance
	r.mu.Unlock()
	if !last.IsZero() && now.Sub(last) < r.cfg.Cooldown {
		return r.finish(events.Rebalance{At: now, Action: action, CorrectionSize: size, Status: events.StatusSkippedCooldown})
	}

	// Equality with the minimum size is allowed.
	if size.LessThan(r.cfg.MinTradeSizeBase) {
		return r.finish(events.Rebalance{At: now, Action: action, CorrectionSize: size, Status: events.StatusSkippedMinSize})
	}

	verdict := r.checkGate(ctx, state, size, now)
	if !verdict.OK {
		return r.finish(events.Rebalance{
			At: now, Action: action, CorrectionSize: size,
			Status: events.StatusBlockedGate, BlockReason: string(verdict.Reason),
		})
	}

	res, err := r.exec.Open(ctx, r.hedgeMarket.Index, orderSide, size)
	if err != nil {
		return r.finish(events.Rebalance{
			At: now, Action: action, CorrectionSize: size,
			Status: events.StatusFailed, Error: err.Error(),
		})
	}

	switch res.State {
	case executor.StateConfirmed:
		r.mu.Lock()
		r.lastRebalance = now
		r.mu.Unlock()
		if r.vault != nil {
			if err := r.vault.SetLastRebalance(now); err != nil {
				log.Warn().Err(err).Msg("Persisting last rebalance failed")
			}
			r.syncVault(ctx, now)
		}
		return r.finish(events.Rebalance{
			At: now, Action: action, CorrectionSize: size,
			Status: events.StatusExecuted, TxSignature: res.Signature.String(),
		})

	case executor.StateUnknown:
		// Operator intervention required; last_rebalance untouched.
		return r.finish(events.Rebalance{
			At: now, Action: action, CorrectionSize: size,
			Status: events.StatusUnknown, TxSignature: res.Signature.String(),
		})

	default: // REJECTED or FAILED
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		return r.finish(events.Rebalance{
			At: now, Action: action, CorrectionSize: size,
			Status: events.StatusFailed, Error: errMsg,
		})
	}
}

// checkGate gathers the gate inputs and runs the composite check.
func (r *Rebalancer) checkGate(ctx context.Context, state *snapshot.AccountState, size decimal.Decimal, now time.Time) risk.Verdict {
	mark, err := r.prices.MarkPrice(ctx, r.hedgeMarket.Index)
	if err != nil {
		log.Warn().Err(err).Msg("Gate: mark price unavailable")
		return risk.Verdict{Reason: risk.ReasonStaleOracle, Detail: err.Error()}
	}
	native, err := r.driver.NativeBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Gate: native balance unavailable")
		return risk.Verdict{Reason: risk.ReasonLowGas, Detail: err.Error()}
	}
	funding, err := r.driver.FundingRateHourly(ctx, r.hedgeMarket.Index)
	if err != nil {
		log.Warn().Err(err).Msg("Gate: funding rate unavailable")
		funding = decimal.Zero
	}

	notional := size.Mul(mark.Price)
	cost := riskmath.EstimatedCost(r.cfg.TipNative, notional, mark.Price)
	revenue := riskmath.ExpectedFundingRevenue(size, riskmath.HaircutFundingRate(funding), mark.Price)
	log.Info().
		Str("expected_revenue", revenue.String()).
		Str("estimated_cost", cost.String()).
		Str("net_profit", revenue.Sub(cost).String()).
		Msg("Profitability check")

	return r.gate.Check(risk.Request{
		Kind:              risk.KindOpen,
		State:             state,
		SizeBase:          size,
		MarkPrice:         mark.Price,
		FundingRateHourly: funding,
		OracleAge:         mark.Age(now),
		NativeBalance:     native,
		NativePriceQuote:  mark.Price,
	})
}

// syncVault reconciles the vault against a fresh post-trade snapshot.
func (r *Rebalancer) syncVault(ctx context.Context, now time.Time) {
	data, err := r.driver.UserAccount(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Vault sync: account fetch failed")
		return
	}
	builder := snapshot.NewBuilder(r.prices)
	fresh, err := builder.Build(ctx, data, now)
	if err != nil {
		log.Warn().Err(err).Msg("Vault sync: snapshot build failed")
		return
	}
	if err := r.vault.SyncFromSnapshot(ctx, fresh); err != nil {
		log.Error().Err(err).Msg("Vault sync failed after trade")
	}
}

// finish publishes and records the tick outcome.
func (r *Rebalancer) finish(ev events.Rebalance) events.Rebalance {
	if r.bus != nil {
		r.bus.Publish(events.EventRebalance, ev)
	}
	if r.db != nil && ev.Status != events.StatusNone {
		r.db.LogRebalance(r.engineID, string(ev.Action), ev.CorrectionSize, string(ev.Status), ev.TxSignature, ev.Error)
	}
	switch ev.Status {
	case events.StatusExecuted:
		log.Info().
			Str("action", string(ev.Action)).
			Str("size", ev.CorrectionSize.String()).
			Str("sig", ev.TxSignature).
			Msg("⚖️ Rebalanced")
	case events.StatusBlockedGate:
		log.Warn().Str("reason", ev.BlockReason).Msg("Rebalance blocked by safety gate")
	case events.StatusFailed:
		log.Warn().Str("error", ev.Error).Msg("Rebalance failed")
	case events.StatusUnknown:
		log.Error().Str("sig", ev.TxSignature).Msg("Rebalance outcome unknown, verify signature externally")
	}
	return ev
}
