package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/executor"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/risk"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// liveSnaps rebuilds the snapshot from the driver on every read, so ticks
// always see the venue's current state.
type liveSnaps struct {
	driver venue.Driver
	prices oracle.Source
	now    func() time.Time
}

func (l *liveSnaps) Latest() *snapshot.AccountState {
	data, err := l.driver.UserAccount(context.Background())
	if err != nil {
		return nil
	}
	st, err := snapshot.NewBuilder(l.prices).Build(context.Background(), data, l.now())
	if err != nil {
		return nil
	}
	return st
}

type rig struct {
	reb    *Rebalancer
	paper  *venue.Paper
	prices *oracle.Static
	now    time.Time
}

func rebCfg() config.RebalanceConfig {
	return config.RebalanceConfig{
		DriftTolerancePct:        dec("1"),
		Cooldown:                 1800 * time.Second,
		MinTradeSizeBase:         dec("0.005"),
		MaxLeverage:              dec("5"),
		MinHealthAfterWithdrawal: dec("80"),
		LoopInterval:             60 * time.Second,
		ReservedGasNative:        decimal.Zero,
		OracleStaleThreshold:     300 * time.Millisecond,
		TipNative:                dec("0.0001"),
		HealthWarnThreshold:      dec("50"),
		HealthCriticalThreshold:  dec("20"),
		HealthWarnCooldown:       60 * time.Second,
	}
}

// newRig builds a paper venue with 5000 USDC collateral and the given perp
// base, a 10 SOL spot leg, and a rebalancer with a pinned clock.
func newRig(t *testing.T, perpBase string) *rig {
	return newRigWithCfg(t, perpBase, rebCfg())
}

func newRigWithCfg(t *testing.T, perpBase string, cfg config.RebalanceConfig) *rig {
	t.Helper()
	now := time.Now()

	prices := oracle.NewStatic()
	prices.SetPriceAt(0, dec("150"), now)

	paper := venue.NewPaper(prices, dec("5000"), dec("10"))
	paper.SetFundingRate(0, dec("0.01"))
	if perpBase != "0" {
		base := drift.DecimalToRaw(dec(perpBase), drift.BasePrecisionExp)
		quote := drift.DecimalToRaw(dec(perpBase).Mul(dec("150")).Neg(), drift.QuotePrecisionExp)
		paper.SetPerpPosition(0, drift.PerpPosition{
			BaseAssetAmount:  base,
			QuoteAssetAmount: quote,
			QuoteEntryAmount: quote,
			MarketIndex:      0,
		})
	}

	snaps := &liveSnaps{driver: paper, prices: prices, now: func() time.Time { return now }}
	exec := executor.New("eng-test", paper, prices, snaps, nil, cfg)
	exec.ConfirmTimeout = 200 * time.Millisecond
	exec.ConfirmPoll = 10 * time.Millisecond
	exec.QueryTimeout = 100 * time.Millisecond
	exec.QueryPoll = 10 * time.Millisecond

	hedge, err := drift.MarketByIndex(0)
	require.NoError(t, err)

	reb := NewRebalancer("eng-test", cfg, hedge, dec("10"), paper, prices, risk.NewGate(cfg), exec, nil, events.NewBus(), nil, snaps)
	reb.now = func() time.Time { return now }

	return &rig{reb: reb, paper: paper, prices: prices, now: now}
}

func (r *rig) perpBase(t *testing.T) decimal.Decimal {
	t.Helper()
	data, err := r.paper.UserAccount(context.Background())
	require.NoError(t, err)
	raw, err := drift.DecodeUser(data)
	require.NoError(t, err)
	for _, pp := range raw.PerpPositions {
		if pp.BaseAssetAmount != 0 {
			return drift.RawToDecimal(pp.BaseAssetAmount, drift.BasePrecisionExp)
		}
	}
	return decimal.Zero
}

// S1: clean hedge, zero drift, no action, timestamps untouched.
func TestTickCleanHedge(t *testing.T) {
	r := newRig(t, "-10")

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.ActionNone, ev.Action)
	assert.Equal(t, events.StatusNone, ev.Status)
	assert.True(t, r.reb.LastRebalance().IsZero())
	assert.True(t, r.perpBase(t).Equal(dec("-10")))
}

// S2: +5% drift expands the short by exactly the correction size.
func TestTickExpandShort(t *testing.T) {
	r := newRig(t, "-9.5")

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.ActionExpandShort, ev.Action)
	assert.Equal(t, events.StatusExecuted, ev.Status)
	assert.True(t, ev.CorrectionSize.Equal(dec("0.5")), "correction %s", ev.CorrectionSize)
	assert.NotEmpty(t, ev.TxSignature)
	assert.Equal(t, r.now, r.reb.LastRebalance())
	assert.True(t, r.perpBase(t).Equal(dec("-10")), "perp %s", r.perpBase(t))
}

// Negative drift reduces the short.
func TestTickReduceShort(t *testing.T) {
	r := newRig(t, "-10.5")

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.ActionReduceShort, ev.Action)
	assert.Equal(t, events.StatusExecuted, ev.Status)
	assert.True(t, ev.CorrectionSize.Equal(dec("0.5")))
	assert.True(t, r.perpBase(t).Equal(dec("-10")))
}

// S3: drift within cooldown leaves everything untouched.
func TestTickSkippedCooldown(t *testing.T) {
	r := newRig(t, "-10.5")
	prior := r.now.Add(-10 * time.Minute)
	r.reb.lastRebalance = prior

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusSkippedCooldown, ev.Status)
	assert.Equal(t, prior, r.reb.LastRebalance())
	assert.True(t, r.perpBase(t).Equal(dec("-10.5")))
}

// Exactly at cooldown expiry the rebalance is allowed.
func TestTickCooldownExpiryBoundary(t *testing.T) {
	r := newRig(t, "-9.5")
	r.reb.lastRebalance = r.now.Add(-rebCfg().Cooldown)

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusExecuted, ev.Status)
}

// S5: dust corrections are filtered. The tolerance is tightened so the
// min-size filter, not the drift band, is what fires.
func TestTickSkippedMinSize(t *testing.T) {
	cfg := rebCfg()
	cfg.DriftTolerancePct = dec("0.01")
	r := newRigWithCfg(t, "-9.997", cfg)

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusSkippedMinSize, ev.Status)
	assert.True(t, ev.CorrectionSize.Equal(dec("0.003")))
	assert.True(t, r.reb.LastRebalance().IsZero())
	assert.True(t, r.perpBase(t).Equal(dec("-9.997")))
}

// A correction exactly at the minimum size trades.
func TestTickMinSizeBoundary(t *testing.T) {
	cfg := rebCfg()
	cfg.DriftTolerancePct = dec("0.01")
	r := newRigWithCfg(t, "-9.995", cfg)
	r.paper.SetFundingRate(0, dec("0.2")) // dust-sized order still has to clear the fee guard

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusExecuted, ev.Status)
	assert.True(t, ev.CorrectionSize.Equal(dec("0.005")))
}

// Drift exactly at the tolerance does not trigger.
func TestTickToleranceBoundary(t *testing.T) {
	r := newRig(t, "-9.9") // net +0.1 on 10 spot = exactly 1%

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusNone, ev.Status)
	assert.True(t, r.perpBase(t).Equal(dec("-9.9")))
}

// A gate block leaves last_rebalance unchanged.
func TestTickBlockedGate(t *testing.T) {
	r := newRig(t, "-9.5")
	r.paper.SetFundingRate(0, decimal.Zero) // kills the fee guard

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusBlockedGate, ev.Status)
	assert.Equal(t, string(risk.ReasonUnprofitable), ev.BlockReason)
	assert.True(t, r.reb.LastRebalance().IsZero())
	assert.True(t, r.perpBase(t).Equal(dec("-9.5")))
}

// Property: any failed executor result leaves last_rebalance unchanged.
func TestTickFailureKeepsTimestamp(t *testing.T) {
	r := newRig(t, "-9.5")
	r.paper.FailSimulate = errors.New("program error")

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusFailed, ev.Status)
	assert.True(t, r.reb.LastRebalance().IsZero())
	assert.True(t, r.perpBase(t).Equal(dec("-9.5")))

	r.paper.FailSimulate = nil
	r.paper.FailSend = errors.New("rpc down")
	ev = r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusFailed, ev.Status)
	assert.True(t, r.reb.LastRebalance().IsZero())
}

// An UNKNOWN outcome surfaces the signature and keeps the timestamp.
func TestTickUnknownOutcome(t *testing.T) {
	r := newRig(t, "-9.5")
	pending := venue.StatusPending
	r.paper.ForcedStatus = &pending

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusUnknown, ev.Status)
	assert.NotEmpty(t, ev.TxSignature)
	assert.True(t, r.reb.LastRebalance().IsZero())
}

// No snapshot available: telemetry only, nothing traded.
func TestTickNoSnapshot(t *testing.T) {
	r := newRig(t, "-9.5")
	r.reb.snapshots = &liveSnaps{
		driver: r.paper,
		prices: oracle.NewStatic(), // builder will fail on missing price
		now:    func() time.Time { return r.now },
	}

	ev := r.reb.Tick(context.Background())
	assert.Equal(t, events.StatusFailed, ev.Status)
	assert.Equal(t, "no snapshot", ev.Error)
}
