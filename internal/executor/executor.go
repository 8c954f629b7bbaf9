package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/riskmath"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSACTION EXECUTOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// State machine per transaction:
//
//	BUILT → SIMULATED → PENDING → CONFIRMED
//	          │            ├─ timeout → QUERYING → CONFIRMED | FAILED | UNKNOWN
//	          │            └─ send error → FAILED
//	          └─ sim failure → REJECTED (terminal, never retried)
//
// One exclusive lease per engine: no two position-modifying transactions from
// the same engine are ever in flight together.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TxState is the terminal (or surfaced) state of one transaction attempt.
type TxState string

const (
	StateBuilt     TxState = "BUILT"
	StateSimulated TxState = "SIMULATED"
	StatePending   TxState = "PENDING"
	StateConfirmed TxState = "CONFIRMED"
	StateRejected  TxState = "REJECTED"
	StateFailed    TxState = "FAILED"
	StateQuerying  TxState = "QUERYING"
	StateUnknown   TxState = "UNKNOWN"
)

// Result reports how a transaction ended.
type Result struct {
	State     TxState
	Signature solana.Signature
	Err       error
}

// Confirmed is true only for a confirmed terminal state.
func (r Result) Confirmed() bool { return r.State == StateConfirmed }

var (
	ErrInsufficientBalance = errors.New("executor: insufficient balance")
	ErrHealthFloor         = errors.New("executor: withdrawal below health floor")
	ErrNoPosition          = errors.New("executor: no position in market")
	ErrNothingToSettle     = errors.New("executor: nothing to settle")
)

// settleThresholdQuote: settle PnL after a close only when the unsettled
// amount exceeds one quote unit.
var settleThresholdQuote = decimal.NewFromInt(1)

// Snapshots provides the latest account snapshot.
type Snapshots interface {
	Latest() *snapshot.AccountState
}

// TradeLogger records executed trades; nil disables logging.
type TradeLogger interface {
	LogTrade(market, side string, size, price decimal.Decimal, txSignature string)
}

// Executor drives transactions through the venue driver.
type Executor struct {
	engineID  string
	driver    venue.Driver
	prices    oracle.Source
	snapshots Snapshots
	trades    TradeLogger
	cfg       config.RebalanceConfig

	lease sync.Mutex // per-engine exclusive transaction lease

	// Timeouts are fields so tests can shrink them.
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	QueryTimeout   time.Duration
	QueryPoll      time.Duration
}

func New(engineID string, driver venue.Driver, prices oracle.Source, snapshots Snapshots, trades TradeLogger, cfg config.RebalanceConfig) *Executor {
	return &Executor{
		engineID:  engineID,
		driver:    driver,
		prices:    prices,
		snapshots: snapshots,
		trades:    trades,
		cfg:       cfg,

		ConfirmTimeout: 30 * time.Second,
		ConfirmPoll:    2 * time.Second,
		QueryTimeout:   30 * time.Second,
		QueryPoll:      5 * time.Second,
	}
}

// Deposit moves native SOL into the venue as collateral. The gas reserve is
// never deposited.
func (e *Executor) Deposit(ctx context.Context, amountNative decimal.Decimal) (Result, error) {
	if amountNative.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive", ErrInsufficientBalance)
	}
	native, err := e.driver.NativeBalance(ctx)
	if err != nil {
		return Result{}, err
	}
	if amountNative.GreaterThan(native.Sub(e.cfg.ReservedGasNative)) {
		return Result{}, fmt.Errorf("%w: %s > %s available", ErrInsufficientBalance, amountNative, native.Sub(e.cfg.ReservedGasNative))
	}

	tx, err := e.driver.BuildDeposit(ctx, amountNative)
	if err != nil {
		return Result{}, err
	}
	return e.execute(ctx, tx), nil
}

// Withdraw removes quote collateral. The projected health after the
// withdrawal must clear the configured floor; otherwise no transaction is
// ever built.
func (e *Executor) Withdraw(ctx context.Context, amountQuote decimal.Decimal) (Result, error) {
	if amountQuote.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive", ErrInsufficientBalance)
	}
	state := e.snapshots.Latest()
	if state == nil {
		return Result{}, errors.New("executor: no snapshot available")
	}

	projected := riskmath.ProjectedHealthAfterWithdrawal(state.TotalCollateral, state.MaintenanceMargin, amountQuote)
	if projected.LessThan(e.cfg.MinHealthAfterWithdrawal) {
		return Result{}, fmt.Errorf("%w: projected health %s < %s", ErrHealthFloor, projected, e.cfg.MinHealthAfterWithdrawal)
	}

	tx, err := e.driver.BuildWithdraw(ctx, amountQuote)
	if err != nil {
		return Result{}, err
	}
	return e.execute(ctx, tx), nil
}

// Open places a market order. side is "long" or "short"; sizeBase is
// positive. The price limit is the mark padded by the notional-scaled
// slippage bound.
func (e *Executor) Open(ctx context.Context, marketIndex uint16, side string, sizeBase decimal.Decimal) (Result, error) {
	if sizeBase.Sign() <= 0 {
		return Result{}, fmt.Errorf("executor: size must be positive")
	}
	mark, err := e.prices.MarkPrice(ctx, marketIndex)
	if err != nil {
		return Result{}, err
	}

	signed := sizeBase
	buy := true
	if side == "short" {
		signed = sizeBase.Neg()
		buy = false
	}

	notional := sizeBase.Mul(mark.Price)
	slip := riskmath.SlippageBound(notional)
	limit := riskmath.PriceLimit(mark.Price, buy, slip)

	tx, err := e.driver.BuildOpen(ctx, marketIndex, signed, limit, false)
	if err != nil {
		return Result{}, err
	}
	res := e.execute(ctx, tx)
	if res.Confirmed() {
		e.logTrade(marketIndex, side, sizeBase, mark.Price, res.Signature)
	}
	return res, nil
}

// Close flattens the position in a market with a reduce-only order of
// exactly the position size, then settles PnL best-effort when more than one
// quote unit is unsettled.
func (e *Executor) Close(ctx context.Context, marketIndex uint16) (Result, error) {
	state := e.snapshots.Latest()
	if state == nil {
		return Result{}, errors.New("executor: no snapshot available")
	}
	pos := state.PerpPosition(marketIndex)
	if pos == nil {
		return Result{}, ErrNoPosition
	}

	mark, err := e.prices.MarkPrice(ctx, marketIndex)
	if err != nil {
		return Result{}, err
	}

	// Opposing order of exactly |size|.
	closing := pos.Size.Neg()
	buy := closing.Sign() > 0
	notional := closing.Abs().Mul(mark.Price)
	limit := riskmath.PriceLimit(mark.Price, buy, riskmath.SlippageBound(notional))

	tx, err := e.driver.BuildOpen(ctx, marketIndex, closing, limit, true)
	if err != nil {
		return Result{}, err
	}
	res := e.execute(ctx, tx)
	if !res.Confirmed() {
		return res, nil
	}

	side := "long"
	if closing.Sign() < 0 {
		side = "short"
	}
	e.logTrade(marketIndex, side, closing.Abs(), mark.Price, res.Signature)

	if pos.UnsettledPnl.Abs().GreaterThan(settleThresholdQuote) {
		if _, err := e.Settle(ctx, marketIndex); err != nil {
			// Best effort: the close already succeeded.
			log.Warn().Err(err).Uint16("market", marketIndex).Msg("Post-close settle failed")
		}
	}
	return res, nil
}

// Settle emits the settlement instruction alone.
func (e *Executor) Settle(ctx context.Context, marketIndex uint16) (Result, error) {
	tx, err := e.driver.BuildSettle(ctx, marketIndex)
	if err != nil {
		return Result{}, err
	}
	return e.execute(ctx, tx), nil
}

// execute drives one transaction through the state machine under the
// engine lease.
func (e *Executor) execute(ctx context.Context, tx *venue.Tx) Result {
	e.lease.Lock()
	defer e.lease.Unlock()

	// Simulation failures are terminal rejects, never retried.
	if err := e.driver.Simulate(ctx, tx); err != nil {
		log.Error().Err(err).Str("kind", tx.Kind).Msg("Simulation rejected transaction")
		return Result{State: StateRejected, Err: err}
	}

	sig, err := e.driver.Send(ctx, tx)
	if err != nil {
		log.Error().Err(err).Str("kind", tx.Kind).Msg("Transaction send failed")
		return Result{State: StateFailed, Err: err}
	}

	log.Info().Str("kind", tx.Kind).Str("sig", sig.String()).Msg("📤 Transaction submitted")

	if st, ok := e.poll(ctx, sig, e.ConfirmTimeout, e.ConfirmPoll); ok {
		return Result{State: st, Signature: sig}
	}

	// Confirmation window elapsed: switch to the query phase.
	log.Warn().Str("sig", sig.String()).Msg("Confirmation timed out, querying status")
	if st, ok := e.poll(ctx, sig, e.QueryTimeout, e.QueryPoll); ok {
		return Result{State: st, Signature: sig}
	}

	// The operator must verify this signature externally; the executor
	// neither retries nor marks it failed.
	log.Error().Str("sig", sig.String()).Msg("Transaction outcome UNKNOWN, verify externally")
	return Result{State: StateUnknown, Signature: sig}
}

// poll watches a signature until it reaches a terminal venue status or the
// window elapses. The boolean is false on window expiry.
func (e *Executor) poll(ctx context.Context, sig solana.Signature, window, interval time.Duration) (TxState, bool) {
	deadline := time.Now().Add(window)
	for {
		st, err := e.driver.Status(ctx, sig)
		if err == nil {
			switch st {
			case venue.StatusConfirmed:
				return StateConfirmed, true
			case venue.StatusFailed:
				return StateFailed, true
			}
		} else {
			log.Warn().Err(err).Str("sig", sig.String()).Msg("Status query failed")
		}

		if time.Now().After(deadline) {
			return StateUnknown, false
		}
		select {
		case <-ctx.Done():
			return StateUnknown, false
		case <-time.After(interval):
		}
	}
}

func (e *Executor) logTrade(marketIndex uint16, side string, size, price decimal.Decimal, sig solana.Signature) {
	symbol := fmt.Sprintf("%d", marketIndex)
	if m, err := drift.MarketByIndex(marketIndex); err == nil {
		symbol = m.Symbol
	}
	log.Info().
		Str("market", symbol).
		Str("side", side).
		Str("size", size.String()).
		Str("price", price.String()).
		Str("sig", sig.String()).
		Msg("✅ Trade executed")
	if e.trades != nil {
		e.trades.LogTrade(symbol, side, size, price, sig.String())
	}
}
