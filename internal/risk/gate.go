package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/riskmath"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY GATE - Composite pre-trade check
// ═══════════════════════════════════════════════════════════════════════════════
//
// Rebalancer/router asks → Gate passes or blocks → Executor executes
//
// A block is a WARNING, not an error: the keeper keeps ticking.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reason identifies which sub-check blocked a trade.
type Reason string

const (
	ReasonUnprofitable  Reason = "UNPROFITABLE"
	ReasonStaleOracle   Reason = "STALE_ORACLE"
	ReasonLowGas        Reason = "LOW_GAS"
	ReasonLeverageLimit Reason = "LEVERAGE_LIMIT"
	ReasonHealthFloor   Reason = "HEALTH_FLOOR"
	ReasonDust          Reason = "DUST"
)

// Kind of operation being gated.
type Kind string

const (
	KindOpen     Kind = "open"
	KindWithdraw Kind = "withdraw"
)

// Request carries everything the gate needs; the gate itself does no I/O.
type Request struct {
	Kind              Kind
	State             *snapshot.AccountState
	SizeBase          decimal.Decimal // open: correction/trade size
	MarkPrice         decimal.Decimal
	FundingRateHourly decimal.Decimal
	OracleAge         time.Duration
	NativeBalance     decimal.Decimal // wallet SOL
	NativePriceQuote  decimal.Decimal
	WithdrawQuote     decimal.Decimal // withdraw only
}

// Verdict is Pass or Block{reason, detail}.
type Verdict struct {
	OK     bool
	Reason Reason
	Detail string
}

// Pass is the passing verdict.
var Pass = Verdict{OK: true}

func block(reason Reason, format string, args ...any) Verdict {
	detail := fmt.Sprintf(format, args...)
	log.Warn().
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("🚫 Safety gate block")
	return Verdict{Reason: reason, Detail: detail}
}

// Gate runs the composite pre-trade check.
type Gate struct {
	cfg config.RebalanceConfig
}

func NewGate(cfg config.RebalanceConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Check evaluates every sub-check in order and returns the first block.
func (g *Gate) Check(req Request) Verdict {
	notional := req.SizeBase.Abs().Mul(req.MarkPrice)

	// OracleLatency
	if !oracle.IsFresh(req.OracleAge, g.cfg.OracleStaleThreshold) {
		return block(ReasonStaleOracle, "oracle age %s > %s", req.OracleAge, g.cfg.OracleStaleThreshold)
	}

	// GasReserve
	if req.NativeBalance.LessThan(g.cfg.ReservedGasNative) {
		return block(ReasonLowGas, "native balance %s < reserve %s", req.NativeBalance, g.cfg.ReservedGasNative)
	}

	switch req.Kind {
	case KindWithdraw:
		// HealthFloor
		projected := riskmath.ProjectedHealthAfterWithdrawal(
			req.State.TotalCollateral, req.State.MaintenanceMargin, req.WithdrawQuote)
		if projected.LessThan(g.cfg.MinHealthAfterWithdrawal) {
			return block(ReasonHealthFloor, "projected health %s < %s", projected, g.cfg.MinHealthAfterWithdrawal)
		}

	case KindOpen:
		// MinSize
		if req.SizeBase.Abs().LessThan(g.cfg.MinTradeSizeBase) {
			return block(ReasonDust, "size %s < min %s", req.SizeBase.Abs(), g.cfg.MinTradeSizeBase)
		}

		// FeeGuard
		cost := riskmath.EstimatedCost(g.cfg.TipNative, notional, req.NativePriceQuote)
		if !riskmath.IsProfitable(req.SizeBase.Abs(), req.FundingRateHourly, req.MarkPrice, cost) {
			return block(ReasonUnprofitable, "funding revenue below 2x cost %s", cost)
		}

		// LeverageCeiling
		projected := riskmath.LeverageIfOpened(req.State.TotalCollateral, req.State.TotalNotional(), notional)
		if projected.GreaterThan(g.cfg.MaxLeverage) {
			return block(ReasonLeverageLimit, "projected leverage %s > %s", projected, g.cfg.MaxLeverage)
		}
	}

	return Pass
}
