package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/riskmath"
)

// Builder turns raw account bytes plus oracle prices into an AccountState.
// Errors propagate unchanged; there are no partial snapshots.
type Builder struct {
	prices oracle.Source
}

func NewBuilder(prices oracle.Source) *Builder {
	return &Builder{prices: prices}
}

// Build decodes the user record and computes collateral, margins, health and
// leverage under the account invariants.
func (b *Builder) Build(ctx context.Context, data []byte, now time.Time) (*AccountState, error) {
	raw, err := drift.DecodeUser(data)
	if err != nil {
		return nil, err
	}

	state := &AccountState{Timestamp: now}

	// Quote collateral lives in the first spot slot.
	deposited := drift.RawUintToDecimal(raw.SpotPositions[0].ScaledBalance, drift.QuotePrecisionExp)

	for i, sp := range raw.SpotPositions {
		if sp.ScaledBalance == 0 {
			continue
		}
		exp := int32(drift.BasePrecisionExp)
		if i == 0 {
			exp = drift.QuotePrecisionExp
		}
		state.SpotBalances = append(state.SpotBalances, SpotBalance{
			MarketIndex: sp.MarketIndex,
			Amount:      drift.RawUintToDecimal(sp.ScaledBalance, exp),
		})
	}

	maintenance := decimal.Zero
	initial := decimal.Zero
	unrealized := decimal.Zero

	for _, pp := range raw.PerpPositions {
		if pp.BaseAssetAmount == 0 {
			continue
		}
		market, err := drift.MarketByIndex(pp.MarketIndex)
		if err != nil {
			return nil, err
		}
		mark, err := b.prices.MarkPrice(ctx, pp.MarketIndex)
		if err != nil {
			return nil, fmt.Errorf("snapshot: mark price for %s: %w", market.Symbol, err)
		}

		size := drift.RawToDecimal(pp.BaseAssetAmount, market.BasePrecisionExp)
		quote := drift.RawToDecimal(pp.QuoteAssetAmount, market.QuotePrecisionExp)
		quoteEntry := drift.RawToDecimal(pp.QuoteEntryAmount, market.QuotePrecisionExp)
		settled := drift.RawToDecimal(pp.SettledPnl, market.QuotePrecisionExp)

		side := "long"
		if size.Sign() < 0 {
			side = "short"
		}

		entry := decimal.Zero
		if !size.IsZero() {
			entry = quoteEntry.Abs().Div(size.Abs())
		}

		// Position value against the book: what closing at mark would realize.
		unsettled := size.Mul(mark.Price).Add(quote)

		notional := size.Mul(mark.Price).Abs()
		maintenance = maintenance.Add(notional.Mul(market.MaintenanceMarginRatio))
		initial = initial.Add(notional.Mul(market.InitialMarginRatio))
		unrealized = unrealized.Add(unsettled)

		state.Positions = append(state.Positions, Position{
			MarketIndex:  pp.MarketIndex,
			Symbol:       market.Symbol,
			Side:         side,
			Size:         size,
			EntryPrice:   entry,
			MarkPrice:    mark.Price,
			SettledPnl:   settled,
			UnsettledPnl: unsettled,
		})
	}

	state.TotalCollateral = deposited.Add(unrealized)
	state.MaintenanceMargin = maintenance
	state.InitialMargin = initial
	state.UnrealizedPnl = unrealized

	free := state.TotalCollateral.Sub(initial)
	if free.Sign() < 0 {
		free = decimal.Zero
	}
	state.FreeCollateral = free

	state.HealthRatio = riskmath.HealthRatio(state.TotalCollateral, maintenance)
	state.Leverage = riskmath.Leverage(state.TotalNotional(), state.TotalCollateral)

	// Liquidation prices need the final collateral figure.
	for i := range state.Positions {
		state.Positions[i].LiquidationPrice = liquidationPrice(&state.Positions[i], state.TotalCollateral)
	}

	return state, nil
}

// liquidationPrice applies the maintenance-margin model
// liq = entry × (1 ± mmr × leverage_at_open), sign matching side. Nil when
// the expression is nonpositive or the inputs degenerate.
func liquidationPrice(p *Position, totalCollateral decimal.Decimal) *decimal.Decimal {
	if p.Size.IsZero() || p.EntryPrice.IsZero() || totalCollateral.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	market, err := drift.MarketByIndex(p.MarketIndex)
	if err != nil {
		return nil
	}

	entryNotional := p.Size.Abs().Mul(p.EntryPrice)
	levAtOpen := entryNotional.Div(totalCollateral)
	shift := market.MaintenanceMarginRatio.Mul(levAtOpen)

	var liq decimal.Decimal
	if p.Side == "short" {
		liq = p.EntryPrice.Mul(decimal.NewFromInt(1).Add(shift))
	} else {
		liq = p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(shift))
	}
	if liq.Sign() <= 0 {
		return nil
	}
	return &liq
}
