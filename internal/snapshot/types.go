package snapshot

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one perp position inside a snapshot. Size is signed in base
// units; shorts are negative. LiquidationPrice is nil when the position is
// flat or liquidation is unreachable under the margin model.
type Position struct {
	MarketIndex      uint16          `json:"market_index"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"` // "long" or "short"
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	SettledPnl       decimal.Decimal `json:"settled_pnl"`
	UnsettledPnl     decimal.Decimal `json:"unsettled_pnl"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
}

// SpotBalance is one non-empty spot slot, converted to decimal units.
type SpotBalance struct {
	MarketIndex uint16          `json:"market_index"`
	Amount      decimal.Decimal `json:"amount"`
}

// AccountState is an immutable snapshot of the on-chain account. Built per
// tick, never mutated, superseded by the next build.
type AccountState struct {
	Timestamp         time.Time       `json:"timestamp"`
	TotalCollateral   decimal.Decimal `json:"total_collateral"`
	FreeCollateral    decimal.Decimal `json:"free_collateral"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	Leverage          decimal.Decimal `json:"leverage"`
	HealthRatio       decimal.Decimal `json:"health_ratio"`
	Positions         []Position      `json:"positions"`
	SpotBalances      []SpotBalance   `json:"spot_balances"`
	UnrealizedPnl     decimal.Decimal `json:"unrealized_pnl"`
}

// PerpPosition returns the position for a market index, or nil when flat.
func (s *AccountState) PerpPosition(marketIndex uint16) *Position {
	for i := range s.Positions {
		if s.Positions[i].MarketIndex == marketIndex {
			return &s.Positions[i]
		}
	}
	return nil
}

// PerpBase returns the signed base size held in a market, zero when flat.
func (s *AccountState) PerpBase(marketIndex uint16) decimal.Decimal {
	if p := s.PerpPosition(marketIndex); p != nil {
		return p.Size
	}
	return decimal.Zero
}

// TotalNotional is Σ |size × mark| across positions.
func (s *AccountState) TotalNotional() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.Size.Mul(p.MarkPrice).Abs())
	}
	return total
}
