package drift

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Market describes one perpetual market of the venue. The set is fixed for
// the lifetime of a keeper instance.
type Market struct {
	Index                  uint16
	Symbol                 string
	BasePrecisionExp       int32
	QuotePrecisionExp      int32
	MaintenanceMarginRatio decimal.Decimal
	InitialMarginRatio     decimal.Decimal
}

var markets = []Market{
	{Index: 0, Symbol: "SOL-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.02), InitialMarginRatio: decimal.NewFromFloat(0.05)},
	{Index: 1, Symbol: "BTC-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.025), InitialMarginRatio: decimal.NewFromFloat(0.05)},
	{Index: 2, Symbol: "ETH-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.025), InitialMarginRatio: decimal.NewFromFloat(0.05)},
	{Index: 3, Symbol: "APT-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.03), InitialMarginRatio: decimal.NewFromFloat(0.1)},
	{Index: 4, Symbol: "BNB-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.03), InitialMarginRatio: decimal.NewFromFloat(0.1)},
	{Index: 5, Symbol: "MATIC-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.03), InitialMarginRatio: decimal.NewFromFloat(0.1)},
	{Index: 6, Symbol: "ARB-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.03), InitialMarginRatio: decimal.NewFromFloat(0.1)},
	{Index: 7, Symbol: "DOGE-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.05), InitialMarginRatio: decimal.NewFromFloat(0.1)},
	{Index: 8, Symbol: "SUI-PERP", BasePrecisionExp: 9, QuotePrecisionExp: 6, MaintenanceMarginRatio: decimal.NewFromFloat(0.05), InitialMarginRatio: decimal.NewFromFloat(0.1)},
}

// Markets returns the supported perpetual markets.
func Markets() []Market {
	out := make([]Market, len(markets))
	copy(out, markets)
	return out
}

// MarketByIndex looks up a market by its on-chain index.
func MarketByIndex(index uint16) (Market, error) {
	for _, m := range markets {
		if m.Index == index {
			return m, nil
		}
	}
	return Market{}, fmt.Errorf("drift: unknown market index %d", index)
}

// MarketBySymbol looks up a market by symbol, e.g. "SOL-PERP".
func MarketBySymbol(symbol string) (Market, error) {
	for _, m := range markets {
		if m.Symbol == symbol {
			return m, nil
		}
	}
	return Market{}, fmt.Errorf("drift: unknown market %q", symbol)
}
