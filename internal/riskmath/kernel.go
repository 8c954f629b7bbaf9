// Package riskmath holds the pure math behind the safety gate and the
// rebalancer: drift, correction sizing, health projections, profitability and
// slippage bounds. Nothing in here blocks, logs, or touches I/O.
package riskmath

import (
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)

	// Cost model constants: venue taker fee plus priority-fee padding, both as
	// fractions of notional, and the flat base transaction fee in SOL.
	takerFeeRate  = decimal.NewFromFloat(0.001)
	priorityRate  = decimal.NewFromFloat(0.0002)
	BaseTxFeeSOL  = decimal.NewFromFloat(0.000005)

	slippageFloor   = decimal.NewFromFloat(0.001)
	slippageCeil    = decimal.NewFromFloat(0.003)
	slippageKneeUSD = decimal.NewFromInt(100_000)

	fundingHaircut = decimal.NewFromFloat(0.5)
)

// Side of a correction trade.
type Side string

const (
	SideShortMore Side = "short_more" // expand the hedge
	SideShortLess Side = "short_less" // reduce the hedge
)

// Clamp returns v limited to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// HealthRatio is the distance from liquidation in percent: 100 = maximally
// safe, 0 = at or past liquidation. Zero collateral is zero health.
func HealthRatio(totalCollateral, maintenanceMargin decimal.Decimal) decimal.Decimal {
	if totalCollateral.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	h := totalCollateral.Sub(maintenanceMargin).Div(totalCollateral).Mul(hundred)
	return Clamp(h, decimal.Zero, hundred)
}

// Drift returns delta as a fraction of hedgeable spot, in percent. The
// denominator is the spot balance net of the gas reserve; when that is not
// positive there is nothing to hedge and drift is zero.
func Drift(spotBase, perpBase, reservedBase decimal.Decimal) decimal.Decimal {
	hedgeable := spotBase.Sub(reservedBase)
	if hedgeable.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return hedgeable.Add(perpBase).Div(hedgeable).Mul(hundred)
}

// NetDelta is the directional exposure in base units.
func NetDelta(spotBase, perpBase, reservedBase decimal.Decimal) decimal.Decimal {
	return spotBase.Sub(reservedBase).Add(perpBase)
}

// CorrectionSize returns the trade size that would flatten netDelta and the
// side of that trade. Positive delta means the hedge is too small.
func CorrectionSize(netDelta decimal.Decimal) (decimal.Decimal, Side) {
	if netDelta.Sign() >= 0 {
		return netDelta.Abs(), SideShortMore
	}
	return netDelta.Abs(), SideShortLess
}

// ProjectedHealthAfterWithdrawal recomputes the health ratio as if
// withdrawQuote had already left the account.
func ProjectedHealthAfterWithdrawal(totalCollateral, maintenanceMargin, withdrawQuote decimal.Decimal) decimal.Decimal {
	remaining := totalCollateral.Sub(withdrawQuote)
	return HealthRatio(remaining, maintenanceMargin)
}

// HaircutFundingRate discounts a funding rate before it enters any
// profitability comparison.
func HaircutFundingRate(rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(fundingHaircut)
}

// ExpectedFundingRevenue is the hourly funding income of a position of
// sizeBase at markPrice.
func ExpectedFundingRevenue(sizeBase, fundingRateHourly, markPrice decimal.Decimal) decimal.Decimal {
	return sizeBase.Mul(fundingRateHourly).Mul(markPrice)
}

// EstimatedCost prices a position-modifying transaction in quote currency:
// validator tip, taker fee, priority-fee padding, and the base transaction fee.
func EstimatedCost(tipNative, notionalQuote, nativePriceQuote decimal.Decimal) decimal.Decimal {
	return tipNative.Mul(nativePriceQuote).
		Add(notionalQuote.Mul(takerFeeRate)).
		Add(notionalQuote.Mul(priorityRate)).
		Add(BaseTxFeeSOL.Mul(nativePriceQuote))
}

// IsProfitable applies the fee guard: revenue must cover twice the cost. The
// funding rate is haircut by half before the comparison.
func IsProfitable(sizeBase, fundingRateHourly, markPrice, cost decimal.Decimal) bool {
	revenue := ExpectedFundingRevenue(sizeBase, HaircutFundingRate(fundingRateHourly), markPrice)
	return revenue.GreaterThanOrEqual(cost.Mul(two))
}

// SlippageBound maps trade notional to a slippage fraction in
// [0.001, 0.003], non-decreasing in notional.
func SlippageBound(tradeNotionalQuote decimal.Decimal) decimal.Decimal {
	if tradeNotionalQuote.LessThanOrEqual(decimal.Zero) {
		return slippageFloor
	}
	span := slippageCeil.Sub(slippageFloor)
	frac := Clamp(tradeNotionalQuote.Div(slippageKneeUSD), decimal.Zero, decimal.NewFromInt(1))
	return slippageFloor.Add(span.Mul(frac))
}

// PriceLimit pads the mark price by the slippage bound: up for buys, down for
// sells.
func PriceLimit(mark decimal.Decimal, buy bool, slippage decimal.Decimal) decimal.Decimal {
	if buy {
		return mark.Mul(decimal.NewFromInt(1).Add(slippage))
	}
	return mark.Mul(decimal.NewFromInt(1).Sub(slippage))
}

// LeverageIfOpened projects account leverage after adding addedNotional of
// exposure. Zero collateral projects unbounded leverage, reported as 10^12 so
// any ceiling check fails.
func LeverageIfOpened(totalCollateral, existingNotional, addedNotional decimal.Decimal) decimal.Decimal {
	if totalCollateral.LessThanOrEqual(decimal.Zero) {
		return decimal.New(1, 12)
	}
	return existingNotional.Add(addedNotional).Div(totalCollateral)
}

// Leverage is total position notional over collateral; zero when the account
// holds no collateral.
func Leverage(totalNotional, totalCollateral decimal.Decimal) decimal.Decimal {
	if totalCollateral.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return totalNotional.Div(totalCollateral)
}
