package riskmath

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Health is always in [0, 100] and zero when collateral is zero.
func TestHealthRatioBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		c := decimal.NewFromFloat(rng.Float64() * 1e7)
		m := decimal.NewFromFloat(rng.Float64() * 1e7)
		h := HealthRatio(c, m)
		require.True(t, h.GreaterThanOrEqual(decimal.Zero), "health %s < 0", h)
		require.True(t, h.LessThanOrEqual(decimal.NewFromInt(100)), "health %s > 100", h)
	}
	assert.True(t, HealthRatio(decimal.Zero, dec("5")).IsZero())
	assert.True(t, HealthRatio(dec("-1"), decimal.Zero).IsZero())
}

func TestHealthRatioKnownValues(t *testing.T) {
	// S1: collateral 5000, maintenance 100 → 98
	assert.True(t, HealthRatio(dec("5000"), dec("100")).Equal(dec("98")))
	// Maintenance above collateral clamps to 0
	assert.True(t, HealthRatio(dec("100"), dec("150")).IsZero())
	// No positions → 100
	assert.True(t, HealthRatio(dec("1000"), decimal.Zero).Equal(dec("100")))
}

// drift == ((S−R)+P)/(S−R)×100 within 1e-9 relative error.
func TestDriftProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	tolerance := dec("0.000000001")
	for i := 0; i < 500; i++ {
		s := decimal.NewFromFloat(rng.Float64()*1000 + 1)
		r := decimal.NewFromFloat(rng.Float64() * 0.5)
		p := decimal.NewFromFloat((rng.Float64() - 0.5) * 2000)
		got := Drift(s, p, r)
		want := s.Sub(r).Add(p).Div(s.Sub(r)).Mul(decimal.NewFromInt(100))
		relErr := got.Sub(want).Abs()
		if !want.IsZero() {
			relErr = relErr.Div(want.Abs())
		}
		require.True(t, relErr.LessThanOrEqual(tolerance), "s=%s p=%s r=%s got=%s want=%s", s, p, r, got, want)
	}
}

func TestDriftDegenerateDenominator(t *testing.T) {
	assert.True(t, Drift(dec("0.01"), dec("-1"), dec("0.01")).IsZero())
	assert.True(t, Drift(decimal.Zero, dec("-1"), decimal.Zero).IsZero())
	assert.True(t, Drift(dec("1"), dec("5"), dec("2")).IsZero())
}

func TestDriftScenarios(t *testing.T) {
	// S1: clean hedge
	assert.True(t, Drift(dec("10"), dec("-10"), decimal.Zero).IsZero())
	// S2: +5%
	assert.True(t, Drift(dec("10"), dec("-9.5"), decimal.Zero).Equal(dec("5")))
	// S3: −5%
	assert.True(t, Drift(dec("10"), dec("-10.5"), decimal.Zero).Equal(dec("-5")))
}

func TestCorrectionSize(t *testing.T) {
	size, side := CorrectionSize(dec("0.5"))
	assert.True(t, size.Equal(dec("0.5")))
	assert.Equal(t, SideShortMore, side)

	size, side = CorrectionSize(dec("-0.5"))
	assert.True(t, size.Equal(dec("0.5")))
	assert.Equal(t, SideShortLess, side)

	size, _ = CorrectionSize(decimal.Zero)
	assert.True(t, size.IsZero())
}

// S4: collateral 1000, maintenance 300, withdraw 400 → 50.
func TestProjectedHealthAfterWithdrawal(t *testing.T) {
	got := ProjectedHealthAfterWithdrawal(dec("1000"), dec("300"), dec("400"))
	assert.True(t, got.Equal(dec("50")), "got %s", got)

	// Withdrawing everything projects zero health.
	assert.True(t, ProjectedHealthAfterWithdrawal(dec("1000"), dec("300"), dec("1000")).IsZero())
	assert.True(t, ProjectedHealthAfterWithdrawal(dec("1000"), dec("300"), dec("1200")).IsZero())
}

// The profitability path always uses 0.5 × r.
func TestFundingHaircutProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		r := decimal.NewFromFloat(rng.Float64() * 0.01)
		assert.True(t, HaircutFundingRate(r).Mul(decimal.NewFromInt(2)).Equal(r))
	}

	// IsProfitable(size, r, mark, cost) ⇔ size×(r/2)×mark ≥ 2×cost
	size, mark := dec("10"), dec("150")
	rate := dec("0.001") // full-rate revenue 1.5, haircut 0.75
	assert.False(t, IsProfitable(size, rate, mark, dec("0.38")))  // 2×0.38 = 0.76 > 0.75
	assert.True(t, IsProfitable(size, rate, mark, dec("0.375"))) // exactly 2× passes
	assert.True(t, IsProfitable(size, rate, mark, dec("0.10")))
}

func TestEstimatedCost(t *testing.T) {
	// tip 0.0001 SOL @ 150 + 1500×0.001 + 1500×0.0002 + 0.000005×150
	got := EstimatedCost(dec("0.0001"), dec("1500"), dec("150"))
	want := dec("0.015").Add(dec("1.5")).Add(dec("0.3")).Add(dec("0.00075"))
	assert.True(t, got.Equal(want), "got %s want %s", got, want)
}

func TestSlippageBound(t *testing.T) {
	lo, hi := dec("0.001"), dec("0.003")
	prev := decimal.Zero
	for _, notional := range []string{"0", "10", "1000", "50000", "100000", "250000", "10000000"} {
		s := SlippageBound(dec(notional))
		require.True(t, s.GreaterThanOrEqual(lo) && s.LessThanOrEqual(hi), "slippage %s out of bounds", s)
		require.True(t, s.GreaterThanOrEqual(prev), "slippage not monotone at %s", notional)
		prev = s
	}
	assert.True(t, SlippageBound(dec("1000000")).Equal(hi))
}

func TestPriceLimit(t *testing.T) {
	mark := dec("150")
	slip := dec("0.002")
	assert.True(t, PriceLimit(mark, true, slip).Equal(dec("150.3")))
	assert.True(t, PriceLimit(mark, false, slip).Equal(dec("149.7")))
}

func TestLeverageIfOpened(t *testing.T) {
	got := LeverageIfOpened(dec("1000"), dec("2000"), dec("3000"))
	assert.True(t, got.Equal(dec("5")))

	// No collateral can never pass a leverage ceiling.
	assert.True(t, LeverageIfOpened(decimal.Zero, decimal.Zero, dec("1")).GreaterThan(dec("1000000")))
}

func TestLeverage(t *testing.T) {
	// S1: 10 × 150 notional on 5000 collateral = 0.3
	assert.True(t, Leverage(dec("1500"), dec("5000")).Equal(dec("0.3")))
	assert.True(t, Leverage(dec("1500"), decimal.Zero).IsZero())
}
