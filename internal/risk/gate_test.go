package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCfg() config.RebalanceConfig {
	return config.RebalanceConfig{
		DriftTolerancePct:        dec("1"),
		Cooldown:                 1800 * time.Second,
		MinTradeSizeBase:         dec("0.005"),
		MaxLeverage:              dec("5"),
		MinHealthAfterWithdrawal: dec("80"),
		ReservedGasNative:        dec("0.017"),
		OracleStaleThreshold:     300 * time.Millisecond,
		TipNative:                dec("0.0001"),
	}
}

func healthyState() *snapshot.AccountState {
	return &snapshot.AccountState{
		TotalCollateral:   dec("5000"),
		MaintenanceMargin: dec("30"),
		Positions: []snapshot.Position{
			{MarketIndex: 0, Side: "short", Size: dec("-10"), MarkPrice: dec("150")},
		},
	}
}

func openReq() Request {
	return Request{
		Kind:              KindOpen,
		State:             healthyState(),
		SizeBase:          dec("0.5"),
		MarkPrice:         dec("150"),
		FundingRateHourly: dec("0.01"), // rich funding so FeeGuard passes
		OracleAge:         50 * time.Millisecond,
		NativeBalance:     dec("0.1"),
		NativePriceQuote:  dec("150"),
	}
}

func TestGatePasses(t *testing.T) {
	v := NewGate(testCfg()).Check(openReq())
	assert.True(t, v.OK, "blocked: %s %s", v.Reason, v.Detail)
}

func TestGateStaleOracle(t *testing.T) {
	req := openReq()
	req.OracleAge = 301 * time.Millisecond
	v := NewGate(testCfg()).Check(req)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonStaleOracle, v.Reason)
}

func TestGateOracleAgeBoundary(t *testing.T) {
	req := openReq()
	req.OracleAge = 300 * time.Millisecond
	assert.True(t, NewGate(testCfg()).Check(req).OK)
}

func TestGateLowGas(t *testing.T) {
	req := openReq()
	req.NativeBalance = dec("0.016")
	v := NewGate(testCfg()).Check(req)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonLowGas, v.Reason)
}

func TestGateDust(t *testing.T) {
	req := openReq()
	req.SizeBase = dec("0.003")
	v := NewGate(testCfg()).Check(req)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonDust, v.Reason)

	// Exactly at min size is allowed.
	req.SizeBase = dec("0.005")
	req.FundingRateHourly = dec("1") // keep FeeGuard out of the way
	assert.True(t, NewGate(testCfg()).Check(req).OK)
}

func TestGateUnprofitable(t *testing.T) {
	req := openReq()
	req.FundingRateHourly = dec("0.000001")
	v := NewGate(testCfg()).Check(req)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonUnprofitable, v.Reason)
}

func TestGateLeverageLimit(t *testing.T) {
	req := openReq()
	req.SizeBase = dec("200") // 30000 notional on 5000 collateral
	req.FundingRateHourly = dec("1")
	v := NewGate(testCfg()).Check(req)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonLeverageLimit, v.Reason)
}

// S4: withdrawing 400 from {1000 collateral, 300 maintenance} projects 50.
func TestGateHealthFloor(t *testing.T) {
	req := Request{
		Kind: KindWithdraw,
		State: &snapshot.AccountState{
			TotalCollateral:   dec("1000"),
			MaintenanceMargin: dec("300"),
		},
		WithdrawQuote:    dec("400"),
		OracleAge:        10 * time.Millisecond,
		NativeBalance:    dec("0.1"),
		NativePriceQuote: dec("150"),
	}
	v := NewGate(testCfg()).Check(req)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonHealthFloor, v.Reason)

	// A lightly-margined account projecting above the floor passes.
	req.State = &snapshot.AccountState{
		TotalCollateral:   dec("1000"),
		MaintenanceMargin: dec("50"),
	}
	req.WithdrawQuote = dec("100")
	assert.True(t, NewGate(testCfg()).Check(req).OK)
}
