package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubSnapshots struct {
	mu    sync.Mutex
	state *snapshot.AccountState
}

func (s *stubSnapshots) Latest() *snapshot.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type recordingLogger struct {
	mu     sync.Mutex
	trades []string
	sizes  []decimal.Decimal
}

func (r *recordingLogger) LogTrade(market, side string, size, price decimal.Decimal, sig string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, market+"/"+side)
	r.sizes = append(r.sizes, size)
}

func testCfg() config.RebalanceConfig {
	return config.RebalanceConfig{
		MinTradeSizeBase:         dec("0.005"),
		MaxLeverage:              dec("5"),
		MinHealthAfterWithdrawal: dec("80"),
		ReservedGasNative:        dec("0.017"),
	}
}

func newPaperExecutor(t *testing.T) (*Executor, *venue.Paper, *stubSnapshots, *recordingLogger) {
	t.Helper()
	prices := oracle.NewStatic()
	prices.SetPrice(0, dec("150"))
	paper := venue.NewPaper(prices, dec("5000"), dec("1"))

	snaps := &stubSnapshots{state: &snapshot.AccountState{
		TotalCollateral:   dec("5000"),
		FreeCollateral:    dec("4925"),
		MaintenanceMargin: dec("30"),
	}}
	logger := &recordingLogger{}

	e := New("engine-a", paper, prices, snaps, logger, testCfg())
	e.ConfirmTimeout = 200 * time.Millisecond
	e.ConfirmPoll = 10 * time.Millisecond
	e.QueryTimeout = 100 * time.Millisecond
	e.QueryPoll = 10 * time.Millisecond
	return e, paper, snaps, logger
}

func TestOpenConfirms(t *testing.T) {
	e, paper, _, logger := newPaperExecutor(t)

	res, err := e.Open(context.Background(), 0, "short", dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.NotEmpty(t, res.Signature.String())

	// The venue account now carries the short.
	data, err := paper.UserAccount(context.Background())
	require.NoError(t, err)
	raw, err := drift.DecodeUser(data)
	require.NoError(t, err)
	assert.Equal(t, int64(-500_000_000), raw.PerpPositions[0].BaseAssetAmount)

	require.Len(t, logger.trades, 1)
	assert.Equal(t, "SOL-PERP/short", logger.trades[0])
}

// A simulation failure is a terminal reject: nothing is ever submitted.
func TestSimulationFailureRejects(t *testing.T) {
	e, paper, _, _ := newPaperExecutor(t)
	paper.FailSimulate = errors.New("program error 0x1774")

	res, err := e.Open(context.Background(), 0, "short", dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	assert.ErrorIs(t, res.Err, venue.ErrSimulation)

	// No state change on the venue.
	data, _ := paper.UserAccount(context.Background())
	raw, _ := drift.DecodeUser(data)
	assert.Zero(t, raw.PerpPositions[0].BaseAssetAmount)
}

func TestSendFailure(t *testing.T) {
	e, paper, _, _ := newPaperExecutor(t)
	paper.FailSend = errors.New("rpc: connection refused")

	res, err := e.Open(context.Background(), 0, "short", dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Error(t, res.Err)
}

// A signature the venue never resolves ends UNKNOWN, with the signature
// surfaced and no retry.
func TestUnknownOutcome(t *testing.T) {
	e, paper, _, _ := newPaperExecutor(t)
	pending := venue.StatusPending
	paper.ForcedStatus = &pending

	res, err := e.Open(context.Background(), 0, "short", dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, res.State)
	assert.NotEmpty(t, res.Signature.String())
}

// Any withdrawal projecting below the health floor never reaches the venue.
func TestWithdrawHealthFloorProperty(t *testing.T) {
	e, paper, snaps, _ := newPaperExecutor(t)
	snaps.state = &snapshot.AccountState{
		TotalCollateral:   dec("1000"),
		MaintenanceMargin: dec("300"),
	}

	for _, amount := range []string{"400", "500", "700", "999"} {
		res, err := e.Withdraw(context.Background(), dec(amount))
		assert.ErrorIs(t, err, ErrHealthFloor, "amount %s", amount)
		assert.Equal(t, Result{}, res)
	}

	// The venue saw zero transactions.
	data, _ := paper.UserAccount(context.Background())
	raw, _ := drift.DecodeUser(data)
	assert.Equal(t, uint64(5_000_000_000), raw.SpotPositions[0].ScaledBalance)
}

func TestWithdrawAboveFloorConfirms(t *testing.T) {
	e, _, snaps, _ := newPaperExecutor(t)
	snaps.state = &snapshot.AccountState{
		TotalCollateral:   dec("5000"),
		MaintenanceMargin: dec("30"),
	}

	res, err := e.Withdraw(context.Background(), dec("100"))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
}

func TestDepositPrechecks(t *testing.T) {
	e, _, _, _ := newPaperExecutor(t)

	_, err := e.Deposit(context.Background(), dec("0"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Wallet holds 1 SOL; the reserve must stay behind.
	_, err = e.Deposit(context.Background(), dec("0.995"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	res, err := e.Deposit(context.Background(), dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
}

// A close emits a reduce-only order of exactly the position size.
func TestCloseExactSize(t *testing.T) {
	e, paper, snaps, logger := newPaperExecutor(t)
	paper.SetPerpPosition(0, drift.PerpPosition{
		BaseAssetAmount:  -10_000_000_000,
		QuoteAssetAmount: 1_500_000_000,
		QuoteEntryAmount: 1_500_000_000,
		MarketIndex:      0,
	})
	snaps.state = &snapshot.AccountState{
		TotalCollateral:   dec("5000"),
		MaintenanceMargin: dec("30"),
		Positions: []snapshot.Position{
			{MarketIndex: 0, Symbol: "SOL-PERP", Side: "short", Size: dec("-10"), MarkPrice: dec("150")},
		},
	}

	res, err := e.Close(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)

	data, _ := paper.UserAccount(context.Background())
	raw, _ := drift.DecodeUser(data)
	assert.Zero(t, raw.PerpPositions[0].BaseAssetAmount)

	require.NotEmpty(t, logger.sizes)
	assert.True(t, logger.sizes[0].Equal(dec("10")), "close size %s", logger.sizes[0])
}

func TestCloseNoPosition(t *testing.T) {
	e, _, _, _ := newPaperExecutor(t)
	_, err := e.Close(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoPosition)
}

// Orders of any correction size c pass through with size exactly c.
func TestOpenSizeExactness(t *testing.T) {
	for _, c := range []string{"0.005", "0.5", "1.25", "7.777"} {
		e, paper, _, _ := newPaperExecutor(t)
		res, err := e.Open(context.Background(), 0, "short", dec(c))
		require.NoError(t, err)
		require.Equal(t, StateConfirmed, res.State)

		data, _ := paper.UserAccount(context.Background())
		raw, _ := drift.DecodeUser(data)
		got := drift.RawToDecimal(raw.PerpPositions[0].BaseAssetAmount, drift.BasePrecisionExp)
		assert.True(t, got.Equal(dec(c).Neg()), "size %s got %s", c, got)
	}
}
