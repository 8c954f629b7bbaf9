package keeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/config"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/storage"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

func supConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Mode:         "paper",
		EngineID:     "eng-test",
		HedgeMarket:  "SOL-PERP",
		SpotBase:     dec("10"),
		DatabasePath: filepath.Join(t.TempDir(), "keeper.db"),
		Rebalance:    rebCfg(),
	}
}

func newSupervisor(t *testing.T) (*Supervisor, *venue.Paper, *events.Bus) {
	t.Helper()
	cfg := supConfig(t)

	prices := oracle.NewStatic()
	prices.SetPrice(0, dec("150"))
	paper := venue.NewPaper(prices, dec("5000"), dec("10"))
	paper.SetFundingRate(0, dec("0.01"))

	db, err := storage.New("", cfg.DatabasePath)
	require.NoError(t, err)

	bus := events.NewBus()
	sup, err := New(cfg, paper, prices, db, bus)
	require.NoError(t, err)
	return sup, paper, bus
}

func TestStartStopEngine(t *testing.T) {
	sup, _, _ := newSupervisor(t)

	assert.ErrorIs(t, sup.StartEngine("live"), ErrInvalidMode)
	assert.NoError(t, sup.StartEngine("paper"))
	assert.ErrorIs(t, sup.StartEngine("paper"), ErrAlreadyRunning)
	assert.NoError(t, sup.StopEngine())
	assert.ErrorIs(t, sup.StopEngine(), ErrNotRunning)
}

func TestReadyStates(t *testing.T) {
	sup, _, _ := newSupervisor(t)

	// Before Run the keeper is neither connected nor initialized.
	assert.ErrorIs(t, sup.Ready(), ErrReconnecting)

	sup.mu.Lock()
	sup.connected = true
	sup.mu.Unlock()
	assert.ErrorIs(t, sup.Ready(), ErrNotInitialized)

	sup.mu.Lock()
	sup.initialized = true
	sup.mu.Unlock()
	assert.NoError(t, sup.Ready())
}

func TestHaltBlocksEverything(t *testing.T) {
	sup, _, bus := newSupervisor(t)
	ch, unsub := bus.Subscribe(events.EventCritical, 1)
	defer unsub()

	sup.mu.Lock()
	sup.connected = true
	sup.initialized = true
	sup.mu.Unlock()

	sup.Halt("PARTIAL_LEG", "offsetting leg rollback failed")
	assert.True(t, sup.Halted())
	assert.Error(t, sup.Ready())
	assert.Error(t, sup.StartEngine("paper"))

	select {
	case <-ch:
	default:
		t.Fatal("expected CRITICAL event")
	}
}

// Health alerts are rate-limited per severity.
func TestHealthAlertCooldown(t *testing.T) {
	sup, _, bus := newSupervisor(t)
	warnCh, unsubW := bus.Subscribe(events.EventHealthWarn, 8)
	defer unsubW()
	critCh, unsubC := bus.Subscribe(events.EventHealthCritical, 8)
	defer unsubC()

	now := time.Now()
	sup.checkHealth(dec("45"), now)
	sup.checkHealth(dec("44"), now.Add(time.Second))       // suppressed
	sup.checkHealth(dec("43"), now.Add(61*time.Second))    // cooldown elapsed
	sup.checkHealth(dec("10"), now.Add(62*time.Second))    // critical fires independently
	sup.checkHealth(dec("9"), now.Add(63*time.Second))     // suppressed
	sup.checkHealth(dec("95"), now.Add(2*time.Minute))     // healthy, nothing

	assert.Len(t, drain(warnCh), 2)
	assert.Len(t, drain(critCh), 1)
}

func drain(ch <-chan any) []any {
	var out []any
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// End to end through Run: connect, start the engine, tick, and shut down.
func TestRunLifecycle(t *testing.T) {
	sup, paper, bus := newSupervisor(t)
	sup.cfg.Rebalance.LoopInterval = 20 * time.Millisecond
	sup.reb.cfg.LoopInterval = 20 * time.Millisecond
	sup.exec.ConfirmTimeout = 200 * time.Millisecond
	sup.exec.ConfirmPoll = 5 * time.Millisecond
	sup.GraceWindow = time.Second

	rebCh, unsub := bus.Subscribe(events.EventRebalance, 16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Give Run a moment to connect.
	require.Eventually(t, func() bool { return sup.Ready() == nil }, time.Second, 10*time.Millisecond)

	resp := sup.Submit(context.Background(), Command{Action: ActionStartEngine, Mode: "paper"})
	require.True(t, resp.OK, "start failed: %s %s", resp.Code, resp.Message)

	// The wallet holds 10 unhedged SOL: the tick loop should open the short.
	require.Eventually(t, func() bool {
		for _, v := range drain(rebCh) {
			if ev, ok := v.(events.Rebalance); ok && ev.Status == events.StatusExecuted {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	// The paper venue now carries the hedge.
	data, err := paper.UserAccount(context.Background())
	require.NoError(t, err)
	raw, err := drift.DecodeUser(data)
	require.NoError(t, err)
	assert.Negative(t, raw.PerpPositions[0].BaseAssetAmount)

	cancel()
	require.NoError(t, <-done)
}
