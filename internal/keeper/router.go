package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/events"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/executor"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/risk"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/vault"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/venue"
)

// Command is one external request off the command surface.
type Command struct {
	ID        string           `json:"id,omitempty"`
	Action    string           `json:"action"`
	Mode      string           `json:"mode,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Market    string           `json:"market,omitempty"`
	Direction string           `json:"direction,omitempty"`
	Size      *decimal.Decimal `json:"size,omitempty"`
}

// Response is the normalized command result. Responses never carry key
// material, signer state, or RPC endpoints.
type Response struct {
	ID          string `json:"id,omitempty"`
	OK          bool   `json:"ok"`
	Status      string `json:"status,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	TxSignature string `json:"tx_signature,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// Command actions.
const (
	ActionStartEngine   = "START_ENGINE"
	ActionStopEngine    = "STOP_ENGINE"
	ActionDeposit       = "DEPOSIT"
	ActionWithdraw      = "WITHDRAW"
	ActionOpenPosition  = "OPEN_POSITION"
	ActionClosePosition = "CLOSE_POSITION"
	ActionSettlePnl     = "SETTLE_PNL"
	ActionStats         = "STATS"
)

// Error codes on the command surface.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidMode         = "INVALID_MODE"
	CodeAlreadyRunning      = "ALREADY_RUNNING"
	CodeNotRunning          = "NOT_RUNNING"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeSimFailed           = "SIM_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeUnknown             = "UNKNOWN"
	CodeHealthFloor         = "HEALTH_FLOOR"
	CodeUnknownMarket       = "UNKNOWN_MARKET"
	CodeLeverageLimit       = "LEVERAGE_LIMIT"
	CodeSafetyBlock         = "SAFETY_BLOCK"
	CodeTxFailed            = "TX_FAILED"
	CodeNoPosition          = "NO_POSITION"
	CodeNothingToSettle     = "NOTHING_TO_SETTLE"
	CodeTradingDisabled     = "TRADING_DISABLED"
	CodeReconnecting        = "RECONNECTING"
	CodeNotInitialized      = "NOT_INITIALIZED"
	CodeInternal            = "INTERNAL"
)

// Engine-state errors surfaced by the supervisor to the router.
var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrReconnecting   = errors.New("reconnecting to venue")
	ErrNotInitialized = errors.New("venue account not initialized")
)

// EngineControl is the slice of the supervisor the router drives.
type EngineControl interface {
	StartEngine(mode string) error
	StopEngine() error
	// Ready reports whether trade commands can be accepted right now.
	Ready() error
	// Stats returns read-only keeper counters.
	Stats() map[string]any
}

// Router validates and dispatches external commands through the safety gate
// and executor.
type Router struct {
	engineID  string
	ctl       EngineControl
	exec      *executor.Executor
	gate      *risk.Gate
	vault     *vault.Vault
	snapshots executor.Snapshots
	driver    venue.Driver
	prices    oracle.Source
	bus       *events.Bus

	cfg gateInputs
}

// gateInputs carries the config slices the router needs for gate requests.
type gateInputs struct {
	minTradeSizeBase decimal.Decimal
}

func NewRouter(engineID string, ctl EngineControl, exec *executor.Executor, gate *risk.Gate, v *vault.Vault, snapshots executor.Snapshots, driver venue.Driver, prices oracle.Source, bus *events.Bus, minTradeSize decimal.Decimal) *Router {
	return &Router{
		engineID:  engineID,
		ctl:       ctl,
		exec:      exec,
		gate:      gate,
		vault:     v,
		snapshots: snapshots,
		driver:    driver,
		prices:    prices,
		bus:       bus,
		cfg:       gateInputs{minTradeSizeBase: minTradeSize},
	}
}

// Dispatch handles one command. It responds within the caller's deadline;
// the websocket layer enforces the 5 s contract and surfaces late
// confirmations through COMMAND_RESULT events.
func (r *Router) Dispatch(ctx context.Context, cmd Command) Response {
	resp := r.dispatch(ctx, cmd)
	resp.ID = cmd.ID

	if r.bus != nil {
		r.bus.Publish(events.EventCommandResult, events.CommandResult{
			Action:      cmd.Action,
			Success:     resp.OK,
			Code:        resp.Code,
			Message:     resp.Message,
			TxSignature: resp.TxSignature,
		})
	}
	return resp
}

func (r *Router) dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Action {
	case ActionStartEngine:
		return r.handleStart(cmd)
	case ActionStopEngine:
		return r.handleStop()
	case ActionDeposit:
		return r.handleDeposit(ctx, cmd)
	case ActionWithdraw:
		return r.handleWithdraw(ctx, cmd)
	case ActionOpenPosition:
		return r.handleOpen(ctx, cmd)
	case ActionClosePosition:
		return r.handleClose(ctx, cmd)
	case ActionSettlePnl:
		return r.handleSettle(ctx, cmd)
	case ActionStats:
		return Response{OK: true, Status: "ok", Data: r.ctl.Stats()}
	default:
		return fail(CodeInvalidRequest, "unknown action %q", cmd.Action)
	}
}

func (r *Router) handleStart(cmd Command) Response {
	if cmd.Mode != "paper" && cmd.Mode != "live" {
		return fail(CodeInvalidMode, "mode must be paper or live")
	}
	switch err := r.ctl.StartEngine(cmd.Mode); {
	case err == nil:
		return Response{OK: true, Status: "starting"}
	case errors.Is(err, ErrAlreadyRunning):
		return fail(CodeAlreadyRunning, "engine already running")
	case errors.Is(err, ErrInvalidMode):
		return fail(CodeInvalidMode, "%v", err)
	default:
		return fail(CodeInternal, "%v", err)
	}
}

func (r *Router) handleStop() Response {
	if err := r.ctl.StopEngine(); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return fail(CodeNotRunning, "engine not running")
		}
		return fail(CodeInternal, "%v", err)
	}
	return Response{OK: true, Status: "stopping"}
}

// tradeReady gates every position-modifying command on connection, account
// and vault state.
func (r *Router) tradeReady() *Response {
	if err := r.ctl.Ready(); err != nil {
		switch {
		case errors.Is(err, ErrReconnecting):
			resp := fail(CodeReconnecting, "venue connection lost, reconnecting")
			return &resp
		case errors.Is(err, ErrNotInitialized):
			resp := fail(CodeNotInitialized, "venue account does not exist")
			return &resp
		default:
			resp := fail(CodeInternal, "%v", err)
			return &resp
		}
	}
	if r.vault != nil && r.vault.TradingDisabled() {
		resp := fail(CodeTradingDisabled, "vault out of sync, trading disabled")
		return &resp
	}
	return nil
}

func (r *Router) handleDeposit(ctx context.Context, cmd Command) Response {
	if cmd.Amount == nil || cmd.Amount.Sign() <= 0 {
		return fail(CodeInvalidRequest, "amount must be > 0")
	}
	if err := r.ctl.Ready(); errors.Is(err, ErrReconnecting) {
		return fail(CodeReconnecting, "venue connection lost, reconnecting")
	}

	res, err := r.exec.Deposit(ctx, *cmd.Amount)
	if err != nil {
		if errors.Is(err, executor.ErrInsufficientBalance) {
			return fail(CodeInsufficientBalance, "%v", err)
		}
		return fail(CodeInternal, "%v", err)
	}
	return r.fromResult(res)
}

func (r *Router) handleWithdraw(ctx context.Context, cmd Command) Response {
	if cmd.Amount == nil || cmd.Amount.Sign() <= 0 {
		return fail(CodeInvalidRequest, "amount must be > 0")
	}
	if resp := r.tradeReady(); resp != nil {
		return *resp
	}

	res, err := r.exec.Withdraw(ctx, *cmd.Amount)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrHealthFloor):
			return fail(CodeHealthFloor, "%v", err)
		case errors.Is(err, executor.ErrInsufficientBalance):
			return fail(CodeInsufficientBalance, "%v", err)
		default:
			return fail(CodeInternal, "%v", err)
		}
	}
	return r.fromResult(res)
}

func (r *Router) handleOpen(ctx context.Context, cmd Command) Response {
	if cmd.Direction != "long" && cmd.Direction != "short" {
		return fail(CodeInvalidRequest, "direction must be long or short")
	}
	if cmd.Size == nil || cmd.Size.LessThan(r.cfg.minTradeSizeBase) {
		return fail(CodeInvalidRequest, "size must be >= %s", r.cfg.minTradeSizeBase)
	}
	market, err := drift.MarketBySymbol(cmd.Market)
	if err != nil {
		return fail(CodeUnknownMarket, "unknown market %q", cmd.Market)
	}
	if resp := r.tradeReady(); resp != nil {
		return *resp
	}

	if verdict := r.gateOpen(ctx, market, *cmd.Size); !verdict.OK {
		if verdict.Reason == risk.ReasonLeverageLimit {
			return fail(CodeLeverageLimit, "%s", verdict.Detail)
		}
		return fail(CodeSafetyBlock+":"+string(verdict.Reason), "%s", verdict.Detail)
	}

	res, err := r.exec.Open(ctx, market.Index, cmd.Direction, *cmd.Size)
	if err != nil {
		return fail(CodeInternal, "%v", err)
	}
	return r.fromResult(res)
}

func (r *Router) handleClose(ctx context.Context, cmd Command) Response {
	if resp := r.tradeReady(); resp != nil {
		return *resp
	}

	state := r.snapshots.Latest()
	if state == nil {
		return fail(CodeInternal, "no snapshot available")
	}

	var indexes []uint16
	if cmd.Market == "ALL" {
		for _, p := range state.Positions {
			indexes = append(indexes, p.MarketIndex)
		}
		if len(indexes) == 0 {
			return fail(CodeNoPosition, "no open positions")
		}
	} else {
		market, err := drift.MarketBySymbol(cmd.Market)
		if err != nil {
			return fail(CodeUnknownMarket, "unknown market %q", cmd.Market)
		}
		indexes = []uint16{market.Index}
	}

	var last Response
	for _, idx := range indexes {
		res, err := r.exec.Close(ctx, idx)
		if err != nil {
			if errors.Is(err, executor.ErrNoPosition) {
				return fail(CodeNoPosition, "no position in %s", cmd.Market)
			}
			return fail(CodeInternal, "%v", err)
		}
		last = r.fromResult(res)
		if !last.OK {
			return last
		}
	}
	return last
}

func (r *Router) handleSettle(ctx context.Context, cmd Command) Response {
	market, err := drift.MarketBySymbol(cmd.Market)
	if err != nil {
		return fail(CodeUnknownMarket, "unknown market %q", cmd.Market)
	}
	if resp := r.tradeReady(); resp != nil {
		return *resp
	}

	state := r.snapshots.Latest()
	if state != nil {
		pos := state.PerpPosition(market.Index)
		if pos == nil || pos.UnsettledPnl.Abs().LessThanOrEqual(decimal.NewFromInt(1)) {
			return fail(CodeNothingToSettle, "no unsettled pnl above threshold")
		}
	}

	res, err := r.exec.Settle(ctx, market.Index)
	if err != nil {
		return fail(CodeInternal, "%v", err)
	}
	return r.fromResult(res)
}

// gateOpen runs the safety gate for a manual open.
func (r *Router) gateOpen(ctx context.Context, market drift.Market, size decimal.Decimal) risk.Verdict {
	state := r.snapshots.Latest()
	if state == nil {
		return risk.Verdict{Reason: risk.ReasonStaleOracle, Detail: "no snapshot available"}
	}
	mark, err := r.prices.MarkPrice(ctx, market.Index)
	if err != nil {
		return risk.Verdict{Reason: risk.ReasonStaleOracle, Detail: err.Error()}
	}
	native, err := r.driver.NativeBalance(ctx)
	if err != nil {
		return risk.Verdict{Reason: risk.ReasonLowGas, Detail: err.Error()}
	}
	funding, err := r.driver.FundingRateHourly(ctx, market.Index)
	if err != nil {
		funding = decimal.Zero
	}

	return r.gate.Check(risk.Request{
		Kind:              risk.KindOpen,
		State:             state,
		SizeBase:          size,
		MarkPrice:         mark.Price,
		FundingRateHourly: funding,
		OracleAge:         mark.Age(time.Now()),
		NativeBalance:     native,
		NativePriceQuote:  mark.Price,
	})
}

// fromResult maps an executor terminal state onto the command surface.
func (r *Router) fromResult(res executor.Result) Response {
	switch res.State {
	case executor.StateConfirmed:
		return Response{OK: true, TxSignature: res.Signature.String()}
	case executor.StateRejected:
		msg := "simulation failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return fail(CodeSimFailed, "%s", msg)
	case executor.StateUnknown:
		return Response{
			OK:          false,
			Code:        CodeUnknown,
			Message:     "outcome unknown, verify signature externally",
			TxSignature: res.Signature.String(),
		}
	default:
		msg := "transaction failed"
		code := CodeTxFailed
		if res.Err != nil {
			msg = res.Err.Error()
			if errors.Is(res.Err, context.DeadlineExceeded) {
				code = CodeTimeout
			}
		}
		return fail(code, "%s", msg)
	}
}

func fail(code, format string, args ...any) Response {
	resp := Response{OK: false, Code: code, Message: fmt.Sprintf(format, args...)}
	log.Debug().Str("code", code).Str("message", resp.Message).Msg("Command rejected")
	return resp
}
