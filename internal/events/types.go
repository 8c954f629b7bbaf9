package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/snapshot"
)

// Type names one event stream on the bus.
type Type string

const (
	EventStateUpdate     Type = "STATE_UPDATE"
	EventRebalance       Type = "REBALANCE"
	EventHealthWarn      Type = "HEALTH_WARN"
	EventHealthCritical  Type = "HEALTH_CRITICAL"
	EventCommandResult   Type = "COMMAND_RESULT"
	EventVaultSyncFailed Type = "VAULT_SYNC_FAILED"
	EventCritical        Type = "CRITICAL"
)

// All lists every type pushed to external subscribers.
var All = []Type{
	EventStateUpdate,
	EventRebalance,
	EventHealthWarn,
	EventHealthCritical,
	EventCommandResult,
	EventVaultSyncFailed,
	EventCritical,
}

// Envelope wraps a payload with its stream for multiplexed subscribers.
type Envelope struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// StateUpdate is pushed after every successful snapshot.
type StateUpdate struct {
	State    *snapshot.AccountState `json:"state"`
	NetDelta decimal.Decimal        `json:"net_delta"`
	DriftPct decimal.Decimal        `json:"drift_pct"`
	At       time.Time              `json:"timestamp"`
}

// RebalanceAction is what the tick decided to do.
type RebalanceAction string

const (
	ActionExpandShort RebalanceAction = "expand_short"
	ActionReduceShort RebalanceAction = "reduce_short"
	ActionNone        RebalanceAction = "none"
)

// RebalanceStatus is how the tick ended.
type RebalanceStatus string

const (
	StatusNone            RebalanceStatus = "none"
	StatusSkippedCooldown RebalanceStatus = "skipped_cooldown"
	StatusSkippedMinSize  RebalanceStatus = "skipped_min_size"
	StatusBlockedGate     RebalanceStatus = "blocked_gate"
	StatusExecuted        RebalanceStatus = "executed"
	StatusFailed          RebalanceStatus = "failed"
	StatusUnknown         RebalanceStatus = "unknown"
)

// Rebalance describes one tick outcome.
type Rebalance struct {
	At             time.Time       `json:"timestamp"`
	Action         RebalanceAction `json:"action"`
	CorrectionSize decimal.Decimal `json:"correction_size"`
	Status         RebalanceStatus `json:"status"`
	BlockReason    string          `json:"block_reason,omitempty"`
	TxSignature    string          `json:"tx_signature,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// HealthAlert is pushed when health crosses the warn/critical thresholds.
type HealthAlert struct {
	Health    decimal.Decimal `json:"health"`
	Threshold decimal.Decimal `json:"threshold"`
}

// CommandResult reports the asynchronous outcome of a routed command.
type CommandResult struct {
	Action      string `json:"action"`
	Success     bool   `json:"success"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	TxSignature string `json:"tx_signature,omitempty"`
}

// Critical is a terminal condition requiring operator action.
type Critical struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}
