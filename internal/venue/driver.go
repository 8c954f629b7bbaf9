// Package venue abstracts the perp venue behind a narrow driver capability
// set. Two drivers exist: Paper (in-memory simulation) and OnChain (Solana
// RPC). Consumers never branch on the variant beyond event labels.
package venue

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Status of a submitted transaction as reported by the venue.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusNotFound  Status = "NOT_FOUND"
)

// Tx kinds.
const (
	TxDeposit  = "deposit"
	TxWithdraw = "withdraw"
	TxOpen     = "open"
	TxSettle   = "settle"
)

var (
	ErrAccountNotFound = errors.New("venue: user account does not exist")
	ErrSimulation      = errors.New("venue: simulation failed")
)

// Tx is a built, not-yet-submitted transaction. Native is nil for the paper
// driver; op carries the simulated effect instead.
type Tx struct {
	Kind   string
	Market uint16

	Native *solana.Transaction
	op     *paperOp
}

// Driver is the venue capability set shared by paper and on-chain modes.
type Driver interface {
	Mode() string

	// Account state
	UserAccount(ctx context.Context) ([]byte, error)
	NativeBalance(ctx context.Context) (decimal.Decimal, error)
	FundingRateHourly(ctx context.Context, marketIndex uint16) (decimal.Decimal, error)

	// Transaction building. sizeBase is signed: negative sells/shorts.
	// Deposits are native SOL; withdrawals are quote collateral.
	BuildDeposit(ctx context.Context, amountNative decimal.Decimal) (*Tx, error)
	BuildWithdraw(ctx context.Context, amountQuote decimal.Decimal) (*Tx, error)
	BuildOpen(ctx context.Context, marketIndex uint16, sizeBase, priceLimit decimal.Decimal, reduceOnly bool) (*Tx, error)
	BuildSettle(ctx context.Context, marketIndex uint16) (*Tx, error)

	// Transaction lifecycle
	Simulate(ctx context.Context, tx *Tx) error
	Send(ctx context.Context, tx *Tx) (solana.Signature, error)
	Status(ctx context.Context, sig solana.Signature) (Status, error)

	// Subscribe streams raw user-account snapshots until cancel is called.
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)
}
