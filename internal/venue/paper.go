package venue

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
	"github.com/ConsumrBuzzy/phantom-keeper/internal/oracle"
)

// paperOp is the simulated effect of one paper transaction.
type paperOp struct {
	kind       string
	market     uint16
	amount     decimal.Decimal // deposit: native SOL; withdraw: quote units
	size       decimal.Decimal // open, signed base units
	priceLimit decimal.Decimal
	reduceOnly bool
}

// Paper is the virtual driver: a venue simulated in memory against the same
// account layout the on-chain driver decodes. Used for paper mode and tests.
type Paper struct {
	mu      sync.Mutex
	user    *drift.RawUser
	native  decimal.Decimal
	funding map[uint16]decimal.Decimal
	prices  *oracle.Static
	txSeq   uint64
	sent    map[solana.Signature]Status
	subs    []chan []byte

	// Fault injection for tests and chaos runs.
	FailSimulate error
	FailSend     error
	ForcedStatus *Status
}

func NewPaper(prices *oracle.Static, depositQuote, nativeSOL decimal.Decimal) *Paper {
	user := &drift.RawUser{}
	user.SpotPositions[0].ScaledBalance = uint64(drift.DecimalToRaw(depositQuote, drift.QuotePrecisionExp))
	return &Paper{
		user:    user,
		native:  nativeSOL,
		funding: make(map[uint16]decimal.Decimal),
		prices:  prices,
		sent:    make(map[solana.Signature]Status),
	}
}

func (p *Paper) Mode() string { return "paper" }

// SetFundingRate sets the simulated hourly funding rate for a market.
func (p *Paper) SetFundingRate(marketIndex uint16, hourly decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funding[marketIndex] = hourly
}

// SetPerpPosition overwrites a perp slot, for scenario setup.
func (p *Paper) SetPerpPosition(slot int, pp drift.PerpPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user.PerpPositions[slot] = pp
}

func (p *Paper) UserAccount(_ context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return drift.EncodeUser(p.user), nil
}

func (p *Paper) NativeBalance(_ context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.native, nil
}

func (p *Paper) FundingRateHourly(_ context.Context, marketIndex uint16) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.funding[marketIndex]; ok {
		return r, nil
	}
	return decimal.Zero, nil
}

func (p *Paper) BuildDeposit(_ context.Context, amountNative decimal.Decimal) (*Tx, error) {
	return &Tx{Kind: TxDeposit, op: &paperOp{kind: TxDeposit, amount: amountNative}}, nil
}

func (p *Paper) BuildWithdraw(_ context.Context, amountQuote decimal.Decimal) (*Tx, error) {
	return &Tx{Kind: TxWithdraw, op: &paperOp{kind: TxWithdraw, amount: amountQuote}}, nil
}

func (p *Paper) BuildOpen(_ context.Context, marketIndex uint16, sizeBase, priceLimit decimal.Decimal, reduceOnly bool) (*Tx, error) {
	if _, err := drift.MarketByIndex(marketIndex); err != nil {
		return nil, err
	}
	return &Tx{
		Kind:   TxOpen,
		Market: marketIndex,
		op:     &paperOp{kind: TxOpen, market: marketIndex, size: sizeBase, priceLimit: priceLimit, reduceOnly: reduceOnly},
	}, nil
}

func (p *Paper) BuildSettle(_ context.Context, marketIndex uint16) (*Tx, error) {
	if _, err := drift.MarketByIndex(marketIndex); err != nil {
		return nil, err
	}
	return &Tx{Kind: TxSettle, Market: marketIndex, op: &paperOp{kind: TxSettle, market: marketIndex}}, nil
}

func (p *Paper) Simulate(_ context.Context, tx *Tx) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailSimulate != nil {
		return fmt.Errorf("%w: %v", ErrSimulation, p.FailSimulate)
	}
	op := tx.op
	if op == nil {
		return fmt.Errorf("%w: not a paper transaction", ErrSimulation)
	}

	switch op.kind {
	case TxDeposit:
		if op.amount.Sign() <= 0 {
			return fmt.Errorf("%w: non-positive deposit", ErrSimulation)
		}
		if op.amount.GreaterThan(p.native) {
			return fmt.Errorf("%w: deposit %s exceeds wallet %s", ErrSimulation, op.amount, p.native)
		}
	case TxWithdraw:
		deposited := drift.RawUintToDecimal(p.user.SpotPositions[0].ScaledBalance, drift.QuotePrecisionExp)
		if op.amount.Sign() <= 0 || op.amount.GreaterThan(deposited) {
			return fmt.Errorf("%w: withdraw %s exceeds balance %s", ErrSimulation, op.amount, deposited)
		}
	case TxOpen:
		if op.size.IsZero() {
			return fmt.Errorf("%w: zero size", ErrSimulation)
		}
		if op.reduceOnly {
			base := p.perpBase(op.market)
			if base.IsZero() || base.Sign() == op.size.Sign() || op.size.Abs().GreaterThan(base.Abs()) {
				return fmt.Errorf("%w: reduce-only order does not reduce", ErrSimulation)
			}
		}
	case TxSettle:
		// always simulable
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrSimulation, op.kind)
	}
	return nil
}

func (p *Paper) Send(ctx context.Context, tx *Tx) (solana.Signature, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailSend != nil {
		return solana.Signature{}, p.FailSend
	}
	if tx.op == nil {
		return solana.Signature{}, fmt.Errorf("paper: not a paper transaction")
	}

	if err := p.apply(ctx, tx.op); err != nil {
		return solana.Signature{}, err
	}

	p.txSeq++
	sig := p.signature(p.txSeq)
	p.sent[sig] = StatusConfirmed

	snapshot := drift.EncodeUser(p.user)
	for _, ch := range p.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}

	log.Debug().Str("kind", tx.op.kind).Str("sig", sig.String()).Msg("Paper tx applied")
	return sig, nil
}

func (p *Paper) Status(_ context.Context, sig solana.Signature) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ForcedStatus != nil {
		return *p.ForcedStatus, nil
	}
	if st, ok := p.sent[sig]; ok {
		return st, nil
	}
	return StatusNotFound, nil
}

func (p *Paper) Subscribe(_ context.Context) (<-chan []byte, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan []byte, 8)
	ch <- drift.EncodeUser(p.user)
	p.subs = append(p.subs, ch)

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, c := range p.subs {
			if c == ch {
				close(c)
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (p *Paper) perpBase(marketIndex uint16) decimal.Decimal {
	for _, pp := range p.user.PerpPositions {
		if pp.MarketIndex == marketIndex && pp.BaseAssetAmount != 0 {
			return drift.RawToDecimal(pp.BaseAssetAmount, drift.BasePrecisionExp)
		}
	}
	return decimal.Zero
}

// apply mutates the simulated account. Caller holds p.mu.
func (p *Paper) apply(ctx context.Context, op *paperOp) error {
	spot := &p.user.SpotPositions[0]

	switch op.kind {
	case TxDeposit:
		// Deposits are native SOL credited at the hedge-market mark.
		mark, err := p.prices.MarkPrice(ctx, 0)
		if err != nil {
			return err
		}
		p.native = p.native.Sub(op.amount)
		spot.ScaledBalance += uint64(drift.DecimalToRaw(op.amount.Mul(mark.Price), drift.QuotePrecisionExp))
	case TxWithdraw:
		spot.ScaledBalance -= uint64(drift.DecimalToRaw(op.amount, drift.QuotePrecisionExp))
	case TxOpen:
		mark, err := p.prices.MarkPrice(ctx, op.market)
		if err != nil {
			return err
		}
		slot := p.perpSlot(op.market)
		deltaQuote := op.size.Mul(mark.Price).Neg()
		slot.MarketIndex = op.market
		slot.BaseAssetAmount += drift.DecimalToRaw(op.size, drift.BasePrecisionExp)
		slot.QuoteAssetAmount += drift.DecimalToRaw(deltaQuote, drift.QuotePrecisionExp)
		slot.QuoteEntryAmount += drift.DecimalToRaw(deltaQuote, drift.QuotePrecisionExp)
	case TxSettle:
		mark, err := p.prices.MarkPrice(ctx, op.market)
		if err != nil {
			return err
		}
		slot := p.perpSlot(op.market)
		base := drift.RawToDecimal(slot.BaseAssetAmount, drift.BasePrecisionExp)
		quote := drift.RawToDecimal(slot.QuoteAssetAmount, drift.QuotePrecisionExp)
		unsettled := base.Mul(mark.Price).Add(quote)
		spot.ScaledBalance = uint64(int64(spot.ScaledBalance) + drift.DecimalToRaw(unsettled, drift.QuotePrecisionExp))
		slot.QuoteAssetAmount = drift.DecimalToRaw(base.Mul(mark.Price).Neg(), drift.QuotePrecisionExp)
		slot.SettledPnl += drift.DecimalToRaw(unsettled, drift.QuotePrecisionExp)
	}
	return nil
}

// perpSlot returns the slot holding marketIndex, or the first empty one.
func (p *Paper) perpSlot(marketIndex uint16) *drift.PerpPosition {
	for i := range p.user.PerpPositions {
		if p.user.PerpPositions[i].MarketIndex == marketIndex && p.user.PerpPositions[i].BaseAssetAmount != 0 {
			return &p.user.PerpPositions[i]
		}
	}
	for i := range p.user.PerpPositions {
		if p.user.PerpPositions[i].BaseAssetAmount == 0 {
			return &p.user.PerpPositions[i]
		}
	}
	return &p.user.PerpPositions[drift.PerpSlots-1]
}

// signature derives a deterministic fake signature from the sequence number.
func (p *Paper) signature(seq uint64) solana.Signature {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	h1 := sha256.Sum256(buf[:])
	h2 := sha256.Sum256(h1[:])
	var sig solana.Signature
	copy(sig[:32], h1[:])
	copy(sig[32:], h2[:])
	return sig
}
