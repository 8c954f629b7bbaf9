// Package oracle resolves mark and oracle prices for the venue's perp
// markets. Retries are the caller's concern; the sources here report only
// ErrUnreachable or ErrNoPrice. They do not check age and never return
// ErrStale: each Quote carries FetchedAt, and callers judge staleness with
// IsFresh.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnreachable = errors.New("oracle: unreachable")
	ErrStale       = errors.New("oracle: price too old")
	ErrNoPrice     = errors.New("oracle: no price for market")
)

// Quote is a price with the instant it was fetched.
type Quote struct {
	Price     decimal.Decimal
	FetchedAt time.Time
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchedAt)
}

// Source provides mark and oracle prices per market index.
type Source interface {
	MarkPrice(ctx context.Context, marketIndex uint16) (Quote, error)
	OraclePrice(ctx context.Context, marketIndex uint16) (Quote, error)
}

// IsFresh is the staleness predicate used by the safety gate.
func IsFresh(age, threshold time.Duration) bool {
	return age <= threshold
}

// Static is a settable in-memory source used by the paper driver and tests.
type Static struct {
	mu     sync.RWMutex
	marks  map[uint16]Quote
	oracle map[uint16]Quote
}

func NewStatic() *Static {
	return &Static{
		marks:  make(map[uint16]Quote),
		oracle: make(map[uint16]Quote),
	}
}

// SetPrice sets both mark and oracle price for a market, stamped now.
func (s *Static) SetPrice(marketIndex uint16, price decimal.Decimal) {
	s.SetPriceAt(marketIndex, price, time.Now())
}

// SetPriceAt sets both prices with an explicit fetch timestamp.
func (s *Static) SetPriceAt(marketIndex uint16, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := Quote{Price: price, FetchedAt: at}
	s.marks[marketIndex] = q
	s.oracle[marketIndex] = q
}

func (s *Static) MarkPrice(_ context.Context, marketIndex uint16) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.marks[marketIndex]
	if !ok {
		return Quote{}, ErrNoPrice
	}
	return q, nil
}

func (s *Static) OraclePrice(_ context.Context, marketIndex uint16) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.oracle[marketIndex]
	if !ok {
		return Quote{}, ErrNoPrice
	}
	return q, nil
}
