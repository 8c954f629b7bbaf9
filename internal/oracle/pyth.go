package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// fetchTimeout bounds one price fetch end to end.
const fetchTimeout = 1 * time.Second

// pythFeeds maps market index to the Pyth price-feed id for its base asset.
var pythFeeds = map[uint16]string{
	0: "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d", // SOL/USD
	1: "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43", // BTC/USD
	2: "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace", // ETH/USD
	3: "03ae4db29ed4ae33d323568895aa00337e658e348b37509f5372ae51f0af00d5", // APT/USD
	4: "2f95862b045670cd22bee3114c39763a4a08beeb663b145d283c31d7d1101c4f", // BNB/USD
	5: "5de33a9112c2b700b8d30b8a3402c103578ccfa2765696471cc672bd5cf6ac52", // MATIC/USD
	6: "3fa4252848f9f0a1480be62745a4629d9eb1322aebab8a791e344b3b9c1adcf5", // ARB/USD
	7: "dcef50dd0a4cd2dcc17e45df1676dcb336a11a61c69df7a0299b0150c672d25c", // DOGE/USD
	8: "23d7315113f5b1d3ba7a83604c44b94d79f4fd69af77f804fc7f920a6dc65744", // SUI/USD
}

// Pyth fetches prices from a Hermes endpoint. The venue marks to the oracle
// with a small AMM premium; for the keeper's purposes mark == oracle.
type Pyth struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[uint16]Quote // last good quote per market
}

func NewPyth(baseURL string) *Pyth {
	return &Pyth{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: fetchTimeout},
		cache:      make(map[uint16]Quote),
	}
}

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func (p *Pyth) fetch(ctx context.Context, marketIndex uint16) (Quote, error) {
	feedID, ok := pythFeeds[marketIndex]
	if !ok {
		return Quote{}, ErrNoPrice
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/v2/updates/price/latest?ids[]=%s&parsed=true", p.baseURL, url.QueryEscape(feedID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var body hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if len(body.Parsed) == 0 {
		return Quote{}, ErrNoPrice
	}

	raw, err := decimal.NewFromString(body.Parsed[0].Price.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: bad price %q", ErrUnreachable, body.Parsed[0].Price.Price)
	}

	q := Quote{
		Price:     raw.Shift(body.Parsed[0].Price.Expo),
		FetchedAt: time.Now(),
	}

	p.mu.Lock()
	p.cache[marketIndex] = q
	p.mu.Unlock()

	log.Debug().
		Uint16("market", marketIndex).
		Str("price", q.Price.String()).
		Msg("Oracle price fetched")

	return q, nil
}

func (p *Pyth) MarkPrice(ctx context.Context, marketIndex uint16) (Quote, error) {
	return p.fetch(ctx, marketIndex)
}

func (p *Pyth) OraclePrice(ctx context.Context, marketIndex uint16) (Quote, error) {
	return p.fetch(ctx, marketIndex)
}

// Last returns the most recent good quote without hitting the network.
func (p *Pyth) Last(marketIndex uint16) (Quote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.cache[marketIndex]
	return q, ok
}
