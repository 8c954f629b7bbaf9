package venue

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ConsumrBuzzy/phantom-keeper/internal/drift"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ON-CHAIN DRIVER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Builds venue program instructions, signs through the injected signer, and
// talks to Solana over RPC + websocket. Key material never crosses this
// boundary: the signer only ever sees serialized messages.
//
// ═══════════════════════════════════════════════════════════════════════════════

const rpcSendTimeout = 5 * time.Second

// ProgramID is the venue's on-chain program.
var ProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

// anchorDiscriminator derives the 8-byte instruction tag anchor programs use.
func anchorDiscriminator(name string) []byte {
	h := sha256.Sum256([]byte("global:" + name))
	return h[:8]
}

var (
	ixDeposit        = anchorDiscriminator("deposit")
	ixWithdraw       = anchorDiscriminator("withdraw")
	ixPlacePerpOrder = anchorDiscriminator("place_perp_order")
	ixSettlePnl      = anchorDiscriminator("settle_pnl")
)

// OnChain is the live driver.
type OnChain struct {
	rpc        *rpc.Client
	wsURL      string
	dataAPIURL string
	signer     Signer
	userPDA    solana.PublicKey
	httpClient *http.Client
}

// NewOnChain derives the user account address from the signer's authority and
// sub-account 0.
func NewOnChain(rpcURL, wsURL, dataAPIURL string, signer Signer) (*OnChain, error) {
	authority := signer.PublicKey()
	var sub [2]byte
	userPDA, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("user"), authority.Bytes(), sub[:]},
		ProgramID,
	)
	if err != nil {
		return nil, fmt.Errorf("venue: derive user account: %w", err)
	}

	return &OnChain{
		rpc:        rpc.New(rpcURL),
		wsURL:      wsURL,
		dataAPIURL: dataAPIURL,
		signer:     signer,
		userPDA:    userPDA,
		httpClient: &http.Client{Timeout: rpcSendTimeout},
	}, nil
}

func (c *OnChain) Mode() string { return "live" }

func (c *OnChain) UserAccount(ctx context.Context) ([]byte, error) {
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, c.userPDA, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("venue: get user account: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, ErrAccountNotFound
	}
	return out.Value.Data.GetBinary(), nil
}

func (c *OnChain) NativeBalance(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.rpc.GetBalance(ctx, c.signer.PublicKey(), rpc.CommitmentConfirmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: get balance: %w", err)
	}
	return decimal.New(int64(out.Value), -9), nil
}

type fundingRateResponse struct {
	FundingRates []struct {
		FundingRate string `json:"fundingRate"`
	} `json:"fundingRates"`
}

// FundingRateHourly reads the latest hourly funding rate from the venue's
// data API, scaled by the funding precision.
func (c *OnChain) FundingRateHourly(ctx context.Context, marketIndex uint16) (decimal.Decimal, error) {
	market, err := drift.MarketByIndex(marketIndex)
	if err != nil {
		return decimal.Zero, err
	}

	u := fmt.Sprintf("%s/fundingRates?marketName=%s", c.dataAPIURL, market.Symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: funding rate: %w", err)
	}
	defer resp.Body.Close()

	var body fundingRateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("venue: funding rate: %w", err)
	}
	if len(body.FundingRates) == 0 {
		return decimal.Zero, nil
	}
	raw, err := decimal.NewFromString(body.FundingRates[len(body.FundingRates)-1].FundingRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: funding rate: %w", err)
	}
	return raw.Shift(-drift.FundingPrecisionExp), nil
}

func (c *OnChain) BuildDeposit(ctx context.Context, amountNative decimal.Decimal) (*Tx, error) {
	data := append([]byte{}, ixDeposit...)
	data = appendU16(data, 1) // SOL spot market
	data = appendU64(data, uint64(drift.DecimalToRaw(amountNative, drift.BasePrecisionExp)))
	return c.buildTx(ctx, TxDeposit, 0, data)
}

func (c *OnChain) BuildWithdraw(ctx context.Context, amountQuote decimal.Decimal) (*Tx, error) {
	data := append([]byte{}, ixWithdraw...)
	data = appendU16(data, 0)
	data = appendU64(data, uint64(drift.DecimalToRaw(amountQuote, drift.QuotePrecisionExp)))
	return c.buildTx(ctx, TxWithdraw, 0, data)
}

func (c *OnChain) BuildOpen(ctx context.Context, marketIndex uint16, sizeBase, priceLimit decimal.Decimal, reduceOnly bool) (*Tx, error) {
	market, err := drift.MarketByIndex(marketIndex)
	if err != nil {
		return nil, err
	}

	// Market order params: direction, base amount, price limit, reduce-only.
	data := append([]byte{}, ixPlacePerpOrder...)
	if sizeBase.Sign() >= 0 {
		data = append(data, 0) // long
	} else {
		data = append(data, 1) // short
	}
	data = appendU16(data, marketIndex)
	data = appendU64(data, uint64(drift.DecimalToRaw(sizeBase.Abs(), market.BasePrecisionExp)))
	data = appendU64(data, uint64(drift.DecimalToRaw(priceLimit, market.QuotePrecisionExp)))
	if reduceOnly {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	return c.buildTx(ctx, TxOpen, marketIndex, data)
}

func (c *OnChain) BuildSettle(ctx context.Context, marketIndex uint16) (*Tx, error) {
	data := append([]byte{}, ixSettlePnl...)
	data = appendU16(data, marketIndex)
	return c.buildTx(ctx, TxSettle, marketIndex, data)
}

func (c *OnChain) buildTx(ctx context.Context, kind string, market uint16, data []byte) (*Tx, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("venue: blockhash: %w", err)
	}

	authority := c.signer.PublicKey()
	ix := solana.NewInstruction(
		ProgramID,
		solana.AccountMetaSlice{
			solana.Meta(c.userPDA).WRITE(),
			solana.Meta(authority).SIGNER(),
		},
		data,
	)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(authority),
	)
	if err != nil {
		return nil, fmt.Errorf("venue: build tx: %w", err)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("venue: marshal message: %w", err)
	}
	sig, err := c.signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("venue: sign: %w", err)
	}
	tx.Signatures = []solana.Signature{sig}

	return &Tx{Kind: kind, Market: market, Native: tx}, nil
}

func (c *OnChain) Simulate(ctx context.Context, tx *Tx) error {
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx.Native, &rpc.SimulateTransactionOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fmt.Errorf("venue: simulate rpc: %w", err)
	}
	if out.Value != nil && out.Value.Err != nil {
		return fmt.Errorf("%w: %v", ErrSimulation, out.Value.Err)
	}
	return nil
}

func (c *OnChain) Send(ctx context.Context, tx *Tx) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcSendTimeout)
	defer cancel()

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx.Native, rpc.TransactionOpts{
		SkipPreflight: true, // already simulated
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("venue: send: %w", err)
	}
	return sig, nil
}

func (c *OnChain) Status(ctx context.Context, sig solana.Signature) (Status, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return StatusNotFound, fmt.Errorf("venue: signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return StatusNotFound, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return StatusFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return StatusConfirmed, nil
	default:
		return StatusPending, nil
	}
}

// Subscribe opens a websocket account subscription on the user record and
// streams raw snapshots. The caller owns reconnection policy.
func (c *OnChain) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	client, err := ws.Connect(ctx, c.wsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("venue: ws connect: %w", err)
	}

	sub, err := client.AccountSubscribeWithOpts(c.userPDA, rpc.CommitmentConfirmed, solana.EncodingBase64)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("venue: account subscribe: %w", err)
	}

	out := make(chan []byte, 8)

	// Seed with the current account so consumers start from a snapshot.
	if data, err := c.UserAccount(ctx); err == nil {
		out <- data
	}

	go func() {
		defer close(out)
		for {
			res, err := sub.Recv(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Account subscription dropped")
				return
			}
			if res == nil || res.Value.Data == nil {
				continue
			}
			select {
			case out <- res.Value.Data.GetBinary():
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		sub.Unsubscribe()
		client.Close()
	}
	return out, cancel, nil
}

func appendU16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}
