package drift

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FIXED-POINT CODEC
// ═══════════════════════════════════════════════════════════════════════════════
//
// Decodes the venue's packed user-account record into structured integers and
// converts raw integer units to exact decimals and back. No binary floating
// point ever touches a money value.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrTruncated        = errors.New("drift: account data truncated")
	ErrBadDiscriminator = errors.New("drift: unexpected account discriminator")
)

// SpotPosition is one decoded entry of the spot table, in raw integer units.
type SpotPosition struct {
	ScaledBalance      uint64
	OpenBids           int64
	OpenAsks           int64
	CumulativeDeposits int64
	MarketIndex        uint16
	BalanceType        uint8 // 0 = deposit, 1 = borrow
	OpenOrders         uint8
}

// PerpPosition is one decoded entry of the perp table, in raw integer units.
// BaseAssetAmount is signed; a short position is negative.
type PerpPosition struct {
	BaseAssetAmount          int64
	QuoteAssetAmount         int64
	QuoteEntryAmount         int64
	SettledPnl               int64
	LastCumulativeFundingRate int64
	MarketIndex              uint16
	OpenOrders               uint8
}

// RawUser is the structured form of one user account record.
type RawUser struct {
	Authority     [32]byte
	Delegate      [32]byte
	SubAccountID  uint16
	Status        uint8
	SpotPositions [SpotSlots]SpotPosition
	PerpPositions [PerpSlots]PerpPosition
}

// DecodeUser parses a raw account record. It fails with ErrTruncated when the
// buffer is shorter than the fixed record size and ErrBadDiscriminator when
// the prefix does not match UserDiscriminator.
func DecodeUser(data []byte) (*RawUser, error) {
	if len(data) < UserAccountSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrTruncated, len(data), UserAccountSize)
	}
	if [8]byte(data[:DiscriminatorSize]) != UserDiscriminator {
		return nil, ErrBadDiscriminator
	}

	u := &RawUser{}
	copy(u.Authority[:], data[AuthorityOff:AuthorityOff+32])
	copy(u.Delegate[:], data[DelegateOff:DelegateOff+32])
	u.SubAccountID = binary.LittleEndian.Uint16(data[SubAccountIDOff:])
	u.Status = data[StatusOff]

	for i := 0; i < SpotSlots; i++ {
		base := SpotTableOff + i*SpotPositionSize
		u.SpotPositions[i] = SpotPosition{
			ScaledBalance:      binary.LittleEndian.Uint64(data[base+SpotScaledBalanceOff:]),
			OpenBids:           int64(binary.LittleEndian.Uint64(data[base+SpotOpenBidsOff:])),
			OpenAsks:           int64(binary.LittleEndian.Uint64(data[base+SpotOpenAsksOff:])),
			CumulativeDeposits: int64(binary.LittleEndian.Uint64(data[base+SpotCumDepositsOff:])),
			MarketIndex:        binary.LittleEndian.Uint16(data[base+SpotMarketIndexOff:]),
			BalanceType:        data[base+SpotBalanceTypeOff],
			OpenOrders:         data[base+SpotOpenOrdersOff],
		}
	}

	for i := 0; i < PerpSlots; i++ {
		base := PerpTableOff + i*PerpPositionSize
		u.PerpPositions[i] = PerpPosition{
			BaseAssetAmount:           int64(binary.LittleEndian.Uint64(data[base+PerpBaseAmountOff:])),
			QuoteAssetAmount:          int64(binary.LittleEndian.Uint64(data[base+PerpQuoteAmountOff:])),
			QuoteEntryAmount:          int64(binary.LittleEndian.Uint64(data[base+PerpQuoteEntryOff:])),
			SettledPnl:                int64(binary.LittleEndian.Uint64(data[base+PerpSettledPnlOff:])),
			LastCumulativeFundingRate: int64(binary.LittleEndian.Uint64(data[base+PerpLastCumFundingOff:])),
			MarketIndex:               binary.LittleEndian.Uint16(data[base+PerpMarketIndexOff:]),
			OpenOrders:                data[base+PerpOpenOrdersOff],
		}
	}

	return u, nil
}

// EncodeUser is the inverse of DecodeUser. The paper driver uses it to
// materialize simulated account state; tests use it to lock the layout.
func EncodeUser(u *RawUser) []byte {
	data := make([]byte, UserAccountSize)
	copy(data[:DiscriminatorSize], UserDiscriminator[:])
	copy(data[AuthorityOff:], u.Authority[:])
	copy(data[DelegateOff:], u.Delegate[:])
	binary.LittleEndian.PutUint16(data[SubAccountIDOff:], u.SubAccountID)
	data[StatusOff] = u.Status

	for i, sp := range u.SpotPositions {
		base := SpotTableOff + i*SpotPositionSize
		binary.LittleEndian.PutUint64(data[base+SpotScaledBalanceOff:], sp.ScaledBalance)
		binary.LittleEndian.PutUint64(data[base+SpotOpenBidsOff:], uint64(sp.OpenBids))
		binary.LittleEndian.PutUint64(data[base+SpotOpenAsksOff:], uint64(sp.OpenAsks))
		binary.LittleEndian.PutUint64(data[base+SpotCumDepositsOff:], uint64(sp.CumulativeDeposits))
		binary.LittleEndian.PutUint16(data[base+SpotMarketIndexOff:], sp.MarketIndex)
		data[base+SpotBalanceTypeOff] = sp.BalanceType
		data[base+SpotOpenOrdersOff] = sp.OpenOrders
	}

	for i, pp := range u.PerpPositions {
		base := PerpTableOff + i*PerpPositionSize
		binary.LittleEndian.PutUint64(data[base+PerpBaseAmountOff:], uint64(pp.BaseAssetAmount))
		binary.LittleEndian.PutUint64(data[base+PerpQuoteAmountOff:], uint64(pp.QuoteAssetAmount))
		binary.LittleEndian.PutUint64(data[base+PerpQuoteEntryOff:], uint64(pp.QuoteEntryAmount))
		binary.LittleEndian.PutUint64(data[base+PerpSettledPnlOff:], uint64(pp.SettledPnl))
		binary.LittleEndian.PutUint64(data[base+PerpLastCumFundingOff:], uint64(pp.LastCumulativeFundingRate))
		binary.LittleEndian.PutUint16(data[base+PerpMarketIndexOff:], pp.MarketIndex)
		data[base+PerpOpenOrdersOff] = pp.OpenOrders
	}

	return data
}

// RawToDecimal converts raw integer units into an exact decimal by dividing
// by 10^precisionExp.
func RawToDecimal(value int64, precisionExp int32) decimal.Decimal {
	return decimal.New(value, -precisionExp)
}

// RawUintToDecimal is RawToDecimal for unsigned fields (scaled balances).
func RawUintToDecimal(value uint64, precisionExp int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(value), -precisionExp)
}

// DecimalToRaw converts a decimal quantity back into raw integer units,
// truncating toward zero. Callers pad for slippage themselves.
func DecimalToRaw(value decimal.Decimal, precisionExp int32) int64 {
	return value.Shift(precisionExp).Truncate(0).IntPart()
}
