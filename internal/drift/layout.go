package drift

// Binary layout of the venue's user account record. Every byte offset the
// codec touches is named here; nothing else in the repo is allowed to index
// into raw account data.
//
// Record layout (little-endian):
//
//	[0:8)     discriminator
//	[8:40)    authority pubkey
//	[40:72)   delegate pubkey
//	[72:74)   sub-account id (u16)
//	[74:75)   status flags (u8)
//	[75:80)   padding
//	[80:400)  spot position table, SpotSlots entries of SpotPositionSize
//	[400:784) perp position table, PerpSlots entries of PerpPositionSize
const (
	DiscriminatorSize = 8

	AuthorityOff    = 8
	DelegateOff     = 40
	SubAccountIDOff = 72
	StatusOff       = 74
	HeaderSize      = 80

	SpotTableOff     = HeaderSize
	SpotSlots        = 8
	SpotPositionSize = 40

	// Offsets within one spot-position entry.
	SpotScaledBalanceOff = 0  // u64, token units scaled by the market precision
	SpotOpenBidsOff      = 8  // i64
	SpotOpenAsksOff      = 16 // i64
	SpotCumDepositsOff   = 24 // i64
	SpotMarketIndexOff   = 32 // u16
	SpotBalanceTypeOff   = 34 // u8, 0 = deposit, 1 = borrow
	SpotOpenOrdersOff    = 35 // u8

	PerpTableOff     = SpotTableOff + SpotSlots*SpotPositionSize
	PerpSlots        = 8
	PerpPositionSize = 48

	// Offsets within one perp-position entry.
	PerpBaseAmountOff     = 0  // i64, signed; short positions are negative
	PerpQuoteAmountOff    = 8  // i64
	PerpQuoteEntryOff     = 16 // i64
	PerpSettledPnlOff     = 24 // i64
	PerpLastCumFundingOff = 32 // i64
	PerpMarketIndexOff    = 40 // u16
	PerpOpenOrdersOff     = 42 // u8

	UserAccountSize = PerpTableOff + PerpSlots*PerpPositionSize

	// The quote collateral entry is the first spot slot (USDC, market 0).
	// A previous reading of the record used the cumulative-deposits field by
	// mistake and reported balances off by three orders of magnitude; the
	// scaled balance at this offset is the authoritative one.
	CollateralOff = SpotTableOff + SpotScaledBalanceOff
)

// UserDiscriminator is the 8-byte prefix every user record starts with.
var UserDiscriminator = [8]byte{159, 117, 95, 227, 239, 151, 58, 236}

// Fixed-point precisions, as powers of ten.
const (
	BasePrecisionExp    = 9 // perp base amounts
	QuotePrecisionExp   = 6 // quote/collateral amounts
	FundingPrecisionExp = 9 // cumulative funding
)
