// Package types holds the shared domain vocabulary used across every layer
// of the exchange: order/trade/account entities, the towards-code mapping,
// and the two-layer order ID convention. It imports nothing but the
// standard library and shopspring/decimal so that every consumer — matching,
// storage, snapshot, replication — can depend on it without dragging in
// transport or persistence concerns.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the BUY/SELL side of an order.
type Direction int8

const (
	DirectionBuy Direction = iota
	DirectionSell
)

func (d Direction) String() string {
	if d == DirectionBuy {
		return "BUY"
	}
	return "SELL"
}

// Offset distinguishes opening a new position from closing an existing one.
type Offset int8

const (
	OffsetOpen Offset = iota
	OffsetClose
	OffsetCloseToday
)

func (o Offset) String() string {
	switch o {
	case OffsetOpen:
		return "OPEN"
	case OffsetClose:
		return "CLOSE"
	case OffsetCloseToday:
		return "CLOSE_TODAY"
	default:
		return "UNKNOWN"
	}
}

// TowardsCode is the authoritative signed integer encoding of
// (Direction, Offset) consumed by the account arithmetic library. Its
// values are fixed by upstream convention and must never be reassigned:
//
//	BUY + OPEN         =  1
//	SELL + OPEN        = -2
//	BUY + CLOSE        =  3
//	SELL + CLOSE       = -3
//	BUY + CLOSE_TODAY  =  4
//	SELL + CLOSE_TODAY = -4
//
// The account package takes TowardsCode, never (Direction, Offset), as its
// interface boundary so this mapping can never quietly drift out of sync
// with the arithmetic it drives.
type TowardsCode int8

const (
	TowardsBuyOpen        TowardsCode = 1
	TowardsSellOpen       TowardsCode = -2
	TowardsBuyClose       TowardsCode = 3
	TowardsSellClose      TowardsCode = -3
	TowardsBuyCloseToday  TowardsCode = 4
	TowardsSellCloseToday TowardsCode = -4
)

// ToTowardsCode derives the towards-code for a (direction, offset) pair.
// This is the single place that mapping is computed; nothing else in the
// module may hardcode these constants.
func ToTowardsCode(d Direction, o Offset) (TowardsCode, error) {
	switch {
	case d == DirectionBuy && o == OffsetOpen:
		return TowardsBuyOpen, nil
	case d == DirectionSell && o == OffsetOpen:
		return TowardsSellOpen, nil
	case d == DirectionBuy && o == OffsetClose:
		return TowardsBuyClose, nil
	case d == DirectionSell && o == OffsetClose:
		return TowardsSellClose, nil
	case d == DirectionBuy && o == OffsetCloseToday:
		return TowardsBuyCloseToday, nil
	case d == DirectionSell && o == OffsetCloseToday:
		return TowardsSellCloseToday, nil
	default:
		return 0, fmt.Errorf("types: no towards-code for direction %v offset %v", d, o)
	}
}

// IsBuy reports whether the towards-code represents a buy-side action.
func (t TowardsCode) IsBuy() bool {
	return t > 0
}

// Split decomposes a towards-code back into (Direction, Offset).
func (t TowardsCode) Split() (Direction, Offset) {
	switch t {
	case TowardsBuyOpen:
		return DirectionBuy, OffsetOpen
	case TowardsSellOpen:
		return DirectionSell, OffsetOpen
	case TowardsBuyClose:
		return DirectionBuy, OffsetClose
	case TowardsSellClose:
		return DirectionSell, OffsetClose
	case TowardsBuyCloseToday:
		return DirectionBuy, OffsetCloseToday
	case TowardsSellCloseToday:
		return DirectionSell, OffsetCloseToday
	default:
		return DirectionBuy, OffsetOpen
	}
}

// PriceType distinguishes a resting limit order from a marketable order that
// must cross existing liquidity immediately or be rejected.
type PriceType int8

const (
	PriceTypeLimit PriceType = iota
	PriceTypeMarket
)

func (p PriceType) String() string {
	if p == PriceTypeMarket {
		return "MARKET"
	}
	return "LIMIT"
}

// OrderStatus is the state-machine position of an order.
type OrderStatus string

const (
	OrderPendingRisk    OrderStatus = "PENDING_RISK"
	OrderPendingRoute   OrderStatus = "PENDING_ROUTE"
	OrderSubmitted      OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled         OrderStatus = "FILLED"
	OrderCancelled      OrderStatus = "CANCELLED"
	OrderRejected       OrderStatus = "REJECTED"
)

// Terminal reports whether the order can no longer transition.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderIDPadWidth is the fixed width two-layer order identifiers are padded
// to in wire messages, per spec.md's 40-byte field convention.
const OrderIDPadWidth = 40

// PadOrderID right-pads an order ID with NUL bytes to OrderIDPadWidth so it
// can be placed in a fixed-width wire field.
func PadOrderID(id string) [OrderIDPadWidth]byte {
	var out [OrderIDPadWidth]byte
	copy(out[:], id)
	return out
}

// UnpadOrderID trims trailing NUL bytes from a fixed-width wire field.
func UnpadOrderID(b [OrderIDPadWidth]byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// Order is the account-scoped representation of a resting or historical
// order. OrderID is assigned by the submitting account/client; ExchangeOrderID
// is assigned once the router accepts it — the two-layer ID scheme spec.md
// requires so a client's local ID never collides across accounts.
//
// UserID is the authenticated caller (used for notification routing);
// AccountID is the trading account the order is placed against and owned by
// UserID — the two are kept as distinct fields so ownership can be verified
// rather than assumed, per spec.md §4.1's permission check.
type Order struct {
	OrderID         string
	ExchangeOrderID string
	UserID          string
	AccountID       string
	Instrument      string
	Direction       Direction
	Offset          Offset
	Towards         TowardsCode
	PriceType       PriceType
	LimitPrice      decimal.Decimal
	Volume          decimal.Decimal
	VolumeLeft      decimal.Decimal
	Status          OrderStatus
	InsertTime      time.Time
	UpdateTime      time.Time
	RejectReason    string
}

// Remaining is how much of the order is still unfilled.
func (o *Order) Remaining() decimal.Decimal {
	return o.VolumeLeft
}

// Trade is a single execution resulting from matching a taker against a
// resting maker order.
type Trade struct {
	TradeID         string
	Instrument      string
	BuyOrderID      string
	SellOrderID     string
	BuyUser         string
	SellUser        string
	BuyAccount      string
	SellAccount     string
	Price           decimal.Decimal
	Volume          decimal.Decimal
	TakerDirection  Direction
	BuyTowards      TowardsCode
	SellTowards     TowardsCode
	MatchedAt       time.Time
	Sequence        uint64
}

// Instrument describes a tradable contract and its trading parameters.
type Instrument struct {
	InstrumentID  string
	Exchange      string
	PriceTick     decimal.Decimal
	VolumeMultiple int64
	MarginRate    decimal.Decimal
	UpperLimit    decimal.Decimal
	LowerLimit    decimal.Decimal
	PreClose      decimal.Decimal
	PreSettlement decimal.Decimal
	IsTrading     bool
}

// Position is the account's held volume in one instrument, split long/short.
// VolumeLongFrozen/VolumeShortFrozen track volume already committed to a
// resting CLOSE/CLOSE_TODAY order on that side — subtracted from the
// available-to-close volume so two concurrent close orders can never both
// pass pre-trade risk against the same position (the frozen <= volume
// invariant spec.md §4.4 requires).
type Position struct {
	InstrumentID   string
	AccountID      string
	VolumeLongToday    int64
	VolumeLongHistory  int64
	VolumeShortToday   int64
	VolumeShortHistory int64
	VolumeLongFrozen   int64
	VolumeShortFrozen  int64
	OpenPriceLong  decimal.Decimal
	OpenPriceShort decimal.Decimal
	PositionPriceLong  decimal.Decimal
	PositionPriceShort decimal.Decimal
}

// VolumeLong is the total long volume across today and history.
func (p *Position) VolumeLong() int64 { return p.VolumeLongToday + p.VolumeLongHistory }

// VolumeShort is the total short volume across today and history.
func (p *Position) VolumeShort() int64 { return p.VolumeShortToday + p.VolumeShortHistory }

// AvailableLong is the long volume not already committed to a resting close
// order — what a new SELL CLOSE order may draw against.
func (p *Position) AvailableLong() int64 { return p.VolumeLong() - p.VolumeLongFrozen }

// AvailableShort is the short volume not already committed to a resting
// close order — what a new BUY CLOSE order may draw against.
func (p *Position) AvailableShort() int64 { return p.VolumeShort() - p.VolumeShortFrozen }

// Account is a trading account's funds and risk snapshot. AccountID is the
// primary key trading operations key off of; OwnerUserID is the
// authenticated user permitted to operate on it.
type Account struct {
	AccountID     string
	OwnerUserID   string
	Balance       decimal.Decimal
	Available     decimal.Decimal
	FrozenMargin  decimal.Decimal
	FrozenCommission decimal.Decimal
	CloseProfit   decimal.Decimal
	PositionProfit decimal.Decimal
	RiskRatio     decimal.Decimal
}

// SettlementRecord is one daily settlement outcome for an account.
type SettlementRecord struct {
	AccountID       string
	TradingDay      string
	PreBalance      decimal.Decimal
	Deposit         decimal.Decimal
	Withdraw        decimal.Decimal
	CloseProfit     decimal.Decimal
	PositionProfit  decimal.Decimal
	Commission      decimal.Decimal
	Balance         decimal.Decimal
	RiskRatio       decimal.Decimal
	Liquidated      bool
	AuditHash       string
	PrevAuditHash   string
}

// RecordType discriminates WAL/SSTable record payloads for the record-type
// bitmask secondary index.
type RecordType uint8

const (
	RecordOrder RecordType = 1 << iota
	RecordTrade
	RecordAccountUpdate
	RecordPositionUpdate
	RecordSettlement
	RecordCheckpoint
)
