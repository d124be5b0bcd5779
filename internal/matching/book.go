// Package matching implements the per-instrument price-time priority order
// book and continuous matching algorithm. Where the teacher's
// internal/market/book.go mirrored an *external* order book (RWMutex +
// derived BestBidAsk/MidPrice accessors), this package owns the book: it
// accepts order inserts and produces trades rather than merely reflecting
// someone else's state.
package matching

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

// restingOrder is one resting order in the book, wrapped for btree ordering.
type restingOrder struct {
	order    *types.Order
	sequence uint64 // insertion order, breaks price ties (time priority)
}

// bidLess orders bids descending by price, then ascending by sequence
// (price-time priority: best price first, earliest arrival first).
func bidLess(a, b *restingOrder) bool {
	if !a.order.LimitPrice.Equal(b.order.LimitPrice) {
		return a.order.LimitPrice.GreaterThan(b.order.LimitPrice)
	}
	return a.sequence < b.sequence
}

// askLess orders asks ascending by price, then ascending by sequence.
func askLess(a, b *restingOrder) bool {
	if !a.order.LimitPrice.Equal(b.order.LimitPrice) {
		return a.order.LimitPrice.LessThan(b.order.LimitPrice)
	}
	return a.sequence < b.sequence
}

// Book is the authoritative order book for one instrument.
type Book struct {
	mu sync.RWMutex

	Instrument string
	bids       *btree.BTreeG[*restingOrder]
	asks       *btree.BTreeG[*restingOrder]
	byOrderID  map[string]*restingOrder

	lastPrice  decimal.Decimal
	hasLastPx  bool
	nextSeq    uint64
	quiesced   bool
	updated    time.Time
}

// NewBook creates an empty order book for instrument.
func NewBook(instrument string) *Book {
	return &Book{
		Instrument: instrument,
		bids:       btree.NewG(32, bidLess),
		asks:       btree.NewG(32, askLess),
		byOrderID:  make(map[string]*restingOrder),
	}
}

// BestBid returns the best (highest) resting bid price, if any.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var top *restingOrder
	b.bids.Ascend(func(r *restingOrder) bool {
		top = r
		return false
	})
	if top == nil {
		return decimal.Zero, false
	}
	return top.order.LimitPrice, true
}

// BestAsk returns the best (lowest) resting ask price, if any.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var top *restingOrder
	b.asks.Ascend(func(r *restingOrder) bool {
		top = r
		return false
	})
	if top == nil {
		return decimal.Zero, false
	}
	return top.order.LimitPrice, true
}

// LastPrice returns the last traded price for this instrument.
func (b *Book) LastPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice, b.hasLastPx
}

// IsStale returns true if the book hasn't seen activity within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// Quiesce stops the book from accepting new matches — used by settlement
// to pause trading during daily mark-to-market, per spec.md §9's invited
// documented design choice for settlement-vs-live-order ordering.
func (b *Book) Quiesce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quiesced = true
}

// Resume re-enables matching after Quiesce.
func (b *Book) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quiesced = false
}

// ErrQuiesced is returned by Submit when the book is paused for settlement.
type ErrQuiesced struct{ Instrument string }

func (e *ErrQuiesced) Error() string {
	return "matching: " + e.Instrument + " is quiesced for settlement"
}

// ErrSelfTrade is returned when self-trade prevention rejects the taker.
type ErrSelfTrade struct{ AccountID string }

func (e *ErrSelfTrade) Error() string {
	return "matching: self-trade rejected for account " + e.AccountID
}

// ErrNoLiquidity is returned when a MARKET order finds no resting liquidity
// and produces no trade. A MARKET order never rests in the book: after a
// partial fill its trades stand and the unfilled remainder is dropped.
type ErrNoLiquidity struct{ Instrument string }

func (e *ErrNoLiquidity) Error() string {
	return "matching: no liquidity to fill MARKET order on " + e.Instrument
}

// Submit inserts a taker order and runs continuous matching against the
// opposite side, producing zero or more trades. If the order is not fully
// filled, the remainder rests in the book. Self-trade prevention rejects
// the taker outright when it would otherwise cross its own resting order
// (cancelling the maker is not performed — the taker is rejected and the
// maker stays resting, per spec.md's chosen STP policy).
func (b *Book) Submit(order *types.Order, stp bool) ([]*types.Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quiesced {
		return nil, &ErrQuiesced{Instrument: b.Instrument}
	}

	if stp {
		if b.crossesOwnOrder(order) {
			return nil, &ErrSelfTrade{AccountID: order.AccountID}
		}
	}

	var trades []*types.Trade
	opposite, ownSide := b.sidesFor(order.Direction)

	for order.VolumeLeft.GreaterThan(decimal.Zero) {
		var maker *restingOrder
		opposite.Ascend(func(r *restingOrder) bool {
			maker = r
			return false
		})
		if maker == nil {
			break
		}
		if !crosses(order, maker.order) {
			break
		}

		tradeVol := decimal.Min(order.VolumeLeft, maker.order.VolumeLeft)
		price := maker.order.LimitPrice // maker's price governs, per price-time priority

		trade := &types.Trade{
			TradeID:        uuid.NewString(),
			Instrument:     b.Instrument,
			Price:          price,
			Volume:         tradeVol,
			TakerDirection: order.Direction,
			MatchedAt:      time.Now(),
			Sequence:       b.nextSeq,
		}
		b.nextSeq++
		if order.Direction == types.DirectionBuy {
			trade.BuyOrderID, trade.BuyUser, trade.BuyAccount = order.ExchangeOrderID, order.UserID, order.AccountID
			trade.SellOrderID, trade.SellUser, trade.SellAccount = maker.order.ExchangeOrderID, maker.order.UserID, maker.order.AccountID
			trade.BuyTowards, trade.SellTowards = order.Towards, maker.order.Towards
		} else {
			trade.SellOrderID, trade.SellUser, trade.SellAccount = order.ExchangeOrderID, order.UserID, order.AccountID
			trade.BuyOrderID, trade.BuyUser, trade.BuyAccount = maker.order.ExchangeOrderID, maker.order.UserID, maker.order.AccountID
			trade.SellTowards, trade.BuyTowards = order.Towards, maker.order.Towards
		}
		trades = append(trades, trade)

		order.VolumeLeft = order.VolumeLeft.Sub(tradeVol)
		maker.order.VolumeLeft = maker.order.VolumeLeft.Sub(tradeVol)
		b.lastPrice, b.hasLastPx = price, true

		if maker.order.VolumeLeft.IsZero() {
			maker.order.Status = types.OrderFilled
			opposite.Delete(maker)
			delete(b.byOrderID, maker.order.ExchangeOrderID)
		} else {
			maker.order.Status = types.OrderPartiallyFilled
		}
	}

	if order.PriceType == types.PriceTypeMarket {
		if len(trades) == 0 {
			return nil, &ErrNoLiquidity{Instrument: b.Instrument}
		}
		// A MARKET order never rests: whatever didn't fill against
		// available liquidity is simply cancelled (IOC), per spec.md's
		// "never enter the book" requirement.
		if order.VolumeLeft.IsZero() {
			order.Status = types.OrderFilled
		} else {
			order.Status = types.OrderPartiallyFilled
			order.VolumeLeft = decimal.Zero
		}
		b.updated = time.Now()
		return trades, nil
	}

	switch {
	case order.VolumeLeft.IsZero():
		order.Status = types.OrderFilled
	case len(trades) > 0:
		order.Status = types.OrderPartiallyFilled
		b.rest(order, ownSide)
	default:
		order.Status = types.OrderSubmitted
		b.rest(order, ownSide)
	}

	b.updated = time.Now()
	return trades, nil
}

func (b *Book) rest(order *types.Order, side *btree.BTreeG[*restingOrder]) {
	r := &restingOrder{order: order, sequence: b.nextSeq}
	b.nextSeq++
	side.ReplaceOrInsert(r)
	b.byOrderID[order.ExchangeOrderID] = r
}

func (b *Book) sidesFor(d types.Direction) (opposite, own *btree.BTreeG[*restingOrder]) {
	if d == types.DirectionBuy {
		return b.asks, b.bids
	}
	return b.bids, b.asks
}

func (b *Book) crossesOwnOrder(taker *types.Order) bool {
	opposite, _ := b.sidesFor(taker.Direction)
	found := false
	opposite.Ascend(func(r *restingOrder) bool {
		if !crosses(taker, r.order) {
			return false
		}
		if r.order.AccountID == taker.AccountID {
			found = true
			return false
		}
		return true
	})
	return found
}

func crosses(taker, maker *types.Order) bool {
	if taker.PriceType == types.PriceTypeMarket {
		return true
	}
	if taker.Direction == types.DirectionBuy {
		return taker.LimitPrice.GreaterThanOrEqual(maker.LimitPrice)
	}
	return taker.LimitPrice.LessThanOrEqual(maker.LimitPrice)
}

// Cancel removes a resting order from the book by exchange order ID.
func (b *Book) Cancel(exchangeOrderID string) (*types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.byOrderID[exchangeOrderID]
	if !ok {
		return nil, false
	}
	if r.order.Direction == types.DirectionBuy {
		b.bids.Delete(r)
	} else {
		b.asks.Delete(r)
	}
	delete(b.byOrderID, exchangeOrderID)
	r.order.Status = types.OrderCancelled
	return r.order, true
}

// Depth returns up to n price levels per side for book snapshots.
func (b *Book) Depth(n int) (bids, asks []PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = aggregateLevels(b.bids, n)
	asks = aggregateLevels(b.asks, n)
	return bids, asks
}

// PriceLevel is one aggregated price/volume pair in a depth snapshot.
type PriceLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

func aggregateLevels(tree *btree.BTreeG[*restingOrder], n int) []PriceLevel {
	var levels []PriceLevel
	tree.Ascend(func(r *restingOrder) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(r.order.LimitPrice) {
			levels[len(levels)-1].Volume = levels[len(levels)-1].Volume.Add(r.order.VolumeLeft)
		} else {
			if len(levels) >= n {
				return false
			}
			levels = append(levels, PriceLevel{Price: r.order.LimitPrice, Volume: r.order.VolumeLeft})
		}
		return true
	})
	return levels
}
