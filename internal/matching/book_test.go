package matching

import (
	"testing"

	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

func newTestOrder(user, exchID string, dir types.Direction, price, vol int64) *types.Order {
	return &types.Order{
		ExchangeOrderID: exchID,
		UserID:          user,
		AccountID:       user,
		Instrument:      "IF2024",
		Direction:       dir,
		LimitPrice:      decimal.NewFromInt(price),
		Volume:          decimal.NewFromInt(vol),
		VolumeLeft:      decimal.NewFromInt(vol),
		Status:          types.OrderSubmitted,
	}
}

func TestContinuousMatchHappyPath(t *testing.T) {
	b := NewBook("IF2024")

	maker := newTestOrder("seller", "e1", types.DirectionSell, 100, 5)
	if _, err := b.Submit(maker, true); err != nil {
		t.Fatal(err)
	}

	taker := newTestOrder("buyer", "e2", types.DirectionBuy, 100, 3)
	trades, err := b.Submit(taker, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.Price.Equal(decimal.NewFromInt(100)) || !tr.Volume.Equal(decimal.NewFromInt(3)) {
		t.Errorf("trade = %+v, want price 100 vol 3", tr)
	}
	if taker.Status != types.OrderFilled {
		t.Errorf("taker status = %s, want FILLED", taker.Status)
	}
	if maker.Status != types.OrderPartiallyFilled {
		t.Errorf("maker status = %s, want PARTIALLY_FILLED", maker.Status)
	}
}

func TestSelfTradePreventionRejectsTaker(t *testing.T) {
	b := NewBook("IF2024")

	maker := newTestOrder("same-user", "e1", types.DirectionSell, 100, 5)
	if _, err := b.Submit(maker, true); err != nil {
		t.Fatal(err)
	}

	taker := newTestOrder("same-user", "e2", types.DirectionBuy, 100, 3)
	_, err := b.Submit(taker, true)
	if err == nil {
		t.Fatal("expected self-trade rejection")
	}
	if _, ok := err.(*ErrSelfTrade); !ok {
		t.Errorf("expected *ErrSelfTrade, got %T", err)
	}

	// Maker must remain resting.
	if _, ok := b.byOrderID["e1"]; !ok {
		t.Error("maker order was removed from book, should remain resting")
	}
}

func TestQuiesceRejectsSubmit(t *testing.T) {
	b := NewBook("IF2024")
	b.Quiesce()

	o := newTestOrder("u1", "e1", types.DirectionBuy, 100, 1)
	_, err := b.Submit(o, true)
	if _, ok := err.(*ErrQuiesced); !ok {
		t.Fatalf("expected ErrQuiesced, got %v", err)
	}

	b.Resume()
	if _, err := b.Submit(o, true); err != nil {
		t.Fatalf("expected submit to succeed after resume: %v", err)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := NewBook("IF2024")

	first := newTestOrder("a", "e1", types.DirectionSell, 100, 5)
	second := newTestOrder("b", "e2", types.DirectionSell, 100, 5)
	_, _ = b.Submit(first, true)
	_, _ = b.Submit(second, true)

	taker := newTestOrder("c", "e3", types.DirectionBuy, 100, 5)
	trades, err := b.Submit(taker, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].SellOrderID != "e1" {
		t.Fatalf("expected fill against earliest resting order e1, got %+v", trades)
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	b := NewBook("IF2024")
	o := newTestOrder("u1", "e1", types.DirectionBuy, 100, 5)
	_, _ = b.Submit(o, true)

	cancelled, ok := b.Cancel("e1")
	if !ok {
		t.Fatal("expected cancel to find resting order")
	}
	if cancelled.Status != types.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}
	if _, ok := b.BestBid(); ok {
		t.Error("expected empty book after cancel")
	}
}

func TestMarketOrderFillsAgainstRestingLiquidity(t *testing.T) {
	b := NewBook("IF2024")

	maker := newTestOrder("seller", "e1", types.DirectionSell, 100, 5)
	if _, err := b.Submit(maker, true); err != nil {
		t.Fatal(err)
	}

	taker := newTestOrder("buyer", "e2", types.DirectionBuy, 0, 3)
	taker.PriceType = types.PriceTypeMarket
	trades, err := b.Submit(taker, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || !trades[0].Volume.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected 1 trade of volume 3, got %+v", trades)
	}
	if taker.Status != types.OrderFilled {
		t.Errorf("taker status = %s, want FILLED", taker.Status)
	}
	if _, ok := b.byOrderID["e2"]; ok {
		t.Error("MARKET order must never rest in the book")
	}
}

func TestMarketOrderRejectsWithoutLiquidity(t *testing.T) {
	b := NewBook("IF2024")

	taker := newTestOrder("buyer", "e1", types.DirectionBuy, 0, 3)
	taker.PriceType = types.PriceTypeMarket
	_, err := b.Submit(taker, true)
	if _, ok := err.(*ErrNoLiquidity); !ok {
		t.Fatalf("expected *ErrNoLiquidity, got %v", err)
	}
	if _, ok := b.byOrderID["e1"]; ok {
		t.Error("rejected MARKET order must not rest in the book")
	}
}

func TestRunCallAuctionClearsMaxVolume(t *testing.T) {
	orders := []*types.Order{
		newTestOrder("b1", "b1", types.DirectionBuy, 105, 10),
		newTestOrder("b2", "b2", types.DirectionBuy, 100, 5),
		newTestOrder("s1", "s1", types.DirectionSell, 98, 8),
		newTestOrder("s2", "s2", types.DirectionSell, 102, 10),
	}
	res := RunCallAuction(orders)
	if !res.HasClearing {
		t.Fatal("expected a clearing price")
	}
	if !res.Price.Equal(decimal.NewFromInt(102)) {
		t.Errorf("clearing price = %s, want 102", res.Price)
	}
	if !res.MatchedVol.Equal(decimal.NewFromInt(10)) {
		t.Errorf("matched volume = %s, want 10 (buy demand 10 >= 102, sell supply 18 <= 102)", res.MatchedVol)
	}
}
