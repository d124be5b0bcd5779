package router

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"qaexchange/internal/account"
	"qaexchange/internal/matching"
	"qaexchange/pkg/types"
)

// fakeWAL records every append without touching disk.
type fakeWAL struct {
	orders []*types.Order
	trades []*types.Trade
}

func (f *fakeWAL) AppendOrder(o *types.Order) error { f.orders = append(f.orders, o); return nil }
func (f *fakeWAL) AppendTrade(t *types.Trade) error  { f.trades = append(f.trades, t); return nil }

// fakeSnapshot counts notifications instead of pushing to a patch queue.
type fakeSnapshot struct {
	orderNotifications   int
	tradeNotifications   int
	accountNotifications int
}

func (f *fakeSnapshot) NotifyOrder(string, *types.Order) { f.orderNotifications++ }
func (f *fakeSnapshot) NotifyTrade(string, *types.Trade) { f.tradeNotifications++ }
func (f *fakeSnapshot) NotifyAccount(string)             { f.accountNotifications++ }

// fakeAudit records rejection reasons for assertions.
type fakeAudit struct {
	reasons []string
}

func (f *fakeAudit) LogRejection(userID, instrument, reason string) {
	f.reasons = append(f.reasons, reason)
}

// passRisk always approves; failRisk always rejects with a fixed reason.
type passRisk struct{}

func (passRisk) Check(*types.Order) error { return nil }

type failRisk struct{ reason string }

func (f failRisk) Check(*types.Order) error { return fmt.Errorf("%s", f.reason) }

func testBook(t *testing.T) *account.Book {
	t.Helper()
	return account.NewBook(
		func(string) decimal.Decimal { return decimal.NewFromFloat(0.1) },
		func(string) (decimal.Decimal, bool) { return decimal.NewFromInt(100), true },
	)
}

func newRouter(t *testing.T, book *account.Book, risk RiskOps) (*OrderRouter, *matching.Engine, *fakeWAL, *fakeSnapshot, *fakeAudit) {
	t.Helper()
	me := matching.NewEngine()
	me.RegisterInstrument("IF2024")
	wal := &fakeWAL{}
	snap := &fakeSnapshot{}
	audit := &fakeAudit{}
	r := New(book, risk, me, wal, snap, audit, decimal.NewFromFloat(0.0001), zerolog.Nop())
	return r, me, wal, snap, audit
}

func TestSubmitOrderMatchesAndSettles(t *testing.T) {
	book := testBook(t)
	_ = book.Open("seller", "seller", decimal.NewFromInt(100000))
	_ = book.Open("buyer", "buyer", decimal.NewFromInt(100000))

	r, _, wal, snap, _ := newRouter(t, book, passRisk{})

	_, trades, err := r.SubmitOrder("seller", "seller", "c1", "IF2024", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(5), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected resting maker to produce no trades, got %d", len(trades))
	}

	order, trades, err := r.SubmitOrder("buyer", "buyer", "c2", "IF2024", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(3), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if order.Status != types.OrderPartiallyFilled && order.Status != types.OrderFilled {
		t.Errorf("taker status = %s", order.Status)
	}
	if len(wal.orders) != 2 || len(wal.trades) != 1 {
		t.Errorf("wal: orders=%d trades=%d, want 2/1", len(wal.orders), len(wal.trades))
	}
	if snap.tradeNotifications != 2 || snap.accountNotifications != 2 {
		t.Errorf("snapshot notifications: trades=%d accounts=%d, want 2/2", snap.tradeNotifications, snap.accountNotifications)
	}

	_, buyerAvail, _ := book.GetBalance("buyer")
	if buyerAvail.IsZero() {
		t.Error("buyer available funds should remain positive after the opening fill, not be zero")
	}
}

func TestSubmitOrderRejectedByRiskNeverReachesMatching(t *testing.T) {
	book := testBook(t)
	_ = book.Open("u1", "u1", decimal.NewFromInt(100000))

	r, me, _, _, audit := newRouter(t, book, failRisk{reason: "price out of band"})

	order, trades, err := r.SubmitOrder("u1", "u1", "c1", "IF2024", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(1), true)
	if err == nil {
		t.Fatal("expected risk rejection")
	}
	if order.Status != types.OrderRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
	if len(trades) != 0 {
		t.Error("rejected order must not produce trades")
	}
	if len(audit.reasons) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(audit.reasons))
	}
	book2, _ := me.Book("IF2024")
	if _, ok := book2.BestBid(); ok {
		t.Error("rejected order must never reach the matching book")
	}
}

func TestSubmitOrderInsufficientFundsReleasesNothingAndRejects(t *testing.T) {
	book := testBook(t)
	_ = book.Open("u1", "u1", decimal.NewFromInt(1))

	r, _, _, _, _ := newRouter(t, book, passRisk{})

	order, _, err := r.SubmitOrder("u1", "u1", "c1", "IF2024", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(10), true)
	if err == nil {
		t.Fatal("expected insufficient funds rejection")
	}
	if order.Status != types.OrderRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
}

func TestCancelOrderReleasesFrozenMargin(t *testing.T) {
	book := testBook(t)
	_ = book.Open("u1", "u1", decimal.NewFromInt(10000))

	r, _, wal, snap, _ := newRouter(t, book, passRisk{})

	order, _, err := r.SubmitOrder("u1", "u1", "c1", "IF2024", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(5), true)
	if err != nil {
		t.Fatal(err)
	}

	_, avail, _ := book.GetBalance("u1")
	if avail.Equal(decimal.NewFromInt(10000)) {
		t.Fatal("expected margin to be frozen after resting order")
	}

	cancelled, err := r.CancelOrder("u1", "IF2024", order.ExchangeOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != types.OrderCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	_, avail, _ = book.GetBalance("u1")
	if !avail.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("available = %s, want 10000 after cancel releases frozen margin", avail)
	}
	if len(wal.orders) != 2 {
		t.Errorf("expected submit + cancel appended to WAL, got %d entries", len(wal.orders))
	}
	if snap.orderNotifications != 2 {
		t.Errorf("expected 2 order notifications, got %d", snap.orderNotifications)
	}

	if _, err := r.CancelOrder("u1", "IF2024", order.ExchangeOrderID); err == nil {
		t.Error("expected cancelling an already-cancelled order to fail")
	}
}

func TestQueryOpenOrdersFiltersByUser(t *testing.T) {
	book := testBook(t)
	_ = book.Open("u1", "u1", decimal.NewFromInt(10000))
	_ = book.Open("u2", "u2", decimal.NewFromInt(10000))

	r, _, _, _, _ := newRouter(t, book, passRisk{})

	if _, _, err := r.SubmitOrder("u1", "u1", "c1", "IF2024", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(90), decimal.NewFromInt(1), true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.SubmitOrder("u2", "u2", "c1", "IF2024", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(110), decimal.NewFromInt(1), true); err != nil {
		t.Fatal(err)
	}

	open := r.QueryOpenOrders("u1")
	if len(open) != 1 || open[0].UserID != "u1" {
		t.Fatalf("QueryOpenOrders(u1) = %+v, want 1 order owned by u1", open)
	}
}
