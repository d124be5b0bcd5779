package account

import (
	"testing"

	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

func testBook() *Book {
	return NewBook(
		func(string) decimal.Decimal { return decimal.NewFromFloat(0.1) },
		func(string) (decimal.Decimal, bool) { return decimal.NewFromInt(100), true },
	)
}

func TestOpenAndBalance(t *testing.T) {
	b := testBook()
	if err := b.Open("acct-1", "u1", decimal.NewFromInt(10000)); err != nil {
		t.Fatal(err)
	}
	bal, avail, err := b.GetBalance("acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(decimal.NewFromInt(10000)) || !avail.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("balance = %s avail = %s, want 10000/10000", bal, avail)
	}
	if owner, ok := b.Owner("acct-1"); !ok || owner != "u1" {
		t.Errorf("Owner = %s,%v want u1,true", owner, ok)
	}
}

func TestSendOrderFreezesMargin(t *testing.T) {
	b := testBook()
	_ = b.Open("acct-1", "u1", decimal.NewFromInt(10000))

	frozen, err := b.SendOrder("acct-1", "IF2024", types.OffsetOpen, types.TowardsBuyOpen, decimal.NewFromInt(100), decimal.NewFromInt(10))
	if err != nil {
		t.Fatal(err)
	}
	if !frozen.Equal(decimal.NewFromInt(100)) {
		t.Errorf("frozen = %s, want 100 (100*10*0.1)", frozen)
	}
	_, avail, _ := b.GetBalance("acct-1")
	if !avail.Equal(decimal.NewFromInt(9900)) {
		t.Errorf("available = %s, want 9900", avail)
	}
}

func TestSendOrderInsufficientFunds(t *testing.T) {
	b := testBook()
	_ = b.Open("acct-1", "u1", decimal.NewFromInt(10))

	_, err := b.SendOrder("acct-1", "IF2024", types.OffsetOpen, types.TowardsBuyOpen, decimal.NewFromInt(100), decimal.NewFromInt(10))
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
}

func TestReceiveDealOpenThenClose(t *testing.T) {
	b := testBook()
	_ = b.Open("acct-1", "u1", decimal.NewFromInt(10000))

	if _, err := b.SendOrder("acct-1", "IF2024", types.OffsetOpen, types.TowardsBuyOpen, decimal.NewFromInt(100), decimal.NewFromInt(1)); err != nil {
		t.Fatal(err)
	}
	if err := b.ReceiveDeal(true, "acct-1", "IF2024", types.TowardsBuyOpen, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero); err != nil {
		t.Fatal(err)
	}

	pos, ok := b.UpdatePos("acct-1", "IF2024")
	if !ok || pos.VolumeLongToday != 1 {
		t.Fatalf("position after open = %+v", pos)
	}

	if _, err := b.SendOrder("acct-1", "IF2024", types.OffsetClose, types.TowardsSellClose, decimal.NewFromInt(110), decimal.NewFromInt(1)); err != nil {
		t.Fatal(err)
	}
	pos, _ = b.UpdatePos("acct-1", "IF2024")
	if pos.VolumeLongFrozen != 1 {
		t.Fatalf("expected close order to freeze the long volume it targets, frozen = %d", pos.VolumeLongFrozen)
	}

	if err := b.ReceiveDeal(true, "acct-1", "IF2024", types.TowardsSellClose, decimal.NewFromInt(110), decimal.NewFromInt(1), decimal.Zero); err != nil {
		t.Fatal(err)
	}

	bal, _, _ := b.GetBalance("acct-1")
	if !bal.Equal(decimal.NewFromInt(10010)) {
		t.Errorf("balance after round trip = %s, want 10010 (10 pts profit)", bal)
	}
}

func TestCloseVolumeCannotExceedAvailable(t *testing.T) {
	b := testBook()
	_ = b.Open("acct-1", "u1", decimal.NewFromInt(10000))
	_, _ = b.SendOrder("acct-1", "IF2024", types.OffsetOpen, types.TowardsBuyOpen, decimal.NewFromInt(100), decimal.NewFromInt(5))
	_ = b.ReceiveDeal(true, "acct-1", "IF2024", types.TowardsBuyOpen, decimal.NewFromInt(100), decimal.NewFromInt(5), decimal.Zero)

	if _, err := b.SendOrder("acct-1", "IF2024", types.OffsetClose, types.TowardsSellClose, decimal.NewFromInt(110), decimal.NewFromInt(5)); err != nil {
		t.Fatal(err)
	}
	// A second concurrent close for the same 5 lots must be rejected: all 5
	// are already frozen against the first resting close order.
	if _, err := b.SendOrder("acct-1", "IF2024", types.OffsetClose, types.TowardsSellClose, decimal.NewFromInt(110), decimal.NewFromInt(1)); err == nil {
		t.Fatal("expected second concurrent close order to be rejected, position fully frozen")
	}
}

func TestFloatProfitLong(t *testing.T) {
	b := testBook()
	_ = b.Open("acct-1", "u1", decimal.NewFromInt(10000))
	_, _ = b.SendOrder("acct-1", "IF2024", types.OffsetOpen, types.TowardsBuyOpen, decimal.NewFromInt(90), decimal.NewFromInt(1))
	_ = b.ReceiveDeal(true, "acct-1", "IF2024", types.TowardsBuyOpen, decimal.NewFromInt(90), decimal.NewFromInt(1), decimal.Zero)

	pnl, err := b.FloatProfitLong("acct-1", "IF2024")
	if err != nil {
		t.Fatal(err)
	}
	if !pnl.Equal(decimal.NewFromInt(10)) {
		t.Errorf("float profit = %s, want 10 (mark 100 - open 90)", pnl)
	}
}

func TestApplySettlementWritesBackBalance(t *testing.T) {
	b := testBook()
	_ = b.Open("acct-1", "u1", decimal.NewFromInt(10000))

	if err := b.ApplySettlement("acct-1", decimal.NewFromInt(50), decimal.NewFromInt(5), decimal.NewFromFloat(0.2)); err != nil {
		t.Fatal(err)
	}

	bal, _, _ := b.GetBalance("acct-1")
	if !bal.Equal(decimal.NewFromInt(10045)) {
		t.Errorf("balance after settlement = %s, want 10045 (10000+50-5)", bal)
	}
	snap, err := b.Snapshot("acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.RiskRatio.Equal(decimal.NewFromFloat(0.2)) {
		t.Errorf("risk ratio = %s, want 0.2", snap.RiskRatio)
	}
}
