package settlement

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"qaexchange/internal/account"
	"qaexchange/internal/config"
	"qaexchange/internal/matching"
	"qaexchange/internal/risk"
	"qaexchange/internal/router"
	"qaexchange/pkg/types"
)

type fakeInstruments struct {
	byID map[string]types.Instrument
}

func (f *fakeInstruments) Get(id string) (types.Instrument, bool) { v, ok := f.byID[id]; return v, ok }
func (f *fakeInstruments) All() []types.Instrument {
	out := make([]types.Instrument, 0, len(f.byID))
	for _, v := range f.byID {
		out = append(out, v)
	}
	return out
}

func testSetup(t *testing.T) (*Engine, *account.Book, *router.OrderRouter) {
	t.Helper()
	me := matching.NewEngine()
	me.RegisterInstrument("IF2024")

	instruments := &fakeInstruments{byID: map[string]types.Instrument{
		"IF2024": {InstrumentID: "IF2024", MarginRate: decimal.NewFromFloat(0.1), IsTrading: true},
	}}

	book := account.NewBook(
		func(string) decimal.Decimal { return decimal.NewFromFloat(0.1) },
		func(instrument string) (decimal.Decimal, bool) { return me.LastPrice(instrument) },
	)

	r := router.New(book, nil, me, nil, nil, nil, decimal.Zero, zerolog.Nop())

	cfg := config.RiskConfig{RiskRatioWarnLevel: "0.8", RiskRatioLiquidation: "1.0"}
	monitor := risk.NewLiquidationMonitor(cfg, zerolog.Nop())

	eng := New(book, me, monitor, r, instruments, "@every 24h", 5*time.Second, zerolog.Nop())
	return eng, book, r
}

func TestRunDailySettlementChainsHashesAndReportsRiskRatio(t *testing.T) {
	eng, book, r := testSetup(t)
	_ = book.Open("u1", "u1", decimal.NewFromInt(10000))

	if _, _, err := r.SubmitOrder("u1", "u1", "c1", "IF2024", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(1), true); err != nil {
		t.Fatal(err)
	}

	if err := eng.RunDailySettlement("20260731"); err != nil {
		t.Fatal(err)
	}

	records := eng.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 settlement record, got %d", len(records))
	}
	if records[0].AuditHash == "" {
		t.Error("expected non-empty audit hash")
	}
	if records[0].PrevAuditHash != "" {
		t.Error("first record should chain from empty prev hash")
	}

	// A second cycle must chain from the first record's hash.
	if err := eng.RunDailySettlement("20260801"); err != nil {
		t.Fatal(err)
	}
	records = eng.Records()
	if records[1].PrevAuditHash != records[0].AuditHash {
		t.Errorf("second record's PrevAuditHash = %s, want %s", records[1].PrevAuditHash, records[0].AuditHash)
	}
}

func TestHandleLiquidationForceClosesAgainstRestingLiquidity(t *testing.T) {
	eng, book, r := testSetup(t)
	_ = book.Open("longuser", "longuser", decimal.NewFromInt(10000))
	_ = book.Open("counterparty", "counterparty", decimal.NewFromInt(100000))

	// longuser opens a long position.
	if _, _, err := r.SubmitOrder("longuser", "longuser", "c1", "IF2024", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(5), true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.SubmitOrder("counterparty", "counterparty", "c1", "IF2024", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(5), true); err != nil {
		t.Fatal(err)
	}

	// Resting liquidity for the forced close to cross against.
	if _, _, err := r.SubmitOrder("counterparty", "counterparty", "c2", "IF2024", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(90), decimal.NewFromInt(5), true); err != nil {
		t.Fatal(err)
	}

	eng.handleLiquidation(risk.LiquidationSignal{AccountID: "longuser", Reason: "test"})

	pos, ok := book.UpdatePos("longuser", "IF2024")
	if !ok || pos.VolumeLong() != 0 {
		t.Errorf("expected longuser's long position fully closed, got %+v", pos)
	}
	if eng.IsPending("longuser") {
		t.Error("longuser should not be marked pending after a successful forced close")
	}
}

func TestHandleLiquidationLeavesAccountWithoutPositionNotPending(t *testing.T) {
	eng, book, _ := testSetup(t)
	_ = book.Open("u1", "u1", decimal.NewFromInt(10000))

	// u1 has no recorded position and the book has no last price; forceClose
	// for any instrument with volume>0 would fail, but with zero position
	// handleLiquidation should consider it trivially closed.
	eng.handleLiquidation(risk.LiquidationSignal{AccountID: "u1", Reason: "test"})
	if eng.IsPending("u1") {
		t.Error("an account with no open position should not be left pending")
	}
}
