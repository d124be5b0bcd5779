package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"qaexchange/internal/config"
	"qaexchange/pkg/types"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

type fakeAccounts struct {
	available decimal.Decimal
	pos       types.Position
}

func (f fakeAccounts) GetBalance(string) (decimal.Decimal, decimal.Decimal, error) {
	return f.available, f.available, nil
}
func (f fakeAccounts) UpdatePos(string, string) (types.Position, bool) { return f.pos, true }

type fakeInstruments struct{ inst types.Instrument }

func (f fakeInstruments) Get(string) (types.Instrument, bool) { return f.inst, true }

func TestPreTradeChecksInsufficientFunds(t *testing.T) {
	cfg := config.RiskConfig{MaxOrderValue: "0", PriceSanityBandPct: "0"}
	accounts := fakeAccounts{available: decimal.NewFromInt(10)}
	inst := fakeInstruments{inst: types.Instrument{IsTrading: true, MarginRate: decimal.NewFromFloat(0.1)}}
	checker := NewPreTradeChecker(cfg, accounts, inst, nil)

	order := &types.Order{UserID: "u1", AccountID: "acct-1", Instrument: "IF2024", LimitPrice: decimal.NewFromInt(100), Volume: decimal.NewFromInt(10)}
	if err := checker.Check(order); err == nil {
		t.Fatal("expected insufficient funds rejection")
	}
}

func TestPreTradeChecksPriceSanity(t *testing.T) {
	cfg := config.RiskConfig{MaxOrderValue: "0", PriceSanityBandPct: "0.05"}
	accounts := fakeAccounts{available: decimal.NewFromInt(1000000)}
	inst := fakeInstruments{inst: types.Instrument{IsTrading: true, MarginRate: decimal.NewFromFloat(0.1), PreSettlement: decimal.NewFromInt(100)}}
	checker := NewPreTradeChecker(cfg, accounts, inst, nil)

	order := &types.Order{UserID: "u1", AccountID: "acct-1", Instrument: "IF2024", LimitPrice: decimal.NewFromInt(150), Volume: decimal.NewFromInt(1)}
	if err := checker.Check(order); err == nil {
		t.Fatal("expected price sanity rejection (50% above pre-settlement)")
	}
}

func TestLiquidationMonitorEmitsAtThreshold(t *testing.T) {
	cfg := config.RiskConfig{RiskRatioWarnLevel: "0.8", RiskRatioLiquidation: "1.0"}
	m := NewLiquidationMonitor(cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	m.Report(RiskReport{AccountID: "acct-1", RiskRatio: decimal.NewFromFloat(1.1), Timestamp: time.Now()})

	select {
	case sig := <-m.SignalCh():
		if sig.AccountID != "acct-1" {
			t.Errorf("signal account = %s, want acct-1", sig.AccountID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected liquidation signal, none arrived")
	}
	if !m.IsFlagged("acct-1") {
		t.Error("expected acct-1 to be flagged pending liquidation")
	}
}

func TestAccountFlowTrackerFlagsOneSidedBurst(t *testing.T) {
	s := NewSurveillance(time.Minute, 0.5)
	var last FlowMetrics
	for i := 0; i < 5; i++ {
		last = s.RecordFill("u1", "IF2024", types.DirectionBuy)
	}
	if !last.ShouldFlag {
		t.Errorf("expected one-sided burst to be flagged, metrics = %+v", last)
	}
}
