// Package integration runs the exchange's components wired together the
// way cmd/qaexchanged.buildNode wires them, exercising the lettered
// end-to-end scenarios spec.md §8 specifies with literal values rather than
// unit-testing any one package in isolation.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"qaexchange/internal/account"
	"qaexchange/internal/config"
	"qaexchange/internal/instrument"
	"qaexchange/internal/matching"
	"qaexchange/internal/risk"
	"qaexchange/internal/router"
	"qaexchange/internal/settlement"
	"qaexchange/internal/snapshot"
	"qaexchange/internal/storage/wal"
	"qaexchange/pkg/types"
)

// exchange bundles the components buildNode wires into one running system,
// minus the HTTP/WS transport — scenarios talk to it the way a handler
// would, through OrderRouter and the snapshot manager directly.
type exchange struct {
	instruments *instrument.Registry
	accounts    *account.Book
	matching    *matching.Engine
	router      *router.OrderRouter
	snapshot    *snapshot.Manager
	risk        *risk.PreTradeChecker
	liquidation *risk.LiquidationMonitor
	settlement  *settlement.Engine
}

func newExchange(t *testing.T) *exchange {
	t.Helper()

	instruments := instrument.New()
	me := matching.NewEngine()

	accounts := account.NewBook(
		func(instrumentID string) decimal.Decimal { return instruments.MarginRate(instrumentID) },
		func(instrumentID string) (decimal.Decimal, bool) { return me.LastPrice(instrumentID) },
	)

	pretrade := risk.NewPreTradeChecker(riskConfig(), accounts, instruments, nil)
	snap := snapshot.New()

	r := router.New(accounts, pretrade, me, nil, snapshotAdapter{snap}, nil, decimal.Zero, zerolog.Nop())
	r.Start(context.Background())

	liq := risk.NewLiquidationMonitor(riskConfig(), zerolog.Nop())
	eng := settlement.New(accounts, me, liq, r, instruments, "@every 24h", 5*time.Second, zerolog.Nop())

	return &exchange{
		instruments: instruments,
		accounts:    accounts,
		matching:    me,
		router:      r,
		snapshot:    snap,
		risk:        pretrade,
		liquidation: liq,
		settlement:  eng,
	}
}

// riskConfig is shared by the pre-trade checker and the liquidation
// monitor: permissive on position limits and price sanity (zero values
// disable those checks, per internal/risk/pretrade.go), but with real
// warn/liquidation risk-ratio thresholds so Scenario D's signal actually
// fires.
func riskConfig() config.RiskConfig {
	return config.RiskConfig{RiskRatioWarnLevel: "0.8", RiskRatioLiquidation: "1.0"}
}

// snapshotAdapter routes router.SnapshotNotifier calls into
// snapshot.Manager's patch-queue API.
type snapshotAdapter struct{ mgr *snapshot.Manager }

func (s snapshotAdapter) NotifyOrder(userID string, order *types.Order) {
	s.mgr.PushPatch(userID, map[string]interface{}{
		"orders": map[string]interface{}{
			order.ExchangeOrderID: map[string]interface{}{
				"status": string(order.Status),
			},
		},
	})
}

func (s snapshotAdapter) NotifyTrade(userID string, trade *types.Trade) {
	s.mgr.PushPatch(userID, map[string]interface{}{
		"trades": map[string]interface{}{
			trade.TradeID: map[string]interface{}{
				"price":  trade.Price.String(),
				"volume": trade.Volume.String(),
			},
		},
	})
}

func (s snapshotAdapter) NotifyAccount(accountID string) {
	s.mgr.PushPatch(accountID, map[string]interface{}{
		"account": map[string]interface{}{
			"id": accountID,
		},
	})
}

// registerIF2501 creates the instrument Scenario A/D use: a CSI-300-style
// future with a 10% margin rate.
func registerIF2501(t *testing.T, x *exchange) {
	t.Helper()
	if err := x.instruments.Create(types.Instrument{
		InstrumentID:   "IF2501",
		Exchange:       "CFFEX",
		PriceTick:      decimal.NewFromFloat(0.2),
		VolumeMultiple: 300,
		MarginRate:     decimal.NewFromFloat(0.10),
		PreClose:       decimal.NewFromInt(3800),
		PreSettlement:  decimal.NewFromInt(3800),
		IsTrading:      true,
	}); err != nil {
		t.Fatalf("register instrument: %v", err)
	}
	x.matching.RegisterInstrument("IF2501")
}

// TestScenarioA_HappyPathMatch reproduces spec.md §8 Scenario A: a resting
// BUY OPEN and a crossing SELL OPEN at the same price fill in full and
// settle both sides' positions.
func TestScenarioA_HappyPathMatch(t *testing.T) {
	x := newExchange(t)
	registerIF2501(t, x)

	if err := x.accounts.Open("acc1", "alice", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("open acc1: %v", err)
	}
	if err := x.accounts.Open("acc2", "bob", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("open acc2: %v", err)
	}

	order1, trades1, err := x.router.SubmitOrder("alice", "acc1", "c1", "IF2501", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(3800), decimal.NewFromInt(1), true)
	if err != nil {
		t.Fatalf("submit O1: %v", err)
	}
	if order1.Status != types.OrderSubmitted {
		t.Fatalf("O1 status = %s, want Submitted (resting, no liquidity yet)", order1.Status)
	}
	if len(trades1) != 0 {
		t.Fatalf("O1 should not match against an empty book, got %d trades", len(trades1))
	}

	_, margin1, _ := x.accounts.GetBalance("acc1")
	wantAvailable := decimal.NewFromInt(1_000_000).Sub(decimal.NewFromInt(3800).Mul(decimal.NewFromInt(1)).Mul(decimal.NewFromFloat(0.10)))
	if !margin1.Equal(wantAvailable) {
		t.Fatalf("acc1.available after freeze = %s, want %s", margin1, wantAvailable)
	}

	order2, trades2, err := x.router.SubmitOrder("bob", "acc2", "c1", "IF2501", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(3800), decimal.NewFromInt(1), true)
	if err != nil {
		t.Fatalf("submit O2: %v", err)
	}
	if order2.Status != types.OrderFilled {
		t.Fatalf("O2 status = %s, want Filled", order2.Status)
	}
	if len(trades2) != 1 {
		t.Fatalf("expected exactly one trade, got %d", len(trades2))
	}

	trade := trades2[0]
	if !trade.Price.Equal(decimal.NewFromInt(3800)) {
		t.Errorf("trade price = %s, want 3800", trade.Price)
	}
	if trade.BuyAccount != "acc1" || trade.SellAccount != "acc2" {
		t.Errorf("trade sides = buy:%s sell:%s, want acc1/acc2", trade.BuyAccount, trade.SellAccount)
	}
	if trade.BuyTowards != types.TowardsBuyOpen || trade.SellTowards != types.TowardsSellOpen {
		t.Errorf("trade towards codes = buy:%d sell:%d, want BuyOpen/SellOpen", trade.BuyTowards, trade.SellTowards)
	}

	// Both legs of the fill land in the account book as opposite positions.
	posLong, ok := x.accounts.UpdatePos("acc1", "IF2501")
	if !ok || posLong.VolumeLong() != 1 {
		t.Errorf("acc1 long position = %+v, want volume 1", posLong)
	}
	posShort, ok := x.accounts.UpdatePos("acc2", "IF2501")
	if !ok || posShort.VolumeShort() != 1 {
		t.Errorf("acc2 short position = %+v, want volume 1", posShort)
	}
	// order1 is the same *types.Order the book mutates in place, so
	// settleTrade's status update on the maker side is visible here too.
	if order1.Status != types.OrderFilled {
		t.Errorf("O1 status after being matched as maker = %s, want Filled", order1.Status)
	}
}

// TestScenarioB_SelfTradePrevention reproduces spec.md §8 Scenario B: an
// account may not cross its own resting order; the taker is rejected and
// the maker stays resting.
func TestScenarioB_SelfTradePrevention(t *testing.T) {
	x := newExchange(t)
	registerIF2501(t, x)

	if err := x.accounts.Open("acc1", "alice", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("open acc1: %v", err)
	}

	restingBuy, _, err := x.router.SubmitOrder("alice", "acc1", "c1", "IF2501", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(1), true)
	if err != nil {
		t.Fatalf("submit resting BUY: %v", err)
	}
	if restingBuy.Status != types.OrderSubmitted {
		t.Fatalf("resting BUY status = %s, want Submitted", restingBuy.Status)
	}

	_, _, err = x.router.SubmitOrder("alice", "acc1", "c2", "IF2501", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(1), true)
	if err == nil {
		t.Fatal("expected crossing SELL from the same account to be rejected with SelfTrade")
	}

	book, ok := x.matching.Book("IF2501")
	if !ok {
		t.Fatal("IF2501 book missing")
	}
	if _, ok := book.Cancel(restingBuy.ExchangeOrderID); !ok {
		t.Error("resting BUY should still be in the book after the self-trade rejection")
	}
}

// TestScenarioC_WALReplayAfterCrash reproduces spec.md §8 Scenario C at
// reduced scale: orders are durably appended through a real WAL, the
// process is simulated to crash (no checkpoint, no graceful shutdown), and
// replaying the WAL into a fresh account book reconstructs the same
// balances and positions.
func TestScenarioC_WALReplayAfterCrash(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, 0, true, zerolog.Nop())
	if err != nil {
		t.Fatalf("open WAL: %v", err)
	}

	x := newExchange(t)
	registerIF2501(t, x)
	x.router.Stop()
	r := router.New(x.accounts, x.risk, x.matching, w, nil, nil, decimal.Zero, zerolog.Nop())
	r.Start(context.Background())

	if err := x.accounts.Open("acc1", "alice", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("open acc1: %v", err)
	}
	if err := x.accounts.Open("acc2", "bob", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("open acc2: %v", err)
	}

	const n = 25
	for i := 0; i < n; i++ {
		if _, _, err := r.SubmitOrder("alice", "acc1", "b"+itoa(i), "IF2501", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(int64(3800+i)), decimal.NewFromInt(1), true); err != nil {
			t.Fatalf("submit buy %d: %v", i, err)
		}
		if _, _, err := r.SubmitOrder("bob", "acc2", "s"+itoa(i), "IF2501", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(int64(3800+i)), decimal.NewFromInt(1), true); err != nil {
			t.Fatalf("submit sell %d: %v", i, err)
		}
	}
	r.Stop()
	if err := w.Close(); err != nil {
		t.Fatalf("close WAL: %v", err)
	}

	wantLong, _ := x.accounts.UpdatePos("acc1", "IF2501")
	wantShort, _ := x.accounts.UpdatePos("acc2", "IF2501")
	wantBalance1, _, _ := x.accounts.GetBalance("acc1")
	wantBalance2, _, _ := x.accounts.GetBalance("acc2")

	// No graceful shutdown ran — simulate the restart by replaying the same
	// WAL directory into a brand-new account book, as recovery.Run's steps
	// 1 and 3 do against live state.
	fresh := account.NewBook(
		func(string) decimal.Decimal { return decimal.NewFromFloat(0.10) },
		func(string) (decimal.Decimal, bool) { return decimal.Zero, false },
	)
	if err := fresh.Open("acc1", "alice", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("reopen acc1: %v", err)
	}
	if err := fresh.Open("acc2", "bob", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("reopen acc2: %v", err)
	}

	records, err := wal.ReplayAll(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("replay WAL: %v", err)
	}
	replayed := 0
	for _, rec := range records {
		switch rec.Kind {
		case wal.KindOrderInsert:
			p, err := wal.DecodeOrderInsert(rec)
			if err != nil {
				t.Fatalf("decode order record: %v", err)
			}
			towards := types.TowardsCode(p.Towards)
			_, offset := towards.Split()
			if _, err := fresh.SendOrder(types.UnpadOrderID(p.AccountID), wal.InstrumentFromFixed(p.Instrument), offset, towards, wal.FromScaled(p.LimitPriceScaled), wal.FromScaled(p.VolumeScaled)); err != nil {
				t.Fatalf("replay order: %v", err)
			}
			replayed++
		case wal.KindTradeExecuted:
			p, err := wal.DecodeTradeExecuted(rec)
			if err != nil {
				t.Fatalf("decode trade record: %v", err)
			}
			buyAccount := types.UnpadOrderID(p.BuyAccount)
			sellAccount := types.UnpadOrderID(p.SellAccount)
			price := wal.FromScaled(p.PriceScaled)
			volume := wal.FromScaled(p.VolumeScaled)
			if err := fresh.ReceiveDeal(true, buyAccount, wal.InstrumentFromFixed(p.Instrument), types.TowardsBuyOpen, price, volume, decimal.Zero); err != nil {
				t.Fatalf("replay trade buy leg: %v", err)
			}
			if err := fresh.ReceiveDeal(true, sellAccount, wal.InstrumentFromFixed(p.Instrument), types.TowardsSellOpen, price, volume, decimal.Zero); err != nil {
				t.Fatalf("replay trade sell leg: %v", err)
			}
			replayed++
		}
	}
	// Each of the n rounds logs two OrderInsert records and one TradeExecuted.
	if replayed != 3*n {
		t.Fatalf("replayed %d order/trade records, want %d", replayed, 3*n)
	}

	gotLong, _ := fresh.UpdatePos("acc1", "IF2501")
	gotShort, _ := fresh.UpdatePos("acc2", "IF2501")
	if gotLong.VolumeLong() != wantLong.VolumeLong() {
		t.Errorf("replayed acc1 long volume = %d, want %d", gotLong.VolumeLong(), wantLong.VolumeLong())
	}
	if gotShort.VolumeShort() != wantShort.VolumeShort() {
		t.Errorf("replayed acc2 short volume = %d, want %d", gotShort.VolumeShort(), wantShort.VolumeShort())
	}
	gotBalance1, _, _ := fresh.GetBalance("acc1")
	gotBalance2, _, _ := fresh.GetBalance("acc2")
	if !gotBalance1.Equal(wantBalance1) {
		t.Errorf("replayed acc1 balance = %s, want %s", gotBalance1, wantBalance1)
	}
	if !gotBalance2.Equal(wantBalance2) {
		t.Errorf("replayed acc2 balance = %s, want %s", gotBalance2, wantBalance2)
	}
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = digits[i%10]
		i /= 10
	}
	return string(buf[pos:])
}

// TestScenarioD_ForcedLiquidation reproduces spec.md §8 Scenario D: an
// account whose risk ratio breaches the liquidation threshold after a
// settlement mark is force-closed against resting counter-liquidity.
func TestScenarioD_ForcedLiquidation(t *testing.T) {
	x := newExchange(t)
	registerIF2501(t, x)

	if err := x.accounts.Open("longacc", "alice", decimal.NewFromInt(115_000)); err != nil {
		t.Fatalf("open longacc: %v", err)
	}
	if err := x.accounts.Open("counterparty", "bob", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatalf("open counterparty: %v", err)
	}

	if _, _, err := x.router.SubmitOrder("alice", "longacc", "c1", "IF2501", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(3800), decimal.NewFromInt(10), true); err != nil {
		t.Fatalf("submit long open: %v", err)
	}
	if _, _, err := x.router.SubmitOrder("bob", "counterparty", "c1", "IF2501", types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(3800), decimal.NewFromInt(10), true); err != nil {
		t.Fatalf("submit short open: %v", err)
	}

	// Resting liquidity below the mark for the forced close to cross
	// against — bob stays willing to buy back at 3700.
	if _, _, err := x.router.SubmitOrder("bob", "counterparty", "c2", "IF2501", types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(3700), decimal.NewFromInt(10), true); err != nil {
		t.Fatalf("submit resting liquidity: %v", err)
	}

	posBefore, _ := x.accounts.UpdatePos("longacc", "IF2501")
	if posBefore.VolumeLong() != 10 {
		t.Fatalf("longacc long volume before liquidation = %d, want 10", posBefore.VolumeLong())
	}

	// Drive the real signal pipeline: the liquidation monitor's Run loop
	// evaluates reports into signals, and settlement's Run loop drains
	// those signals into forceClose — the same two loops buildNode starts
	// as goroutines, here wired by hand so the test controls the report.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go x.liquidation.Run(ctx)
	go x.settlement.Run(ctx)

	x.liquidation.Report(risk.RiskReport{
		AccountID:  "longacc",
		RiskRatio:  decimal.NewFromFloat(1.5),
		Equity:     decimal.NewFromInt(-185_000),
		UsedMargin: decimal.NewFromInt(114_000),
		Timestamp:  time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		posAfter, ok := x.accounts.UpdatePos("longacc", "IF2501")
		if ok && posAfter.VolumeLong() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("longacc long position not closed within deadline, got %+v", posAfter)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if x.settlement.IsPending("longacc") {
		t.Error("longacc should not be pending after a forced close against available liquidity")
	}
}

// TestScenarioE_PeekBlocking reproduces spec.md §8 Scenario E: a client
// blocked on Peek wakes up within milliseconds of a patch being pushed for
// it, rather than polling.
func TestScenarioE_PeekBlocking(t *testing.T) {
	x := newExchange(t)
	x.snapshot.InitializeUser("alice")

	done := make(chan []interface{}, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- x.snapshot.Peek(ctx, "alice", 2*time.Second)
	}()

	// Give the goroutine time to reach the blocking wait before pushing.
	time.Sleep(20 * time.Millisecond)

	started := time.Now()
	x.snapshot.PushPatch("alice", map[string]interface{}{"ping": "pong"})

	select {
	case patches := <-done:
		if elapsed := time.Since(started); elapsed > 10*time.Millisecond {
			t.Errorf("Peek took %s to return after the push, want < 10ms", elapsed)
		}
		if len(patches) != 1 {
			t.Fatalf("expected exactly one patch, got %d", len(patches))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Peek did not return within 500ms of the patch being pushed")
	}
}

// TestScenarioF_MultiInstrumentConcurrentMatching reproduces spec.md §8
// Scenario F: many instruments each see concurrent submissions with no
// deadlocks and no lost or duplicated trades.
func TestScenarioF_MultiInstrumentConcurrentMatching(t *testing.T) {
	x := newExchange(t)

	const instruments = 10
	const pairsPerInstrument = 50

	for i := 0; i < instruments; i++ {
		id := "INST" + itoa(i)
		if err := x.instruments.Create(types.Instrument{
			InstrumentID: id,
			MarginRate:   decimal.NewFromFloat(0.10),
			IsTrading:    true,
		}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		x.matching.RegisterInstrument(id)
	}

	if err := x.accounts.Open("buyer", "buyer", decimal.NewFromInt(100_000_000)); err != nil {
		t.Fatalf("open buyer: %v", err)
	}
	if err := x.accounts.Open("seller", "seller", decimal.NewFromInt(100_000_000)); err != nil {
		t.Fatalf("open seller: %v", err)
	}

	done := make(chan error, instruments)
	for i := 0; i < instruments; i++ {
		id := "INST" + itoa(i)
		go func(instrumentID string) {
			for j := 0; j < pairsPerInstrument; j++ {
				if _, _, err := x.router.SubmitOrder("buyer", "buyer", instrumentID+"-b"+itoa(j), instrumentID, types.DirectionBuy, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(1), true); err != nil {
					done <- err
					return
				}
				if _, _, err := x.router.SubmitOrder("seller", "seller", instrumentID+"-s"+itoa(j), instrumentID, types.DirectionSell, types.OffsetOpen, types.PriceTypeLimit, decimal.NewFromInt(100), decimal.NewFromInt(1), true); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(id)
	}

	for i := 0; i < instruments; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("concurrent submission failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent matching across instruments deadlocked")
		}
	}

	for i := 0; i < instruments; i++ {
		id := "INST" + itoa(i)
		pos, ok := x.accounts.UpdatePos("buyer", id)
		if !ok || pos.VolumeLong() != int64(pairsPerInstrument) {
			t.Errorf("%s: buyer long volume = %+v, want %d", id, pos, pairsPerInstrument)
		}
	}
}
