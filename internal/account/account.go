// Package account implements the exchange's opaque account/position
// arithmetic core. It is intentionally I/O-free and deterministic: given the
// same sequence of SendOrder/ReceiveDeal calls it always produces the same
// balances, so it can be replayed from the WAL during recovery without
// touching storage or the network.
//
// Every account is guarded by its own mutex (lock striping by AccountID),
// the same pattern the teacher used for its per-market slot map —
// generalized here from markets to accounts since contention is now
// per-account, not per-market. Accounts are keyed by AccountID, not by the
// owning user: one user may in principle own several accounts, and the
// router verifies OwnerUserID against the caller before ever reaching this
// package (see internal/errs.Permission at the router boundary).
package account

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

// Account is one trading account's funds and position state, guarded by its
// own lock.
type Account struct {
	mu sync.RWMutex

	AccountID        string
	OwnerUserID      string
	Balance          decimal.Decimal
	FrozenMargin     decimal.Decimal
	FrozenCommission decimal.Decimal
	CloseProfit      decimal.Decimal
	Commission       decimal.Decimal
	RiskRatio        decimal.Decimal

	positions map[string]*types.Position // instrument -> position
}

func newAccount(accountID, ownerUserID string, initialBalance decimal.Decimal) *Account {
	return &Account{
		AccountID:   accountID,
		OwnerUserID: ownerUserID,
		Balance:     initialBalance,
		positions:   make(map[string]*types.Position),
	}
}

// Available is Balance minus all frozen margin/commission.
func (a *Account) Available() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.availableLocked()
}

func (a *Account) availableLocked() decimal.Decimal {
	return a.Balance.Sub(a.FrozenMargin).Sub(a.FrozenCommission)
}

// Book is a lock-striped registry of accounts, the top-level entry point
// the router and risk packages use to reach per-account state. Grounded on
// the teacher's `slots map[string]*marketSlot` + `slotsMu sync.RWMutex`
// pattern in internal/engine/engine.go, generalized from markets to
// accounts.
type Book struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	marginRate func(instrument string) decimal.Decimal
	priceOf    func(instrument string) (decimal.Decimal, bool)
}

// NewBook creates an account book. marginRate and priceOf are callbacks into
// the instrument registry and the matching engine's last-traded-price table,
// kept as function values so this package never imports them directly.
func NewBook(marginRate func(string) decimal.Decimal, priceOf func(string) (decimal.Decimal, bool)) *Book {
	return &Book{
		accounts:   make(map[string]*Account),
		marginRate: marginRate,
		priceOf:    priceOf,
	}
}

// Open creates a new account owned by ownerUserID with an initial balance.
// Returns an error if accountID already exists.
func (b *Book) Open(accountID, ownerUserID string, initialBalance decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[accountID]; ok {
		return fmt.Errorf("account: %s already exists", accountID)
	}
	b.accounts[accountID] = newAccount(accountID, ownerUserID, initialBalance)
	return nil
}

// Get returns the account for accountID, or ok=false if it does not exist.
func (b *Book) Get(accountID string) (*Account, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acc, ok := b.accounts[accountID]
	return acc, ok
}

// Owner returns accountID's owning user ID, or ok=false if the account
// doesn't exist — the single source of truth the router consults for its
// pre-freeze permission check.
func (b *Book) Owner(accountID string) (string, bool) {
	acc, ok := b.Get(accountID)
	if !ok {
		return "", false
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return acc.OwnerUserID, true
}

// GetBalance returns the account's total balance and available funds.
func (b *Book) GetBalance(accountID string) (balance, available decimal.Decimal, err error) {
	acc, ok := b.Get(accountID)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("account: %s not found", accountID)
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return acc.Balance, acc.availableLocked(), nil
}

// SendOrder freezes what order requires before it reaches matching: margin
// for an OPEN order, or the closing volume itself for a CLOSE/CLOSE_TODAY
// order (so a second concurrent close order can never draw against volume
// already promised to this one). The freeze is released by ReceiveDeal
// (fill, proportionally) or Release (cancel/reject, for whatever volume
// never filled).
func (b *Book) SendOrder(accountID, instrument string, offset types.Offset, towards types.TowardsCode, price, volume decimal.Decimal) (decimal.Decimal, error) {
	acc, ok := b.Get(accountID)
	if !ok {
		return decimal.Zero, fmt.Errorf("account: %s not found", accountID)
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if offset == types.OffsetOpen {
		rate := b.marginRate(instrument)
		margin := price.Mul(volume).Mul(rate)
		if acc.availableLocked().LessThan(margin) {
			return decimal.Zero, fmt.Errorf("account: %s insufficient available funds: need %s have %s", accountID, margin, acc.availableLocked())
		}
		acc.FrozenMargin = acc.FrozenMargin.Add(margin)
		return margin, nil
	}

	direction, _ := towards.Split()
	pos := acc.positions[instrument]
	if pos == nil {
		return decimal.Zero, fmt.Errorf("account: %s has no position in %s to close", accountID, instrument)
	}
	vol := volume.IntPart()
	if direction == types.DirectionSell {
		if vol > pos.AvailableLong() {
			return decimal.Zero, fmt.Errorf("account: %s close volume %d exceeds available long position %d on %s", accountID, vol, pos.AvailableLong(), instrument)
		}
		pos.VolumeLongFrozen += vol
	} else {
		if vol > pos.AvailableShort() {
			return decimal.Zero, fmt.Errorf("account: %s close volume %d exceeds available short position %d on %s", accountID, vol, pos.AvailableShort(), instrument)
		}
		pos.VolumeShortFrozen += vol
	}
	return decimal.Zero, nil
}

// Release undoes whatever SendOrder froze for the unfilled remainder of
// order — called on cancel or rejection. It recomputes the freeze from
// order's own (fixed) price and its current VolumeLeft rather than
// requiring the caller to have tracked an amount, so partial fills are
// handled correctly without extra bookkeeping at the call site.
func (b *Book) Release(accountID, instrument string, order *types.Order) error {
	acc, ok := b.Get(accountID)
	if !ok {
		return fmt.Errorf("account: %s not found", accountID)
	}
	remaining := order.VolumeLeft
	if remaining.IsZero() {
		return nil
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if order.Offset == types.OffsetOpen {
		rate := b.marginRate(instrument)
		margin := order.LimitPrice.Mul(remaining).Mul(rate)
		acc.FrozenMargin = acc.FrozenMargin.Sub(margin)
		if acc.FrozenMargin.IsNegative() {
			acc.FrozenMargin = decimal.Zero
		}
		return nil
	}

	pos := acc.positions[instrument]
	if pos == nil {
		return nil
	}
	vol := remaining.IntPart()
	if order.Direction == types.DirectionSell {
		pos.VolumeLongFrozen -= vol
		if pos.VolumeLongFrozen < 0 {
			pos.VolumeLongFrozen = 0
		}
	} else {
		pos.VolumeShortFrozen -= vol
		if pos.VolumeShortFrozen < 0 {
			pos.VolumeShortFrozen = 0
		}
	}
	return nil
}

// ReceiveDeal applies a fill to the account: unfreezes the portion of margin
// or closing volume the fill consumes, updates the position (average-entry-
// price for opens, realized PnL for closes — the same arithmetic as the
// teacher's internal/strategy/inventory.go, generalized from per-market
// YES/NO quantities to per-(account, instrument) long/short volume), and
// charges commission.
//
// sim marks simulated (paper trading) versus real fills. Both take the same
// code path: frozen margin for opened volume is released as soon as the
// fill is applied here, with no downstream clearing confirmation awaited.
func (b *Book) ReceiveDeal(sim bool, accountID, instrument string, towards types.TowardsCode, price, volume, commission decimal.Decimal) error {
	acc, ok := b.Get(accountID)
	if !ok {
		return fmt.Errorf("account: %s not found", accountID)
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	pos, ok := acc.positions[instrument]
	if !ok {
		pos = &types.Position{InstrumentID: instrument, AccountID: accountID}
		acc.positions[instrument] = pos
	}

	direction, offset := towards.Split()
	vol := volume.IntPart()

	switch {
	case direction == types.DirectionBuy && offset == types.OffsetOpen:
		rate := b.marginRate(instrument)
		margin := price.Mul(volume).Mul(rate)
		acc.FrozenMargin = acc.FrozenMargin.Sub(margin)
		if acc.FrozenMargin.IsNegative() {
			acc.FrozenMargin = decimal.Zero
		}
		pos.OpenPriceLong = weightedAvg(pos.OpenPriceLong, pos.VolumeLongToday, price, vol)
		pos.VolumeLongToday += vol
	case direction == types.DirectionSell && offset == types.OffsetOpen:
		rate := b.marginRate(instrument)
		margin := price.Mul(volume).Mul(rate)
		acc.FrozenMargin = acc.FrozenMargin.Sub(margin)
		if acc.FrozenMargin.IsNegative() {
			acc.FrozenMargin = decimal.Zero
		}
		pos.OpenPriceShort = weightedAvg(pos.OpenPriceShort, pos.VolumeShortToday, price, vol)
		pos.VolumeShortToday += vol
	case direction == types.DirectionSell && (offset == types.OffsetClose || offset == types.OffsetCloseToday):
		pos.VolumeLongFrozen -= vol
		if pos.VolumeLongFrozen < 0 {
			pos.VolumeLongFrozen = 0
		}
		closeVol := closeAgainst(&pos.VolumeLongToday, &pos.VolumeLongHistory, vol, offset == types.OffsetCloseToday)
		realized := price.Sub(pos.OpenPriceLong).Mul(decimal.NewFromInt(closeVol))
		acc.CloseProfit = acc.CloseProfit.Add(realized)
		acc.Balance = acc.Balance.Add(realized)
	case direction == types.DirectionBuy && (offset == types.OffsetClose || offset == types.OffsetCloseToday):
		pos.VolumeShortFrozen -= vol
		if pos.VolumeShortFrozen < 0 {
			pos.VolumeShortFrozen = 0
		}
		closeVol := closeAgainst(&pos.VolumeShortToday, &pos.VolumeShortHistory, vol, offset == types.OffsetCloseToday)
		realized := pos.OpenPriceShort.Sub(price).Mul(decimal.NewFromInt(closeVol))
		acc.CloseProfit = acc.CloseProfit.Add(realized)
		acc.Balance = acc.Balance.Add(realized)
	}

	acc.Commission = acc.Commission.Add(commission)
	acc.Balance = acc.Balance.Sub(commission)

	_ = sim // Sim/Real currently share this code path; see doc comment above.
	return nil
}

func weightedAvg(prevPrice decimal.Decimal, prevVol int64, addPrice decimal.Decimal, addVol int64) decimal.Decimal {
	if prevVol+addVol == 0 {
		return decimal.Zero
	}
	total := prevPrice.Mul(decimal.NewFromInt(prevVol)).Add(addPrice.Mul(decimal.NewFromInt(addVol)))
	return total.Div(decimal.NewFromInt(prevVol + addVol))
}

// closeAgainst reduces today's volume first, then history, returning how
// much was actually closed (capped at available volume). closeTodayOnly
// restricts the reduction to the today bucket per the CLOSE_TODAY towards-code.
func closeAgainst(today, history *int64, vol int64, closeTodayOnly bool) int64 {
	closed := int64(0)
	if *today > 0 {
		take := min64(*today, vol)
		*today -= take
		closed += take
		vol -= take
	}
	if !closeTodayOnly && vol > 0 && *history > 0 {
		take := min64(*history, vol)
		*history -= take
		closed += take
	}
	return closed
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// FloatProfitLong returns unrealized profit on the account's long position
// in instrument at the instrument's current mark price from the book's
// price source.
func (b *Book) FloatProfitLong(accountID, instrument string) (decimal.Decimal, error) {
	acc, ok := b.Get(accountID)
	if !ok {
		return decimal.Zero, fmt.Errorf("account: %s not found", accountID)
	}
	mark, ok := b.priceOf(instrument)
	if !ok {
		return decimal.Zero, fmt.Errorf("account: no mark price for %s", instrument)
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	pos, ok := acc.positions[instrument]
	if !ok {
		return decimal.Zero, nil
	}
	vol := pos.VolumeLong()
	if vol == 0 {
		return decimal.Zero, nil
	}
	return mark.Sub(pos.OpenPriceLong).Mul(decimal.NewFromInt(vol)), nil
}

// FloatProfitShort returns unrealized profit on the account's short position.
func (b *Book) FloatProfitShort(accountID, instrument string) (decimal.Decimal, error) {
	acc, ok := b.Get(accountID)
	if !ok {
		return decimal.Zero, fmt.Errorf("account: %s not found", accountID)
	}
	mark, ok := b.priceOf(instrument)
	if !ok {
		return decimal.Zero, fmt.Errorf("account: no mark price for %s", instrument)
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	pos, ok := acc.positions[instrument]
	if !ok {
		return decimal.Zero, nil
	}
	vol := pos.VolumeShort()
	if vol == 0 {
		return decimal.Zero, nil
	}
	return pos.OpenPriceShort.Sub(mark).Mul(decimal.NewFromInt(vol)), nil
}

// UpdatePos returns a snapshot copy of the account's position in instrument.
func (b *Book) UpdatePos(accountID, instrument string) (types.Position, bool) {
	acc, ok := b.Get(accountID)
	if !ok {
		return types.Position{}, false
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	pos, ok := acc.positions[instrument]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// RiskRatio is usedMargin divided by Balance+unrealized PnL (999 when that
// equity is zero or negative), the figure settlement compares against the
// liquidation threshold. FrozenMargin is not included.
func (b *Book) RiskRatio(accountID string, usedMargin, unrealizedPnL decimal.Decimal) (decimal.Decimal, error) {
	acc, ok := b.Get(accountID)
	if !ok {
		return decimal.Zero, fmt.Errorf("account: %s not found", accountID)
	}
	acc.mu.RLock()
	equity := acc.Balance.Add(unrealizedPnL)
	acc.mu.RUnlock()
	if equity.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(999), nil
	}
	return usedMargin.Div(equity), nil
}

// ApplySettlement crystallizes one daily settlement outcome into the
// account's lasting state: position profit realized into close profit,
// commission deducted from balance, and the risk ratio settlement computed
// stored for the next pre-trade/liquidation check to read — spec.md §4.5
// step 2's "update balance and risk_ratio", without which daily settlement
// has no effect beyond the in-memory SettlementRecord it returns.
func (b *Book) ApplySettlement(accountID string, positionProfit, commission, riskRatio decimal.Decimal) error {
	acc, ok := b.Get(accountID)
	if !ok {
		return fmt.Errorf("account: %s not found", accountID)
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.CloseProfit = acc.CloseProfit.Add(positionProfit)
	acc.Balance = acc.Balance.Add(positionProfit).Sub(commission)
	acc.Commission = acc.Commission.Add(commission)
	acc.RiskRatio = riskRatio
	return nil
}

// Snapshot returns a point-in-time copy suitable for the differential
// snapshot protocol's "account" ins_list table.
func (b *Book) Snapshot(accountID string) (types.Account, error) {
	acc, ok := b.Get(accountID)
	if !ok {
		return types.Account{}, fmt.Errorf("account: %s not found", accountID)
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return types.Account{
		AccountID:        acc.AccountID,
		OwnerUserID:      acc.OwnerUserID,
		Balance:          acc.Balance,
		Available:        acc.availableLocked(),
		FrozenMargin:     acc.FrozenMargin,
		FrozenCommission: acc.FrozenCommission,
		CloseProfit:      acc.CloseProfit,
		RiskRatio:        acc.RiskRatio,
	}, nil
}

// AllAccountIDs returns every account ID currently open, used by
// settlement's daily sweep.
func (b *Book) AllAccountIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.accounts))
	for id := range b.accounts {
		ids = append(ids, id)
	}
	return ids
}
