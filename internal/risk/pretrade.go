// Package risk implements pre-trade checks and the post-trade liquidation/
// surveillance monitor. Where the teacher's internal/risk/manager.go
// checked a market-making bot's own inventory against portfolio limits,
// this package checks an incoming order against one account's funds,
// existing position, and the exchange's instrument-level limits before it
// is allowed to reach the matching engine.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"qaexchange/internal/config"
	"qaexchange/pkg/types"
)

// AccountView is the subset of internal/account.Book's behavior pre-trade
// checks need, kept as an interface so this package never imports account
// directly (avoiding an import cycle with router, which imports both).
type AccountView interface {
	GetBalance(accountID string) (balance, available decimal.Decimal, err error)
	UpdatePos(accountID, instrument string) (types.Position, bool)
}

// InstrumentView exposes the instrument-level limits pre-trade checks need.
type InstrumentView interface {
	Get(instrumentID string) (types.Instrument, bool)
}

// SelfTradeIndex reports whether userID currently has a resting order on
// the opposite side of instrument that would cross price — used for the
// pre-trade self-trade pre-check, distinct from (and cheaper than) the
// matching engine's own STP rejection at submit time.
type SelfTradeIndex interface {
	HasCrossingOrder(userID, instrument string, dir types.Direction, price decimal.Decimal) bool
}

// PreTradeChecker runs the funds/position/position-limit/self-trade/price-
// sanity gauntlet spec.md §4.3 requires before an order is routed.
type PreTradeChecker struct {
	cfg         config.RiskConfig
	accounts    AccountView
	instruments InstrumentView
	stpIndex    SelfTradeIndex
}

// NewPreTradeChecker wires a checker against the account book, instrument
// registry, and self-trade index it needs to consult.
func NewPreTradeChecker(cfg config.RiskConfig, accounts AccountView, instruments InstrumentView, stp SelfTradeIndex) *PreTradeChecker {
	return &PreTradeChecker{cfg: cfg, accounts: accounts, instruments: instruments, stpIndex: stp}
}

// Check runs every pre-trade rule against order, returning the first
// violation encountered, or nil if the order may proceed.
func (c *PreTradeChecker) Check(order *types.Order) error {
	inst, ok := c.instruments.Get(order.Instrument)
	if !ok {
		return fmt.Errorf("risk: unknown instrument %s", order.Instrument)
	}
	if !inst.IsTrading {
		return fmt.Errorf("risk: instrument %s is not currently trading", order.Instrument)
	}

	if order.Offset == types.OffsetOpen {
		if err := c.checkFunds(order, inst); err != nil {
			return err
		}
	} else {
		if err := c.checkCloseVolume(order); err != nil {
			return err
		}
	}
	if err := c.checkPositionLimit(order); err != nil {
		return err
	}
	if err := c.checkPriceSanity(order, inst); err != nil {
		return err
	}
	if c.cfg.MaxPositionPerAccount > 0 && c.stpIndex != nil {
		if c.stpIndex.HasCrossingOrder(order.AccountID, order.Instrument, order.Direction, order.LimitPrice) {
			return fmt.Errorf("risk: account %s already has a crossing resting order on %s (self-trade pre-check)", order.AccountID, order.Instrument)
		}
	}
	return nil
}

func (c *PreTradeChecker) checkFunds(order *types.Order, inst types.Instrument) error {
	_, available, err := c.accounts.GetBalance(order.AccountID)
	if err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	required := order.LimitPrice.Mul(order.Volume).Mul(inst.MarginRate)
	if available.LessThan(required) {
		return fmt.Errorf("risk: account %s insufficient funds for order (need %s, have %s)", order.AccountID, required, available)
	}
	maxOrderValue, err := decimal.NewFromString(c.cfg.MaxOrderValue)
	if err == nil && maxOrderValue.GreaterThan(decimal.Zero) {
		notional := order.LimitPrice.Mul(order.Volume)
		if notional.GreaterThan(maxOrderValue) {
			return fmt.Errorf("risk: order notional %s exceeds max order value %s", notional, maxOrderValue)
		}
	}
	return nil
}

// checkCloseVolume is spec.md §4.4's position check: a CLOSE order may not
// exceed the account's currently open (unfrozen) volume on the side it
// closes against.
func (c *PreTradeChecker) checkCloseVolume(order *types.Order) error {
	pos, ok := c.accounts.UpdatePos(order.AccountID, order.Instrument)
	if !ok {
		return fmt.Errorf("risk: account %s has no position in %s to close", order.AccountID, order.Instrument)
	}

	// Available volume excludes whatever an earlier resting CLOSE order
	// already froze — otherwise two concurrent close orders could both
	// pass this check against the same position.
	var available int64
	if order.Direction == types.DirectionSell {
		available = pos.AvailableLong()
	} else {
		available = pos.AvailableShort()
	}
	if order.Volume.IntPart() > available {
		return fmt.Errorf("risk: account %s close volume %s exceeds available position %d on %s", order.AccountID, order.Volume, available, order.Instrument)
	}
	return nil
}

func (c *PreTradeChecker) checkPositionLimit(order *types.Order) error {
	if c.cfg.MaxPositionPerAccount <= 0 {
		return nil
	}
	pos, ok := c.accounts.UpdatePos(order.AccountID, order.Instrument)
	if !ok {
		return nil
	}
	projected := pos.VolumeLong() + pos.VolumeShort() + order.Volume.IntPart()
	if projected > c.cfg.MaxPositionPerAccount {
		return fmt.Errorf("risk: account %s would exceed max position %d (projected %d)", order.AccountID, c.cfg.MaxPositionPerAccount, projected)
	}
	return nil
}

func (c *PreTradeChecker) checkPriceSanity(order *types.Order, inst types.Instrument) error {
	if inst.UpperLimit.GreaterThan(decimal.Zero) && order.LimitPrice.GreaterThan(inst.UpperLimit) {
		return fmt.Errorf("risk: order price %s above upper limit %s", order.LimitPrice, inst.UpperLimit)
	}
	if inst.LowerLimit.GreaterThan(decimal.Zero) && order.LimitPrice.LessThan(inst.LowerLimit) {
		return fmt.Errorf("risk: order price %s below lower limit %s", order.LimitPrice, inst.LowerLimit)
	}

	band, err := decimal.NewFromString(c.cfg.PriceSanityBandPct)
	if err == nil && band.GreaterThan(decimal.Zero) && inst.PreSettlement.GreaterThan(decimal.Zero) {
		deviation := order.LimitPrice.Sub(inst.PreSettlement).Abs().Div(inst.PreSettlement)
		if deviation.GreaterThan(band) {
			return fmt.Errorf("risk: order price %s deviates %.2f%% from pre-settlement %s, exceeding %.2f%% band",
				order.LimitPrice, deviation.Mul(decimal.NewFromInt(100)).InexactFloat64(), inst.PreSettlement, band.Mul(decimal.NewFromInt(100)).InexactFloat64())
		}
	}
	return nil
}
