// Package router implements the order submission/cancel/query pipeline
// (OrderRouter) and the on-match settlement path (TradeGateway).
//
// Grounded on the teacher's internal/engine/engine.go: its New/Start/Stop
// lifecycle (context + cancel + sync.WaitGroup, goroutines registered in
// Start and joined in Stop) and its dispatchMarketEvents/dispatchUserEvents
// channel-routing pattern become OrderRouter's Start/Stop and its
// event-dispatch loop — generalized from "route exchange WS events to the
// right market slot" to "route order/trade events to risk, account, WAL,
// and snapshot".
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"qaexchange/internal/errs"
	"qaexchange/internal/matching"
	"qaexchange/pkg/types"
)

// AccountOps is the subset of internal/account.Book the router needs,
// expressed as an interface to avoid an import cycle (account doesn't need
// to know about router, but both need to know about types). Every method
// is keyed by AccountID, the trading account — never by the authenticated
// UserID, which only identifies who is allowed to act on that account.
type AccountOps interface {
	Owner(accountID string) (ownerUserID string, ok bool)
	SendOrder(accountID, instrument string, offset types.Offset, towards types.TowardsCode, price, volume decimal.Decimal) (decimal.Decimal, error)
	Release(accountID, instrument string, order *types.Order) error
	ReceiveDeal(sim bool, accountID, instrument string, towards types.TowardsCode, price, volume, commission decimal.Decimal) error
}

// RiskOps is the pre-trade check surface the router calls before matching.
type RiskOps interface {
	Check(order *types.Order) error
}

// WALAppender is the durability surface the router writes through before
// acknowledging an order or trade — kept as an interface so router doesn't
// import internal/storage/wal directly.
type WALAppender interface {
	AppendOrder(order *types.Order) error
	AppendTrade(trade *types.Trade) error
}

// SnapshotNotifier pushes account/order/trade deltas into the differential
// snapshot manager's per-user patch queues. NotifyOrder/NotifyTrade route by
// the authenticated caller (userID), since that's whose WS connection is
// peeking; NotifyAccount routes by accountID, since that's the entity whose
// balance changed.
type SnapshotNotifier interface {
	NotifyOrder(userID string, order *types.Order)
	NotifyTrade(userID string, trade *types.Trade)
	NotifyAccount(accountID string)
}

// AuditLogger records rejected orders for compliance review.
type AuditLogger interface {
	LogRejection(userID, instrument, reason string)
}

// OrderRouter is the single entry point for order submission, cancellation,
// and querying. It owns the pre-trade check -> matching -> settlement
// pipeline end to end.
type OrderRouter struct {
	accounts AccountOps
	risk     RiskOps
	matching *matching.Engine
	wal      WALAppender
	snapshot SnapshotNotifier
	audit    AuditLogger
	logger   zerolog.Logger

	mu      sync.RWMutex
	open    map[string]*types.Order // exchange_order_id -> still-resting order
	commissionRate decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an OrderRouter. Any of risk/wal/snapshot/audit may be nil in
// tests that don't exercise that concern.
func New(accounts AccountOps, risk RiskOps, me *matching.Engine, wal WALAppender, snapshot SnapshotNotifier, audit AuditLogger, commissionRate decimal.Decimal, logger zerolog.Logger) *OrderRouter {
	return &OrderRouter{
		accounts:       accounts,
		risk:           risk,
		matching:       me,
		wal:            wal,
		snapshot:       snapshot,
		audit:          audit,
		commissionRate: commissionRate,
		logger:         logger.With().Str("component", "router").Logger(),
		open:           make(map[string]*types.Order),
	}
}

// Start launches the router's background bookkeeping — currently none are
// needed beyond synchronous submission, but the ctx/cancel/wg scaffolding
// mirrors the teacher's lifecycle so future async work (e.g. periodic
// stale-order sweep) has a home without restructuring callers.
func (r *OrderRouter) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
}

// Stop cancels background work and waits for it to finish — safety-net
// pattern lifted from the teacher's Engine.Stop (cancel contexts, then wait).
func (r *OrderRouter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// SubmitOrder runs the full PendingRisk -> PendingRoute -> Submitted
// pipeline for a new order. clientOrderID is the account-scoped ID; the
// router assigns the exchange_order_id. userID is the authenticated caller;
// accountID is the trading account the order is placed against. Ownership
// is verified — userID must own accountID — before anything is frozen,
// per spec.md §4.1 step 1.
func (r *OrderRouter) SubmitOrder(userID, accountID, clientOrderID, instrument string, dir types.Direction, offset types.Offset, priceType types.PriceType, price, volume decimal.Decimal, selfTradePrevention bool) (*types.Order, []*types.Trade, error) {
	ownerUserID, ok := r.accounts.Owner(accountID)
	if !ok {
		return nil, nil, errs.Account("router.SubmitOrder", fmt.Errorf("account %s not found", accountID))
	}
	if ownerUserID != userID {
		return nil, nil, errs.Permission("router.SubmitOrder", fmt.Errorf("user %s does not own account %s", userID, accountID))
	}

	towards, err := types.ToTowardsCode(dir, offset)
	if err != nil {
		return nil, nil, errs.Order("router.SubmitOrder", err)
	}

	order := &types.Order{
		OrderID:         clientOrderID,
		ExchangeOrderID: uuid.NewString(),
		UserID:          userID,
		AccountID:       accountID,
		Instrument:      instrument,
		Direction:       dir,
		Offset:          offset,
		Towards:         towards,
		PriceType:       priceType,
		LimitPrice:      price,
		Volume:          volume,
		VolumeLeft:      volume,
		Status:          types.OrderPendingRisk,
		InsertTime:      time.Now(),
		UpdateTime:      time.Now(),
	}

	if r.risk != nil {
		if err := r.risk.Check(order); err != nil {
			order.Status = types.OrderRejected
			order.RejectReason = err.Error()
			if r.audit != nil {
				r.audit.LogRejection(userID, instrument, err.Error())
			}
			return order, nil, errs.Risk("router.SubmitOrder", err)
		}
	}

	order.Status = types.OrderPendingRoute

	_, err = r.accounts.SendOrder(accountID, instrument, offset, towards, price, volume)
	if err != nil {
		order.Status = types.OrderRejected
		order.RejectReason = err.Error()
		if r.audit != nil {
			r.audit.LogRejection(userID, instrument, err.Error())
		}
		return order, nil, errs.Account("router.SubmitOrder", err)
	}

	order.Status = types.OrderSubmitted

	if r.wal != nil {
		if err := r.wal.AppendOrder(order); err != nil {
			// spec.md §4.1/§7: a WAL append failure is a fatal integrity
			// error, not something submission can route around — halt
			// rather than risk an order that matches without a durable
			// record of its existence.
			r.logger.Fatal().Err(err).Msg("WAL append order failed, halting")
		}
	}

	trades, err := r.matching.Submit(order, selfTradePrevention)
	if err != nil {
		_ = r.accounts.Release(accountID, instrument, order)
		order.Status = types.OrderRejected
		order.RejectReason = err.Error()
		if r.audit != nil {
			r.audit.LogRejection(userID, instrument, err.Error())
		}
		return order, nil, errs.Order("router.SubmitOrder", err)
	}

	if !order.VolumeLeft.IsZero() {
		r.mu.Lock()
		r.open[order.ExchangeOrderID] = order
		r.mu.Unlock()
	}

	for _, tr := range trades {
		r.settleTrade(tr)
	}

	if r.snapshot != nil {
		r.snapshot.NotifyOrder(userID, order)
	}

	return order, trades, nil
}

// settleTrade is the TradeGateway half of the pipeline: on every match it
// applies both sides' fills to the account book, writes the trade to the
// WAL, and notifies both users' snapshot queues. Grounded on the teacher's
// dispatchMarketEvents (route one event to many downstream consumers).
func (r *OrderRouter) settleTrade(trade *types.Trade) {
	if r.wal != nil {
		if err := r.wal.AppendTrade(trade); err != nil {
			r.logger.Fatal().Err(err).Msg("WAL append trade failed, halting")
		}
	}

	commission := trade.Price.Mul(trade.Volume).Mul(r.commissionRate)

	if err := r.accounts.ReceiveDeal(true, trade.BuyAccount, trade.Instrument, trade.BuyTowards, trade.Price, trade.Volume, commission); err != nil {
		r.logger.Error().Err(err).Str("account", trade.BuyAccount).Msg("apply fill to buy side failed")
	}
	if err := r.accounts.ReceiveDeal(true, trade.SellAccount, trade.Instrument, trade.SellTowards, trade.Price, trade.Volume, commission); err != nil {
		r.logger.Error().Err(err).Str("account", trade.SellAccount).Msg("apply fill to sell side failed")
	}

	if r.snapshot != nil {
		r.snapshot.NotifyTrade(trade.BuyUser, trade)
		r.snapshot.NotifyTrade(trade.SellUser, trade)
		r.snapshot.NotifyAccount(trade.BuyAccount)
		r.snapshot.NotifyAccount(trade.SellAccount)
	}

	r.mu.Lock()
	if o, ok := r.open[trade.BuyOrderID]; ok && o.Status == types.OrderFilled {
		delete(r.open, trade.BuyOrderID)
	}
	if o, ok := r.open[trade.SellOrderID]; ok && o.Status == types.OrderFilled {
		delete(r.open, trade.SellOrderID)
	}
	r.mu.Unlock()
}

// CancelOrder cancels a resting order and releases whatever it still has
// frozen. userID must be the authenticated caller who owns the order being
// cancelled — verified before the cancel reaches the matching engine, so a
// caller can never cancel another account's order by guessing
// instrument+exchange_order_id (spec.md §4.1's ownership check applies to
// cancel as much as to submit).
func (r *OrderRouter) CancelOrder(userID, instrument, exchangeOrderID string) (*types.Order, error) {
	r.mu.RLock()
	tracked, ok := r.open[exchangeOrderID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Order("router.CancelOrder", fmt.Errorf("order %s not found", exchangeOrderID))
	}
	if tracked.UserID != userID {
		return nil, errs.Permission("router.CancelOrder", fmt.Errorf("user %s does not own order %s", userID, exchangeOrderID))
	}

	order, ok, err := r.matching.Cancel(instrument, exchangeOrderID)
	if err != nil {
		return nil, errs.Order("router.CancelOrder", err)
	}
	if !ok {
		return nil, errs.Order("router.CancelOrder", fmt.Errorf("order %s not found", exchangeOrderID))
	}

	r.mu.Lock()
	delete(r.open, exchangeOrderID)
	r.mu.Unlock()

	if err := r.accounts.Release(order.AccountID, order.Instrument, order); err != nil {
		r.logger.Error().Err(err).Msg("release frozen funds on cancel failed")
	}

	if r.wal != nil {
		if err := r.wal.AppendOrder(order); err != nil {
			r.logger.Fatal().Err(err).Msg("WAL append cancel failed, halting")
		}
	}
	if r.snapshot != nil {
		r.snapshot.NotifyOrder(order.UserID, order)
		r.snapshot.NotifyAccount(order.AccountID)
	}
	return order, nil
}

// QueryOpenOrders returns every order still tracked as open and owned by
// userID.
func (r *OrderRouter) QueryOpenOrders(userID string) []*types.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Order
	for _, order := range r.open {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	return out
}
