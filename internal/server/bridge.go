// bridge.go composes the account book and the snapshot manager into the
// single NotifyOrder/NotifyTrade/NotifyAccount surface
// internal/router.SnapshotNotifier requires — kept in internal/server
// rather than internal/snapshot so the snapshot package never has to
// import internal/account (it stays a pure patch-queue/merge-patch
// engine, same separation the teacher kept between internal/api/stream.go
// and the state it broadcasts).
package server

import (
	"qaexchange/internal/account"
	"qaexchange/internal/snapshot"
	"qaexchange/pkg/types"
)

// NotifyBridge adapts account + snapshot state into push_patch calls.
type NotifyBridge struct {
	snap     *snapshot.Manager
	accounts *account.Book
}

// NewNotifyBridge wires a bridge against the live snapshot manager and
// account book.
func NewNotifyBridge(snap *snapshot.Manager, accounts *account.Book) *NotifyBridge {
	return &NotifyBridge{snap: snap, accounts: accounts}
}

// NotifyOrder pushes an order-state patch into userID's snapshot.
func (b *NotifyBridge) NotifyOrder(userID string, order *types.Order) {
	b.snap.PushPatch(userID, map[string]interface{}{
		"orders": map[string]interface{}{
			order.ExchangeOrderID: orderPatch(order),
		},
	})
}

// NotifyTrade pushes a trade patch into userID's snapshot.
func (b *NotifyBridge) NotifyTrade(userID string, trade *types.Trade) {
	b.snap.PushPatch(userID, map[string]interface{}{
		"trades": map[string]interface{}{
			trade.TradeID: tradePatch(trade),
		},
	})
}

// NotifyAccount re-reads accountID's current balance/position state and
// pushes a fresh account patch to its owning user's snapshot queue —
// called whenever a fill or settlement changes an account's funds.
func (b *NotifyBridge) NotifyAccount(accountID string) {
	acc, err := b.accounts.Snapshot(accountID)
	if err != nil {
		return
	}
	ownerUserID, ok := b.accounts.Owner(accountID)
	if !ok {
		return
	}
	b.snap.PushPatch(ownerUserID, map[string]interface{}{
		"accounts": map[string]interface{}{
			accountID: accountPatch(acc),
		},
	})
}

func orderPatch(o *types.Order) map[string]interface{} {
	return map[string]interface{}{
		"order_id":          o.OrderID,
		"exchange_order_id": o.ExchangeOrderID,
		"instrument_id":     o.Instrument,
		"direction":         o.Direction.String(),
		"offset":            o.Offset.String(),
		"limit_price":       o.LimitPrice.String(),
		"volume_orign":      o.Volume.String(),
		"volume_left":       o.VolumeLeft.String(),
		"status":            string(o.Status),
		"reject_reason":     o.RejectReason,
	}
}

func tradePatch(t *types.Trade) map[string]interface{} {
	return map[string]interface{}{
		"trade_id":      t.TradeID,
		"instrument_id": t.Instrument,
		"price":         t.Price.String(),
		"volume":        t.Volume.String(),
		"sequence":      t.Sequence,
	}
}

func accountPatch(a types.Account) map[string]interface{} {
	return map[string]interface{}{
		"balance":           a.Balance.String(),
		"available":         a.Available.String(),
		"frozen_margin":     a.FrozenMargin.String(),
		"frozen_commission": a.FrozenCommission.String(),
		"close_profit":      a.CloseProfit.String(),
		"risk_ratio":        a.RiskRatio.String(),
	}
}
