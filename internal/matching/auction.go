package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"qaexchange/pkg/types"
)

// ClearingResult is the outcome of a call auction.
type ClearingResult struct {
	Price       decimal.Decimal
	MatchedVol  decimal.Decimal
	HasClearing bool
}

// RunCallAuction computes the single clearing price that maximizes executed
// volume across the given orders (the opening/closing-auction algorithm),
// without mutating the book — callers apply the resulting trades
// themselves via Submit at the clearing price. Among candidate prices with
// equal executable volume the lowest wins; no reference price is consulted.
func RunCallAuction(orders []*types.Order) ClearingResult {
	prices := candidatePrices(orders)
	if len(prices) == 0 {
		return ClearingResult{}
	}

	best := ClearingResult{}
	for _, p := range prices {
		vol := executableVolume(orders, p)
		if vol.GreaterThan(best.MatchedVol) {
			best = ClearingResult{Price: p, MatchedVol: vol, HasClearing: true}
		}
	}
	return best
}

func candidatePrices(orders []*types.Order) []decimal.Decimal {
	seen := make(map[string]struct{})
	var out []decimal.Decimal
	for _, o := range orders {
		key := o.LimitPrice.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, o.LimitPrice)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

// executableVolume returns the matched volume if the auction clears at
// price p: min(cumulative buy demand at or above p, cumulative sell supply
// at or below p).
func executableVolume(orders []*types.Order, p decimal.Decimal) decimal.Decimal {
	buyVol := decimal.Zero
	sellVol := decimal.Zero
	for _, o := range orders {
		if o.Direction == types.DirectionBuy && o.LimitPrice.GreaterThanOrEqual(p) {
			buyVol = buyVol.Add(o.Volume)
		}
		if o.Direction == types.DirectionSell && o.LimitPrice.LessThanOrEqual(p) {
			sellVol = sellVol.Add(o.Volume)
		}
	}
	return decimal.Min(buyVol, sellVol)
}
