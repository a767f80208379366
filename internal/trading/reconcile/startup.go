// Package reconcile decides how to resume a persisted grid at startup and
// aligns live order counts with the configured targets.
package reconcile

import (
	"sort"

	"gridmaker/internal/core"
	"gridmaker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// StartupAction is the outcome of the startup decision
type StartupAction string

const (
	ActionRegenerate    StartupAction = "regenerate"
	ActionResume        StartupAction = "resume"
	ActionResumeMatched StartupAction = "resume_matched"
)

// Match pairs a persisted slot with an open remote order
type Match struct {
	SlotID string
	Order  core.RemoteOrder
}

// StartupDecision is the result of DecideStartup
type StartupDecision struct {
	Action  StartupAction
	Reason  string
	Matches []Match
}

// DecideStartup chooses between resuming the persisted grid as-is, resuming
// it with slots rebound to price-matched open orders, or regenerating.
func DecideStartup(persisted []core.OrderSlot, open []core.RemoteOrder, tolerance decimal.Decimal) StartupDecision {
	if len(persisted) == 0 {
		return StartupDecision{Action: ActionRegenerate, Reason: "no persisted grid"}
	}

	ids := make(map[string]bool, len(open))
	for _, o := range open {
		ids[o.ID] = true
	}
	for _, s := range persisted {
		if s.State == core.OrderStateActive && ids[s.OrderID] {
			return StartupDecision{Action: ActionResume, Reason: "persisted active order still open"}
		}
	}

	if len(open) == 0 {
		return StartupDecision{Action: ActionRegenerate, Reason: "no open orders"}
	}
	matches := MatchOrders(persisted, open, tolerance)
	if len(matches) == 0 {
		return StartupDecision{Action: ActionRegenerate, Reason: "no open order matches the persisted grid"}
	}
	return StartupDecision{Action: ActionResumeMatched, Reason: "open orders matched by price", Matches: matches}
}

// MatchOrders pairs persisted slots with open orders of the same side whose
// price lies within tolerance (a fraction). Every remote order is used at
// most once; the closest price wins and size breaks ties.
func MatchOrders(slots []core.OrderSlot, open []core.RemoteOrder, tolerance decimal.Decimal) []Match {
	used := make(map[string]bool, len(open))
	var matches []Match
	for _, s := range slots {
		best := -1
		var bestDiff, bestSize decimal.Decimal
		for i, o := range open {
			if used[o.ID] || o.Type != s.Type {
				continue
			}
			diff := tradingutils.RelativeDiff(o.Price, s.Price)
			if diff.GreaterThan(tolerance) {
				continue
			}
			sizeDiff := o.Size.Sub(s.Size).Abs()
			if best < 0 || diff.LessThan(bestDiff) || (diff.Equal(bestDiff) && sizeDiff.LessThan(bestSize)) {
				best, bestDiff, bestSize = i, diff, sizeDiff
			}
		}
		if best >= 0 {
			used[open[best].ID] = true
			matches = append(matches, Match{SlotID: s.ID, Order: open[best]})
		}
	}
	return matches
}

// ApplyMatches returns a copy of slots where every binding is replaced by
// the matches. Matched slots whose order has shrunk become partial.
func ApplyMatches(slots []core.OrderSlot, matches []Match) []core.OrderSlot {
	bySlot := make(map[string]core.RemoteOrder, len(matches))
	for _, m := range matches {
		bySlot[m.SlotID] = m.Order
	}
	out := make([]core.OrderSlot, len(slots))
	for i, s := range slots {
		s.OrderID = ""
		s.State = core.OrderStateVirtual
		s.IsDoubleOrder = false
		s.MergedDustSize = decimal.Zero
		s.FilledSinceRefill = decimal.Zero
		s.PendingRotation = false
		if o, ok := bySlot[s.ID]; ok {
			s.OrderID = o.ID
			s.State = core.OrderStateActive
			if o.Size.LessThan(s.Size) {
				s.State = core.OrderStatePartial
			}
			s.Size = o.Size
		}
		out[i] = s
	}
	return out
}

// closestFirst sorts remote orders of one side by distance from market
func closestFirst(orders []core.RemoteOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Type == core.OrderTypeBuy {
			return orders[i].Price.GreaterThan(orders[j].Price)
		}
		return orders[i].Price.LessThan(orders[j].Price)
	})
}
