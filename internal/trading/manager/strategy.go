package manager

import (
	"sort"

	"gridmaker/internal/core"
	"gridmaker/internal/trading/grid"
	"gridmaker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

var sides = []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell}

// PlanSpreadMaintenance fills the gap next to the market when the spread
// exceeds target + tolerance multiple * increment. It moves a partial order
// inward when one exists, otherwise places a new order on the side with the
// most spare funds relative to its ideal size.
func (m *OrderManager) PlanSpreadMaintenance() core.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan := core.Plan{Reason: "spread maintenance"}
	spread, ok := m.grid.Spread()
	if !ok {
		return plan
	}
	limit := m.settings.Grid.TargetSpread.Add(m.settings.SpreadToleranceMultiple.Mul(m.settings.Grid.Increment))
	if spread.LessThanOrEqual(limit) {
		return plan
	}

	for _, side := range sides {
		target, ok := m.innerGap(side)
		if !ok {
			continue
		}
		partials := m.grid.OrdersByTypeAndState(side, core.OrderStatePartial)
		for i := len(partials) - 1; i >= 0; i-- {
			p := partials[i]
			if _, busy := m.locked[p.OrderID]; busy || m.grid.Rank(p.ID) <= m.grid.Rank(target.ID) {
				continue
			}
			plan.PartialMoves = append(plan.PartialMoves, core.PartialMove{
				FromSlotID: p.ID, ToSlotID: target.ID, OrderID: p.OrderID, Size: p.Size,
			})
			m.logger.Info("Spread too wide, moving partial inward",
				"spread", spread.String(), "limit", limit.String(), "from", p.ID, "to", target.ID, "order_id", p.OrderID)
			return plan
		}
	}

	for _, side := range m.sidesByFunding() {
		target, ok := m.innerGap(side)
		if !ok {
			continue
		}
		cache := m.funds.CacheFunds.Get(side)
		spare := m.funds.Available.Get(side).Add(cache)
		size := tradingutils.FloorQuantity(tradingutils.Min(m.idealSize(target.ID), spare), m.settings.Precision(side))
		if !size.IsPositive() || size.LessThan(m.settings.MinOrderSize.Get(side)) {
			continue
		}
		plan.Creates = append(plan.Creates, core.CreateAction{
			SlotID:  target.ID,
			Size:    size,
			Funding: tradingutils.Min(cache, size),
		})
		m.logger.Info("Spread too wide, placing inner order",
			"spread", spread.String(), "limit", limit.String(), "slot", target.ID, "side", side, "size", size.String())
		return plan
	}

	m.logger.Warn("Spread too wide but no side can fill the gap", "spread", spread.String(), "limit", limit.String())
	return plan
}

// innerGap is the placeable virtual slot closest to market that lies inside
// the side's best on-chain order
func (m *OrderManager) innerGap(side core.OrderType) (core.OrderSlot, bool) {
	best, ok := m.grid.InnermostOnChain(side)
	if !ok {
		return core.OrderSlot{}, false
	}
	target, ok := m.grid.NearestVirtual(side)
	if !ok || m.grid.Rank(target.ID) >= m.grid.Rank(best.ID) {
		return core.OrderSlot{}, false
	}
	return target, true
}

// sidesByFunding orders sides by spare funds relative to the ideal size of
// their innermost slot, best funded first
func (m *OrderManager) sidesByFunding() []core.OrderType {
	ratio := func(t core.OrderType) decimal.Decimal {
		side := m.grid.Side(t)
		if len(side) == 0 {
			return decimal.Zero
		}
		ideal := m.idealSize(side[0].ID)
		if !ideal.IsPositive() {
			return decimal.Zero
		}
		return m.funds.Available.Get(t).Add(m.funds.CacheFunds.Get(t)).Div(ideal)
	}
	out := []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell}
	if ratio(core.OrderTypeSell).GreaterThan(ratio(core.OrderTypeBuy)) {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

// PlanHealthCheck refills dust partials on both sides
func (m *OrderManager) PlanHealthCheck() core.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan := core.Plan{Reason: "health check"}
	for _, side := range sides {
		minSize := m.settings.MinOrderSize.Get(side)
		for _, s := range m.grid.OrdersByTypeAndState(side, core.OrderStatePartial) {
			if s.IsDoubleOrder || !s.Size.LessThan(minSize) {
				continue
			}
			m.logger.Info("Dust partial found by health check", "slot", s.ID, "order_id", s.OrderID, "side", side, "size", s.Size.String())
			plan.Merge(m.planDustMerge(s))
		}
	}
	return plan
}

// Divergence is the per-side RMS percentage difference between ideal and
// current sizes of full (non-partial, non-merged) active orders
type Divergence struct {
	Buy  float64
	Sell float64
}

// DetectDivergence compares the grid that the current wallet would produce
// with the live grid. Sides above the threshold get size updates towards the
// ideal sizes; growth is capped by spare funds.
func (m *OrderManager) DetectDivergence() (Divergence, core.Plan) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var div Divergence
	plan := core.Plan{Reason: "divergence correction"}

	for _, side := range sides {
		ideal := m.idealSizes(side)
		var calc, persisted []decimal.Decimal
		var candidates []core.OrderSlot
		for rank, s := range m.grid.Side(side) {
			if s.State != core.OrderStateActive || s.IsDoubleOrder || rank >= len(ideal) {
				continue
			}
			calc = append(calc, ideal[rank])
			persisted = append(persisted, s.Size)
			candidates = append(candidates, s)
		}

		rms := grid.DivergenceRMS(calc, persisted)
		m.metrics.SetDivergence(string(side), rms)
		if side == core.OrderTypeBuy {
			div.Buy = rms
		} else {
			div.Sell = rms
		}
		if rms <= m.settings.DivergenceThreshold {
			continue
		}

		m.logger.Warn("Grid divergence above threshold",
			"side", side, "rms_percent", rms, "threshold", m.settings.DivergenceThreshold)

		// Shrinks first so their released funds can pay for growth
		idx := make([]int, len(candidates))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return calc[idx[a]].Sub(persisted[idx[a]]).LessThan(calc[idx[b]].Sub(persisted[idx[b]]))
		})

		spare := m.funds.Available.Get(side)
		for _, i := range idx {
			s, target := candidates[i], calc[i]
			if _, busy := m.locked[s.OrderID]; busy || target.Equal(s.Size) {
				continue
			}
			delta := target.Sub(s.Size)
			if delta.IsPositive() {
				if spare.IsZero() {
					continue
				}
				delta = tradingutils.Min(delta, spare)
				target = s.Size.Add(delta)
			}
			if target.LessThan(m.settings.MinOrderSize.Get(side)) {
				continue
			}
			spare = tradingutils.NonNegative(spare.Sub(delta))
			plan.SizeUpdates = append(plan.SizeUpdates, core.SizeUpdate{SlotID: s.ID, OrderID: s.OrderID, Size: target})
		}
	}
	return div, plan
}

// RepairInconsistent resolves slots carrying the recovery marker against the
// venue's open orders: an unbound order of the same side at the slot's price
// is adopted, otherwise the marker is cleared and the slot stays virtual.
func (m *OrderManager) RepairInconsistent(open []core.RemoteOrder) (repaired, cleared int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()

	for _, s := range m.grid.Inconsistent() {
		var adopted bool
		for _, o := range open {
			if o.Type != s.Type {
				continue
			}
			if _, bound := m.grid.SlotByOrderID(o.ID); bound {
				continue
			}
			if tradingutils.RelativeDiff(o.Price, s.Price).GreaterThan(m.settings.MatchTolerance) {
				continue
			}
			state := core.OrderStateActive
			if o.Size.LessThan(s.Size) {
				state = core.OrderStatePartial
			}
			if err := m.grid.Bind(s.ID, o.ID, o.Size, state); err != nil {
				m.logger.Error("Failed to adopt order for inconsistent slot", "slot", s.ID, "order_id", o.ID, "error", err)
				continue
			}
			m.logger.Info("Inconsistent slot repaired", "slot", s.ID, "order_id", o.ID, "side", s.Type)
			adopted = true
			repaired++
			break
		}
		if !adopted {
			_ = m.grid.ClearMarker(s.ID)
			m.logger.Warn("Inconsistent slot has no matching order, reset to virtual", "slot", s.ID, "side", s.Type)
			cleared++
		}
	}
	return repaired, cleared
}
