package manager

import (
	"fmt"

	"gridmaker/internal/core"
	apperrors "gridmaker/pkg/errors"
	"gridmaker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// ResolveFill maps a history fill onto the slot owning its order
func (m *OrderManager) ResolveFill(ev core.FillEvent) (core.FilledOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.grid.SlotByOrderID(ev.OrderID)
	if !ok {
		return core.FilledOrder{}, false
	}

	filled := tradingutils.Min(filledAmount(s, ev), s.Size)
	remaining := s.Size.Sub(filled)

	return core.FilledOrder{
		Slot:      s,
		Filled:    filled,
		Remaining: remaining,
		Full:      !remaining.IsPositive(),
		Fill:      ev,
	}, true
}

// filledAmount is the amount of the slot's sold asset consumed by ev
func filledAmount(s core.OrderSlot, ev core.FillEvent) decimal.Decimal {
	if ev.Paid.IsPositive() || !ev.Received.IsPositive() {
		return tradingutils.NonNegative(ev.Paid)
	}
	if s.Type == core.OrderTypeBuy {
		return ev.Received.Mul(s.Price)
	}
	return ev.Received.Div(s.Price)
}

// ResolveFromOpenOrders derives a fill for the event's order by comparing the
// slot with the venue's current open orders
func (m *OrderManager) ResolveFromOpenOrders(ev core.FillEvent, open map[string]core.RemoteOrder) (core.FilledOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.grid.SlotByOrderID(ev.OrderID)
	if !ok {
		return core.FilledOrder{}, false
	}
	remote, stillOpen := open[ev.OrderID]
	if !stillOpen {
		return core.FilledOrder{Slot: s, Filled: s.Size, Remaining: decimal.Zero, Full: true, Fill: ev}, true
	}
	if !remote.Size.LessThan(s.Size) {
		return core.FilledOrder{}, false
	}
	return core.FilledOrder{
		Slot:      s,
		Filled:    s.Size.Sub(remote.Size),
		Remaining: remote.Size,
		Fill:      ev,
	}, true
}

// ApplyFill applies a resolved fill to the grid and returns the rebalance
// plan it triggers. Proceeds always land in the opposite side's cache first;
// the plan draws on them only once confirmed.
func (m *OrderManager) ApplyFill(fo core.FilledOrder) (core.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.applyFill(fo)
	m.recalculate()
	return plan, err
}

func (m *OrderManager) applyFill(fo core.FilledOrder) (core.Plan, error) {
	plan := core.Plan{Reason: "fill " + fo.Slot.ID}

	s, ok := m.grid.Get(fo.Slot.ID)
	if !ok || s.OrderID == "" || s.OrderID != fo.Slot.OrderID {
		return plan, fmt.Errorf("%w: slot %s no longer holds order %s", apperrors.ErrOrderNotFound, fo.Slot.ID, fo.Slot.OrderID)
	}

	side, opp := s.Type, s.Type.Opposite()
	filled := tradingutils.Min(tradingutils.NonNegative(fo.Filled), s.Size)
	proceeds := tradingutils.FloorQuantity(
		tradingutils.ProceedsOf(side == core.OrderTypeSell, filled, s.Price),
		m.settings.Precision(opp),
	)
	proceeds = m.netFees(opp, proceeds)
	m.funds.CacheFunds.Add(opp, proceeds)

	remaining := s.Size.Sub(filled)
	if fo.Full || !remaining.IsPositive() {
		_ = m.grid.Unbind(s.ID)
		m.logger.Info("Order fully filled",
			"slot", s.ID, "order_id", s.OrderID, "side", side,
			"filled", filled.String(), "proceeds", proceeds.String(), "cache", m.funds.CacheFunds.Get(opp).String())
		plan.Merge(m.planRotation(opp))
		return plan, nil
	}

	s.State = core.OrderStatePartial
	s.Size = remaining
	if s.IsDoubleOrder {
		s.FilledSinceRefill = s.FilledSinceRefill.Add(filled)
		if s.FilledSinceRefill.GreaterThanOrEqual(s.MergedDustSize) {
			s.IsDoubleOrder = false
			s.MergedDustSize = decimal.Zero
			s.FilledSinceRefill = decimal.Zero
		}
	}
	if err := m.grid.Update(s); err != nil {
		return plan, fmt.Errorf("failed to record partial fill on %s: %w", s.ID, err)
	}
	m.logger.Info("Order partially filled",
		"slot", s.ID, "order_id", s.OrderID, "side", side,
		"filled", filled.String(), "remaining", remaining.String())

	if remaining.LessThan(m.settings.MinOrderSize.Get(side)) && !s.IsDoubleOrder {
		plan.Merge(m.planDustMerge(s))
	}
	return plan, nil
}

// netFees repays fees owed out of proceeds credited to the fee side
func (m *OrderManager) netFees(side core.OrderType, proceeds decimal.Decimal) decimal.Decimal {
	if m.settings.FeeSide != side || !m.funds.FeesOwed.IsPositive() {
		return proceeds
	}
	repay := tradingutils.Min(m.funds.FeesOwed, proceeds)
	m.funds.FeesOwed = m.funds.FeesOwed.Sub(repay)
	return proceeds.Sub(repay)
}

// planRotation decides how cached proceeds on side are put back to work
func (m *OrderManager) planRotation(side core.OrderType) core.Plan {
	var plan core.Plan

	cache := tradingutils.FloorQuantity(m.funds.CacheFunds.Get(side), m.settings.Precision(side))
	if !cache.IsPositive() || cache.LessThan(m.settings.MinOrderSize.Get(side)) {
		m.logger.Debug("Proceeds below minimum order size, kept in cache",
			"side", side, "cache", cache.String(), "min_order_size", m.settings.MinOrderSize.Get(side).String())
		return plan
	}

	if m.grid.OnChainCount(side) < m.settings.TargetActive.Get(side) {
		if target, ok := m.grid.NearestVirtual(side); ok {
			plan.Creates = append(plan.Creates, core.CreateAction{SlotID: target.ID, Size: cache, Funding: cache})
			return plan
		}
	}

	if target, ok := m.grid.InnerVirtual(side); ok {
		outer, _ := m.grid.OutermostOnChain(side)
		if _, busy := m.locked[outer.OrderID]; !busy {
			plan.Rotations = append(plan.Rotations, core.Rotation{
				SlotID:       outer.ID,
				OrderID:      outer.OrderID,
				TargetSlotID: target.ID,
				Size:         outer.Size.Add(cache),
				Funding:      cache,
			})
			return plan
		}
	}

	// No inner gap: grow the order closest to market in place
	if inner, ok := m.grid.InnermostOnChain(side); ok {
		if _, busy := m.locked[inner.OrderID]; !busy {
			plan.Rotations = append(plan.Rotations, core.Rotation{
				SlotID:  inner.ID,
				OrderID: inner.OrderID,
				Size:    inner.Size.Add(cache),
				Funding: cache,
			})
		}
	}
	return plan
}

// planDustMerge refills a dust partial in place up to its ideal size plus
// the dust, anchoring the remainder inside a full-sized order
func (m *OrderManager) planDustMerge(s core.OrderSlot) core.Plan {
	var plan core.Plan
	if _, busy := m.locked[s.OrderID]; busy {
		return plan
	}
	ideal := m.idealSize(s.ID)
	extra := tradingutils.FloorQuantity(
		tradingutils.Min(ideal, m.funds.Available.Get(s.Type).Add(m.funds.CacheFunds.Get(s.Type))),
		m.settings.Precision(s.Type),
	)
	if !extra.IsPositive() || extra.LessThan(m.settings.MinOrderSize.Get(s.Type)) {
		m.logger.Warn("Dust partial cannot be refilled, insufficient funds",
			"slot", s.ID, "order_id", s.OrderID, "side", s.Type,
			"dust", s.Size.String(), "ideal", ideal.String())
		return plan
	}
	plan.SizeUpdates = append(plan.SizeUpdates, core.SizeUpdate{
		SlotID:    s.ID,
		OrderID:   s.OrderID,
		Size:      s.Size.Add(extra),
		MergeDust: s.Size,
	})
	return plan
}

// CreditMissingOrders treats on-chain slots whose order is no longer open as
// filled while offline. Proceeds go to cache; no orders are planned.
func (m *OrderManager) CreditMissingOrders(open []core.RemoteOrder) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[string]bool, len(open))
	for _, o := range open {
		present[o.ID] = true
	}

	n := 0
	for _, t := range []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell} {
		for _, s := range m.grid.OnChain(t) {
			if present[s.OrderID] {
				continue
			}
			m.logger.Warn("Order missing at startup, crediting as filled offline",
				"slot", s.ID, "order_id", s.OrderID, "side", s.Type)
			if _, err := m.applyFill(core.FilledOrder{Slot: s, Filled: s.Size, Full: true}); err != nil {
				m.logger.Error("Failed to credit offline fill", "slot", s.ID, "order_id", s.OrderID, "error", err)
				continue
			}
			n++
		}
	}
	m.recalculate()
	return n
}

// MissingOrders lists on-chain slots whose order is not in open and is not
// shadow-locked by a batch in flight
func (m *OrderManager) MissingOrders(open []core.RemoteOrder) []core.OrderSlot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	present := make(map[string]bool, len(open))
	for _, o := range open {
		present[o.ID] = true
	}
	var out []core.OrderSlot
	for _, t := range []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell} {
		for _, s := range m.grid.OnChain(t) {
			if _, busy := m.locked[s.OrderID]; busy || present[s.OrderID] {
				continue
			}
			out = append(out, s)
		}
	}
	return out
}

// SettleMissingOrders releases slots whose order left the book without a
// processed fill. Fills found in history are credited to the opposite cache
// before the slot is released; an order with no unprocessed fills was
// cancelled outside the engine and its slot is retired. No orders are
// planned, reconciliation refills the ladder.
func (m *OrderManager) SettleMissingOrders(missing []core.OrderSlot, history []core.FillEvent) (credited, retired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()

	for _, ms := range missing {
		s, ok := m.grid.Get(ms.ID)
		if !ok || s.OrderID == "" || s.OrderID != ms.OrderID {
			continue
		}
		filled := decimal.Zero
		for _, ev := range history {
			if ev.OrderID == s.OrderID {
				filled = filled.Add(filledAmount(s, ev))
			}
		}

		if !filled.IsPositive() {
			if err := m.grid.Unbind(s.ID); err != nil {
				m.logger.Error("Failed to retire slot of vanished order", "slot", s.ID, "order_id", s.OrderID, "error", err)
				continue
			}
			m.logger.Warn("Order vanished without fills, slot retired",
				"slot", s.ID, "order_id", s.OrderID, "side", s.Type, "size", s.Size.String())
			retired++
			continue
		}

		if _, err := m.applyFill(core.FilledOrder{Slot: s, Filled: filled, Full: true}); err != nil {
			m.logger.Error("Failed to credit missed fill", "slot", s.ID, "order_id", s.OrderID, "error", err)
			continue
		}
		m.logger.Warn("Order filled outside the fill stream, credited from history",
			"slot", s.ID, "order_id", s.OrderID, "side", s.Type, "filled", tradingutils.Min(filled, s.Size).String())
		credited++
	}
	return credited, retired
}

func (m *OrderManager) mustSlot(id string) (core.OrderSlot, error) {
	s, ok := m.grid.Get(id)
	if !ok {
		return core.OrderSlot{}, fmt.Errorf("%w: %s", apperrors.ErrSlotNotFound, id)
	}
	return s, nil
}
