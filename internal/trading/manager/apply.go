package manager

import (
	"fmt"

	"gridmaker/internal/core"
	apperrors "gridmaker/pkg/errors"
	"gridmaker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

func (m *OrderManager) drawCache(side core.OrderType, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	m.funds.CacheFunds.Set(side, tradingutils.NonNegative(m.funds.CacheFunds.Get(side).Sub(amount)))
}

// ActivateSlot binds a newly created order to its slot. The venue has
// confirmed the create, so its funding leaves the cache even when the slot
// cannot be bound and is left for repair.
func (m *OrderManager) ActivateSlot(a core.CreateAction, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()

	s, err := m.mustSlot(a.SlotID)
	if err != nil {
		return err
	}
	m.drawCache(s.Type, a.Funding)
	if orderID == "" {
		_ = m.grid.MarkInconsistent(s.ID, a.Size)
		return fmt.Errorf("create on slot %s confirmed without an order id", s.ID)
	}
	if err := m.grid.Bind(s.ID, orderID, a.Size, core.OrderStateActive); err != nil {
		_ = m.grid.MarkInconsistent(s.ID, a.Size)
		return fmt.Errorf("order %s created but slot %s not activated: %w", orderID, s.ID, err)
	}
	return nil
}

// BindSlot attaches an existing remote order to a slot
func (m *OrderManager) BindSlot(slotID, orderID string, size decimal.Decimal, state core.OrderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()
	return m.grid.Bind(slotID, orderID, size, state)
}

// ResizeSlot applies a confirmed in-place size update
func (m *OrderManager) ResizeSlot(u core.SizeUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()

	s, err := m.mustSlot(u.SlotID)
	if err != nil {
		return err
	}
	if s.OrderID != u.OrderID {
		return fmt.Errorf("%w: slot %s holds %q, update was for %s", apperrors.ErrOrderNotFound, s.ID, s.OrderID, u.OrderID)
	}
	s.Size = u.Size
	if u.MergeDust.IsPositive() {
		s.State = core.OrderStateActive
		s.IsDoubleOrder = true
		s.MergedDustSize = u.MergeDust
		s.FilledSinceRefill = decimal.Zero
	}
	return m.grid.Update(s)
}

// MovePartial applies a confirmed partial-order move to another slot
func (m *OrderManager) MovePartial(mv core.PartialMove, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()

	from, err := m.mustSlot(mv.FromSlotID)
	if err != nil {
		return err
	}
	if orderID == "" {
		orderID = mv.OrderID
	}
	if err := m.grid.Unbind(from.ID); err != nil {
		return err
	}
	if err := m.grid.Bind(mv.ToSlotID, orderID, mv.Size, core.OrderStatePartial); err != nil {
		_ = m.grid.MarkInconsistent(mv.ToSlotID, mv.Size)
		return fmt.Errorf("partial %s moved on venue but slot %s not updated: %w", orderID, mv.ToSlotID, err)
	}
	return nil
}

// CompleteRotation applies a confirmed rotation. Without a target it is a
// size correction of the existing slot. If the target cannot be promoted the
// target is left with the inconsistent marker for the next refresh cycle.
func (m *OrderManager) CompleteRotation(r core.Rotation, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()

	s, err := m.mustSlot(r.SlotID)
	if err != nil {
		return err
	}
	if orderID == "" {
		orderID = r.OrderID
	}

	if r.TargetSlotID == "" {
		s.Size = r.Size
		if err := m.grid.Update(s); err != nil {
			return err
		}
		m.drawCache(s.Type, r.Funding)
		return nil
	}

	if err := m.grid.Unbind(s.ID); err != nil {
		return err
	}
	m.drawCache(s.Type, r.Funding)
	if err := m.grid.Bind(r.TargetSlotID, orderID, r.Size, core.OrderStateActive); err != nil {
		_ = m.grid.MarkInconsistent(r.TargetSlotID, r.Size)
		return fmt.Errorf("rotation of %s to %s confirmed but not synchronized: %w", orderID, r.TargetSlotID, err)
	}
	return nil
}

// MarkInconsistent flags a slot for repair by the next refresh cycle
func (m *OrderManager) MarkInconsistent(slotID string, size decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()
	return m.grid.MarkInconsistent(slotID, size)
}

// RetireSlot returns a slot to virtual after its order was cancelled
func (m *OrderManager) RetireSlot(slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.recalculate()
	return m.grid.Unbind(slotID)
}
