package reconcile

import (
	"gridmaker/internal/core"
	"gridmaker/internal/trading/grid"

	"github.com/shopspring/decimal"
)

// CreateOp places a new order on a virtual slot
type CreateOp struct {
	SlotID string
	Type   core.OrderType
	Size   decimal.Decimal
}

// UpdateOp moves an unmatched remote order onto a slot's price and size
type UpdateOp struct {
	SlotID  string
	OrderID string
	Size    decimal.Decimal
}

// CancelOp cancels a remote order. SlotID is set when the order is bound.
type CancelOp struct {
	OrderID string
	SlotID  string
	Type    core.OrderType
}

// Plan is the set of operations that aligns live order counts with targets
type Plan struct {
	Creates []CreateOp
	Updates []UpdateOp
	Cancels []CancelOp
}

// Empty reports whether the plan has no operations
func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Cancels) == 0
}

// Len is the number of operations in the plan
func (p Plan) Len() int {
	return len(p.Creates) + len(p.Updates) + len(p.Cancels)
}

// Targets is the configured number of live orders per side
type Targets struct {
	Buy  int
	Sell int
}

func (t Targets) get(side core.OrderType) int {
	if side == core.OrderTypeBuy {
		return t.Buy
	}
	return t.Sell
}

// SizeFunc returns the size to place on a slot; zero skips the slot
type SizeFunc func(core.OrderSlot) decimal.Decimal

// PlanActiveOrders computes, per side, the creates, in-place updates and
// cancels needed for the number of live orders to equal the target. Slots
// with a remote order that is open count as matched; unbound open orders
// are reused for the nearest virtual slots before anything is created.
// Running it on a reconciled state yields an empty plan.
func PlanActiveOrders(g *grid.Grid, open []core.RemoteOrder, targets Targets, size SizeFunc, locked func(orderID string) bool) Plan {
	if locked == nil {
		locked = func(string) bool { return false }
	}
	openIDs := make(map[string]bool, len(open))
	for _, o := range open {
		openIDs[o.ID] = true
	}

	var plan Plan
	for _, side := range []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell} {
		planSide(&plan, g, side, open, openIDs, targets.get(side), size, locked)
	}
	return plan
}

func planSide(plan *Plan, g *grid.Grid, side core.OrderType, open []core.RemoteOrder, openIDs map[string]bool,
	target int, size SizeFunc, locked func(string) bool) {

	// 1. matched slots
	var matched []core.OrderSlot
	for _, s := range g.OnChain(side) {
		if openIDs[s.OrderID] {
			matched = append(matched, s)
		}
	}
	var unmatched []core.RemoteOrder
	for _, o := range open {
		if o.Type != side {
			continue
		}
		if _, bound := g.SlotByOrderID(o.ID); !bound && !locked(o.ID) {
			unmatched = append(unmatched, o)
		}
	}
	closestFirst(unmatched)

	// 2. nearest virtual slots for the deficit
	var selected []core.OrderSlot
	if deficit := target - len(matched); deficit > 0 {
		for _, s := range g.VirtualSlots(side) {
			if len(selected) == deficit {
				break
			}
			if size(s).IsPositive() {
				selected = append(selected, s)
			}
		}
	}

	// 3. reuse unmatched orders in place
	pairs := min(len(unmatched), len(selected))
	edge := pairs > 0 && gridEdgeActive(g, side)
	if edge {
		largest := 0
		for i := range unmatched {
			if unmatched[i].Size.GreaterThan(unmatched[largest].Size) {
				largest = i
			}
		}
		o := unmatched[largest]
		copy(unmatched[1:largest+1], unmatched[:largest])
		unmatched[0] = o
	}
	for i := 0; i < pairs; i++ {
		slot := selected[i]
		if edge && i == 0 {
			// 4. edge capital: free the largest order and place fresh
			plan.Cancels = append(plan.Cancels, CancelOp{OrderID: unmatched[i].ID, Type: side})
			plan.Creates = append(plan.Creates, CreateOp{SlotID: slot.ID, Type: side, Size: size(slot)})
			continue
		}
		plan.Updates = append(plan.Updates, UpdateOp{SlotID: slot.ID, OrderID: unmatched[i].ID, Size: size(slot)})
	}
	rest := unmatched[pairs:]
	live := len(matched) + len(unmatched)

	// 5. cancel excess, unmatched furthest first, then matched furthest first
	for i := len(rest) - 1; i >= 0 && live > target; i-- {
		plan.Cancels = append(plan.Cancels, CancelOp{OrderID: rest[i].ID, Type: side})
		live--
	}
	for i := len(matched) - 1; i >= 0 && live > target; i-- {
		if locked(matched[i].OrderID) {
			continue
		}
		plan.Cancels = append(plan.Cancels, CancelOp{OrderID: matched[i].OrderID, SlotID: matched[i].ID, Type: side})
		live--
	}

	// 6. create for the remaining selected slots
	for i := pairs; i < len(selected) && live < target; i++ {
		plan.Creates = append(plan.Creates, CreateOp{SlotID: selected[i].ID, Type: side, Size: size(selected[i])})
		live++
	}
}

// gridEdgeActive reports whether the outermost slot of a side holds a full
// order, leaving no virtual slot beyond it to absorb freed capital
func gridEdgeActive(g *grid.Grid, side core.OrderType) bool {
	slots := g.Side(side)
	if len(slots) == 0 {
		return false
	}
	return slots[len(slots)-1].State == core.OrderStateActive
}
