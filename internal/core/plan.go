package core

import "github.com/shopspring/decimal"

// CreateAction places a new order for a virtual slot
type CreateAction struct {
	SlotID string
	Size   decimal.Decimal

	// Portion of Size drawn from cache funds when the order is confirmed
	Funding decimal.Decimal
}

// SizeUpdate resizes an existing remote order in place
type SizeUpdate struct {
	SlotID  string
	OrderID string
	Size    decimal.Decimal

	// Dust merge annotations applied on success
	MergeDust decimal.Decimal
}

// PartialMove retargets a partial order to another slot's price
type PartialMove struct {
	FromSlotID string
	ToSlotID   string
	OrderID    string
	Size       decimal.Decimal
}

// Rotation resizes a remote order and, when TargetSlotID is set, moves it to
// the target slot's price. Without a target it is a size correction.
type Rotation struct {
	SlotID       string
	OrderID      string
	TargetSlotID string
	Size         decimal.Decimal

	// Funding drawn from cache funds when the rotation is confirmed
	Funding decimal.Decimal
}

// Plan is a rebalance plan produced by the order manager and executed as one batch
type Plan struct {
	Reason       string
	Creates      []CreateAction
	SizeUpdates  []SizeUpdate
	PartialMoves []PartialMove
	Rotations    []Rotation
}

// Empty reports whether the plan contains no operations
func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.SizeUpdates) == 0 && len(p.PartialMoves) == 0 && len(p.Rotations) == 0
}

// Len is the number of operations in the plan
func (p Plan) Len() int {
	return len(p.Creates) + len(p.SizeUpdates) + len(p.PartialMoves) + len(p.Rotations)
}

// OrderIDs lists every remote order id referenced by the plan
func (p Plan) OrderIDs() []string {
	var ids []string
	for _, u := range p.SizeUpdates {
		ids = append(ids, u.OrderID)
	}
	for _, m := range p.PartialMoves {
		ids = append(ids, m.OrderID)
	}
	for _, r := range p.Rotations {
		ids = append(ids, r.OrderID)
	}
	return ids
}

// Merge appends other's operations to p
func (p *Plan) Merge(other Plan) {
	p.Creates = append(p.Creates, other.Creates...)
	p.SizeUpdates = append(p.SizeUpdates, other.SizeUpdates...)
	p.PartialMoves = append(p.PartialMoves, other.PartialMoves...)
	p.Rotations = append(p.Rotations, other.Rotations...)
}

// BatchResult reports the outcome of executing a plan
type BatchResult struct {
	Executed  bool
	Submitted int
	Dropped   int
	Rotated   bool
	Fees      decimal.Decimal
	Err       error
}
