// Package grid holds the in-memory order ladder and its invariants.
//
// Slots of one side are ordered by distance from the market, rank 0 closest.
// Slot ids and prices are assigned at generation time and never change; only
// slot contents (state, size, remote binding) move.
package grid

import (
	"fmt"
	"math"
	"sort"

	"gridmaker/internal/core"
	apperrors "gridmaker/pkg/errors"
	"gridmaker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Params describes a ladder to generate
type Params struct {
	StartPrice   decimal.Decimal
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
	Increment    decimal.Decimal // fraction, 0.01 == 1%
	TargetSpread decimal.Decimal // fraction

	Weight core.SideAmounts // weight distribution exponent per side
	Budget core.SideAmounts // buy budget in quote, sell budget in base

	PricePrecision int
	BasePrecision  int
	QuotePrecision int
}

// Grid is the ladder of order slots. It is not safe for concurrent use; the
// order manager serializes all access.
type Grid struct {
	slots   map[string]*core.OrderSlot
	sides   map[core.OrderType][]string
	byOrder map[string]string
}

// SlotID returns the id of the slot at rank on side t
func SlotID(t core.OrderType, rank int) string {
	return fmt.Sprintf("%s-%d", t, rank)
}

// Generate builds a fresh all-virtual ladder
func Generate(p Params) (*Grid, error) {
	if !p.Increment.IsPositive() {
		return nil, fmt.Errorf("%w: increment must be positive", apperrors.ErrInvalidGrid)
	}
	if !(p.MinPrice.LessThan(p.StartPrice) && p.StartPrice.LessThan(p.MaxPrice)) {
		return nil, fmt.Errorf("%w: start price %s outside (%s, %s)", apperrors.ErrInvalidGrid, p.StartPrice, p.MinPrice, p.MaxPrice)
	}

	step := decimal.NewFromInt(1).Add(p.Increment)
	halfSpread := decimal.NewFromInt(1).Add(p.TargetSpread.Div(decimal.NewFromInt(2)))

	var sellPrices []decimal.Decimal
	for price := p.StartPrice.Mul(halfSpread); price.LessThanOrEqual(p.MaxPrice); price = price.Mul(step) {
		sellPrices = append(sellPrices, tradingutils.RoundPrice(price, p.PricePrecision))
	}
	var buyPrices []decimal.Decimal
	for price := p.StartPrice.Div(halfSpread); price.GreaterThanOrEqual(p.MinPrice); price = price.Div(step) {
		buyPrices = append(buyPrices, tradingutils.RoundPrice(price, p.PricePrecision))
	}
	if len(sellPrices) == 0 || len(buyPrices) == 0 {
		return nil, fmt.Errorf("%w: price bounds leave an empty side (buy=%d sell=%d)", apperrors.ErrInvalidGrid, len(buyPrices), len(sellPrices))
	}

	incr, _ := p.Increment.Float64()
	slots := make([]core.OrderSlot, 0, len(sellPrices)+len(buyPrices))
	build := func(t core.OrderType, prices []decimal.Decimal, precision int) {
		weight, _ := p.Weight.Get(t).Float64()
		sizes := IdealSizes(len(prices), p.Budget.Get(t), incr, weight, precision)
		for i, price := range prices {
			slots = append(slots, core.OrderSlot{
				ID:    SlotID(t, i),
				Type:  t,
				State: core.OrderStateVirtual,
				Price: price,
				Size:  sizes[i],
			})
		}
	}
	build(core.OrderTypeBuy, buyPrices, p.QuotePrecision)
	build(core.OrderTypeSell, sellPrices, p.BasePrecision)

	return New(slots)
}

// New rebuilds a grid from a snapshot, validating its invariants
func New(snapshot []core.OrderSlot) (*Grid, error) {
	g := &Grid{
		slots:   make(map[string]*core.OrderSlot, len(snapshot)),
		sides:   make(map[core.OrderType][]string, 2),
		byOrder: make(map[string]string),
	}

	for i := range snapshot {
		s := snapshot[i]
		if !s.Type.Valid() {
			return nil, fmt.Errorf("%w: slot %s has unknown type %q", apperrors.ErrInvalidGrid, s.ID, s.Type)
		}
		if _, dup := g.slots[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate slot id %s", apperrors.ErrInvalidGrid, s.ID)
		}
		if !s.Price.IsPositive() {
			return nil, fmt.Errorf("%w: slot %s has non-positive price", apperrors.ErrInvalidGrid, s.ID)
		}
		if s.State.OnChain() != (s.OrderID != "") {
			return nil, fmt.Errorf("%w: slot %s state %s inconsistent with order id %q", apperrors.ErrInvalidGrid, s.ID, s.State, s.OrderID)
		}
		if s.OrderID != "" {
			if other, dup := g.byOrder[s.OrderID]; dup {
				return nil, fmt.Errorf("%w: order %s bound to %s and %s", apperrors.ErrDuplicateOrderID, s.OrderID, other, s.ID)
			}
			g.byOrder[s.OrderID] = s.ID
		}
		g.slots[s.ID] = &s
		g.sides[s.Type] = append(g.sides[s.Type], s.ID)
	}

	for t, ids := range g.sides {
		sort.SliceStable(ids, func(i, j int) bool {
			return closer(t, g.slots[ids[i]].Price, g.slots[ids[j]].Price)
		})
		for i := 1; i < len(ids); i++ {
			if !closer(t, g.slots[ids[i-1]].Price, g.slots[ids[i]].Price) {
				return nil, fmt.Errorf("%w: %s prices not strictly monotonic at %s", apperrors.ErrInvalidGrid, t, ids[i])
			}
		}
	}
	return g, nil
}

// closer reports whether price a is closer to the market than b on side t
func closer(t core.OrderType, a, b decimal.Decimal) bool {
	if t == core.OrderTypeBuy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Len is the total number of slots
func (g *Grid) Len() int { return len(g.slots) }

// Get returns a copy of a slot
func (g *Grid) Get(id string) (core.OrderSlot, bool) {
	s, ok := g.slots[id]
	if !ok {
		return core.OrderSlot{}, false
	}
	return *s, true
}

// Rank returns the distance rank of a slot on its side, or -1
func (g *Grid) Rank(id string) int {
	s, ok := g.slots[id]
	if !ok {
		return -1
	}
	for i, sid := range g.sides[s.Type] {
		if sid == id {
			return i
		}
	}
	return -1
}

// SlotByOrderID returns the slot bound to a remote order
func (g *Grid) SlotByOrderID(orderID string) (core.OrderSlot, bool) {
	id, ok := g.byOrder[orderID]
	if !ok {
		return core.OrderSlot{}, false
	}
	return g.Get(id)
}

// Side returns the slots of one side, closest to market first
func (g *Grid) Side(t core.OrderType) []core.OrderSlot {
	ids := g.sides[t]
	out := make([]core.OrderSlot, len(ids))
	for i, id := range ids {
		out[i] = *g.slots[id]
	}
	return out
}

// Snapshot returns every slot, buys then sells, each closest first
func (g *Grid) Snapshot() []core.OrderSlot {
	return append(g.Side(core.OrderTypeBuy), g.Side(core.OrderTypeSell)...)
}

// OrdersByTypeAndState filters one side by state, closest first
func (g *Grid) OrdersByTypeAndState(t core.OrderType, state core.OrderState) []core.OrderSlot {
	var out []core.OrderSlot
	for _, id := range g.sides[t] {
		if s := g.slots[id]; s.State == state {
			out = append(out, *s)
		}
	}
	return out
}

// OnChain returns active and partial slots of one side, closest first
func (g *Grid) OnChain(t core.OrderType) []core.OrderSlot {
	var out []core.OrderSlot
	for _, id := range g.sides[t] {
		if s := g.slots[id]; s.State.OnChain() {
			out = append(out, *s)
		}
	}
	return out
}

// OnChainCount is the number of slots of a side holding a remote order
func (g *Grid) OnChainCount(t core.OrderType) int {
	n := 0
	for _, id := range g.sides[t] {
		if g.slots[id].State.OnChain() {
			n++
		}
	}
	return n
}

// Available reports whether a slot can receive a new order
func available(s *core.OrderSlot) bool {
	return s.State == core.OrderStateVirtual && !s.PendingRotation
}

// VirtualSlots returns placeable virtual slots of a side, closest first
func (g *Grid) VirtualSlots(t core.OrderType) []core.OrderSlot {
	var out []core.OrderSlot
	for _, id := range g.sides[t] {
		if s := g.slots[id]; available(s) {
			out = append(out, *s)
		}
	}
	return out
}

// NearestVirtual returns the placeable virtual slot closest to market
func (g *Grid) NearestVirtual(t core.OrderType) (core.OrderSlot, bool) {
	for _, id := range g.sides[t] {
		if s := g.slots[id]; available(s) {
			return *s, true
		}
	}
	return core.OrderSlot{}, false
}

// InnerVirtual returns the placeable virtual slot closest to market that lies
// inside the outermost on-chain slot of the side
func (g *Grid) InnerVirtual(t core.OrderType) (core.OrderSlot, bool) {
	outer, ok := g.OutermostOnChain(t)
	if !ok {
		return core.OrderSlot{}, false
	}
	limit := g.Rank(outer.ID)
	for i, id := range g.sides[t] {
		if i >= limit {
			break
		}
		if s := g.slots[id]; available(s) {
			return *s, true
		}
	}
	return core.OrderSlot{}, false
}

// OutermostOnChain returns the on-chain slot furthest from market
func (g *Grid) OutermostOnChain(t core.OrderType) (core.OrderSlot, bool) {
	ids := g.sides[t]
	for i := len(ids) - 1; i >= 0; i-- {
		if s := g.slots[ids[i]]; s.State.OnChain() {
			return *s, true
		}
	}
	return core.OrderSlot{}, false
}

// InnermostOnChain returns the on-chain slot closest to market
func (g *Grid) InnermostOnChain(t core.OrderType) (core.OrderSlot, bool) {
	for _, id := range g.sides[t] {
		if s := g.slots[id]; s.State.OnChain() {
			return *s, true
		}
	}
	return core.OrderSlot{}, false
}

// BestPrice is the price of the on-chain slot closest to market
func (g *Grid) BestPrice(t core.OrderType) (decimal.Decimal, bool) {
	s, ok := g.InnermostOnChain(t)
	if !ok {
		return decimal.Zero, false
	}
	return s.Price, true
}

// Spread returns bestSell/bestBuy - 1 when both sides have on-chain orders
func (g *Grid) Spread() (decimal.Decimal, bool) {
	sell, okSell := g.BestPrice(core.OrderTypeSell)
	buy, okBuy := g.BestPrice(core.OrderTypeBuy)
	if !okSell || !okBuy || buy.IsZero() {
		return decimal.Zero, false
	}
	return sell.Div(buy).Sub(decimal.NewFromInt(1)), true
}

// Inconsistent lists slots carrying the recovery marker
func (g *Grid) Inconsistent() []core.OrderSlot {
	var out []core.OrderSlot
	for _, s := range g.Snapshot() {
		if s.PendingRotation {
			out = append(out, s)
		}
	}
	return out
}

// Committed sums the sizes of on-chain slots per side
func (g *Grid) Committed() core.SideAmounts {
	var c core.SideAmounts
	for _, s := range g.slots {
		if s.State.OnChain() {
			c.Add(s.Type, s.Size)
		}
	}
	return c
}

// InitialOrdersToActivate picks the buyN/sellN placeable slots closest to
// market on each side, interleaved sell/buy
func (g *Grid) InitialOrdersToActivate(buyN, sellN int) []core.OrderSlot {
	take := func(t core.OrderType, n int) []core.OrderSlot {
		v := g.VirtualSlots(t)
		if n < len(v) {
			v = v[:max(n, 0)]
		}
		return v
	}
	return Interleave(take(core.OrderTypeSell, sellN), take(core.OrderTypeBuy, buyN))
}

// Interleave alternates sells and buys, sell first
func Interleave(sells, buys []core.OrderSlot) []core.OrderSlot {
	out := make([]core.OrderSlot, 0, len(sells)+len(buys))
	for i := 0; i < len(sells) || i < len(buys); i++ {
		if i < len(sells) {
			out = append(out, sells[i])
		}
		if i < len(buys) {
			out = append(out, buys[i])
		}
	}
	return out
}

func (g *Grid) slot(id string) (*core.OrderSlot, error) {
	s, ok := g.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSlotNotFound, id)
	}
	return s, nil
}

// Bind attaches a remote order to a slot and moves it on chain
func (g *Grid) Bind(slotID, orderID string, size decimal.Decimal, state core.OrderState) error {
	if !state.OnChain() || orderID == "" {
		return fmt.Errorf("%w: bind %s requires an on-chain state and order id", apperrors.ErrInvalidGrid, slotID)
	}
	s, err := g.slot(slotID)
	if err != nil {
		return err
	}
	if other, ok := g.byOrder[orderID]; ok && other != slotID {
		return fmt.Errorf("%w: order %s already bound to %s", apperrors.ErrDuplicateOrderID, orderID, other)
	}
	if s.OrderID != "" && s.OrderID != orderID {
		delete(g.byOrder, s.OrderID)
	}
	s.OrderID = orderID
	s.State = state
	s.Size = size
	s.PendingRotation = false
	g.byOrder[orderID] = slotID
	return nil
}

// Unbind releases a slot's remote order and returns it to virtual. Dust
// annotations are cleared since they belong to the retired order.
func (g *Grid) Unbind(slotID string) error {
	s, err := g.slot(slotID)
	if err != nil {
		return err
	}
	if s.OrderID != "" {
		delete(g.byOrder, s.OrderID)
	}
	s.OrderID = ""
	s.State = core.OrderStateVirtual
	s.PendingRotation = false
	clearDust(s)
	return nil
}

// Resize changes the size of a slot
func (g *Grid) Resize(slotID string, size decimal.Decimal) error {
	s, err := g.slot(slotID)
	if err != nil {
		return err
	}
	s.Size = size
	return nil
}

// MarkInconsistent leaves a slot virtual with a nonzero size and no order id
// so the next refresh cycle can repair it
func (g *Grid) MarkInconsistent(slotID string, size decimal.Decimal) error {
	if err := g.Unbind(slotID); err != nil {
		return err
	}
	s := g.slots[slotID]
	s.Size = size
	s.PendingRotation = true
	return nil
}

// ClearMarker drops the recovery marker from a slot
func (g *Grid) ClearMarker(slotID string) error {
	s, err := g.slot(slotID)
	if err != nil {
		return err
	}
	s.PendingRotation = false
	return nil
}

// Update replaces a slot's contents. Id, type and price are immutable.
func (g *Grid) Update(slot core.OrderSlot) error {
	s, err := g.slot(slot.ID)
	if err != nil {
		return err
	}
	if slot.Type != s.Type || !slot.Price.Equal(s.Price) {
		return fmt.Errorf("%w: slot %s type and price are immutable", apperrors.ErrInvalidGrid, slot.ID)
	}
	if slot.State.OnChain() != (slot.OrderID != "") {
		return fmt.Errorf("%w: slot %s state %s inconsistent with order id %q", apperrors.ErrInvalidGrid, slot.ID, slot.State, slot.OrderID)
	}
	if slot.OrderID != "" {
		if other, ok := g.byOrder[slot.OrderID]; ok && other != slot.ID {
			return fmt.Errorf("%w: order %s already bound to %s", apperrors.ErrDuplicateOrderID, slot.OrderID, other)
		}
	}
	if s.OrderID != "" {
		delete(g.byOrder, s.OrderID)
	}
	if slot.OrderID != "" {
		g.byOrder[slot.OrderID] = slot.ID
	}
	*s = slot
	return nil
}

func clearDust(s *core.OrderSlot) {
	s.IsDoubleOrder = false
	s.MergedDustSize = decimal.Zero
	s.FilledSinceRefill = decimal.Zero
}

// IdealSizes spreads budget over n slots with weights
// (1-increment)^(rank*weight), quantized down to precision
func IdealSizes(n int, budget decimal.Decimal, increment, weight float64, precision int) []decimal.Decimal {
	sizes := make([]decimal.Decimal, n)
	if n == 0 || !budget.IsPositive() {
		for i := range sizes {
			sizes[i] = decimal.Zero
		}
		return sizes
	}
	weights := make([]float64, n)
	total := 0.0
	for i := range weights {
		weights[i] = math.Pow(1-increment, float64(i)*weight)
		total += weights[i]
	}
	denom := decimal.NewFromFloat(total)
	for i, w := range weights {
		raw := budget.Mul(decimal.NewFromFloat(w)).Div(denom)
		sizes[i] = tradingutils.FloorQuantity(raw, precision)
	}
	return sizes
}

// DivergenceRMS is the root mean square of the percentage differences
// between calculated and persisted sizes. Slots with a zero persisted size
// count as 100% divergent unless the calculated size is also zero.
func DivergenceRMS(calculated, persisted []decimal.Decimal) float64 {
	n := min(len(calculated), len(persisted))
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		var pct float64
		switch {
		case persisted[i].IsZero() && calculated[i].IsZero():
			pct = 0
		case persisted[i].IsZero():
			pct = 100
		default:
			pct, _ = tradingutils.RelativeDiff(calculated[i], persisted[i]).Mul(decimal.NewFromInt(100)).Float64()
		}
		sum += pct * pct
	}
	return math.Sqrt(sum / float64(n))
}
