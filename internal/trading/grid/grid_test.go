package grid

import (
	"errors"
	"testing"

	"gridmaker/internal/core"
	apperrors "gridmaker/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testParams() Params {
	return Params{
		StartPrice:     d("1"),
		MinPrice:       d("0.9"),
		MaxPrice:       d("1.1"),
		Increment:      d("0.02"),
		TargetSpread:   d("0.02"),
		Weight:         core.SideAmounts{Buy: d("0.5"), Sell: d("0.5")},
		Budget:         core.SideAmounts{Buy: d("100"), Sell: d("100")},
		PricePrecision: 6,
		BasePrecision:  4,
		QuotePrecision: 4,
	}
}

func TestGenerate_PricesMonotonicByDistance(t *testing.T) {
	g, err := Generate(testParams())
	require.NoError(t, err)

	buys := g.Side(core.OrderTypeBuy)
	sells := g.Side(core.OrderTypeSell)
	require.NotEmpty(t, buys)
	require.NotEmpty(t, sells)

	for i := 1; i < len(buys); i++ {
		assert.True(t, buys[i].Price.LessThan(buys[i-1].Price), "buy prices fall with distance")
	}
	for i := 1; i < len(sells); i++ {
		assert.True(t, sells[i].Price.GreaterThan(sells[i-1].Price), "sell prices rise with distance")
	}
	assert.True(t, buys[0].Price.LessThan(d("1")))
	assert.True(t, sells[0].Price.GreaterThan(d("1")))
	assert.True(t, buys[len(buys)-1].Price.GreaterThanOrEqual(d("0.9")))
	assert.True(t, sells[len(sells)-1].Price.LessThanOrEqual(d("1.1")))

	for i, s := range buys {
		assert.Equal(t, SlotID(core.OrderTypeBuy, i), s.ID)
		assert.Equal(t, core.OrderStateVirtual, s.State)
		assert.Empty(t, s.OrderID)
	}
}

func TestGenerate_SizesWithinBudget(t *testing.T) {
	g, err := Generate(testParams())
	require.NoError(t, err)

	for _, side := range []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell} {
		total := decimal.Zero
		slots := g.Side(side)
		for i, s := range slots {
			total = total.Add(s.Size)
			if i > 0 {
				assert.True(t, s.Size.LessThanOrEqual(slots[i-1].Size), "weights decay with distance")
			}
		}
		assert.True(t, total.LessThanOrEqual(d("100")))
		assert.True(t, total.GreaterThan(d("99.9")))
	}
}

func TestGenerate_RejectsBadBounds(t *testing.T) {
	p := testParams()
	p.StartPrice = d("2")
	_, err := Generate(p)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrid)

	p = testParams()
	p.Increment = decimal.Zero
	_, err = Generate(p)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrid)
}

func threeByThree(t *testing.T) *Grid {
	t.Helper()
	var slots []core.OrderSlot
	for i := 0; i < 3; i++ {
		slots = append(slots,
			core.OrderSlot{ID: SlotID(core.OrderTypeBuy, i), Type: core.OrderTypeBuy, State: core.OrderStateVirtual,
				Price: d("0.99").Sub(decimal.NewFromInt(int64(i)).Mul(d("0.01"))), Size: d("10")},
			core.OrderSlot{ID: SlotID(core.OrderTypeSell, i), Type: core.OrderTypeSell, State: core.OrderStateVirtual,
				Price: d("1.01").Add(decimal.NewFromInt(int64(i)).Mul(d("0.01"))), Size: d("10")},
		)
	}
	g, err := New(slots)
	require.NoError(t, err)
	return g
}

func TestNew_RejectsDuplicateOrderID(t *testing.T) {
	slots := threeByThree(t).Snapshot()
	slots[0].State, slots[0].OrderID = core.OrderStateActive, "1.7.1"
	slots[1].State, slots[1].OrderID = core.OrderStateActive, "1.7.1"

	_, err := New(slots)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrderID)
}

func TestNew_RejectsNonMonotonicPrices(t *testing.T) {
	slots := threeByThree(t).Snapshot()
	slots[1].Price = slots[0].Price

	_, err := New(slots)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrid)
}

func TestNew_RejectsStateWithoutOrderID(t *testing.T) {
	slots := threeByThree(t).Snapshot()
	slots[0].State = core.OrderStateActive

	_, err := New(slots)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrid)
}

func TestInitialOrdersToActivate_InterleavesSellFirst(t *testing.T) {
	g := threeByThree(t)

	got := g.InitialOrdersToActivate(2, 2)
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"sell-0", "buy-0", "sell-1", "buy-1"}, ids)
}

func TestInterleave_UnevenSides(t *testing.T) {
	sells := []core.OrderSlot{{ID: "s0"}}
	buys := []core.OrderSlot{{ID: "b0"}, {ID: "b1"}, {ID: "b2"}}

	got := Interleave(sells, buys)
	require.Len(t, got, 4)
	assert.Equal(t, "s0", got[0].ID)
	assert.Equal(t, "b0", got[1].ID)
	assert.Equal(t, "b1", got[2].ID)
	assert.Equal(t, "b2", got[3].ID)
}

func TestBind_EnforcesUniqueOrderID(t *testing.T) {
	g := threeByThree(t)
	require.NoError(t, g.Bind("buy-0", "1.7.1", d("10"), core.OrderStateActive))

	err := g.Bind("buy-1", "1.7.1", d("10"), core.OrderStateActive)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateOrderID))

	s, ok := g.SlotByOrderID("1.7.1")
	require.True(t, ok)
	assert.Equal(t, "buy-0", s.ID)

	require.NoError(t, g.Unbind("buy-0"))
	_, ok = g.SlotByOrderID("1.7.1")
	assert.False(t, ok)
	require.NoError(t, g.Bind("buy-1", "1.7.1", d("10"), core.OrderStateActive))
}

func TestUpdate_PriceImmutable(t *testing.T) {
	g := threeByThree(t)
	s, _ := g.Get("sell-0")
	s.Price = d("5")
	assert.ErrorIs(t, g.Update(s), apperrors.ErrInvalidGrid)

	_, err := g.slot("nope")
	assert.ErrorIs(t, err, apperrors.ErrSlotNotFound)
}

func TestQueries_OnChainAndVirtual(t *testing.T) {
	g := threeByThree(t)
	require.NoError(t, g.Bind("buy-1", "o1", d("10"), core.OrderStateActive))
	require.NoError(t, g.Bind("buy-2", "o2", d("4"), core.OrderStatePartial))

	assert.Equal(t, 2, g.OnChainCount(core.OrderTypeBuy))
	assert.Len(t, g.OrdersByTypeAndState(core.OrderTypeBuy, core.OrderStatePartial), 1)

	outer, ok := g.OutermostOnChain(core.OrderTypeBuy)
	require.True(t, ok)
	assert.Equal(t, "buy-2", outer.ID)

	inner, ok := g.InnerVirtual(core.OrderTypeBuy)
	require.True(t, ok)
	assert.Equal(t, "buy-0", inner.ID)

	best, ok := g.BestPrice(core.OrderTypeBuy)
	require.True(t, ok)
	assert.True(t, best.Equal(d("0.98")))

	_, ok = g.Spread()
	assert.False(t, ok, "no sell on chain")

	require.NoError(t, g.Bind("sell-0", "o3", d("10"), core.OrderStateActive))
	spread, ok := g.Spread()
	require.True(t, ok)
	assert.True(t, spread.GreaterThan(d("0.03")))

	committed := g.Committed()
	assert.True(t, committed.Buy.Equal(d("14")))
	assert.True(t, committed.Sell.Equal(d("10")))
}

func TestMarkInconsistent_SkippedByPlacement(t *testing.T) {
	g := threeByThree(t)
	require.NoError(t, g.Bind("sell-0", "o1", d("10"), core.OrderStateActive))
	require.NoError(t, g.MarkInconsistent("sell-0", d("7")))

	s, _ := g.Get("sell-0")
	assert.True(t, s.Inconsistent())
	assert.Len(t, g.Inconsistent(), 1)

	nearest, ok := g.NearestVirtual(core.OrderTypeSell)
	require.True(t, ok)
	assert.Equal(t, "sell-1", nearest.ID)

	require.NoError(t, g.ClearMarker("sell-0"))
	assert.Empty(t, g.Inconsistent())
}

func TestSnapshotRoundTrip(t *testing.T) {
	g, err := Generate(testParams())
	require.NoError(t, err)
	require.NoError(t, g.Bind("sell-0", "1.7.9", d("3"), core.OrderStateActive))

	again, err := New(g.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, g.Snapshot(), again.Snapshot())
}

func TestIdealSizes(t *testing.T) {
	sizes := IdealSizes(4, d("100"), 0.01, 0, 2)
	for _, s := range sizes {
		assert.True(t, s.Equal(d("25")))
	}

	assert.Len(t, IdealSizes(3, decimal.Zero, 0.01, 1, 2), 3)
	assert.Empty(t, IdealSizes(0, d("1"), 0.01, 1, 2))
}

func TestDivergenceRMS(t *testing.T) {
	same := []decimal.Decimal{d("10"), d("20")}
	assert.InDelta(t, 0, DivergenceRMS(same, same), 1e-9)

	calc := []decimal.Decimal{d("11"), d("20")}
	assert.InDelta(t, 7.0710678, DivergenceRMS(calc, same), 1e-6)

	assert.InDelta(t, 100, DivergenceRMS([]decimal.Decimal{d("1")}, []decimal.Decimal{decimal.Zero}), 1e-9)
	assert.Zero(t, DivergenceRMS(nil, same))
}
