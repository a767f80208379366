package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridmaker/internal/core"
	"gridmaker/internal/infrastructure/store"
	"gridmaker/internal/mock"
	"gridmaker/internal/trading/manager/managertest"
	"gridmaker/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var d = managertest.D

func newExecutor(ex *mock.Exchange, slots []core.OrderSlot, cache core.SideAmounts, t *testing.T) (*BatchExecutor, *store.MemoryStore) {
	m, st := managertest.New(t, managertest.Settings(), slots, cache)
	managertest.Seed(ex, slots)
	e := NewBatchExecutor(ex, m, "key", mock.NewLogger(), nil)
	e.SetRetryPolicy(retry.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond})
	return e, st
}

func TestExecute_EmptyPlan(t *testing.T) {
	ex := mock.NewExchange()
	e, _ := newExecutor(ex, managertest.Ladder(nil), core.SideAmounts{}, t)

	res := e.Execute(context.Background(), core.Plan{})
	assert.True(t, res.Executed)
	assert.Equal(t, 0, ex.CallCount("ExecuteBatch"))
}

func TestExecute_CreateBindsSlotAndPersists(t *testing.T) {
	ex := mock.NewExchange()
	e, st := newExecutor(ex, managertest.Ladder(nil), core.SideAmounts{}, t)

	res := e.Execute(context.Background(), core.Plan{Creates: []core.CreateAction{{SlotID: "buy-0", Size: d("10")}}})
	require.NoError(t, res.Err)
	assert.True(t, res.Executed)
	assert.Equal(t, 1, res.Submitted)

	s, _ := e.manager.Grid().Get("buy-0")
	assert.Equal(t, core.OrderStateActive, s.State)
	assert.Equal(t, "1.7.1", s.OrderID)

	remote, ok := ex.Order("1.7.1")
	require.True(t, ok)
	assert.True(t, remote.Price.Equal(d("0.99")))

	saved, err := st.LoadGrid(context.Background())
	require.NoError(t, err)
	var found bool
	for _, slot := range saved {
		if slot.ID == "buy-0" {
			found = slot.OrderID == "1.7.1"
		}
	}
	assert.True(t, found, "snapshot persisted after batch")
}

func TestExecute_RotationMovesOrderToTarget(t *testing.T) {
	ex := mock.NewExchange()
	slots := managertest.Ladder(map[string]string{"sell-1": "s1"})
	e, _ := newExecutor(ex, slots, core.SideAmounts{Sell: d("5")}, t)

	res := e.Execute(context.Background(), core.Plan{Rotations: []core.Rotation{{
		SlotID: "sell-1", OrderID: "s1", TargetSlotID: "sell-0", Size: d("15"), Funding: d("5"),
	}}})
	require.NoError(t, res.Err)
	assert.True(t, res.Executed)
	assert.True(t, res.Rotated)

	g := e.manager.Grid()
	from, _ := g.Get("sell-1")
	to, _ := g.Get("sell-0")
	assert.Equal(t, core.OrderStateVirtual, from.State)
	assert.Equal(t, "s1", to.OrderID)
	assert.True(t, to.Size.Equal(d("15")))
	assert.True(t, e.manager.Funds().CacheFunds.Sell.IsZero())

	remote, _ := ex.Order("s1")
	assert.True(t, remote.Price.Equal(d("1.01")))
	assert.True(t, remote.Size.Equal(d("15")))
}

func TestExecute_DropsOperationsOnVanishedOrders(t *testing.T) {
	ex := mock.NewExchange()
	slots := managertest.Ladder(map[string]string{"buy-0": "b0"})
	e, _ := newExecutor(ex, slots, core.SideAmounts{}, t)
	_ = ex.CancelOrder(context.Background(), "", "", "b0")

	res := e.Execute(context.Background(), core.Plan{SizeUpdates: []core.SizeUpdate{{SlotID: "buy-0", OrderID: "b0", Size: d("12")}}})
	assert.False(t, res.Executed)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, ex.CallCount("ExecuteBatch"))
}

func TestExecute_ReadFailureStillSubmitsCreates(t *testing.T) {
	ex := mock.NewExchange()
	slots := managertest.Ladder(map[string]string{"buy-0": "b0"})
	e, _ := newExecutor(ex, slots, core.SideAmounts{}, t)
	ex.ReadOpenErr = errors.New("node timeout")

	res := e.Execute(context.Background(), core.Plan{
		Creates:     []core.CreateAction{{SlotID: "sell-0", Size: d("10")}},
		SizeUpdates: []core.SizeUpdate{{SlotID: "buy-0", OrderID: "b0", Size: d("12")}},
	})
	assert.True(t, res.Executed)
	assert.Equal(t, 1, res.Submitted)
	assert.Equal(t, 1, res.Dropped)

	s, _ := e.manager.Grid().Get("buy-0")
	assert.True(t, s.Size.Equal(d("10")))
}

func TestExecute_BatchFailureMutatesNothing(t *testing.T) {
	ex := mock.NewExchange()
	slots := managertest.Ladder(map[string]string{"sell-1": "s1"})
	e, _ := newExecutor(ex, slots, core.SideAmounts{Sell: d("5")}, t)
	ex.BatchErr = errors.New("transaction expired")
	before := e.manager.Snapshot()

	res := e.Execute(context.Background(), core.Plan{Rotations: []core.Rotation{{
		SlotID: "sell-1", OrderID: "s1", TargetSlotID: "sell-0", Size: d("15"), Funding: d("5"),
	}}})
	assert.False(t, res.Executed)
	assert.Error(t, res.Err)
	assert.Equal(t, before, e.manager.Snapshot())
	assert.True(t, e.manager.Funds().CacheFunds.Sell.Equal(d("5")))
	assert.False(t, e.manager.IsOrderLocked("s1"))
}

func TestExecute_AccruesFeesAndHoldsShadowLocks(t *testing.T) {
	ex := mock.NewExchange()
	ex.FeePerOp = d("0.1")
	slots := managertest.Ladder(map[string]string{"buy-0": "b0"})
	e, _ := newExecutor(ex, slots, core.SideAmounts{}, t)

	var lockedDuringBatch bool
	ex.OnBatch = func([]core.Operation) { lockedDuringBatch = e.manager.IsOrderLocked("b0") }

	res := e.Execute(context.Background(), core.Plan{
		Creates:     []core.CreateAction{{SlotID: "sell-0", Size: d("10")}},
		SizeUpdates: []core.SizeUpdate{{SlotID: "buy-0", OrderID: "b0", Size: d("12")}},
	})
	require.True(t, res.Executed)
	assert.True(t, res.Fees.Equal(d("0.2")))
	assert.True(t, e.manager.Funds().FeesOwed.Equal(d("0.2")))
	assert.True(t, lockedDuringBatch)
	assert.False(t, e.manager.IsOrderLocked("b0"))

	ops := ex.Batches()[0]
	require.Len(t, ops, 2)
	assert.Equal(t, core.OpCreate, ops[0].Kind)
	assert.Equal(t, core.OpUpdate, ops[1].Kind)
}

func TestExecute_UnsyncedFundedCreateStillDrawsCache(t *testing.T) {
	ex := mock.NewExchange()
	ex.OmitCreateID = true
	e, _ := newExecutor(ex, managertest.Ladder(nil), core.SideAmounts{Buy: d("10")}, t)

	res := e.Execute(context.Background(), core.Plan{Creates: []core.CreateAction{{SlotID: "buy-0", Size: d("10"), Funding: d("10")}}})
	require.True(t, res.Executed)
	require.Len(t, ex.Orders(), 1)

	s, _ := e.manager.Grid().Get("buy-0")
	assert.True(t, s.PendingRotation)
	assert.Empty(t, s.OrderID)
	assert.True(t, e.manager.Funds().CacheFunds.Buy.IsZero())

	open, err := ex.ReadOpenOrders(context.Background(), "")
	require.NoError(t, err)
	repaired, cleared := e.manager.RepairInconsistent(open)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, 0, cleared)

	s, _ = e.manager.Grid().Get("buy-0")
	assert.Equal(t, "1.7.1", s.OrderID)
	funds := e.manager.Funds()
	assert.True(t, funds.Committed.Buy.Equal(d("10")))
	assert.True(t, funds.CacheFunds.Buy.IsZero())
}
