package fills

import (
	"context"
	"sync"
	"testing"
	"time"

	"gridmaker/internal/core"
	"gridmaker/internal/infrastructure/store"
	"gridmaker/internal/mock"
	"gridmaker/internal/trading/manager"
	"gridmaker/internal/trading/manager/managertest"
	"gridmaker/internal/trading/order"
	"gridmaker/pkg/concurrency"
	"gridmaker/pkg/retry"
	"gridmaker/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var d = managertest.D

// recordingExecutor records plan reasons before delegating
type recordingExecutor struct {
	mu        sync.Mutex
	inner     core.IBatchExecutor
	reasons   []string
	onExecute func(n int)
	onPlan    func(plan core.Plan)
}

func (r *recordingExecutor) Execute(ctx context.Context, plan core.Plan) core.BatchResult {
	r.mu.Lock()
	r.reasons = append(r.reasons, plan.Reason)
	n := len(r.reasons)
	r.mu.Unlock()
	if r.onExecute != nil {
		r.onExecute(n)
	}
	if r.onPlan != nil {
		r.onPlan(plan)
	}
	return r.inner.Execute(ctx, plan)
}

func (r *recordingExecutor) Reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

type panickingExecutor struct{ calls int }

func (p *panickingExecutor) Execute(ctx context.Context, plan core.Plan) core.BatchResult {
	p.calls++
	panic("venue client bug")
}

type fixture struct {
	ex      *mock.Exchange
	mgr     *manager.OrderManager
	store   *store.MemoryStore
	exec    *recordingExecutor
	proc    *Processor
	metrics *telemetry.GridMetrics
	reader  *sdkmetric.ManualReader

	fillLock       *concurrency.Guard
	divergenceLock *concurrency.Guard
}

func newFixture(t *testing.T, bind map[string]string) *fixture {
	t.Helper()
	return newLadderFixture(t, managertest.Ladder(bind))
}

func newLadderFixture(t *testing.T, slots []core.OrderSlot) *fixture {
	t.Helper()
	ex := mock.NewExchange()
	ex.SetBalances(core.Balances{
		Free:  core.SideAmounts{Buy: d("30"), Sell: d("30")},
		Total: core.SideAmounts{Buy: d("30"), Sell: d("30")},
	})
	managertest.Seed(ex, slots)
	mgr, st := managertest.New(t, managertest.Settings(), slots, core.SideAmounts{})

	reader := sdkmetric.NewManualReader()
	metrics, err := telemetry.NewGridMetrics("test", sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	fast := retry.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	inner := order.NewBatchExecutor(ex, mgr, "key", mock.NewLogger(), metrics)
	inner.SetRetryPolicy(fast)
	exec := &recordingExecutor{inner: inner}

	ledger := NewLedger(st, 5000*time.Millisecond, 24*time.Hour, 0, mock.NewLogger())
	fillLock, divergenceLock := concurrency.NewGuard("fill"), concurrency.NewGuard("divergence")
	proc := NewProcessor(mgr, exec, ex, ledger, fillLock, divergenceLock, mock.NewLogger(), metrics)
	proc.SetRetryPolicy(fast)
	proc.Start(context.Background())

	return &fixture{
		ex: ex, mgr: mgr, store: st, exec: exec, proc: proc, metrics: metrics, reader: reader,
		fillLock: fillLock, divergenceLock: divergenceLock,
	}
}

func fill(orderID string, block uint64, paid string) core.FillEvent {
	return core.FillEvent{OrderID: orderID, BlockNum: block, EventID: "e1", IsMaker: true, Paid: d(paid)}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestProcessor_DeduplicatesWithinWindow(t *testing.T) {
	f := newFixture(t, map[string]string{"sell-0": "s0"})

	ev := fill("s0", 100, "2")
	f.proc.Enqueue([]core.FillEvent{ev})
	time.Sleep(10 * time.Millisecond)
	f.proc.Enqueue([]core.FillEvent{ev})
	f.proc.Wait()

	stats := f.proc.Stats()
	assert.Equal(t, int64(1), stats.FillsProcessed)
	assert.Equal(t, int64(1), stats.FillsSkipped)
	assert.Equal(t, int64(1), counterValue(t, f.reader, telemetry.MetricFillsProcessedTotal))

	s, _ := f.mgr.Grid().Get("sell-0")
	assert.Equal(t, core.OrderStatePartial, s.State)
	assert.True(t, s.Size.Equal(d("8")))

	persisted, err := f.store.LoadProcessedFills(context.Background())
	require.NoError(t, err)
	assert.Contains(t, persisted, ev.Key())
}

func TestProcessor_SkipsTakerFills(t *testing.T) {
	f := newFixture(t, map[string]string{"sell-0": "s0"})

	ev := fill("s0", 100, "2")
	ev.IsMaker = false
	f.proc.Enqueue([]core.FillEvent{ev})
	f.proc.Wait()

	assert.Equal(t, Stats{FillsSkipped: 1}, f.proc.Stats())
}

func TestProcessor_SplicesFillsReceivedDuringBatch(t *testing.T) {
	f := newFixture(t, map[string]string{"sell-0": "s0", "sell-1": "s1", "buy-0": "b0", "buy-1": "b1"})
	f.exec.onExecute = func(n int) {
		if n == 1 {
			f.proc.Enqueue([]core.FillEvent{fill("b0", 101, "100")})
		}
	}

	f.proc.Enqueue([]core.FillEvent{fill("s0", 100, "100"), fill("b1", 100, "100")})
	f.proc.Wait()

	reasons := f.exec.Reasons()
	require.GreaterOrEqual(t, len(reasons), 3)
	assert.Equal(t, []string{"fill sell-0", "fill buy-0", "fill buy-1"}, reasons[:3])
	assert.Equal(t, int64(3), f.proc.Stats().FillsProcessed)
	assert.Equal(t, 0, f.proc.QueueLen())
}

func TestProcessor_OpenOrdersMode(t *testing.T) {
	f := newFixture(t, map[string]string{"sell-0": "s0"})
	f.ex.SetMode(core.FillModeOpenOrders)
	require.NoError(t, f.ex.ListenForFills(context.Background(), "1.2.100", f.proc.Enqueue))

	f.ex.Fill("s0", d("4"), 200, "e1")
	f.proc.Wait()

	s, _ := f.mgr.Grid().Get("sell-0")
	assert.Equal(t, core.OrderStatePartial, s.State)
	assert.True(t, s.Size.Equal(d("6")))
	assert.True(t, f.mgr.Funds().CacheFunds.Buy.Equal(d("4.04")))
}

func TestProcessor_RecoversFromPanicAndKeepsConsuming(t *testing.T) {
	f := newFixture(t, map[string]string{"sell-0": "s0", "buy-0": "b0"})
	ledger := NewLedger(f.store, time.Second, time.Hour, 0, mock.NewLogger())
	exec := &panickingExecutor{}
	proc := NewProcessor(f.mgr, exec, f.ex, ledger, concurrency.NewGuard("fill"), concurrency.NewGuard("divergence"), mock.NewLogger(), nil)
	proc.Start(context.Background())

	proc.Enqueue([]core.FillEvent{fill("s0", 100, "100")})
	proc.Wait()
	assert.Equal(t, 1, exec.calls)

	proc.Enqueue([]core.FillEvent{fill("b0", 101, "1")})
	proc.Wait()
	assert.Equal(t, int64(2), proc.Stats().FillsProcessed)

	s, _ := f.mgr.Grid().Get("buy-0")
	assert.True(t, s.Size.Equal(d("9")))
}

func TestProcessor_InsufficientProceedsStayInCache(t *testing.T) {
	f := newFixture(t, map[string]string{"sell-0": "s0"})
	require.NoError(t, f.mgr.Restore(func() []core.OrderSlot {
		slots := managertest.Ladder(map[string]string{"sell-0": "s0"})
		slots[3].Size = d("1")
		return slots
	}(), core.SideAmounts{}, d("0")))

	f.proc.Enqueue([]core.FillEvent{fill("s0", 100, "1")})
	f.proc.Wait()

	assert.Empty(t, f.exec.Reasons())
	assert.True(t, f.mgr.Funds().CacheFunds.Buy.Equal(d("1.01")))
	assert.Equal(t, 0, f.mgr.Grid().OnChainCount(core.OrderTypeBuy))

	cache, err := f.store.LoadCacheFunds(context.Background())
	require.NoError(t, err)
	assert.True(t, cache.Buy.Equal(d("1.01")))
}

func TestLedger_FlushAndPrune(t *testing.T) {
	st := store.NewMemoryStore()
	l := NewLedger(st, time.Second, time.Hour, 1, mock.NewLogger())
	now := time.Now()

	assert.True(t, l.Accept("old", now.Add(-2*time.Hour)))
	assert.True(t, l.Accept("new", now))
	assert.False(t, l.Accept("new", now.Add(10*time.Millisecond)))
	assert.False(t, l.Accept("new", now.Add(2*time.Second)), "held past the window until pruned")

	require.NoError(t, l.Flush(context.Background()))
	persisted, err := st.LoadProcessedFills(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, persisted, "old")
	assert.Contains(t, persisted, "new")
	assert.Equal(t, 1, l.Len())

	reloaded := NewLedger(st, time.Second, time.Hour, 0, mock.NewLogger())
	require.NoError(t, reloaded.Load(context.Background()))
	assert.False(t, reloaded.Accept("new", now.Add(10*time.Minute)), "replay after a long restart")

	require.NoError(t, reloaded.Prune(context.Background(), now.Add(2*time.Hour)))
	assert.True(t, reloaded.Accept("new", now.Add(2*time.Hour)))
}

func TestLedger_RetentionNeverShorterThanWindow(t *testing.T) {
	l := NewLedger(store.NewMemoryStore(), time.Hour, time.Minute, 0, mock.NewLogger())
	now := time.Now()
	require.True(t, l.Accept("k", now))

	require.NoError(t, l.Prune(context.Background(), now.Add(30*time.Minute)))
	assert.False(t, l.Accept("k", now.Add(30*time.Minute)))
}

// wideSpreadLadder binds sell-0, sell-2 and buy-0 at size 10 and leaves
// buy-1 as a dust partial of 2. A full fill of sell-0 leaves a spread of
// 1.03/0.99-1, just above the 4% limit.
func wideSpreadLadder() []core.OrderSlot {
	slots := managertest.Ladder(map[string]string{"sell-0": "s0", "sell-2": "s2", "buy-0": "b0", "buy-1": "b1"})
	for i := range slots {
		if slots[i].ID == "buy-1" {
			slots[i].State = core.OrderStatePartial
			slots[i].Size = d("2")
		}
	}
	return slots
}

func TestProcessor_PostProcessAfterRotation(t *testing.T) {
	f := newLadderFixture(t, wideSpreadLadder())
	var divergenceLocked, fillLocked bool
	f.exec.onPlan = func(plan core.Plan) {
		if plan.Reason == "divergence correction" {
			divergenceLocked = f.divergenceLock.IsLocked()
			fillLocked = f.fillLock.IsLocked()
		}
	}

	f.proc.Enqueue([]core.FillEvent{fill("s0", 100, "10")})
	f.proc.Wait()

	assert.Equal(t, []string{"fill sell-0", "spread maintenance", "health check", "divergence correction"}, f.exec.Reasons())
	assert.Equal(t, 1, f.ex.CallCount("ReadBalances"))
	assert.True(t, divergenceLocked, "divergence correction runs under the nested lock")
	assert.True(t, fillLocked)
	assert.False(t, f.divergenceLock.IsLocked())

	s, _ := f.mgr.Grid().Get("sell-0")
	assert.Equal(t, core.OrderStateActive, s.State, "spread gap refilled")
}

func TestProcessor_HealthCheckSkippedWhileFillsQueued(t *testing.T) {
	f := newLadderFixture(t, wideSpreadLadder())
	f.exec.onPlan = func(plan core.Plan) {
		if plan.Reason == "spread maintenance" {
			taker := fill("b0", 300, "1")
			taker.IsMaker = false
			f.proc.Enqueue([]core.FillEvent{taker})
		}
	}

	f.proc.Enqueue([]core.FillEvent{fill("s0", 100, "10")})
	f.proc.Wait()

	reasons := f.exec.Reasons()
	assert.Equal(t, []string{"fill sell-0", "spread maintenance", "divergence correction"}, reasons)
	assert.NotContains(t, reasons, "health check")
	assert.Equal(t, int64(1), f.proc.Stats().FillsSkipped)

	s, _ := f.mgr.Grid().Get("buy-1")
	assert.Equal(t, core.OrderStatePartial, s.State)
	assert.True(t, s.Size.Equal(d("2")))
}

func TestProcessor_NoPostProcessWithoutRotation(t *testing.T) {
	f := newLadderFixture(t, wideSpreadLadder())

	f.proc.Enqueue([]core.FillEvent{fill("s0", 100, "2")})
	f.proc.Wait()

	assert.Empty(t, f.exec.Reasons())
	assert.Equal(t, 0, f.ex.CallCount("ReadBalances"))
	assert.Equal(t, int64(1), f.proc.Stats().FillsProcessed)
}

func TestProcessor_ResolvesAmountsFromHistory(t *testing.T) {
	f := newFixture(t, map[string]string{"sell-0": "s0"})
	bare := core.FillEvent{OrderID: "s0", BlockNum: 300, EventID: "h1", IsMaker: true}

	f.proc.Enqueue([]core.FillEvent{bare})
	f.proc.Wait()
	assert.Equal(t, int64(0), f.proc.Stats().FillsProcessed, "no history entry yet")

	f.ex.FillOffline("s0", d("4"), 300, "h1")
	f.proc.Enqueue([]core.FillEvent{bare})
	f.proc.Wait()

	assert.Equal(t, int64(1), f.proc.Stats().FillsProcessed, "unresolved key released for a replay")
	assert.Equal(t, 2, f.ex.CallCount("ReadFillHistory"))
	s, _ := f.mgr.Grid().Get("sell-0")
	assert.Equal(t, core.OrderStatePartial, s.State)
	assert.True(t, s.Size.Equal(d("6")))
}
