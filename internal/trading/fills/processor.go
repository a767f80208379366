// Package fills consumes venue fill notifications: one consumer at a time
// drains the queue, deduplicates and rebalances fill by fill.
package fills

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"gridmaker/internal/core"
	"gridmaker/internal/trading/manager"
	"gridmaker/pkg/concurrency"
	"gridmaker/pkg/retry"
	"gridmaker/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

// Stats are cumulative processor counters
type Stats struct {
	FillsProcessed int64
	FillsSkipped   int64
	Rotations      int64
	Batches        int64
}

// Processor serializes fill handling behind the fill lock without ever
// blocking the notification source
type Processor struct {
	manager  *manager.OrderManager
	executor core.IBatchExecutor
	gateway  core.IExchangeGateway
	ledger   *Ledger

	fillLock       *concurrency.Guard
	divergenceLock *concurrency.Guard

	qmu   sync.Mutex
	queue []core.FillEvent

	// scheduled is set while a consumer is running or waiting for the lock
	scheduled atomic.Bool
	wg        sync.WaitGroup
	ctx       context.Context

	processed atomic.Int64
	skipped   atomic.Int64
	rotations atomic.Int64
	batches   atomic.Int64

	policy  retry.RetryPolicy
	now     func() time.Time
	logger  core.ILogger
	metrics *telemetry.GridMetrics
}

// NewProcessor creates a processor. The divergence lock is only ever taken
// while the fill lock is held.
func NewProcessor(
	mgr *manager.OrderManager,
	executor core.IBatchExecutor,
	gateway core.IExchangeGateway,
	ledger *Ledger,
	fillLock, divergenceLock *concurrency.Guard,
	logger core.ILogger,
	metrics *telemetry.GridMetrics,
) *Processor {
	if metrics == nil {
		metrics = telemetry.NopGridMetrics(mgr.Settings().Bot)
	}
	return &Processor{
		manager:        mgr,
		executor:       executor,
		gateway:        gateway,
		ledger:         ledger,
		fillLock:       fillLock,
		divergenceLock: divergenceLock,
		ctx:            context.Background(),
		policy:         retry.DefaultPolicy,
		now:            time.Now,
		logger:         logger.WithField("component", "fill_processor").WithField("bot", mgr.Settings().Bot),
		metrics:        metrics,
	}
}

// Start sets the context consumers run under
func (p *Processor) Start(ctx context.Context) {
	p.ctx = ctx
}

// SetRetryPolicy overrides the policy used for open-order reads
func (p *Processor) SetRetryPolicy(policy retry.RetryPolicy) {
	p.policy = policy
}

// Enqueue appends fills to the incoming queue and triggers consumption.
// It never blocks on processing and is safe as a venue callback.
func (p *Processor) Enqueue(events []core.FillEvent) {
	if len(events) == 0 {
		return
	}
	p.qmu.Lock()
	p.queue = append(p.queue, events...)
	depth := len(p.queue)
	p.qmu.Unlock()
	p.metrics.SetQueueDepth(depth)
	p.trigger()
}

// QueueLen is the number of fills waiting in the incoming queue
func (p *Processor) QueueLen() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue)
}

// Wait blocks until no consumer is running or queued
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Stats returns the cumulative counters
func (p *Processor) Stats() Stats {
	return Stats{
		FillsProcessed: p.processed.Load(),
		FillsSkipped:   p.skipped.Load(),
		Rotations:      p.rotations.Load(),
		Batches:        p.batches.Load(),
	}
}

func (p *Processor) drain() []core.FillEvent {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	batch := p.queue
	p.queue = nil
	p.metrics.SetQueueDepth(0)
	return batch
}

// trigger starts a consumer unless one is already active or queued
func (p *Processor) trigger() {
	if !p.scheduled.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.consume()
}

func (p *Processor) consume() {
	defer p.wg.Done()
	ctx := p.ctx

	err := p.fillLock.Acquire(ctx, func(ctx context.Context) error {
		for {
			batch := p.drain()
			if len(batch) == 0 {
				return nil
			}
			p.safeProcess(ctx, batch)
		}
	})
	if err != nil {
		p.logger.Warn("Fill consumer stopped before acquiring the fill lock", "error", err, "queued", p.QueueLen())
	}

	p.scheduled.Store(false)
	// Fills that arrived after the last drain re-arm the consumer
	if ctx.Err() == nil && p.QueueLen() > 0 {
		p.trigger()
	}
}

func (p *Processor) safeProcess(ctx context.Context, batch []core.FillEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Fill processing panicked, batch abandoned",
				"panic", fmt.Sprint(r), "fills", len(batch), "stack", string(debug.Stack()))
		}
	}()
	p.processBatch(ctx, batch)
}

// filter drops taker fills and fills already accepted within the dedupe window
func (p *Processor) filter(ctx context.Context, events []core.FillEvent) []core.FillEvent {
	var valid []core.FillEvent
	for _, ev := range events {
		reason := ""
		switch {
		case !ev.IsMaker:
			reason = "taker"
		case !p.ledger.Accept(ev.Key(), p.now()):
			reason = "duplicate"
		}
		if reason != "" {
			p.skip(ctx, ev, reason)
			continue
		}
		valid = append(valid, ev)
	}
	return valid
}

func (p *Processor) skip(ctx context.Context, ev core.FillEvent, reason string) {
	p.skipped.Add(1)
	p.metrics.FillsSkipped.Add(ctx, 1, p.metrics.Attrs(attribute.String("reason", reason)))
	p.logger.Debug("Fill skipped", "reason", reason, "order_id", ev.OrderID, "block", ev.BlockNum, "event_id", ev.EventID)
}

func (p *Processor) processBatch(ctx context.Context, batch []core.FillEvent) {
	items := p.filter(ctx, batch)
	rotated := false

	for i := 0; i < len(items); i++ {
		executed, didRotate := p.processOne(ctx, items[i])
		rotated = rotated || didRotate

		if !executed {
			continue
		}
		// Fills that arrived while the batch was in flight go next
		if fresh := p.filter(ctx, p.drain()); len(fresh) > 0 {
			p.logger.Info("Splicing fills received during batch", "count", len(fresh), "after", items[i].OrderID)
			rest := append(fresh, items[i+1:]...)
			items = append(items[:i+1], rest...)
		}
	}

	if rotated {
		p.postProcess(ctx)
	}

	if err := p.ledger.Flush(ctx); err != nil {
		p.logger.Error("Failed to flush fill ledger", "error", err)
	}
}

// processOne resolves and applies one fill and executes its plan. It
// reports whether a batch was submitted and whether it rotated funds.
func (p *Processor) processOne(ctx context.Context, ev core.FillEvent) (bool, bool) {
	fo, ok, err := p.resolve(ctx, ev)
	if err != nil {
		// A replay or the refresh cycle may still resolve it
		p.ledger.Forget(ev.Key())
		p.logger.Warn("Fill resolution failed", "order_id", ev.OrderID, "error", err)
		p.skip(ctx, ev, "unresolved")
		return false, false
	}
	if !ok {
		p.skip(ctx, ev, "unknown_order")
		return false, false
	}

	plan, err := p.manager.ApplyFill(fo)
	if err != nil {
		p.logger.Warn("Fill not applied", "slot", fo.Slot.ID, "order_id", ev.OrderID, "side", fo.Slot.Type, "error", err)
		p.skip(ctx, ev, "stale")
		return false, false
	}
	p.processed.Add(1)
	p.metrics.FillsProcessed.Add(ctx, 1, p.metrics.Attrs(attribute.String("side", string(fo.Slot.Type))))

	if plan.Empty() {
		if err := p.manager.Persist(ctx); err != nil {
			p.logger.Error("Failed to persist grid after fill", "slot", fo.Slot.ID, "order_id", ev.OrderID, "error", err)
		}
		return false, false
	}

	res := p.execute(ctx, plan)
	if res.Rotated {
		p.rotations.Add(1)
		p.metrics.Rotations.Add(ctx, 1, p.metrics.Attrs())
	}
	if !res.Executed {
		// Proceeds stay in cache; persist them with the grid
		if err := p.manager.Persist(ctx); err != nil {
			p.logger.Error("Failed to persist grid after fill", "slot", fo.Slot.ID, "order_id", ev.OrderID, "error", err)
		}
	}
	return true, res.Rotated
}

func (p *Processor) execute(ctx context.Context, plan core.Plan) core.BatchResult {
	p.batches.Add(1)
	return p.executor.Execute(ctx, plan)
}

func (p *Processor) resolve(ctx context.Context, ev core.FillEvent) (core.FilledOrder, bool, error) {
	account := p.manager.Settings().Account

	if p.gateway.FillProcessingMode() != core.FillModeOpenOrders {
		if !ev.Paid.IsPositive() && !ev.Received.IsPositive() {
			var err error
			if ev, err = p.lookupHistory(ctx, account, ev); err != nil {
				return core.FilledOrder{}, false, err
			}
		}
		fo, ok := p.manager.ResolveFill(ev)
		return fo, ok, nil
	}

	orders, err := retry.Get(ctx, p.policy, retry.Always, func() ([]core.RemoteOrder, error) {
		return p.gateway.ReadOpenOrders(ctx, account)
	})
	if err != nil {
		return core.FilledOrder{}, false, err
	}
	open := make(map[string]core.RemoteOrder, len(orders))
	for _, o := range orders {
		open[o.ID] = o
	}
	fo, ok := p.manager.ResolveFromOpenOrders(ev, open)
	return fo, ok, nil
}

// lookupHistory fetches the amounts of a notification that carried none
func (p *Processor) lookupHistory(ctx context.Context, account string, ev core.FillEvent) (core.FillEvent, error) {
	history, err := retry.Get(ctx, p.policy, retry.Always, func() ([]core.FillEvent, error) {
		return p.gateway.ReadFillHistory(ctx, account, []string{ev.OrderID})
	})
	if err != nil {
		return ev, fmt.Errorf("fill history lookup failed: %w", err)
	}
	for _, h := range history {
		if h.Key() == ev.Key() && (h.Paid.IsPositive() || h.Received.IsPositive()) {
			ev.Paid, ev.Received = h.Paid, h.Received
			return ev, nil
		}
	}
	return ev, fmt.Errorf("no history entry for fill %s", ev.Key())
}

// postProcess runs after a worklist that rotated funds: spread maintenance,
// the health check when nothing is queued, then divergence correction under
// the nested lock
func (p *Processor) postProcess(ctx context.Context) {
	p.manager.RecalculateFunds()

	if plan := p.manager.PlanSpreadMaintenance(); !plan.Empty() {
		p.execute(ctx, plan)
	}
	if p.QueueLen() == 0 {
		if plan := p.manager.PlanHealthCheck(); !plan.Empty() {
			p.execute(ctx, plan)
		}
	}

	err := p.divergenceLock.Acquire(ctx, func(ctx context.Context) error {
		return p.CorrectDivergence(ctx)
	})
	if err != nil {
		p.logger.Error("Divergence correction failed", "error", err)
	}
}

// CorrectDivergence refreshes balances and resizes orders on sides whose
// divergence exceeds the threshold. Callers hold the divergence lock.
func (p *Processor) CorrectDivergence(ctx context.Context) error {
	account := p.manager.Settings().Account
	balances, err := retry.Get(ctx, p.policy, retry.Always, func() (core.Balances, error) {
		return p.gateway.ReadBalances(ctx, account)
	})
	if err != nil {
		return fmt.Errorf("failed to read balances: %w", err)
	}
	p.manager.SetWallet(balances)

	div, plan := p.manager.DetectDivergence()
	if plan.Empty() {
		return nil
	}
	p.logger.Info("Correcting grid divergence", "buy_rms", div.Buy, "sell_rms", div.Sell, "updates", len(plan.SizeUpdates))
	if res := p.execute(ctx, plan); res.Err != nil {
		return res.Err
	}
	return nil
}
