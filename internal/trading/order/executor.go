// Package order submits rebalance plans to the venue as single atomic batches
package order

import (
	"context"
	"fmt"
	"time"

	"gridmaker/internal/core"
	"gridmaker/internal/trading/manager"
	apperrors "gridmaker/pkg/errors"
	"gridmaker/pkg/retry"
	"gridmaker/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// opKind tags a built operation with the plan entry it came from
type opKind int

const (
	kindCreate opKind = iota
	kindSizeUpdate
	kindPartialMove
	kindRotation
)

func (k opKind) String() string {
	switch k {
	case kindCreate:
		return "create"
	case kindSizeUpdate:
		return "size_update"
	case kindPartialMove:
		return "partial_move"
	default:
		return "rotation"
	}
}

// pending is one operation queued for submission together with the plan
// entry whose transition it applies
type pending struct {
	kind     opKind
	op       core.Operation
	create   core.CreateAction
	update   core.SizeUpdate
	move     core.PartialMove
	rotation core.Rotation
}

func (p pending) slotID() string {
	switch p.kind {
	case kindCreate:
		return p.create.SlotID
	case kindSizeUpdate:
		return p.update.SlotID
	case kindPartialMove:
		return p.move.FromSlotID
	default:
		return p.rotation.SlotID
	}
}

// BatchExecutor implements core.IBatchExecutor
type BatchExecutor struct {
	gateway core.IExchangeGateway
	manager *manager.OrderManager
	key     string
	policy  retry.RetryPolicy

	logger  core.ILogger
	metrics *telemetry.GridMetrics
	tracer  trace.Tracer
}

// NewBatchExecutor creates an executor for one engine instance
func NewBatchExecutor(gateway core.IExchangeGateway, mgr *manager.OrderManager, key string, logger core.ILogger, metrics *telemetry.GridMetrics) *BatchExecutor {
	if metrics == nil {
		metrics = telemetry.NopGridMetrics(mgr.Settings().Bot)
	}
	return &BatchExecutor{
		gateway: gateway,
		manager: mgr,
		key:     key,
		policy:  retry.DefaultPolicy,
		logger:  logger.WithField("component", "batch_executor").WithField("bot", mgr.Settings().Bot),
		metrics: metrics,
		tracer:  telemetry.GetTracer("batch-executor"),
	}
}

// SetRetryPolicy overrides the policy used for open-order re-reads
func (e *BatchExecutor) SetRetryPolicy(p retry.RetryPolicy) {
	e.policy = p
}

// Execute builds and submits one batch for plan. On submission failure
// nothing is mutated and Executed is false.
func (e *BatchExecutor) Execute(ctx context.Context, plan core.Plan) core.BatchResult {
	if plan.Empty() {
		return core.BatchResult{Executed: true}
	}

	batchID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "ExecuteBatch",
		trace.WithAttributes(
			attribute.String("batch_id", batchID),
			attribute.String("reason", plan.Reason),
			attribute.Int("planned", plan.Len()),
		),
	)
	defer span.End()
	log := e.logger.WithField("batch_id", batchID)

	ids := plan.OrderIDs()
	e.manager.LockOrders(ids)
	defer e.manager.UnlockOrders(ids)

	queue, dropped := e.build(ctx, plan, log)
	result := core.BatchResult{Dropped: dropped, Fees: decimal.Zero}
	if len(queue) == 0 {
		log.Warn("Nothing left to submit after dropping stale operations", "reason", plan.Reason, "dropped", dropped)
		e.metrics.Batches.Add(ctx, 1, e.metrics.Attrs(attribute.String("outcome", "empty")))
		return result
	}

	ops := make([]core.Operation, len(queue))
	for i, p := range queue {
		ops[i] = p.op
	}

	account := e.manager.Settings().Account
	start := time.Now()
	results, err := e.gateway.ExecuteBatch(ctx, account, e.key, ops)
	e.metrics.BatchLatency.Record(ctx, float64(time.Since(start).Milliseconds()), e.metrics.Attrs())
	if err != nil {
		span.RecordError(err)
		e.metrics.Batches.Add(ctx, 1, e.metrics.Attrs(attribute.String("outcome", "failed")))
		log.Error("Batch submission failed, nothing applied", "reason", plan.Reason, "operations", len(ops), "error", err)
		result.Err = fmt.Errorf("batch submission failed: %w", err)
		return result
	}
	if len(results) != len(ops) {
		e.metrics.Batches.Add(ctx, 1, e.metrics.Attrs(attribute.String("outcome", "mismatch")))
		log.Error("Batch result count mismatch, state left for reconciliation",
			"submitted", len(ops), "results", len(results))
		result.Err = fmt.Errorf("%w: submitted %d, got %d", apperrors.ErrResultCountMismatch, len(ops), len(results))
		return result
	}

	result.Executed = true
	result.Submitted = len(ops)
	for i, p := range queue {
		res := results[i]
		result.Fees = result.Fees.Add(res.Fee)
		e.metrics.Operations.Add(ctx, 1, e.metrics.Attrs(attribute.String("kind", p.kind.String())))

		if err := e.apply(p, res.OrderID); err != nil {
			log.Error("Confirmed operation not synchronized locally",
				"kind", p.kind.String(), "slot", p.slotID(), "order_id", res.OrderID, "side", p.op.Request.Type, "error", err)
			continue
		}
		if p.kind == kindRotation || (p.kind == kindCreate && p.create.Funding.IsPositive()) {
			result.Rotated = true
		}
	}

	e.manager.AccrueFees(result.Fees)
	if err := e.manager.Persist(ctx); err != nil {
		log.Error("Failed to persist grid after batch", "error", err)
	}

	e.metrics.Batches.Add(ctx, 1, e.metrics.Attrs(attribute.String("outcome", "executed")))
	log.Info("Batch executed",
		"reason", plan.Reason, "submitted", result.Submitted, "dropped", dropped, "fees", result.Fees.String())
	return result
}

// build converts the plan into venue operations in create, size update,
// partial move, rotation order. Operations on orders that are no longer open
// are dropped.
func (e *BatchExecutor) build(ctx context.Context, plan core.Plan, log core.ILogger) ([]pending, int) {
	account := e.manager.Settings().Account
	var queue []pending
	dropped := 0

	for _, c := range plan.Creates {
		req, err := e.manager.Request(c.SlotID, c.Size)
		if err == nil {
			var op core.Operation
			if op, err = e.gateway.BuildCreateOrderOp(account, req); err == nil {
				queue = append(queue, pending{kind: kindCreate, op: op, create: c})
				continue
			}
		}
		log.Warn("Dropping create", "slot", c.SlotID, "error", err)
		dropped++
	}

	if len(plan.SizeUpdates)+len(plan.PartialMoves)+len(plan.Rotations) == 0 {
		return queue, dropped
	}

	open, err := e.openOrders(ctx)
	if err != nil {
		log.Warn("Open orders unavailable, dropping operations on existing orders", "error", err)
		return queue, dropped + len(plan.SizeUpdates) + len(plan.PartialMoves) + len(plan.Rotations)
	}

	update := func(kind opKind, slotID, orderID, priceSlot string, size decimal.Decimal) (core.Operation, bool) {
		remote, ok := open[orderID]
		if !ok {
			log.Warn("Target order no longer open, dropping operation",
				"kind", kind.String(), "slot", slotID, "order_id", orderID)
			return core.Operation{}, false
		}
		req, err := e.manager.Request(priceSlot, size)
		if err == nil {
			var op core.Operation
			if op, err = e.gateway.BuildUpdateOrderOp(account, orderID, req); err == nil {
				return op, true
			}
		}
		log.Warn("Failed to build update, dropping operation",
			"kind", kind.String(), "slot", slotID, "order_id", orderID, "side", remote.Type, "error", err)
		return core.Operation{}, false
	}

	for _, u := range plan.SizeUpdates {
		if op, ok := update(kindSizeUpdate, u.SlotID, u.OrderID, u.SlotID, u.Size); ok {
			queue = append(queue, pending{kind: kindSizeUpdate, op: op, update: u})
		} else {
			dropped++
		}
	}
	for _, mv := range plan.PartialMoves {
		if op, ok := update(kindPartialMove, mv.FromSlotID, mv.OrderID, mv.ToSlotID, mv.Size); ok {
			queue = append(queue, pending{kind: kindPartialMove, op: op, move: mv})
		} else {
			dropped++
		}
	}
	for _, r := range plan.Rotations {
		priceSlot := r.TargetSlotID
		if priceSlot == "" {
			priceSlot = r.SlotID
		}
		if op, ok := update(kindRotation, r.SlotID, r.OrderID, priceSlot, r.Size); ok {
			queue = append(queue, pending{kind: kindRotation, op: op, rotation: r})
		} else {
			dropped++
		}
	}
	return queue, dropped
}

func (e *BatchExecutor) openOrders(ctx context.Context) (map[string]core.RemoteOrder, error) {
	account := e.manager.Settings().Account
	orders, err := retry.Get(ctx, e.policy, retry.Always, func() ([]core.RemoteOrder, error) {
		return e.gateway.ReadOpenOrders(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	open := make(map[string]core.RemoteOrder, len(orders))
	for _, o := range orders {
		open[o.ID] = o
	}
	return open, nil
}

func (e *BatchExecutor) apply(p pending, orderID string) error {
	switch p.kind {
	case kindCreate:
		return e.manager.ActivateSlot(p.create, orderID)
	case kindSizeUpdate:
		return e.manager.ResizeSlot(p.update)
	case kindPartialMove:
		return e.manager.MovePartial(p.move, orderID)
	default:
		return e.manager.CompleteRotation(p.rotation, orderID)
	}
}
