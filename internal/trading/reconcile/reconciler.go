package reconcile

import (
	"context"
	"fmt"

	"gridmaker/internal/core"
	"gridmaker/internal/trading/grid"
	"gridmaker/internal/trading/manager"
	"gridmaker/pkg/concurrency"
	"gridmaker/pkg/retry"
	"gridmaker/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Result counts the outcome of executing a reconciliation plan
type Result struct {
	Created   int
	Updated   int
	Cancelled int
	Failed    int
}

// Reconciler executes active-order-count reconciliation for one engine
// instance. Callers hold the fill-processing lock.
type Reconciler struct {
	gateway core.IExchangeGateway
	manager *manager.OrderManager
	pool    *concurrency.WorkerPool
	key     string
	policy  retry.RetryPolicy

	logger core.ILogger
	tracer trace.Tracer
}

// NewReconciler creates a reconciler; pool runs cancels and updates
func NewReconciler(gateway core.IExchangeGateway, mgr *manager.OrderManager, pool *concurrency.WorkerPool, key string, logger core.ILogger) *Reconciler {
	return &Reconciler{
		gateway: gateway,
		manager: mgr,
		pool:    pool,
		key:     key,
		policy:  retry.DefaultPolicy,
		logger:  logger.WithField("component", "reconciler").WithField("bot", mgr.Settings().Bot),
		tracer:  telemetry.GetTracer("reconciler"),
	}
}

// SetRetryPolicy overrides the policy used for open-order reads
func (r *Reconciler) SetRetryPolicy(p retry.RetryPolicy) {
	r.policy = p
}

// ReadOpenOrders reads the account's open orders with retries
func (r *Reconciler) ReadOpenOrders(ctx context.Context) ([]core.RemoteOrder, error) {
	account := r.manager.Settings().Account
	orders, err := retry.Get(ctx, r.policy, retry.Always, func() ([]core.RemoteOrder, error) {
		return r.gateway.ReadOpenOrders(ctx, account)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read open orders: %w", err)
	}
	return orders, nil
}

// Plan computes the reconciliation plan against open
func (r *Reconciler) Plan(open []core.RemoteOrder) Plan {
	settings := r.manager.Settings()
	targets := Targets{Buy: settings.TargetActive.Buy, Sell: settings.TargetActive.Sell}
	return PlanActiveOrders(r.manager.Grid(), open, targets, r.sizeFor, r.manager.IsOrderLocked)
}

// sizeFor is the slot's ideal size, or its stored size when no ideal size
// can be computed. Sizes below the minimum order size skip the slot.
func (r *Reconciler) sizeFor(s core.OrderSlot) decimal.Decimal {
	size := r.manager.IdealSize(s.ID)
	if !size.IsPositive() {
		size = s.Size
	}
	if size.LessThan(r.manager.Settings().MinOrderSize.Get(s.Type)) {
		return decimal.Zero
	}
	return size
}

// Reconcile reads open orders, plans and executes. It is a no-op on an
// already reconciled grid.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	open, err := r.ReadOpenOrders(ctx)
	if err != nil {
		return Result{}, err
	}
	plan := r.Plan(open)
	if plan.Empty() {
		return Result{}, nil
	}
	res := r.Execute(ctx, plan)
	if err := r.manager.Persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Execute applies a plan. Cancels and updates run concurrently and settle
// independently; creates run one at a time, sells and buys interleaved, so
// both wallets are drawn evenly. A failed operation never stops its siblings.
func (r *Reconciler) Execute(ctx context.Context, plan Plan) Result {
	ctx, span := r.tracer.Start(ctx, "Reconcile",
		trace.WithAttributes(
			attribute.Int("creates", len(plan.Creates)),
			attribute.Int("updates", len(plan.Updates)),
			attribute.Int("cancels", len(plan.Cancels)),
		),
	)
	defer span.End()

	var res Result
	account := r.manager.Settings().Account

	tasks := make([]func() (string, error), 0, len(plan.Cancels)+len(plan.Updates))
	for _, c := range plan.Cancels {
		c := c
		tasks = append(tasks, func() (string, error) {
			return c.OrderID, r.gateway.CancelOrder(ctx, account, r.key, c.OrderID)
		})
	}
	for _, u := range plan.Updates {
		u := u
		tasks = append(tasks, func() (string, error) {
			req, err := r.manager.Request(u.SlotID, u.Size)
			if err != nil {
				return "", err
			}
			op, err := r.gateway.BuildUpdateOrderOp(account, u.OrderID, req)
			if err != nil {
				return "", err
			}
			results, err := r.gateway.ExecuteBatch(ctx, account, r.key, []core.Operation{op})
			if err != nil {
				return "", err
			}
			if len(results) == 1 && results[0].OrderID != "" {
				return results[0].OrderID, nil
			}
			return u.OrderID, nil
		})
	}

	outcomes := concurrency.SettleAll(r.pool, tasks)
	for i, c := range plan.Cancels {
		if err := outcomes[i].Err; err != nil {
			res.Failed++
			r.logger.Error("Failed to cancel order", "order_id", c.OrderID, "slot", c.SlotID, "side", c.Type, "error", err)
			continue
		}
		res.Cancelled++
		if c.SlotID != "" {
			if err := r.manager.RetireSlot(c.SlotID); err != nil {
				r.logger.Error("Order cancelled but slot not retired", "order_id", c.OrderID, "slot", c.SlotID, "side", c.Type, "error", err)
			}
		}
	}
	for i, u := range plan.Updates {
		out := outcomes[len(plan.Cancels)+i]
		if out.Err != nil {
			res.Failed++
			r.logger.Error("Failed to update order onto slot", "order_id", u.OrderID, "slot", u.SlotID, "error", out.Err)
			continue
		}
		if err := r.manager.BindSlot(u.SlotID, out.Value, u.Size, core.OrderStateActive); err != nil {
			res.Failed++
			_ = r.manager.MarkInconsistent(u.SlotID, u.Size)
			r.logger.Error("Order updated but slot not bound", "order_id", out.Value, "slot", u.SlotID, "error", err)
			continue
		}
		res.Updated++
	}

	var sells, buys []core.OrderSlot
	sizes := make(map[string]CreateOp, len(plan.Creates))
	g := r.manager.Grid()
	for _, c := range plan.Creates {
		s, ok := g.Get(c.SlotID)
		if !ok {
			res.Failed++
			r.logger.Error("Create planned for unknown slot", "slot", c.SlotID)
			continue
		}
		sizes[c.SlotID] = c
		if s.Type == core.OrderTypeSell {
			sells = append(sells, s)
		} else {
			buys = append(buys, s)
		}
	}
	for _, s := range grid.Interleave(sells, buys) {
		c := sizes[s.ID]
		if err := r.create(ctx, account, c); err != nil {
			res.Failed++
			r.logger.Error("Failed to place order", "slot", c.SlotID, "side", c.Type, "size", c.Size.String(), "error", err)
			continue
		}
		res.Created++
	}

	r.logger.Info("Reconciliation executed",
		"created", res.Created, "updated", res.Updated, "cancelled", res.Cancelled, "failed", res.Failed)
	return res
}

func (r *Reconciler) create(ctx context.Context, account string, c CreateOp) error {
	req, err := r.manager.Request(c.SlotID, c.Size)
	if err != nil {
		return err
	}
	id, err := r.gateway.CreateOrder(ctx, account, r.key, req)
	if err != nil {
		return err
	}
	return r.manager.ActivateSlot(core.CreateAction{SlotID: c.SlotID, Size: c.Size}, id)
}
