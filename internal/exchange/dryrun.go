package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gridmaker/internal/core"
	apperrors "gridmaker/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DryRunGateway passes reads through to the wrapped gateway and fabricates
// the results of every mutation locally. Fabricated changes are overlaid on
// open-order reads so the engine sees a consistent venue.
type DryRunGateway struct {
	inner  core.IExchangeGateway
	logger core.ILogger

	mu        sync.Mutex
	created   map[string]core.RemoteOrder
	updated   map[string]core.RemoteOrder
	cancelled map[string]bool
}

// NewDryRunGateway wraps inner
func NewDryRunGateway(inner core.IExchangeGateway, logger core.ILogger) *DryRunGateway {
	return &DryRunGateway{
		inner:     inner,
		logger:    logger.WithField("component", "dry_run_gateway"),
		created:   make(map[string]core.RemoteOrder),
		updated:   make(map[string]core.RemoteOrder),
		cancelled: make(map[string]bool),
	}
}

func (g *DryRunGateway) CheckHealth(ctx context.Context) error {
	return g.inner.CheckHealth(ctx)
}

func (g *DryRunGateway) ReadOpenOrders(ctx context.Context, account string) ([]core.RemoteOrder, error) {
	remote, err := g.inner.ReadOpenOrders(ctx, account)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.RemoteOrder, 0, len(remote)+len(g.created))
	for _, o := range remote {
		if g.cancelled[o.ID] {
			continue
		}
		if u, ok := g.updated[o.ID]; ok {
			o = u
		}
		out = append(out, o)
	}
	fabricated := make([]core.RemoteOrder, 0, len(g.created))
	for _, o := range g.created {
		fabricated = append(fabricated, o)
	}
	sort.Slice(fabricated, func(i, j int) bool { return fabricated[i].ID < fabricated[j].ID })
	return append(out, fabricated...), nil
}

func (g *DryRunGateway) ReadBalances(ctx context.Context, account string) (core.Balances, error) {
	return g.inner.ReadBalances(ctx, account)
}

func (g *DryRunGateway) ReadFillHistory(ctx context.Context, account string, orderIDs []string) ([]core.FillEvent, error) {
	return g.inner.ReadFillHistory(ctx, account, orderIDs)
}

func (g *DryRunGateway) CreateOrder(ctx context.Context, account, key string, req core.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.create(req), nil
}

func (g *DryRunGateway) create(req core.OrderRequest) string {
	id := "dry-" + uuid.NewString()
	g.created[id] = core.RemoteOrder{ID: id, Type: req.Type, Price: req.Price, Size: req.Size}
	g.logger.Info("Dry run: order not placed", "order_id", id, "side", req.Type,
		"price", req.Price.String(), "size", req.Size.String())
	return id
}

func (g *DryRunGateway) CancelOrder(ctx context.Context, account, key, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled[orderID] {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if _, ok := g.created[orderID]; ok {
		delete(g.created, orderID)
	} else {
		g.cancelled[orderID] = true
		delete(g.updated, orderID)
	}
	g.logger.Info("Dry run: order not cancelled", "order_id", orderID)
	return nil
}

func (g *DryRunGateway) BuildCreateOrderOp(account string, req core.OrderRequest) (core.Operation, error) {
	return g.inner.BuildCreateOrderOp(account, req)
}

func (g *DryRunGateway) BuildUpdateOrderOp(account, orderID string, req core.OrderRequest) (core.Operation, error) {
	return g.inner.BuildUpdateOrderOp(account, orderID, req)
}

func (g *DryRunGateway) ExecuteBatch(ctx context.Context, account, key string, ops []core.Operation) ([]core.OperationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	results := make([]core.OperationResult, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case core.OpCreate:
			results[i].OrderID = g.create(op.Request)
		case core.OpUpdate:
			o := core.RemoteOrder{ID: op.OrderID, Type: op.Request.Type, Price: op.Request.Price, Size: op.Request.Size}
			if _, ok := g.created[op.OrderID]; ok {
				g.created[op.OrderID] = o
			} else {
				g.updated[op.OrderID] = o
			}
			results[i].OrderID = op.OrderID
		}
		results[i].Fee = decimal.Zero
	}
	g.logger.Info("Dry run: batch not submitted", "operations", len(ops))
	return results, nil
}

func (g *DryRunGateway) ListenForFills(ctx context.Context, account string, callback func([]core.FillEvent)) error {
	return g.inner.ListenForFills(ctx, account, callback)
}

func (g *DryRunGateway) FillProcessingMode() core.FillProcessingMode {
	return g.inner.FillProcessingMode()
}
