package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridmaker/internal/core"
	apperrors "gridmaker/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange is an in-memory venue implementing core.IExchangeGateway. Orders
// can be seeded, filled and failed on demand; every call is recorded.
type Exchange struct {
	mu       sync.Mutex
	orders   map[string]core.RemoteOrder
	balances core.Balances
	history  []core.FillEvent
	counter  int
	mode     core.FillProcessingMode
	listener func([]core.FillEvent)
	calls    map[string]int
	batches  [][]core.Operation

	// Failure injection
	HealthErr    error
	ReadOpenErr  error
	BatchErr     error
	CreateErr    func(req core.OrderRequest) error
	CancelErr    map[string]error
	FeePerOp     decimal.Decimal
	OmitResultID bool
	OmitCreateID bool

	// OnBatch runs after a successful batch, outside the lock
	OnBatch func(ops []core.Operation)
}

// NewExchange creates an empty venue in history fill mode
func NewExchange() *Exchange {
	return &Exchange{
		orders:    make(map[string]core.RemoteOrder),
		mode:      core.FillModeHistory,
		calls:     make(map[string]int),
		CancelErr: make(map[string]error),
	}
}

func (e *Exchange) record(name string) {
	e.calls[name]++
}

func (e *Exchange) nextID() string {
	e.counter++
	return fmt.Sprintf("1.7.%d", e.counter)
}

// SetMode selects the fill processing mode reported to the engine
func (e *Exchange) SetMode(mode core.FillProcessingMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// SetBalances sets the wallet returned by ReadBalances
func (e *Exchange) SetBalances(b core.Balances) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances = b
}

// AddOrder seeds an open order; an empty ID gets a fresh one
func (e *Exchange) AddOrder(o core.RemoteOrder) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.ID == "" {
		o.ID = e.nextID()
	}
	e.orders[o.ID] = o
	return o.ID
}

// Orders returns open orders sorted by id
func (e *Exchange) Orders() []core.RemoteOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedOrders()
}

func (e *Exchange) sortedOrders() []core.RemoteOrder {
	out := make([]core.RemoteOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Order returns one open order
func (e *Exchange) Order(id string) (core.RemoteOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	return o, ok
}

// Fill consumes amount of an open order, records the event in the history
// and pushes it to the registered listener
func (e *Exchange) Fill(orderID string, amount decimal.Decimal, blockNum uint64, eventID string) core.FillEvent {
	return e.fill(orderID, amount, blockNum, eventID, true)
}

// FillOffline is Fill without the push: the event only reaches the history
func (e *Exchange) FillOffline(orderID string, amount decimal.Decimal, blockNum uint64, eventID string) core.FillEvent {
	return e.fill(orderID, amount, blockNum, eventID, false)
}

func (e *Exchange) fill(orderID string, amount decimal.Decimal, blockNum uint64, eventID string, push bool) core.FillEvent {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	ev := core.FillEvent{OrderID: orderID, BlockNum: blockNum, EventID: eventID, IsMaker: true, Timestamp: time.Now()}
	if ok {
		amount = decimal.Min(amount, o.Size)
		ev.Paid = amount
		if o.Type == core.OrderTypeSell {
			ev.Received = amount.Mul(o.Price)
		} else {
			ev.Received = amount.Div(o.Price)
		}
		o.Size = o.Size.Sub(amount)
		if o.Size.IsPositive() {
			e.orders[orderID] = o
		} else {
			delete(e.orders, orderID)
		}
	}
	e.history = append(e.history, ev)
	listener := e.listener
	e.mu.Unlock()

	if push && listener != nil {
		listener([]core.FillEvent{ev})
	}
	return ev
}

// Emit pushes raw events to the listener without touching orders
func (e *Exchange) Emit(events ...core.FillEvent) {
	e.mu.Lock()
	e.history = append(e.history, events...)
	listener := e.listener
	e.mu.Unlock()
	if listener != nil {
		listener(events)
	}
}

// CallCount returns how often a gateway method was called
func (e *Exchange) CallCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[name]
}

// Batches returns every submitted batch
func (e *Exchange) Batches() [][]core.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]core.Operation(nil), e.batches...)
}

// MutationCount sums create, cancel and batch calls
func (e *Exchange) MutationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls["CreateOrder"] + e.calls["CancelOrder"] + e.calls["ExecuteBatch"]
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("CheckHealth")
	return e.HealthErr
}

func (e *Exchange) ReadOpenOrders(ctx context.Context, account string) ([]core.RemoteOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ReadOpenOrders")
	if e.ReadOpenErr != nil {
		return nil, e.ReadOpenErr
	}
	return e.sortedOrders(), nil
}

func (e *Exchange) ReadBalances(ctx context.Context, account string) (core.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ReadBalances")
	return e.balances, nil
}

func (e *Exchange) ReadFillHistory(ctx context.Context, account string, orderIDs []string) ([]core.FillEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ReadFillHistory")
	want := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		want[id] = true
	}
	var out []core.FillEvent
	for _, ev := range e.history {
		if len(want) == 0 || want[ev.OrderID] {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (e *Exchange) CreateOrder(ctx context.Context, account, key string, req core.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("CreateOrder")
	if e.CreateErr != nil {
		if err := e.CreateErr(req); err != nil {
			return "", err
		}
	}
	id := e.nextID()
	e.orders[id] = core.RemoteOrder{ID: id, Type: req.Type, Price: req.Price, Size: req.Size}
	return id, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, account, key, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("CancelOrder")
	if err := e.CancelErr[orderID]; err != nil {
		return err
	}
	if _, ok := e.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	delete(e.orders, orderID)
	return nil
}

func (e *Exchange) BuildCreateOrderOp(account string, req core.OrderRequest) (core.Operation, error) {
	return core.Operation{Kind: core.OpCreate, Account: account, Request: req}, nil
}

func (e *Exchange) BuildUpdateOrderOp(account, orderID string, req core.OrderRequest) (core.Operation, error) {
	return core.Operation{Kind: core.OpUpdate, Account: account, OrderID: orderID, Request: req}, nil
}

// ExecuteBatch applies all operations atomically: any invalid operation
// rejects the whole batch
func (e *Exchange) ExecuteBatch(ctx context.Context, account, key string, ops []core.Operation) ([]core.OperationResult, error) {
	e.mu.Lock()
	e.record("ExecuteBatch")
	if e.BatchErr != nil {
		e.mu.Unlock()
		return nil, e.BatchErr
	}
	for _, op := range ops {
		if op.Kind != core.OpCreate {
			if _, ok := e.orders[op.OrderID]; !ok {
				e.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", apperrors.ErrBatchRejected, op.OrderID)
			}
		}
	}

	results := make([]core.OperationResult, len(ops))
	for i, op := range ops {
		id := op.OrderID
		switch op.Kind {
		case core.OpCreate:
			id = e.nextID()
			e.orders[id] = core.RemoteOrder{ID: id, Type: op.Request.Type, Price: op.Request.Price, Size: op.Request.Size}
		case core.OpUpdate:
			o := e.orders[id]
			o.Price, o.Size = op.Request.Price, op.Request.Size
			e.orders[id] = o
		}
		results[i] = core.OperationResult{OrderID: id, Fee: e.FeePerOp}
		if (e.OmitResultID && op.Kind != core.OpCreate) || (e.OmitCreateID && op.Kind == core.OpCreate) {
			results[i].OrderID = ""
		}
	}
	e.batches = append(e.batches, ops)
	hook := e.OnBatch
	e.mu.Unlock()

	if hook != nil {
		hook(ops)
	}
	return results, nil
}

func (e *Exchange) ListenForFills(ctx context.Context, account string, callback func([]core.FillEvent)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ListenForFills")
	e.listener = callback
	return nil
}

func (e *Exchange) FillProcessingMode() core.FillProcessingMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}
