// Package core defines the core interfaces for the grid engine
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchangeGateway is the venue contract used by the engine
type IExchangeGateway interface {
	CheckHealth(ctx context.Context) error

	ReadOpenOrders(ctx context.Context, account string) ([]RemoteOrder, error)
	ReadBalances(ctx context.Context, account string) (Balances, error)
	ReadFillHistory(ctx context.Context, account string, orderIDs []string) ([]FillEvent, error)

	CreateOrder(ctx context.Context, account, key string, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, account, key, orderID string) error

	BuildCreateOrderOp(account string, req OrderRequest) (Operation, error)
	BuildUpdateOrderOp(account, orderID string, req OrderRequest) (Operation, error)
	ExecuteBatch(ctx context.Context, account, key string, ops []Operation) ([]OperationResult, error)

	// ListenForFills registers a push callback. The callback must not block.
	ListenForFills(ctx context.Context, account string, callback func([]FillEvent)) error
	FillProcessingMode() FillProcessingMode
}

// IGridStore is the durable per-instance store. All mutating calls are
// serialized and re-read the stored row before writing.
type IGridStore interface {
	LoadGrid(ctx context.Context) ([]OrderSlot, error)
	StoreGrid(ctx context.Context, slots []OrderSlot, cacheFunds SideAmounts, feesOwed decimal.Decimal) error

	LoadCacheFunds(ctx context.Context) (SideAmounts, error)
	UpdateCacheFunds(ctx context.Context, cacheFunds SideAmounts) error

	LoadFeesOwed(ctx context.Context) (decimal.Decimal, error)
	UpdateFeesOwed(ctx context.Context, feesOwed decimal.Decimal) error

	LoadProcessedFills(ctx context.Context) (map[string]time.Time, error)
	UpdateProcessedFillsBatch(ctx context.Context, fills map[string]time.Time) error
	PruneProcessedFillsOlderThan(ctx context.Context, age time.Duration) (int, error)

	Close() error
}

// IBatchExecutor submits a rebalance plan as one atomic venue batch
type IBatchExecutor interface {
	Execute(ctx context.Context, plan Plan) BatchResult
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
