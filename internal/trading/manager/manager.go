// Package manager owns the grid, fund accounting and the numeric policy for
// placing, resizing and rotating orders.
package manager

import (
	"context"
	"fmt"
	"sync"

	"gridmaker/internal/core"
	"gridmaker/internal/trading/grid"
	apperrors "gridmaker/pkg/errors"
	"gridmaker/pkg/telemetry"
	"gridmaker/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// OrderManager owns one engine instance's grid and funds. Mutating callers
// are expected to hold the fill-processing lock; the internal mutex only
// protects concurrent readers such as health checks.
type OrderManager struct {
	mu       sync.RWMutex
	settings Settings
	grid     *grid.Grid
	funds    core.Funds

	// shadow locks for orders referenced by an in-flight batch
	locked map[string]struct{}

	store   core.IGridStore
	logger  core.ILogger
	metrics *telemetry.GridMetrics
}

// NewOrderManager creates a manager with an empty grid
func NewOrderManager(settings Settings, store core.IGridStore, logger core.ILogger, metrics *telemetry.GridMetrics) *OrderManager {
	g, _ := grid.New(nil)
	if metrics == nil {
		metrics = telemetry.NopGridMetrics(settings.Bot)
	}
	return &OrderManager{
		settings: settings,
		grid:     g,
		locked:   make(map[string]struct{}),
		store:    store,
		logger:   logger.WithField("component", "order_manager").WithField("bot", settings.Bot),
		metrics:  metrics,
	}
}

// Settings returns the manager settings
func (m *OrderManager) Settings() Settings { return m.settings }

// Grid exposes the ladder. Callers must hold the fill-processing lock.
func (m *OrderManager) Grid() *grid.Grid { return m.grid }

// Funds returns a copy of the fund counters
func (m *OrderManager) Funds() core.Funds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.funds
}

// Snapshot returns a copy of every slot
func (m *OrderManager) Snapshot() []core.OrderSlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grid.Snapshot()
}

// Budget is the amount of a side's total balance allocated to the grid
func (m *OrderManager) budget(t core.OrderType) decimal.Decimal {
	alloc, ok := m.settings.Allocation[t]
	if !ok {
		return m.funds.Wallet.Get(t)
	}
	return alloc.Resolve(m.funds.Wallet.Get(t))
}

// Regenerate replaces the grid with a fresh all-virtual ladder sized from the
// current wallet. Cache funds are folded back into the budget.
func (m *OrderManager) Regenerate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.settings.Grid
	p.Budget = core.SideAmounts{Buy: m.budget(core.OrderTypeBuy), Sell: m.budget(core.OrderTypeSell)}
	g, err := grid.Generate(p)
	if err != nil {
		return fmt.Errorf("failed to generate grid: %w", err)
	}
	m.grid = g
	m.funds.CacheFunds = core.SideAmounts{}
	m.recalculate()

	m.logger.Info("Grid regenerated",
		"buy_slots", len(g.Side(core.OrderTypeBuy)),
		"sell_slots", len(g.Side(core.OrderTypeSell)),
		"buy_budget", p.Budget.Buy.String(),
		"sell_budget", p.Budget.Sell.String())
	return nil
}

// Restore loads a persisted snapshot and fund counters
func (m *OrderManager) Restore(slots []core.OrderSlot, cacheFunds core.SideAmounts, feesOwed decimal.Decimal) error {
	g, err := grid.New(slots)
	if err != nil {
		return fmt.Errorf("failed to restore grid: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grid = g
	m.funds.CacheFunds = core.SideAmounts{
		Buy:  tradingutils.NonNegative(cacheFunds.Buy),
		Sell: tradingutils.NonNegative(cacheFunds.Sell),
	}
	m.funds.FeesOwed = tradingutils.NonNegative(feesOwed)
	m.recalculate()
	return nil
}

// SetWallet records a fresh balance snapshot and recomputes fund totals
func (m *OrderManager) SetWallet(b core.Balances) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funds.Wallet = b.Total
	m.recalculate()
	// Free balance bounds what can still be placed
	for _, t := range []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell} {
		m.funds.Available.Set(t, tradingutils.Min(m.funds.Available.Get(t), b.Free.Get(t)))
	}
}

// RecalculateFunds recomputes committed and available amounts from the grid
func (m *OrderManager) RecalculateFunds() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recalculate()
}

func (m *OrderManager) recalculate() {
	m.funds.Committed = m.grid.Committed()
	for _, t := range []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell} {
		free := m.budget(t).Sub(m.funds.Committed.Get(t)).Sub(m.funds.CacheFunds.Get(t))
		m.funds.Available.Set(t, tradingutils.NonNegative(free))
	}
	m.metrics.SetActiveOrders(string(core.OrderTypeBuy), m.grid.OnChainCount(core.OrderTypeBuy))
	m.metrics.SetActiveOrders(string(core.OrderTypeSell), m.grid.OnChainCount(core.OrderTypeSell))
}

// Request builds the venue request for placing size on a slot
func (m *OrderManager) Request(slotID string, size decimal.Decimal) (core.OrderRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.grid.Get(slotID)
	if !ok {
		return core.OrderRequest{}, fmt.Errorf("%w: %s", apperrors.ErrSlotNotFound, slotID)
	}
	return m.request(s, size), nil
}

func (m *OrderManager) request(s core.OrderSlot, size decimal.Decimal) core.OrderRequest {
	req := core.OrderRequest{Type: s.Type, Price: s.Price, Size: size}
	if s.Type == core.OrderTypeBuy {
		req.SellAssetID, req.ReceiveAssetID = m.settings.QuoteAsset, m.settings.BaseAsset
	} else {
		req.SellAssetID, req.ReceiveAssetID = m.settings.BaseAsset, m.settings.QuoteAsset
	}
	return req
}

// IdealSize is the size the slot would get in a freshly generated grid
func (m *OrderManager) IdealSize(slotID string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idealSize(slotID)
}

func (m *OrderManager) idealSize(slotID string) decimal.Decimal {
	s, ok := m.grid.Get(slotID)
	if !ok {
		return decimal.Zero
	}
	sizes := m.idealSizes(s.Type)
	rank := m.grid.Rank(slotID)
	if rank < 0 || rank >= len(sizes) {
		return decimal.Zero
	}
	return sizes[rank]
}

func (m *OrderManager) idealSizes(t core.OrderType) []decimal.Decimal {
	incr, _ := m.settings.Grid.Increment.Float64()
	weight, _ := m.settings.Grid.Weight.Get(t).Float64()
	return grid.IdealSizes(len(m.grid.Side(t)), m.budget(t), incr, weight, m.settings.Precision(t))
}

// AccrueFees adds a batch's fees to the owed counter
func (m *OrderManager) AccrueFees(fee decimal.Decimal) {
	if !fee.IsPositive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funds.FeesOwed = m.funds.FeesOwed.Add(fee)
}

// LockOrders shadows order ids for the duration of a batch
func (m *OrderManager) LockOrders(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.locked[id] = struct{}{}
	}
}

// UnlockOrders releases shadowed order ids
func (m *OrderManager) UnlockOrders(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.locked, id)
	}
}

// IsOrderLocked reports whether an order is referenced by an in-flight batch
func (m *OrderManager) IsOrderLocked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.locked[id]
	return ok
}

// Persist writes the snapshot with the cache funds and fees that produced it
func (m *OrderManager) Persist(ctx context.Context) error {
	m.mu.RLock()
	slots := m.grid.Snapshot()
	cache := m.funds.CacheFunds
	fees := m.funds.FeesOwed
	m.mu.RUnlock()

	if err := m.store.StoreGrid(ctx, slots, cache, fees); err != nil {
		return fmt.Errorf("failed to persist grid: %w", err)
	}
	return nil
}
