// Package managertest provides order manager fixtures for tests of the
// packages built on top of it.
package managertest

import (
	"testing"

	"gridmaker/internal/config"
	"gridmaker/internal/core"
	"gridmaker/internal/infrastructure/store"
	"gridmaker/internal/mock"
	"gridmaker/internal/trading/grid"
	"gridmaker/internal/trading/manager"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// D parses a decimal literal
func D(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Settings returns a 0.5..2 grid around 1 with 1% increments, targets of
// two orders per side and a minimum order size of 5 on both sides
func Settings() manager.Settings {
	full := config.Allocation{Percent: true, Value: D("100")}
	return manager.Settings{
		Bot:        "test",
		Account:    "1.2.100",
		BaseAsset:  "1.3.0",
		QuoteAsset: "1.3.121",
		Grid: grid.Params{
			StartPrice:     D("1"),
			MinPrice:       D("0.5"),
			MaxPrice:       D("2"),
			Increment:      D("0.01"),
			TargetSpread:   D("0.02"),
			PricePrecision: 6,
			BasePrecision:  4,
			QuotePrecision: 4,
		},
		Allocation: map[core.OrderType]config.Allocation{
			core.OrderTypeBuy:  full,
			core.OrderTypeSell: full,
		},
		TargetActive:            manager.SideCount{Buy: 2, Sell: 2},
		MinOrderSize:            core.SideAmounts{Buy: D("5"), Sell: D("5")},
		SpreadToleranceMultiple: D("2"),
		DivergenceThreshold:     10,
		MatchTolerance:          D("0.001"),
	}
}

// Prices of the Ladder slots, closest to market first
var Prices = map[core.OrderType][]string{
	core.OrderTypeBuy:  {"0.99", "0.98", "0.97"},
	core.OrderTypeSell: {"1.01", "1.02", "1.03"},
}

// Ladder builds 3 buy and 3 sell virtual slots of size 10. bind maps slot
// ids to order ids for slots that should be active.
func Ladder(bind map[string]string) []core.OrderSlot {
	var slots []core.OrderSlot
	for _, t := range []core.OrderType{core.OrderTypeBuy, core.OrderTypeSell} {
		for i, p := range Prices[t] {
			s := core.OrderSlot{ID: grid.SlotID(t, i), Type: t, State: core.OrderStateVirtual, Price: D(p), Size: D("10")}
			if id, ok := bind[s.ID]; ok {
				s.State, s.OrderID = core.OrderStateActive, id
			}
			slots = append(slots, s)
		}
	}
	return slots
}

// New restores slots and cache into a manager backed by a memory store,
// with a wallet of 30 on both sides
func New(t *testing.T, settings manager.Settings, slots []core.OrderSlot, cache core.SideAmounts) (*manager.OrderManager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	m := manager.NewOrderManager(settings, st, mock.NewLogger(), nil)
	require.NoError(t, m.Restore(slots, cache, decimal.Zero))
	m.SetWallet(core.Balances{
		Free:  core.SideAmounts{Buy: D("30"), Sell: D("30")},
		Total: core.SideAmounts{Buy: D("30"), Sell: D("30")},
	})
	return m, st
}

// Seed places an open order on the exchange for every bound slot
func Seed(ex *mock.Exchange, slots []core.OrderSlot) {
	for _, s := range slots {
		if s.OrderID != "" {
			ex.AddOrder(core.RemoteOrder{ID: s.OrderID, Type: s.Type, Price: s.Price, Size: s.Size})
		}
	}
}
