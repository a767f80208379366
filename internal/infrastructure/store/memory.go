// Package store implements core.IGridStore on SQLite and in memory
package store

import (
	"context"
	"sync"
	"time"

	"gridmaker/internal/core"

	"github.com/shopspring/decimal"
)

// MemoryStore implements core.IGridStore in memory
type MemoryStore struct {
	mu         sync.RWMutex
	slots      []core.OrderSlot
	cacheFunds core.SideAmounts
	feesOwed   decimal.Decimal
	fills      map[string]time.Time

	// StoreCalls counts StoreGrid invocations
	StoreCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fills: make(map[string]time.Time)}
}

func (s *MemoryStore) LoadGrid(ctx context.Context) ([]core.OrderSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.slots == nil {
		return nil, nil
	}
	return append([]core.OrderSlot(nil), s.slots...), nil
}

func (s *MemoryStore) StoreGrid(ctx context.Context, slots []core.OrderSlot, cacheFunds core.SideAmounts, feesOwed decimal.Decimal) error {
	if err := checkNonNegative(cacheFunds, feesOwed); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(make([]core.OrderSlot, 0, len(slots)), slots...)
	s.cacheFunds = cacheFunds
	s.feesOwed = feesOwed
	s.StoreCalls++
	return nil
}

func (s *MemoryStore) LoadCacheFunds(ctx context.Context) (core.SideAmounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheFunds, nil
}

func (s *MemoryStore) UpdateCacheFunds(ctx context.Context, cacheFunds core.SideAmounts) error {
	if err := checkNonNegative(cacheFunds, decimal.Zero); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheFunds = cacheFunds
	return nil
}

func (s *MemoryStore) LoadFeesOwed(ctx context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feesOwed, nil
}

func (s *MemoryStore) UpdateFeesOwed(ctx context.Context, feesOwed decimal.Decimal) error {
	if err := checkNonNegative(core.SideAmounts{}, feesOwed); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feesOwed = feesOwed
	return nil
}

func (s *MemoryStore) LoadProcessedFills(ctx context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.fills))
	for k, v := range s.fills {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) UpdateProcessedFillsBatch(ctx context.Context, fills map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fills {
		s.fills[k] = v
	}
	return nil
}

func (s *MemoryStore) PruneProcessedFillsOlderThan(ctx context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	n := 0
	for k, v := range s.fills {
		if v.Before(cutoff) {
			delete(s.fills, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
