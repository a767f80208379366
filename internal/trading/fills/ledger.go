package fills

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gridmaker/internal/core"
)

// Ledger is the durable dedupe record of processed fills. Keys accepted
// since the last Flush are written in one batch.
type Ledger struct {
	mu        sync.Mutex
	store     core.IGridStore
	seen      map[string]time.Time
	pending   map[string]time.Time
	retention time.Duration

	pruneProbability float64
	random           func() float64

	logger core.ILogger
}

// NewLedger creates an empty ledger. A key stays a duplicate until it is
// pruned after retention; window is the minimum retention.
func NewLedger(store core.IGridStore, window, retention time.Duration, pruneProbability float64, logger core.ILogger) *Ledger {
	if retention < window {
		retention = window
	}
	return &Ledger{
		store:            store,
		seen:             make(map[string]time.Time),
		pending:          make(map[string]time.Time),
		retention:        retention,
		pruneProbability: pruneProbability,
		random:           rand.Float64,
		logger:           logger.WithField("component", "fill_ledger"),
	}
}

// Load reads the persisted ledger
func (l *Ledger) Load(ctx context.Context) error {
	fills, err := l.store.LoadProcessedFills(ctx)
	if err != nil {
		return fmt.Errorf("failed to load processed fills: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ts := range fills {
		l.seen[k] = ts
	}
	l.logger.Info("Fill ledger loaded", "entries", len(fills))
	return nil
}

// Accept records key at now unless the ledger still holds it, including
// keys loaded from the store at startup. It reports whether the key is new.
func (l *Ledger) Accept(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = now
	l.pending[key] = now
	return true
}

// Forget drops a key accepted since the last flush so it can be accepted again
func (l *Ledger) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[key]; !ok {
		return
	}
	delete(l.pending, key)
	delete(l.seen, key)
}

// Len is the number of keys held in memory
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Flush persists keys accepted since the last flush and, with the configured
// probability, prunes entries older than the retention period.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = make(map[string]time.Time)
	l.mu.Unlock()

	if len(batch) > 0 {
		if err := l.store.UpdateProcessedFillsBatch(ctx, batch); err != nil {
			l.mu.Lock()
			for k, ts := range batch {
				l.pending[k] = ts
			}
			l.mu.Unlock()
			return fmt.Errorf("failed to persist processed fills: %w", err)
		}
	}

	if l.random() >= l.pruneProbability {
		return nil
	}
	return l.Prune(ctx, time.Now())
}

// Prune drops entries older than the retention period from memory and store
func (l *Ledger) Prune(ctx context.Context, now time.Time) error {
	l.mu.Lock()
	for k, ts := range l.seen {
		if now.Sub(ts) > l.retention {
			delete(l.seen, k)
		}
	}
	l.mu.Unlock()

	n, err := l.store.PruneProcessedFillsOlderThan(ctx, l.retention)
	if err != nil {
		return fmt.Errorf("failed to prune processed fills: %w", err)
	}
	if n > 0 {
		l.logger.Debug("Pruned processed fills", "removed", n, "retention", l.retention.String())
	}
	return nil
}
