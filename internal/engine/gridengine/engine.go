// Package gridengine runs the lifecycle of one grid engine instance:
// startup resume or regeneration, the periodic account refresh and
// graceful shutdown.
package gridengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridmaker/internal/core"
	"gridmaker/internal/trading/fills"
	"gridmaker/internal/trading/manager"
	"gridmaker/internal/trading/reconcile"
	"gridmaker/pkg/concurrency"
	apperrors "gridmaker/pkg/errors"
	"gridmaker/pkg/retry"
	"gridmaker/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GridEngine owns the startup and steady-state loop of one tracked account
type GridEngine struct {
	cfg Config

	gateway    core.IExchangeGateway
	store      core.IGridStore
	manager    *manager.OrderManager
	reconciler *reconcile.Reconciler
	processor  *fills.Processor
	ledger     *fills.Ledger

	fillLock       *concurrency.Guard
	divergenceLock *concurrency.Guard

	policy  retry.RetryPolicy
	logger  core.ILogger
	tracer  trace.Tracer
	metrics *telemetry.GridMetrics

	mu         sync.Mutex
	started    bool
	stopFills  context.CancelFunc
	lastReport Report
}

// Deps are the collaborators of a GridEngine
type Deps struct {
	Gateway        core.IExchangeGateway
	Store          core.IGridStore
	Manager        *manager.OrderManager
	Reconciler     *reconcile.Reconciler
	Processor      *fills.Processor
	Ledger         *fills.Ledger
	FillLock       *concurrency.Guard
	DivergenceLock *concurrency.Guard
	Metrics        *telemetry.GridMetrics
}

// Report summarizes the last startup or refresh cycle
type Report struct {
	Decision  reconcile.StartupDecision
	Credited  int
	Retired   int
	Repaired  int
	Cleared   int
	Reconcile reconcile.Result
	At        time.Time
}

func NewGridEngine(cfg Config, deps Deps, logger core.ILogger) *GridEngine {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopGridMetrics(deps.Manager.Settings().Bot)
	}
	return &GridEngine{
		cfg:            cfg.withDefaults(),
		gateway:        deps.Gateway,
		store:          deps.Store,
		manager:        deps.Manager,
		reconciler:     deps.Reconciler,
		processor:      deps.Processor,
		ledger:         deps.Ledger,
		fillLock:       deps.FillLock,
		divergenceLock: deps.DivergenceLock,
		policy:         retry.DefaultPolicy,
		logger:         logger.WithField("component", "grid_engine").WithField("bot", deps.Manager.Settings().Bot),
		tracer:         telemetry.GetTracer("grid-engine"),
		metrics:        metrics,
	}
}

// SetRetryPolicy overrides the policy used for balance reads
func (e *GridEngine) SetRetryPolicy(p retry.RetryPolicy) {
	e.policy = p
}

// LastReport returns the summary of the last startup or refresh
func (e *GridEngine) LastReport() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

func (e *GridEngine) setReport(r Report) {
	e.mu.Lock()
	e.lastReport = r
	e.mu.Unlock()
}

// Start brings the engine to steady state. Every error is fatal for this
// engine instance.
func (e *GridEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.start")
	defer span.End()

	settings := e.manager.Settings()
	e.logger.Info("Starting grid engine", "account", settings.Account, "dry_run", e.cfg.DryRun)

	if e.cfg.Key == "" && !e.cfg.DryRun {
		return fmt.Errorf("account %s: %w", settings.Account, apperrors.ErrMissingCredentials)
	}

	err := retry.WaitFor(ctx, e.cfg.ConnectTimeout, time.Second, func(ctx context.Context) error {
		return e.gateway.CheckHealth(ctx)
	})
	if err != nil {
		return fmt.Errorf("venue unreachable after %s: %w", e.cfg.ConnectTimeout, err)
	}

	var report Report
	err = e.fillLock.Acquire(ctx, func(ctx context.Context) error {
		var err error
		report, err = e.startLocked(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	report.At = time.Now()
	e.setReport(report)
	span.SetAttributes(attribute.String("startup.action", string(report.Decision.Action)))

	fillCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.stopFills = cancel
	e.mu.Unlock()

	e.processor.Start(fillCtx)
	if err := e.gateway.ListenForFills(fillCtx, settings.Account, e.processor.Enqueue); err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to fills: %w", err)
	}

	e.logger.Info("Grid engine started",
		"action", report.Decision.Action,
		"credited", report.Credited,
		"created", report.Reconcile.Created,
		"updated", report.Reconcile.Updated,
		"cancelled", report.Reconcile.Cancelled)
	return nil
}

func (e *GridEngine) startLocked(ctx context.Context) (Report, error) {
	var report Report
	settings := e.manager.Settings()

	if err := e.ledger.Load(ctx); err != nil {
		return report, err
	}
	persisted, err := e.store.LoadGrid(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load grid: %w", err)
	}
	cache, err := e.store.LoadCacheFunds(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load cache funds: %w", err)
	}
	fees, err := e.store.LoadFeesOwed(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load fees owed: %w", err)
	}

	if err := e.refreshWallet(ctx); err != nil {
		return report, err
	}
	open, err := e.reconciler.ReadOpenOrders(ctx)
	if err != nil {
		return report, err
	}

	report.Decision = reconcile.DecideStartup(persisted, open, settings.MatchTolerance)
	e.logger.Info("Startup decision",
		"action", report.Decision.Action,
		"reason", report.Decision.Reason,
		"persisted_slots", len(persisted),
		"open_orders", len(open),
		"matches", len(report.Decision.Matches))

	switch report.Decision.Action {
	case reconcile.ActionRegenerate:
		if err := e.manager.Regenerate(); err != nil {
			return report, err
		}
	case reconcile.ActionResume:
		if err := e.manager.Restore(persisted, cache, fees); err != nil {
			return report, err
		}
		report.Credited = e.manager.CreditMissingOrders(open)
	case reconcile.ActionResumeMatched:
		slots := reconcile.ApplyMatches(persisted, report.Decision.Matches)
		if err := e.manager.Restore(slots, cache, fees); err != nil {
			return report, err
		}
	}

	if err := e.manager.Persist(ctx); err != nil {
		return report, err
	}

	res, err := e.reconciler.Reconcile(ctx)
	report.Reconcile = res
	if err != nil {
		return report, fmt.Errorf("startup reconciliation failed: %w", err)
	}
	if err := e.manager.Persist(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (e *GridEngine) refreshWallet(ctx context.Context) error {
	account := e.manager.Settings().Account
	balances, err := retry.Get(ctx, e.policy, retry.Always, func() (core.Balances, error) {
		return e.gateway.ReadBalances(ctx, account)
	})
	if err != nil {
		return fmt.Errorf("failed to read balances: %w", err)
	}
	e.manager.SetWallet(balances)
	return nil
}

// Refresh runs one account refresh cycle under the fill lock: wallet,
// settlement of orders that left the book unnoticed, inconsistent-slot
// repair, reconciliation and divergence correction
func (e *GridEngine) Refresh(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.refresh")
	defer span.End()

	var report Report
	err := e.fillLock.Acquire(ctx, func(ctx context.Context) error {
		if err := e.refreshWallet(ctx); err != nil {
			return err
		}

		open, err := e.reconciler.ReadOpenOrders(ctx)
		if err != nil {
			return err
		}
		if missing := e.manager.MissingOrders(open); len(missing) > 0 {
			report.Credited, report.Retired = e.settleMissing(ctx, missing)
		}
		if len(e.manager.Grid().Inconsistent()) > 0 {
			report.Repaired, report.Cleared = e.manager.RepairInconsistent(open)
		}

		res, err := e.reconciler.Reconcile(ctx)
		report.Reconcile = res
		if err != nil {
			return err
		}

		return e.divergenceLock.Acquire(ctx, func(ctx context.Context) error {
			return e.processor.CorrectDivergence(ctx)
		})
	})
	report.At = time.Now()
	e.setReport(report)
	if err != nil {
		span.RecordError(err)
		e.logger.Error("Refresh cycle failed", "error", err)
		return err
	}
	if report.Credited+report.Retired+report.Repaired+report.Cleared+
		report.Reconcile.Created+report.Reconcile.Cancelled+report.Reconcile.Updated > 0 {
		e.logger.Info("Refresh cycle changed the grid",
			"credited", report.Credited,
			"retired", report.Retired,
			"repaired", report.Repaired,
			"cleared", report.Cleared,
			"created", report.Reconcile.Created,
			"updated", report.Reconcile.Updated,
			"cancelled", report.Reconcile.Cancelled,
			"failed", report.Reconcile.Failed)
	}
	return nil
}

// settleMissing credits fills of vanished orders found in the venue's fill
// history and retires the rest. Without history the slots are kept until
// the next cycle.
func (e *GridEngine) settleMissing(ctx context.Context, missing []core.OrderSlot) (credited, retired int) {
	ids := make([]string, len(missing))
	for i, s := range missing {
		ids[i] = s.OrderID
	}
	history, err := retry.Get(ctx, e.policy, retry.Always, func() ([]core.FillEvent, error) {
		return e.gateway.ReadFillHistory(ctx, e.manager.Settings().Account, ids)
	})
	if err != nil {
		e.logger.Warn("Fill history unavailable, vanished orders kept for next refresh", "orders", ids, "error", err)
		return 0, 0
	}

	// Fills the stream already delivered were credited by the processor
	now := time.Now()
	var unseen []core.FillEvent
	for _, ev := range history {
		if e.ledger.Accept(ev.Key(), now) {
			unseen = append(unseen, ev)
		}
	}

	credited, retired = e.manager.SettleMissingOrders(missing, unseen)
	if err := e.ledger.Flush(ctx); err != nil {
		e.logger.Error("Failed to flush fill ledger", "error", err)
	}
	if err := e.manager.Persist(ctx); err != nil {
		e.logger.Error("Failed to persist grid after settling vanished orders", "error", err)
	}
	return credited, retired
}

// Run starts the engine and refreshes it periodically until ctx is done,
// then shuts down
func (e *GridEngine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		e.logger.Error("Grid engine failed to start", "error", err)
		return err
	}

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return e.Shutdown(context.Background())
		case <-ticker.C:
			_ = e.Refresh(ctx)
		}
	}
}

// Shutdown waits for the current fill-lock holder, then persists the grid
// and the dedupe ledger. It has no timeout.
func (e *GridEngine) Shutdown(ctx context.Context) error {
	e.logger.Info("Shutting down grid engine")

	var persistErr error
	err := e.fillLock.Acquire(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		if e.stopFills != nil {
			e.stopFills()
			e.stopFills = nil
		}
		e.mu.Unlock()

		if err := e.manager.Persist(ctx); err != nil {
			persistErr = err
			e.logger.Error("Failed to persist grid on shutdown", "error", err)
		}
		if err := e.ledger.Flush(ctx); err != nil {
			e.logger.Error("Failed to flush fill ledger on shutdown", "error", err)
			if persistErr == nil {
				persistErr = err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	depth := e.processor.QueueLen()
	if depth > 0 {
		e.logger.Warn("Shutdown with unprocessed fills", "queue_depth", depth)
	}
	e.logger.Info("Grid engine stopped", "queue_depth", depth)
	return persistErr
}

// CheckHealth reports venue reachability
func (e *GridEngine) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.gateway.CheckHealth(ctx)
}

// QueueDepth is the number of fills waiting for the consumer
func (e *GridEngine) QueueDepth() int {
	return e.processor.QueueLen()
}
