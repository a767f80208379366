package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gridmaker/internal/bootstrap"
	"gridmaker/internal/config"
	"gridmaker/internal/core"
	"gridmaker/internal/engine/gridengine"
	"gridmaker/internal/exchange"
	"gridmaker/internal/infrastructure/health"
	"gridmaker/internal/infrastructure/metrics"
	"gridmaker/internal/infrastructure/store"
	"gridmaker/internal/trading/fills"
	"gridmaker/internal/trading/manager"
	"gridmaker/internal/trading/order"
	"gridmaker/internal/trading/reconcile"
	"gridmaker/pkg/concurrency"
	"gridmaker/pkg/telemetry"
)

var version = "dev"

// maxHealthyQueue is the fill backlog above which a bot reports unhealthy
const maxHealthyQueue = 500

func main() {
	configFile := flag.String("config", "configs/gridmaker.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gridmaker", version)
		return
	}
	if env := os.Getenv("GRIDMAKER_CONFIG"); env != "" {
		*configFile = env
	}

	app, err := bootstrap.NewApp(*configFile, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger
	logger.Info("Starting gridmaker", "version", version, "config", *configFile, "bots", len(app.Cfg.Bots))

	if err := os.MkdirAll(app.Cfg.App.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", "dir", app.Cfg.App.DataDir, "error", err)
	}

	hm := health.NewHealthManager(logger)
	var runners []bootstrap.Runner
	var closers []func() error

	for _, bot := range app.Cfg.Bots {
		eng, closeBot, err := buildBot(app.Cfg, bot, hm, logger)
		if err != nil {
			logger.Fatal("Failed to build bot", "bot", bot.Name, "error", err)
		}
		runners = append(runners, eng)
		closers = append(closers, closeBot)
	}

	if app.Cfg.App.EnableMetrics {
		runners = append(runners, metrics.NewServer(app.Cfg.App.MetricsPort, app.Telemetry.MetricsHandler(), hm, logger))
	}

	runErr := app.Run(runners...)
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("Failed to release bot resources", "error", err)
		}
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// buildBot wires one engine instance with its own store, locks and pool
func buildBot(cfg *config.Config, bot config.BotConfig, hm *health.HealthManager, logger core.ILogger) (*gridengine.GridEngine, func() error, error) {
	botLogger := logger.WithField("bot", bot.Name)

	settings, err := manager.SettingsFromConfig(bot)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.NewSQLiteStore(filepath.Join(cfg.App.DataDir, "gridmaker.db"), bot.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	gridMetrics, err := telemetry.NewGridMetrics(bot.Name, telemetry.GetMeter("gridmaker"))
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	remote := exchange.NewRemoteGateway(exchange.Options{
		BaseURL:        cfg.Venue.BaseURL,
		StreamURL:      cfg.Venue.StreamURL,
		Mode:           core.FillProcessingMode(cfg.Venue.FillProcessingMode),
		RequestTimeout: cfg.Venue.RequestTimeout,
		RateLimit:      cfg.Venue.RateLimit,
		RateBurst:      cfg.Venue.RateBurst,
		BaseAsset:      bot.BaseAsset,
		QuoteAsset:     bot.QuoteAsset,
	}, botLogger)
	var gateway core.IExchangeGateway = remote
	if bot.DryRun {
		gateway = exchange.NewDryRunGateway(remote, botLogger)
	}

	mgr := manager.NewOrderManager(settings, st, botLogger, gridMetrics)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        bot.Name + "-reconcile",
		MaxWorkers:  4,
		MaxCapacity: 256,
	}, botLogger)

	fillLock := concurrency.NewGuard(bot.Name + "-fill")
	divergenceLock := concurrency.NewGuard(bot.Name + "-divergence")

	executor := order.NewBatchExecutor(gateway, mgr, bot.Key, botLogger, gridMetrics)
	reconciler := reconcile.NewReconciler(gateway, mgr, pool, bot.Key, botLogger)
	ledger := fills.NewLedger(st, bot.DedupeWindow, bot.FillRetention, bot.PruneProbability, botLogger)
	processor := fills.NewProcessor(mgr, executor, gateway, ledger, fillLock, divergenceLock, botLogger, gridMetrics)

	eng := gridengine.NewGridEngine(gridengine.Config{
		Key:             bot.Key,
		DryRun:          bot.DryRun,
		ConnectTimeout:  cfg.Venue.ConnectTimeout,
		RefreshInterval: bot.RefreshInterval,
	}, gridengine.Deps{
		Gateway:        gateway,
		Store:          st,
		Manager:        mgr,
		Reconciler:     reconciler,
		Processor:      processor,
		Ledger:         ledger,
		FillLock:       fillLock,
		DivergenceLock: divergenceLock,
		Metrics:        gridMetrics,
	}, logger)

	hm.Register(bot.Name+".venue", eng.CheckHealth)
	hm.Register(bot.Name+".fill_queue", func() error {
		if depth := eng.QueueDepth(); depth > maxHealthyQueue {
			return fmt.Errorf("%d fills queued", depth)
		}
		return nil
	})

	closeBot := func() error {
		remote.Close()
		pool.Stop()
		return st.Close()
	}
	return eng, closeBot, nil
}
