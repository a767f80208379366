// Package bootstrap wires process-level dependencies and runs engines
// until a termination signal arrives.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridmaker/internal/config"
	"gridmaker/internal/core"
	"gridmaker/pkg/logging"
	"gridmaker/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the core dependencies of the process
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry

	sync func() error
}

// NewApp loads configuration, then installs telemetry and the logger.
// Telemetry comes first so the zap bridge picks up its log provider.
func NewApp(configPath, version string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	bots := make([]string, len(cfg.Bots))
	for i, b := range cfg.Bots {
		bots[i] = b.Name
	}
	tel, err := telemetry.Setup(telemetry.Options{
		Service:      "gridmaker",
		Version:      version,
		Bots:         bots,
		StdoutTraces: cfg.App.TraceStdout,
		SampleRatio:  cfg.App.TraceSample,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.App.LogLevel,
		Format: cfg.App.LogFormat,
		File:   cfg.App.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger, Telemetry: tel, sync: logger.Sync}, nil
}

// Runner is a component that runs until its context is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run runs every runner until SIGINT/SIGTERM or the first failure
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs every runner until ctx is done. A failing runner cancels
// the others.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	if a.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	if a.sync != nil {
		_ = a.sync()
	}
}
