package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fentz26/swarmq/internal/audit"
	"github.com/fentz26/swarmq/internal/config"
	"github.com/fentz26/swarmq/internal/connectors"
	"github.com/fentz26/swarmq/internal/connectors/localexec"
	"github.com/fentz26/swarmq/internal/connectors/remote"
	"github.com/fentz26/swarmq/internal/decompose"
	"github.com/fentz26/swarmq/internal/executor"
	"github.com/fentz26/swarmq/internal/ledger"
	"github.com/fentz26/swarmq/internal/lock"
	"github.com/fentz26/swarmq/internal/logger"
	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/quality"
	"github.com/fentz26/swarmq/internal/resilience"
	"github.com/fentz26/swarmq/internal/router"
	"github.com/fentz26/swarmq/internal/scheduler"
	"github.com/fentz26/swarmq/internal/signals"
	"github.com/fentz26/swarmq/internal/store"
	"github.com/fentz26/swarmq/internal/telemetry"
)

// app holds every component a worker pool or the daemon needs.
type app struct {
	config  *config.Config
	logger  *slog.Logger
	store   *store.Store
	events  *audit.Log
	ledger  *ledger.Ledger
	signals *signals.Watcher
	router  *router.KeywordRouter
	deps    scheduler.Deps

	closers []io.Closer
}

// newApp opens the store and builds the components from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	a := &app{config: cfg, logger: log, closers: []io.Closer{logCloser}}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.config

	s, err := store.New(cfg.DB)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s)
	a.logger.Debug("store opened", "path", s.Path())

	var opts []audit.Option
	if cfg.Events.Mirror != "" {
		opts = append(opts, audit.WithMirror(cfg.Events.Mirror))
	}
	if cfg.Events.NATSURL != "" {
		stream, err := audit.Connect(ctx, cfg.Events.NATSURL)
		if err != nil {
			return fmt.Errorf("connect event stream: %w", err)
		}
		a.closers = append(a.closers, stream)
		opts = append(opts, audit.WithPublisher(stream, cfg.Events.Subject))
	}
	a.events = audit.New(s, a.logger.With("component", "events"), opts...)
	a.ledger = ledger.New(s, nil, a.logger.With("component", "ledger"))

	w, err := signals.NewWatcher(cfg.SignalsDir, time.Second)
	if err != nil {
		return err
	}
	a.signals = w
	a.closers = append(a.closers, w)

	locks, err := lock.NewManager(s, cfg.Scheduler.LockTTL, a.logger.With("component", "locks"))
	if err != nil {
		return err
	}

	routerCfg, err := router.LoadConfig(cfg.Router.ToolsFile)
	if err != nil {
		return err
	}
	rt, err := router.NewRouter(routerCfg, nil)
	if err != nil {
		return err
	}
	a.router = rt

	local := localexec.NewWithConfig(localexec.Config{
		WorkDir:       cfg.Local.WorkDir,
		Allow:         cfg.Local.Allow,
		CostPerSecond: cfg.Local.CostPerSecond,
	})
	backends := map[models.Mode]connectors.Backend{models.ModeLocal: local}

	rules := &quality.RuleCritic{RejectMarkers: cfg.Review.RejectMarkers, MinorMarkers: cfg.Review.MinorMarkers}
	var critic quality.Critic = rules

	completer, err := remote.NewSDKCompleter(cfg.Remote.APIKey)
	if err != nil {
		a.logger.Warn("remote backend disabled", "error", err)
	} else {
		backends[models.ModeRemote] = remote.New(completer, remote.Config{
			Model:     cfg.Remote.Model,
			MaxTokens: cfg.Remote.MaxTokens,
			System:    cfg.Remote.System,
			Pricing:   remote.Pricing{InputPerMTok: cfg.Remote.InputPerMTok, OutputPerMTok: cfg.Remote.OutputPerMTok},
		})
		if cfg.Review.Critic == "llm" {
			critic = &quality.ModeCritic{
				ByMode:  map[models.Mode]quality.Critic{models.ModeRemote: quality.Chain{rules, quality.NewLLMCritic(completer, cfg.Review.Model)}},
				Default: rules,
			}
		}
	}

	ex := executor.New(executor.Config{Timeout: cfg.Executor.Timeout}, backends, local)
	if cfg.Executor.BreakerFailures > 0 {
		for mode := range backends {
			ex.WithBreaker(mode, resilience.NewBreaker(cfg.Executor.BreakerFailures, cfg.Executor.BreakerCooldown))
		}
	}

	gate, err := quality.NewGate(cfg.Scheduler.MaxAttempts)
	if err != nil {
		return err
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return err
	}

	a.deps = scheduler.Deps{
		Store:      s,
		Locks:      locks,
		Router:     rt,
		Executor:   ex,
		Critic:     critic,
		Gate:       gate,
		Ledger:     a.ledger,
		Events:     a.events,
		Signals:    w,
		Decomposer: decompose.Default(),
		Metrics:    metrics,
		Logger:     a.logger,
	}
	return nil
}

// pool creates a worker pool, overriding the configured concurrency when n > 0.
func (a *app) pool(n int) (*scheduler.Scheduler, error) {
	sc := a.config.Scheduler
	if n > 0 {
		sc.Concurrency = n
	}
	return scheduler.New(scheduler.WorkerPrefix(), &sc, a.deps)
}

// Close releases every component in reverse order of creation.
func (a *app) Close() error {
	if a.router != nil {
		a.router.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
