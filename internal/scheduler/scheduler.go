package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs a pool of workers in one process. Workers in other
// processes may share the same queue.
type Scheduler struct {
	config  *Config
	workers []*Worker
	logger  *slog.Logger
	started time.Time
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers   int       `json:"workers"`
	Busy      int       `json:"busy"`
	Processed int64     `json:"processed"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerPrefix returns "<host>-<pid>", the default prefix for worker ids.
func WorkerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// New creates a pool of cfg.Concurrency workers named "<prefix>-<n>".
func New(prefix string, cfg *Config, deps Deps) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if prefix == "" {
		prefix = WorkerPrefix()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	serial := make(chan struct{}, 1)
	workers := make([]*Worker, 0, cfg.Concurrency)
	for i := 1; i <= cfg.Concurrency; i++ {
		w, err := NewWorker(fmt.Sprintf("%s-%d", prefix, i), cfg, deps)
		if err != nil {
			return nil, err
		}
		w.serial = serial
		workers = append(workers, w)
	}
	return &Scheduler{config: cfg, workers: workers, logger: deps.Logger}, nil
}

// Run starts every worker and blocks until all have stopped, either
// because ctx ended or HALT was observed.
func (sch *Scheduler) Run(ctx context.Context) error {
	sch.started = time.Now()
	sch.logger.Info("scheduler started", "workers", len(sch.workers))
	defer sch.logger.Info("scheduler stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range sch.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}

// Sweep runs one recovery pass.
func (sch *Scheduler) Sweep(ctx context.Context) (int, error) {
	return sch.workers[0].Sweep(ctx)
}

// Workers returns the pool's workers.
func (sch *Scheduler) Workers() []*Worker {
	return sch.workers
}

// Stats returns current pool statistics.
func (sch *Scheduler) Stats() Stats {
	st := Stats{Workers: len(sch.workers), StartedAt: sch.started}
	for _, w := range sch.workers {
		if w.Busy() {
			st.Busy++
		}
		st.Processed += w.Processed()
	}
	return st
}
