package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/swarmq/internal/controlplane"
	"github.com/fentz26/swarmq/internal/scheduler"
)

var (
	listenAddr    string
	daemonWorkers int
	apiOnly       bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the swarmq daemon",
	Long: `Starts the HTTP query surface and, unless --api-only is set, a pool of
workers. The daemon stops on SIGINT/SIGTERM or when a HALT signal is raised.`,
	RunE: runDaemon,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a headless worker pool against the queue",
	RunE:  runWorker,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one recovery pass over expired locks and stale tasks",
	RunE:  runSweep,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default from config)")
	daemonCmd.Flags().IntVar(&daemonWorkers, "workers", 0, "Number of workers (default from config)")
	daemonCmd.Flags().BoolVar(&apiOnly, "api-only", false, "Serve the API without running workers")

	workerCmd.Flags().IntVar(&daemonWorkers, "workers", 0, "Number of workers (default from config)")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := cfg.Listen
	if listenAddr != "" {
		addr = listenAddr
	}

	service := controlplane.NewService(a.store, a.events, a.ledger, a.signals, a.logger)
	var pool *scheduler.Scheduler
	if !apiOnly {
		if pool, err = a.pool(daemonWorkers); err != nil {
			return err
		}
		service.WithStats(pool.Stats)
	}
	server := controlplane.NewServer(service, addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		if pool == nil {
			<-gctx.Done()
		} else if err := pool.Run(gctx); err != nil {
			return err
		}
		// The pool stops on HALT; take the API down with it.
		a.logger.Info("shutting down api")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pool, err := a.pool(daemonWorkers)
	if err != nil {
		return err
	}
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	st := pool.Stats()
	fmt.Printf("%s %d workers processed %d tasks\n", okMark(), st.Workers, st.Processed)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pool, err := a.pool(1)
	if err != nil {
		return err
	}
	n, err := pool.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s recovered %d tasks\n", okMark(), n)
	return nil
}
