package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/swarmq/internal/controlplane"
	"github.com/fentz26/swarmq/internal/tui"
)

var (
	watchInterval time.Duration
	watchStart    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show a live view of the queue",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchStart, "start", false, "Start the daemon in the background if it is not running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	c := client()
	if watchStart && !isDaemonRunning(cmd.Context(), c) {
		fmt.Println("swarmq daemon not running. Starting background service...")
		if err := startDaemon(cmd.Context(), c); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	if err := tui.New(c, watchInterval).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(ctx context.Context, c *controlplane.Client) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err := c.Health(ctx)
	return err == nil
}

func startDaemon(ctx context.Context, c *controlplane.Client) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	daemon := exec.Command(exe, args...)
	// Detach so the daemon survives the watch view.
	configureDaemonProc(daemon)
	daemon.Stdin, daemon.Stdout, daemon.Stderr = nil, nil, nil

	if err := daemon.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(ctx, c) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", cfg.API)
}
