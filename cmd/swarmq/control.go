package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fentz26/swarmq/internal/controlplane"
	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/signals"
)

var countsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show task counts by status",
	RunE:  runCounts,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger [identity]",
	Short: "Show reward grants and an identity's balance",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedger,
}

var haltCmd = &cobra.Command{
	Use:   "halt [reason]",
	Short: "Stop every worker after its current task",
	RunE:  signalRunner("halt"),
}

var pauseCmd = &cobra.Command{
	Use:   "pause [reason]",
	Short: "Stop claiming new tasks until resumed",
	RunE:  signalRunner("pause"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Lift a pause (and a halt with --all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "resume"
		if resumeAll {
			action = "clear"
		}
		return signalRunner(action)(cmd, args)
	},
}

var resumeAll bool

func init() {
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "Also lift HALT")
}

func runCounts(cmd *cobra.Command, args []string) error {
	counts, err := client().Counts(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, s := range models.AllStatuses {
		fmt.Fprintf(w, "%s\t%d\n", colorStatus(s), counts.Counts[s])
	}
	fmt.Fprintf(w, "total\t%d\n", counts.Total)
	fmt.Fprintf(w, "active\t%d\n", counts.Active)
	return w.Flush()
}

func runLedger(cmd *cobra.Command, args []string) error {
	identity := ""
	if len(args) == 1 {
		identity = args[0]
	}
	resp, err := client().Ledger(cmd.Context(), identity)
	if err != nil {
		return err
	}

	if identity != "" {
		fmt.Printf("Balance of %s: %s\n\n", identity, color.GreenString("%.4f", resp.Balance))
	}
	if len(resp.Entries) == 0 {
		fmt.Println("No grants found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tIDENTITY\tAMOUNT\tGRANTED\tCREDITED")
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%s\t%t\n", truncateID(e.TaskID), e.IdentityID, e.Amount, e.GrantedAt.Format(time.RFC3339), e.Credited)
	}
	return w.Flush()
}

func signalRunner(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		reason := strings.Join(args, " ")
		if reason == "" {
			reason = "requested from cli"
		}
		state, err := client().Signal(cmd.Context(), action, reason)
		var apiErr *controlplane.APIError
		if err != nil && !errors.As(err, &apiErr) {
			// No daemon: workers watch the same directory.
			state, err = localSignal(action, reason)
		}
		if err != nil {
			return err
		}
		printControl(state)
		return nil
	}
}

func localSignal(action, reason string) (*controlplane.ControlResponse, error) {
	w, err := signals.NewWatcher(cfg.SignalsDir, time.Second)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	switch action {
	case "halt":
		err = w.RequestHalt(reason)
	case "pause":
		err = w.RequestPause(reason)
	case "resume":
		err = w.Resume()
	case "clear":
		err = w.Clear()
	default:
		err = fmt.Errorf("%w: %q", controlplane.ErrUnknownSignal, action)
	}
	if err != nil {
		return nil, err
	}
	return &controlplane.ControlResponse{State: w.State()}, nil
}

func printControl(state *controlplane.ControlResponse) {
	switch {
	case state.Halted:
		printStatus("■", "halted", color.FgRed)
	case state.Paused:
		printStatus("‖", "paused", color.FgYellow)
	default:
		printStatus("▶", "running", color.FgGreen)
	}
	if state.Pool != nil {
		fmt.Printf("  workers %d, busy %d, processed %d\n", state.Pool.Workers, state.Pool.Busy, state.Pool.Processed)
	}
}
