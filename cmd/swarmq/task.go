package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/swarmq/internal/controlplane"
	"github.com/fentz26/swarmq/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [instruction]",
	Short: "Add a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAdd,
}

var taskImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Enqueue a YAML batch of tasks atomically",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskImport,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEventsCmd = &cobra.Command{
	Use:   "events [task-id]",
	Short: "Show a task's execution events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEvents,
}

var taskRunsCmd = &cobra.Command{
	Use:   "runs [task-id]",
	Short: "Show a task's execution attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRuns,
}

var (
	taskSpec      controlplane.TaskSpec
	taskMode      string
	taskDecompose string
	taskSeq       bool
	taskStatus    string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskImportCmd, taskListCmd, taskShowCmd, taskEventsCmd, taskRunsCmd)

	f := taskAddCmd.Flags()
	f.StringVar(&taskSpec.ID, "id", "", "Task id (default: generated)")
	f.StringVar(&taskMode, "mode", "local", "Execution mode (local, remote)")
	f.Float64Var(&taskSpec.BudgetMax, "budget", 1, "Maximum spend for the task")
	f.Float64Var(&taskSpec.BudgetMin, "budget-min", 0, "Expected minimum spend")
	f.StringSliceVar(&taskSpec.DependsOn, "depends-on", nil, "Ids of tasks that must complete first")
	f.BoolVar(&taskSpec.ParallelSafe, "parallel-safe", false, "Allow running alongside other tasks of this pool")
	f.StringVar(&taskSpec.ModelHint, "model", "", "Model hint for remote execution")
	f.StringVar(&taskSpec.IdentityID, "identity", "", "Identity credited on approval")
	f.StringVar(&taskDecompose, "decompose", "", "Split into children by strategy (lines)")
	f.BoolVar(&taskSeq, "sequential", false, "Chain decomposed children in order")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, claimed, in_progress, pending_review, approved, requeue, completed, failed)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	spec := taskSpec
	spec.Instruction = strings.Join(args, " ")
	spec.Mode = models.Mode(taskMode)
	if taskDecompose != "" {
		spec.Decomposition = &models.Decomposition{Strategy: taskDecompose, Sequential: taskSeq}
	}

	task, err := client().CreateTask(cmd.Context(), spec)
	if err != nil {
		return err
	}
	fmt.Printf("%s Created task: %s\n", okMark(), task.ID)
	return nil
}

// batchFile is the YAML layout accepted by task import. A bare list of
// tasks is accepted too.
type batchFile struct {
	Tasks []controlplane.TaskSpec `yaml:"tasks"`
}

func parseBatch(data []byte) ([]controlplane.TaskSpec, error) {
	var file batchFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Tasks) > 0 {
		return file.Tasks, nil
	}
	var list []controlplane.TaskSpec
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("parse batch: no tasks")
	}
	return list, nil
}

func runTaskImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	specs, err := parseBatch(data)
	if err != nil {
		return err
	}

	tasks, err := client().CreateTasks(cmd.Context(), specs)
	if err != nil {
		return err
	}
	fmt.Printf("%s Imported %d tasks\n", okMark(), len(tasks))
	for _, t := range tasks {
		fmt.Printf("  %s\n", t.ID)
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	tasks, err := client().ListTasks(cmd.Context(), taskStatus)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tATTEMPTS\tSPENT\tINSTRUCTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.4f/%.4f\t%s\n",
			truncateID(t.ID), colorStatus(t.Status), t.Mode, t.AttemptCount, t.Spent, t.BudgetMax, truncate(t.Instruction, 50))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	t, err := client().GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Instruction: %s\n", t.Instruction)
	fmt.Printf("Status:      %s\n", colorStatus(t.Status))
	fmt.Printf("Mode:        %s\n", t.Mode)
	fmt.Printf("Budget:      %.4f spent of %.4f (min %.4f)\n", t.Spent, t.BudgetMax, t.BudgetMin)
	fmt.Printf("Attempts:    %d\n", t.AttemptCount)
	if len(t.DependsOn) > 0 {
		fmt.Printf("Depends On:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.ParentID != "" {
		fmt.Printf("Parent:      %s\n", t.ParentID)
	}
	if t.IdentityID != "" {
		fmt.Printf("Identity:    %s\n", t.IdentityID)
	}
	if t.ClaimedBy != "" {
		fmt.Printf("Claimed By:  %s\n", t.ClaimedBy)
	}
	if t.Feedback != "" {
		fmt.Printf("Feedback:    %s\n", t.Feedback)
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.Output != "" {
		fmt.Println("\n--- OUTPUT ---")
		fmt.Println(t.Output)
	}
	return nil
}

func runTaskEvents(cmd *cobra.Command, args []string) error {
	events, err := client().TaskEvents(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tSTATUS\tWORKER\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.Timestamp.Format(time.RFC3339), colorStatus(ev.Status), ev.WorkerID, truncate(ev.Detail, 60))
	}
	return w.Flush()
}

func runTaskRuns(cmd *cobra.Command, args []string) error {
	runs, err := client().TaskRuns(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("=== Attempt %d ===\n", run.Attempt)
		fmt.Printf("ID:       %s\n", run.ID)
		fmt.Printf("Worker:   %s\n", run.WorkerID)
		fmt.Printf("Backend:  %s\n", run.Backend)
		if run.Route != "" {
			fmt.Printf("Route:    %s\n", run.Route)
		}
		fmt.Printf("Cost:     %.4f\n", run.Cost)
		fmt.Printf("Duration: %s\n", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
		if run.Error != "" {
			fmt.Printf("Error:    %s\n", color.RedString(run.Error))
		}
		if run.Output != "" {
			fmt.Println("Output:  ", truncate(run.Output, 200))
		}
		fmt.Println()
	}
	return nil
}
