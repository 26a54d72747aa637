package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/router"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the reusable tool registry",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE:  runToolsList,
}

var toolsRouteCmd = &cobra.Command{
	Use:   "route [instruction]",
	Short: "Show how an instruction would be routed",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runToolsRoute,
}

var toolsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default tool registry to the tools file",
	RunE:  runToolsInit,
}

var toolsEnableCmd = &cobra.Command{
	Use:   "enable [name]",
	Short: "Enable a tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateTool(args[0], "enabled", func(r *router.Registry) error { return r.Enable(args[0]) })
	},
}

var toolsDisableCmd = &cobra.Command{
	Use:   "disable [name]",
	Short: "Disable a tool so no task routes to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateTool(args[0], "disabled", func(r *router.Registry) error { return r.Disable(args[0]) })
	},
}

var toolsValidateCmd = &cobra.Command{
	Use:   "validate [name]",
	Short: "Mark a tool as validated (use --revoke to undo)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verb := "validated"
		if revokeValidation {
			verb = "unvalidated"
		}
		return updateTool(args[0], verb, func(r *router.Registry) error {
			return r.MarkValidated(args[0], !revokeValidation)
		})
	},
}

var (
	routeMode        string
	initForce        bool
	revokeValidation bool
)

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolsRouteCmd, toolsInitCmd, toolsEnableCmd, toolsDisableCmd, toolsValidateCmd)
	toolsValidateCmd.Flags().BoolVar(&revokeValidation, "revoke", false, "Clear the validated flag")
	toolsRouteCmd.Flags().StringVar(&routeMode, "mode", "local", "Task mode to route for")
	toolsInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing tools file")
}

func loadRouter() (*router.KeywordRouter, error) {
	rc, err := router.LoadConfig(cfg.Router.ToolsFile)
	if err != nil {
		return nil, err
	}
	return router.NewRouter(rc, nil)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	rt, err := loadRouter()
	if err != nil {
		return err
	}
	defer rt.Close()

	tools := rt.Registry().List()
	if len(tools) == 0 {
		fmt.Println("No tools registered")
		return nil
	}
	if !rt.Config().Enabled {
		printStatus("!", "tool routing is disabled", color.FgYellow)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRIORITY\tSTATE\tCOMMAND\tDESCRIPTION")
	for _, t := range tools {
		state := color.GreenString("active")
		switch {
		case !t.Enabled:
			state = color.RedString("disabled")
		case !t.Validated:
			state = color.YellowString("unvalidated")
		}
		command := strings.TrimSpace(t.Command + " " + strings.Join(t.Args, " "))
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", t.Name, t.Priority, state, command, truncate(t.Description, 40))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d tools, threshold %.2f\n", rt.Registry().Count(), rt.Config().Threshold)
	return nil
}

// updateTool applies f to the registry loaded from the tools file and
// writes the result back. A running daemon picks it up on restart.
func updateTool(name, verb string, f func(*router.Registry) error) error {
	rc, err := router.LoadConfig(cfg.Router.ToolsFile)
	if err != nil {
		return err
	}
	reg, err := router.NewRegistryFromConfig(rc)
	if err != nil {
		return err
	}
	if err := f(reg); err != nil {
		return err
	}
	rc.Tools = reg.List()
	if err := router.SaveConfig(cfg.Router.ToolsFile, rc); err != nil {
		return err
	}
	fmt.Printf("%s Tool %s %s\n", okMark(), name, verb)
	return nil
}

func runToolsRoute(cmd *cobra.Command, args []string) error {
	rt, err := loadRouter()
	if err != nil {
		return err
	}
	defer rt.Close()

	task := &models.Task{Instruction: strings.Join(args, " "), Mode: models.Mode(routeMode)}
	switch d := rt.Route(task).(type) {
	case router.Match:
		printStatus("→", fmt.Sprintf("tool %s (confidence %.2f)", d.Tool.Name, d.Confidence), color.FgGreen)
		fmt.Printf("  runs: %s %s\n", d.Tool.Command, strings.Join(router.Expand(d.Tool, task.Instruction), " "))
	case router.NoMatch:
		msg := "no tool matched, falls through to the execution backend"
		if d.Best != "" {
			msg = fmt.Sprintf("%s (best %s at %.2f, threshold %.2f)", msg, d.Best, d.Confidence, rt.Config().Threshold)
		}
		printStatus("·", msg, color.FgYellow)
	}
	return nil
}

func runToolsInit(cmd *cobra.Command, args []string) error {
	path := cfg.Router.ToolsFile
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := router.SaveConfig(path, router.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("%s Wrote %s\n", okMark(), path)
	return nil
}
