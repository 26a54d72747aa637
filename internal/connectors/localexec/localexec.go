// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/fentz26/swarmq/internal/connectors"
)

// Any matches every command or subcommand in an allowlist.
const Any = "*"

// DefaultAllowlist is the strict allowlist used when none is configured.
func DefaultAllowlist() map[string][]string {
	return map[string][]string{
		"go":  {"test"},
		"git": {"diff", "status"},
	}
}

// Config configures a LocalExec connector.
type Config struct {
	WorkDir string
	// Allow maps a command to its permitted subcommands.
	Allow map[string][]string
	// CostPerSecond prices wall-clock time of a local run.
	CostPerSecond float64
}

// LocalExec runs allowlisted commands and implements both Connector and Backend.
type LocalExec struct {
	workDir       string
	allow         map[string][]string
	costPerSecond float64
	now           func() time.Time
}

// New creates a new LocalExec connector with the default allowlist.
func New(workDir string) *LocalExec {
	return NewWithConfig(Config{WorkDir: workDir})
}

// NewWithConfig creates a LocalExec connector from cfg.
func NewWithConfig(cfg Config) *LocalExec {
	allow := cfg.Allow
	if len(allow) == 0 {
		allow = DefaultAllowlist()
	}
	return &LocalExec{
		workDir:       cfg.WorkDir,
		allow:         allow,
		costPerSecond: cfg.CostPerSecond,
		now:           time.Now,
	}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "local"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	if _, ok := l.allow[Any]; ok {
		return true
	}
	allowedSubcmds, ok := l.allow[cmd]
	if !ok {
		return false
	}

	for _, allowed := range allowedSubcmds {
		if allowed == Any {
			return true
		}
	}

	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Run runs a command if it's in the allowlist.
func (l *LocalExec) Run(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", connectors.ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("exec %s: %w", cmd, ctx.Err())
		}
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitError.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Execute parses the instruction as a command line and runs it. The
// realized cost is the elapsed wall-clock time priced at CostPerSecond,
// and the run is stopped once that price reaches req.BudgetMax.
func (l *LocalExec) Execute(ctx context.Context, req *connectors.Request) (*connectors.Result, error) {
	words, err := shellquote.Split(req.Instruction)
	if err != nil {
		return nil, fmt.Errorf("parse command line: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	return l.runMetered(ctx, words[0], words[1:], req.BudgetMax)
}

// runMetered runs a time-priced command with a deadline at which its cost
// would reach budget. Stopped runs are charged exactly budget.
func (l *LocalExec) runMetered(ctx context.Context, cmd string, args []string, budget float64) (*connectors.Result, error) {
	if l.costPerSecond <= 0 {
		return l.RunPriced(ctx, cmd, args, 0)
	}
	if budget <= 0 {
		return nil, fmt.Errorf("%w: %.6f left", connectors.ErrBudgetTooSmall, budget)
	}
	ceiling := time.Duration(budget / l.costPerSecond * float64(time.Second))
	runCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	res, err := l.RunPriced(runCtx, cmd, args, 0)
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &connectors.Result{Cost: budget, ExitCode: -1},
			fmt.Errorf("%w: %s stopped after %s", connectors.ErrCostCeiling, cmd, ceiling)
	}
	return res, err
}

// RunPriced runs a command and prices it. A fixed cost above zero replaces
// the time-based price, which is how routed tools are billed.
func (l *LocalExec) RunPriced(ctx context.Context, cmd string, args []string, fixed float64) (*connectors.Result, error) {
	start := l.now()
	res, err := l.Run(ctx, cmd, args)
	cost := fixed
	if fixed <= 0 {
		cost = l.now().Sub(start).Seconds() * l.costPerSecond
	}
	if err != nil {
		return &connectors.Result{Cost: cost, ExitCode: -1}, err
	}

	out := &connectors.Result{Output: res.Stdout, Cost: cost, ExitCode: res.ExitCode}
	if res.ExitCode != 0 {
		out.Output = strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
		return out, fmt.Errorf("%w: %s exited %d: %s", connectors.ErrNonZeroExit, cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return out, nil
}
