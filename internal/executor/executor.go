// Package executor dispatches a claimed task to a tool or execution backend
// under its budget cap and a wall-clock ceiling.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/swarmq/internal/connectors"
	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/resilience"
	"github.com/fentz26/swarmq/internal/router"
)

var (
	// ErrBudgetExhausted means nothing is left of budget_max to spend.
	ErrBudgetExhausted = errors.New("budget exhausted")
	// ErrBudgetExceeded means the realized cost went over the remaining budget.
	ErrBudgetExceeded = errors.New("realized cost exceeded budget")
	// ErrTimeout means the attempt hit the wall-clock ceiling.
	ErrTimeout = errors.New("execution timed out")
	// ErrExecution wraps backend failures.
	ErrExecution = errors.New("execution failed")
	// ErrAborted means the caller's context ended, for example on a lost lock.
	ErrAborted = errors.New("execution aborted")
)

// ToolRunner runs a routed tool at its fixed cost.
type ToolRunner interface {
	RunPriced(ctx context.Context, cmd string, args []string, fixed float64) (*connectors.Result, error)
}

// Config configures the executor.
type Config struct {
	// Timeout bounds one attempt's wall-clock time.
	Timeout time.Duration
}

// Outcome is the result of one attempt. Err is nil on success and otherwise
// wraps one of the package sentinels.
type Outcome struct {
	Output    string
	Cost      float64
	Backend   string
	Tool      string
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Executor picks a backend per task and enforces budget and time limits.
type Executor struct {
	config   Config
	backends map[models.Mode]connectors.Backend
	tools    ToolRunner
	breakers map[models.Mode]*resilience.Breaker
	now      func() time.Time
}

// New creates an executor. tools may be nil when routing is disabled.
func New(cfg Config, backends map[models.Mode]connectors.Backend, tools ToolRunner) *Executor {
	return &Executor{
		config:   cfg,
		backends: backends,
		tools:    tools,
		breakers: make(map[models.Mode]*resilience.Breaker),
		now:      time.Now,
	}
}

// WithBreaker guards the backend for mode with a circuit breaker.
// Budget and cancellation errors never trip it.
func (e *Executor) WithBreaker(mode models.Mode, b *resilience.Breaker) *Executor {
	e.breakers[mode] = b.CountOnly(func(err error) bool {
		return !errors.Is(err, connectors.ErrBudgetTooSmall) &&
			!errors.Is(err, connectors.ErrCostCeiling) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
	})
	return e
}

// Remaining returns the unspent budget, and ErrBudgetExhausted when a
// task that has already spent money has nothing left.
func Remaining(task *models.Task) (float64, error) {
	remaining := task.RemainingBudget()
	if remaining < 0 || (remaining == 0 && task.Spent > 0) {
		return 0, fmt.Errorf("%w: spent %.4f of %.4f", ErrBudgetExhausted, task.Spent, task.BudgetMax)
	}
	return remaining, nil
}

// Execute runs one attempt of task according to decision.
func (e *Executor) Execute(ctx context.Context, task *models.Task, decision router.Decision) *Outcome {
	out := &Outcome{StartedAt: e.now()}
	defer func() { out.EndedAt = e.now() }()

	remaining, err := Remaining(task)
	if err != nil {
		out.Err = err
		return out
	}

	runCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	var res *connectors.Result
	if m, ok := decision.(router.Match); ok && e.tools != nil {
		out.Backend = "tool"
		out.Tool = m.Tool.Name
		if m.Tool.Cost > remaining {
			out.Err = fmt.Errorf("%w: tool %s costs %.4f, remaining %.4f", ErrBudgetExhausted, m.Tool.Name, m.Tool.Cost, remaining)
			return out
		}
		res, err = e.tools.RunPriced(runCtx, m.Tool.Command, router.Expand(m.Tool, task.Instruction), m.Tool.Cost)
	} else {
		backend, ok := e.backends[task.Mode]
		if !ok {
			out.Err = fmt.Errorf("%w: no backend for mode %q", ErrExecution, task.Mode)
			return out
		}
		out.Backend = backend.Name()
		req := &connectors.Request{
			TaskID:      task.ID,
			Instruction: task.Instruction,
			Mode:        task.Mode,
			BudgetMax:   remaining,
			ModelHint:   task.ModelHint,
			Feedback:    task.Feedback,
		}
		call := func() error {
			var callErr error
			res, callErr = backend.Execute(runCtx, req)
			return callErr
		}
		if b := e.breakers[task.Mode]; b != nil {
			err = b.Execute(call)
		} else {
			err = call()
		}
	}

	if res != nil {
		out.Output = res.Output
		out.Cost = res.Cost
	}
	out.Err = classify(ctx, runCtx, err)
	if out.Err == nil && out.Cost > remaining {
		out.Err = fmt.Errorf("%w: cost %.4f, remaining %.4f", ErrBudgetExceeded, out.Cost, remaining)
	}
	return out
}

func classify(parent, run context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return fmt.Errorf("%w: %v", ErrAborted, parent.Err())
	case errors.Is(run.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, connectors.ErrBudgetTooSmall):
		return fmt.Errorf("%w: %v", ErrBudgetExhausted, err)
	case errors.Is(err, connectors.ErrCostCeiling):
		return fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
	default:
		return fmt.Errorf("%w: %w", ErrExecution, err)
	}
}
