// Package connectors defines the execution backends swarmq dispatches tasks to.
package connectors

import (
	"context"
	"errors"

	"github.com/fentz26/swarmq/internal/models"
)

var (
	// ErrNotAllowed is returned when a command is outside the allowlist.
	ErrNotAllowed = errors.New("command not allowed")
	// ErrNonZeroExit is returned when a command exits unsuccessfully.
	ErrNonZeroExit = errors.New("command exited with non-zero status")
	// ErrBudgetTooSmall is returned when a backend cannot run within the remaining budget.
	ErrBudgetTooSmall = errors.New("remaining budget too small for backend")
	// ErrCostCeiling is returned when a run is stopped because its cost reached the budget.
	ErrCostCeiling = errors.New("cost ceiling reached")
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Connector runs allowlisted commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Run executes a command and returns the result.
	Run(ctx context.Context, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// Request is one execution attempt handed to a backend.
type Request struct {
	TaskID      string
	Instruction string
	Mode        models.Mode
	// BudgetMax is the remaining cost the attempt may spend.
	BudgetMax float64
	ModelHint string
	// Feedback from the previous rejected attempt, if any.
	Feedback string
}

// Result is what a backend reports for one attempt.
type Result struct {
	Output   string  `json:"output"`
	Cost     float64 `json:"cost"`
	ExitCode int     `json:"exit_code"`
}

// Backend executes a task instruction and reports its realized cost.
// A backend may return both a result and an error, for example a
// non-zero exit whose output and cost are still meaningful.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req *Request) (*Result, error)

// Name implements Backend.
func (f BackendFunc) Name() string { return "func" }

// Execute implements Backend.
func (f BackendFunc) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}
