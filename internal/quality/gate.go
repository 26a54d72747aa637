// Package quality reviews execution output and drives the post-execution
// part of the task state machine.
package quality

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/swarmq/internal/executor"
	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/store"
)

// ErrInvalidMaxAttempts is returned for a non-positive retry bound.
var ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")

// Review is a critic's judgement on one attempt.
type Review struct {
	Verdict  models.Verdict `json:"verdict"`
	Feedback string         `json:"feedback,omitempty"`
	// Fatal rejects without further retries.
	Fatal  bool   `json:"fatal,omitempty"`
	Critic string `json:"critic,omitempty"`
}

// Outcome is the transition the gate chose for a reviewed task.
type Outcome struct {
	To       models.TaskStatus
	Verdict  models.Verdict
	Feedback string
	// Note is a follow-up recorded for MINOR_ISSUES approvals.
	Note   string
	Reason string
}

// Transitioner applies optimistic status transitions.
type Transitioner interface {
	Transition(ctx context.Context, id string, from, to models.TaskStatus, opts ...store.TransitionOption) (bool, error)
}

// Gate maps reviews to status transitions with bounded retries.
type Gate struct {
	maxAttempts int
}

// NewGate creates a gate that fails a task on its maxAttempts-th rejection.
func NewGate(maxAttempts int) (*Gate, error) {
	if maxAttempts < 1 {
		return nil, ErrInvalidMaxAttempts
	}
	return &Gate{maxAttempts: maxAttempts}, nil
}

// MaxAttempts returns the retry bound.
func (g *Gate) MaxAttempts() int {
	return g.maxAttempts
}

// Decide is the gate's pure transition function for a task in pending_review.
// task.AttemptCount counts attempts reviewed before this one.
func (g *Gate) Decide(task *models.Task, r *Review) Outcome {
	attempt := task.AttemptCount + 1
	switch r.Verdict {
	case models.VerdictApprove:
		return Outcome{To: models.TaskStatusApproved, Verdict: r.Verdict, Reason: "approved"}
	case models.VerdictMinorIssues:
		return Outcome{
			To:      models.TaskStatusApproved,
			Verdict: r.Verdict,
			Note:    "follow-up: " + r.Feedback,
			Reason:  "approved with minor issues",
		}
	}

	out := Outcome{Verdict: models.VerdictReject, Feedback: r.Feedback}
	switch {
	case r.Fatal:
		out.To = models.TaskStatusFailed
		out.Reason = "fatal rejection: " + r.Feedback
	case attempt >= g.maxAttempts:
		out.To = models.TaskStatusFailed
		out.Reason = fmt.Sprintf("rejected %d of %d attempts: %s", attempt, g.maxAttempts, r.Feedback)
	default:
		out.To = models.TaskStatusRequeue
		out.Reason = fmt.Sprintf("rejected attempt %d of %d", attempt, g.maxAttempts)
	}
	return out
}

// Apply moves task from pending_review to the outcome status, recording the
// attempt, its output and cost in the same update.
func (g *Gate) Apply(ctx context.Context, tr Transitioner, task *models.Task, out Outcome, output string, cost float64) (bool, error) {
	opts := []store.TransitionOption{
		store.WithAttempt(),
		store.WithOutput(output),
		store.WithCost(cost),
		store.WithFeedback(out.Feedback),
	}
	if out.To != models.TaskStatusRequeue {
		opts = append(opts, store.WithClaimant(""))
	}
	return tr.Transition(ctx, task.ID, models.TaskStatusPendingReview, out.To, opts...)
}

// FromExecution turns a failed attempt into an automatic REJECT. Budget
// errors are fatal once nothing of budget_max is left after charging cost.
func FromExecution(task *models.Task, err error, cost float64) *Review {
	r := &Review{Verdict: models.VerdictReject, Feedback: err.Error(), Critic: "executor"}
	left := task.BudgetMax - task.Spent - cost
	switch {
	case errors.Is(err, executor.ErrBudgetExhausted):
		r.Fatal = true
	case errors.Is(err, executor.ErrBudgetExceeded) && left <= 0:
		r.Fatal = true
	}
	return r
}
