package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/swarmq/internal/connectors/remote"
	"github.com/fentz26/swarmq/internal/models"
)

// Critic reviews the output of an attempt.
type Critic interface {
	Name() string
	Review(ctx context.Context, task *models.Task, output string) (*Review, error)
}

// RuleCritic applies cheap deterministic checks.
type RuleCritic struct {
	// RejectMarkers reject output that contains any of them.
	RejectMarkers []string
	// MinorMarkers flag output for follow-up without rejecting it.
	MinorMarkers []string
}

// DefaultRuleCritic returns a rule critic with common failure markers.
func DefaultRuleCritic() *RuleCritic {
	return &RuleCritic{
		RejectMarkers: []string{"FAIL", "panic:", "Traceback (most recent call last)"},
		MinorMarkers:  []string{"WARNING", "TODO"},
	}
}

// Name implements Critic.
func (c *RuleCritic) Name() string { return "rules" }

// Review implements Critic.
func (c *RuleCritic) Review(_ context.Context, _ *models.Task, output string) (*Review, error) {
	for _, m := range c.RejectMarkers {
		if strings.Contains(output, m) {
			return &Review{Verdict: models.VerdictReject, Feedback: fmt.Sprintf("output contains %q", m), Critic: c.Name()}, nil
		}
	}
	if strings.TrimSpace(output) == "" {
		return &Review{Verdict: models.VerdictMinorIssues, Feedback: "empty output", Critic: c.Name()}, nil
	}
	for _, m := range c.MinorMarkers {
		if strings.Contains(output, m) {
			return &Review{Verdict: models.VerdictMinorIssues, Feedback: fmt.Sprintf("output mentions %q", m), Critic: c.Name()}, nil
		}
	}
	return &Review{Verdict: models.VerdictApprove, Critic: c.Name()}, nil
}

const judgePrompt = `You are the quality gate of a task queue. Review whether the output satisfies the task.

## Task
%s

## Output
%s

Respond with EXACTLY one of, on the first line:
- APPROVED: [1 sentence summary]
- MINOR_ISSUES: [short list of non-blocking follow-ups]
- REJECTED: [numbered list of issues that MUST be fixed]`

// LLMCritic asks a model to judge the output.
type LLMCritic struct {
	completer remote.Completer
	model     string
	maxTokens int64
}

// NewLLMCritic creates a model-backed critic.
func NewLLMCritic(c remote.Completer, model string) *LLMCritic {
	return &LLMCritic{completer: c, model: model, maxTokens: 1024}
}

// Name implements Critic.
func (c *LLMCritic) Name() string { return "llm" }

// Review implements Critic.
func (c *LLMCritic) Review(ctx context.Context, task *models.Task, output string) (*Review, error) {
	if len(output) > 50000 {
		output = output[:50000] + "\n... (output truncated)"
	}
	resp, err := c.completer.Complete(ctx, remote.Prompt{
		Model:     c.model,
		User:      fmt.Sprintf(judgePrompt, task.Instruction, output),
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("judge review failed: %w", err)
	}
	r := ParseVerdict(resp.Text)
	r.Critic = c.Name()
	return r, nil
}

// ParseVerdict reads a judge response. Anything unrecognised is a rejection.
func ParseVerdict(response string) *Review {
	response = strings.TrimSpace(response)
	feedback := func(prefix string) string {
		return strings.TrimSpace(strings.TrimLeft(strings.TrimPrefix(response, prefix), ": "))
	}
	switch {
	case strings.HasPrefix(response, "APPROVED"):
		return &Review{Verdict: models.VerdictApprove, Feedback: feedback("APPROVED")}
	case strings.HasPrefix(response, "MINOR_ISSUES"):
		return &Review{Verdict: models.VerdictMinorIssues, Feedback: feedback("MINOR_ISSUES")}
	case strings.HasPrefix(response, "REJECTED"):
		return &Review{Verdict: models.VerdictReject, Feedback: feedback("REJECTED")}
	default:
		return &Review{Verdict: models.VerdictReject, Feedback: "unrecognised review: " + response}
	}
}

// ModeCritic picks a critic per task mode.
type ModeCritic struct {
	ByMode  map[models.Mode]Critic
	Default Critic
}

// Name implements Critic.
func (c *ModeCritic) Name() string { return "mode" }

// Review implements Critic.
func (c *ModeCritic) Review(ctx context.Context, task *models.Task, output string) (*Review, error) {
	if critic, ok := c.ByMode[task.Mode]; ok {
		return critic.Review(ctx, task, output)
	}
	return c.Default.Review(ctx, task, output)
}

// Chain runs critics in order and returns the first non-approval.
type Chain []Critic

// Name implements Critic.
func (c Chain) Name() string { return "chain" }

// Review implements Critic.
func (c Chain) Review(ctx context.Context, task *models.Task, output string) (*Review, error) {
	last := &Review{Verdict: models.VerdictApprove, Critic: c.Name()}
	for _, critic := range c {
		r, err := critic.Review(ctx, task, output)
		if err != nil {
			return nil, err
		}
		if r.Verdict != models.VerdictApprove {
			return r, nil
		}
		last = r
	}
	return last, nil
}
