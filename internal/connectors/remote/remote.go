// Package remote executes tasks through the Anthropic Messages API.
package remote

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fentz26/swarmq/internal/connectors"
)

// Prompt is one single-turn model call.
type Prompt struct {
	Model     string
	System    string
	User      string
	MaxTokens int64
}

// Completion is the text and token usage of a model call.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Completer performs a single model call.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// SDKCompleter implements Completer with the Anthropic SDK.
type SDKCompleter struct {
	inner anthropic.Client
}

// NewSDKCompleter creates an SDK-backed completer. An empty key falls back
// to ANTHROPIC_API_KEY.
func NewSDKCompleter(apiKey string) (*SDKCompleter, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}
	return &SDKCompleter{inner: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Complete implements Completer.
func (c *SDKCompleter) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model),
		MaxTokens: p.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages call: %w", err)
	}
	return &Completion{
		Text:         extractText(resp),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

func extractText(resp *anthropic.Message) string {
	var result string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result += variant.Text
		}
	}
	return strings.TrimSpace(result)
}

// Pricing converts token usage into cost, in currency units per million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the price of a call.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}

// Config configures the remote backend.
type Config struct {
	Model     string
	MaxTokens int64
	System    string
	Pricing   Pricing
}

// DefaultConfig returns the remote backend defaults.
func DefaultConfig() Config {
	return Config{
		Model:     string(anthropic.ModelClaudeSonnet4_20250514),
		MaxTokens: 4096,
		System:    "You are a worker in a task queue. Complete the task exactly as instructed and reply with the result only.",
		Pricing:   Pricing{InputPerMTok: 3, OutputPerMTok: 15},
	}
}

// Backend runs remote-mode tasks as model calls.
type Backend struct {
	completer Completer
	config    Config
}

// New creates a remote backend.
func New(c Completer, cfg Config) *Backend {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	return &Backend{completer: c, config: cfg}
}

// Name implements connectors.Backend.
func (b *Backend) Name() string {
	return "remote"
}

// Execute implements connectors.Backend. Output tokens are capped so the
// worst case stays inside the remaining budget.
func (b *Backend) Execute(ctx context.Context, req *connectors.Request) (*connectors.Result, error) {
	prompt := BuildPrompt(req.Instruction, req.Feedback)
	maxTokens, err := b.maxTokens(prompt, req.BudgetMax)
	if err != nil {
		return nil, err
	}

	model := b.config.Model
	if req.ModelHint != "" {
		model = req.ModelHint
	}
	c, err := b.completer.Complete(ctx, Prompt{
		Model:     model,
		System:    b.config.System,
		User:      prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &connectors.Result{
		Output: c.Text,
		Cost:   b.config.Pricing.Cost(c.InputTokens, c.OutputTokens),
	}, nil
}

// maxTokens estimates input size at four characters per token and spends
// what remains of the budget on output.
func (b *Backend) maxTokens(prompt string, budget float64) (int64, error) {
	limit := b.config.MaxTokens
	price := b.config.Pricing.OutputPerMTok
	if price <= 0 {
		return limit, nil
	}
	if budget <= 0 {
		return 0, fmt.Errorf("%w: %.6f left", connectors.ErrBudgetTooSmall, budget)
	}
	inputEstimate := int64(len(prompt)/4 + len(b.config.System)/4 + 1)
	left := budget - b.config.Pricing.Cost(inputEstimate, 0)
	affordable := int64(math.Floor(left / price * 1e6))
	if affordable < 1 {
		return 0, fmt.Errorf("%w: %.6f left", connectors.ErrBudgetTooSmall, budget)
	}
	if affordable < limit {
		return affordable, nil
	}
	return limit, nil
}

// BuildPrompt appends reviewer feedback from a rejected attempt.
func BuildPrompt(instruction, feedback string) string {
	if feedback == "" {
		return instruction
	}
	return instruction + "\n\nA previous attempt was rejected by review. Address this feedback:\n" + feedback
}
