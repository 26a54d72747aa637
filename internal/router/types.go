// Package router implements tool-first dispatch: before paying for a full
// execution, a task is matched against reusable, validated tools.
package router

import "github.com/fentz26/swarmq/internal/models"

// Placeholder is replaced with the task instruction inside tool args.
const Placeholder = "{instruction}"

// Tool is a reusable, pre-validated command a task can be routed to.
type Tool struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Keywords    []string      `yaml:"keywords" json:"keywords"`
	Pattern     string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Modes       []models.Mode `yaml:"modes,omitempty" json:"modes,omitempty"`
	Command     string        `yaml:"command" json:"command"`
	Args        []string      `yaml:"args,omitempty" json:"args,omitempty"`
	Cost        float64       `yaml:"cost" json:"cost"`
	Priority    int           `yaml:"priority" json:"priority"`
	Validated   bool          `yaml:"validated" json:"validated"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
}

// Serves reports whether the tool accepts tasks of mode m.
func (t *Tool) Serves(m models.Mode) bool {
	if len(t.Modes) == 0 {
		return true
	}
	for _, mode := range t.Modes {
		if mode == m {
			return true
		}
	}
	return false
}

// Decision is the outcome of routing a task. It is either Match or NoMatch.
type Decision interface {
	decision()
	// Meta describes the decision for the audit trail.
	Meta() map[string]any
}

// Match routes the task to a tool.
type Match struct {
	Tool       Tool
	Confidence float64
}

// NoMatch falls through to the regular execution backend.
type NoMatch struct {
	// Best is the highest scoring tool below the threshold, if any.
	Best       string
	Confidence float64
}

func (Match) decision()   {}
func (NoMatch) decision() {}

// Meta implements Decision.
func (m Match) Meta() map[string]any {
	return map[string]any{
		"route":      "tool",
		"tool":       m.Tool.Name,
		"confidence": m.Confidence,
	}
}

// Meta implements Decision.
func (n NoMatch) Meta() map[string]any {
	meta := map[string]any{
		"route":      "no_match",
		"confidence": n.Confidence,
	}
	if n.Best != "" {
		meta["best_tool"] = n.Best
	}
	return meta
}
