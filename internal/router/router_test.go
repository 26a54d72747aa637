package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/swarmq/internal/models"
)

func newTask(instruction string, mode models.Mode) *models.Task {
	return &models.Task{ID: "t", Instruction: instruction, Mode: mode}
}

func TestKeywordRouter_BasicRouting(t *testing.T) {
	router, err := NewRouter(nil, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	defer router.Close()

	tests := []struct {
		name        string
		instruction string
		expectTool  string
	}{
		{"pattern match", "git status", "git-status"},
		{"keyword overlap", "Show the git diff please", "git-diff"},
		{"go tests by pattern", "go test ./internal/...", "go-test"},
		{"no tool", "Write a haiku about queues", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := router.Route(newTask(tt.instruction, models.ModeLocal))
			switch d := d.(type) {
			case Match:
				if d.Tool.Name != tt.expectTool {
					t.Errorf("Expected tool %q, got %q", tt.expectTool, d.Tool.Name)
				}
				if d.Confidence < router.Config().Threshold {
					t.Errorf("Match below threshold: %v", d.Confidence)
				}
			case NoMatch:
				if tt.expectTool != "" {
					t.Errorf("Expected tool %q, got no match (best %q at %v)", tt.expectTool, d.Best, d.Confidence)
				}
			}
		})
	}
}

func TestRouteBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold = 0.9
	router, err := NewRouter(cfg, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	defer router.Close()

	d := router.Route(newTask("please run go build", models.ModeLocal))
	nm, ok := d.(NoMatch)
	if !ok {
		t.Fatalf("Expected NoMatch, got %#v", d)
	}
	if nm.Best != "go-test" {
		t.Errorf("Expected best candidate go-test, got %q", nm.Best)
	}
	if nm.Confidence <= 0 || nm.Confidence >= 0.9 {
		t.Errorf("Expected partial confidence, got %v", nm.Confidence)
	}
	if nm.Meta()["route"] != "no_match" {
		t.Errorf("Expected no_match route in meta, got %v", nm.Meta())
	}
}

func TestRouteRespectsModesAndValidation(t *testing.T) {
	cfg := &Config{
		Enabled:   true,
		Threshold: 0.5,
		Tools: []Tool{
			{Name: "remote-only", Keywords: []string{"summarize"}, Command: "cat", Modes: []models.Mode{models.ModeRemote}, Validated: true, Enabled: true},
			{Name: "unvalidated", Keywords: []string{"deploy"}, Command: "make", Enabled: true},
		},
	}
	router, err := NewRouter(cfg, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	if _, ok := router.Route(newTask("summarize this", models.ModeLocal)).(NoMatch); !ok {
		t.Error("Expected local task not to match remote-only tool")
	}
	if _, ok := router.Route(newTask("summarize this", models.ModeRemote)).(Match); !ok {
		t.Error("Expected remote task to match remote-only tool")
	}
	if _, ok := router.Route(newTask("deploy now", models.ModeLocal)).(NoMatch); !ok {
		t.Error("Expected unvalidated tool to be skipped")
	}

	if err := router.Registry().MarkValidated("unvalidated", true); err != nil {
		t.Fatalf("MarkValidated failed: %v", err)
	}
	if m, ok := router.Route(newTask("deploy now", models.ModeLocal)).(Match); !ok || m.Tool.Name != "unvalidated" {
		t.Error("Expected validated tool to match after registry change")
	}
}

func TestDisableTool(t *testing.T) {
	router, err := NewRouter(nil, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	defer router.Close()

	reg := router.Registry()
	if reg.Count() != len(DefaultConfig().Tools) {
		t.Fatalf("Expected %d tools, got %d", len(DefaultConfig().Tools), reg.Count())
	}
	if err := reg.Disable("git-status"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if m, ok := router.Route(newTask("git status", models.ModeLocal)).(Match); ok && m.Tool.Name == "git-status" {
		t.Error("Expected disabled tool to be skipped")
	}
	if err := reg.Enable("git-status"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if m, ok := router.Route(newTask("git status", models.ModeLocal)).(Match); !ok || m.Tool.Name != "git-status" {
		t.Error("Expected re-enabled tool to match")
	}
	if err := reg.Disable("missing"); err == nil {
		t.Error("Expected error for unknown tool")
	}
}

func TestRouteDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	router, err := NewRouter(cfg, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	if _, ok := router.Route(newTask("git status", models.ModeLocal)).(NoMatch); !ok {
		t.Error("Expected disabled router to never match")
	}
}

func TestRouteIsCached(t *testing.T) {
	router, err := NewRouter(nil, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	defer router.Close()

	task := newTask("git status", models.ModeLocal)
	first := router.Route(task)
	router.Wait()
	second := router.Route(task)
	if first.Meta()["tool"] != second.Meta()["tool"] {
		t.Errorf("Expected cached decision to match, got %v and %v", first.Meta(), second.Meta())
	}
}

func TestScore(t *testing.T) {
	tool := Tool{Keywords: []string{"lint", "code"}, Pattern: `^golangci-lint`}
	tests := []struct {
		text string
		want float64
	}{
		{"golangci-lint run", 1.0},
		{"lint the code.", 1.0},
		{"lint everything", 0.5},
		{"linting", 0},
	}
	for _, tt := range tests {
		if got := Score(tool, tt.text); got != tt.want {
			t.Errorf("Score(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestScorePatternCase(t *testing.T) {
	tool := Tool{Keywords: []string{"ship", "release"}, Pattern: `^Deploy [A-Z]+\b`}
	tests := []struct {
		text string
		want float64
	}{
		{"Deploy PROD now", 1.0},
		{"deploy prod now", 0},
		{"Ship the RELEASE", 1.0},
		{"Ship it", 0.5},
	}
	for _, tt := range tests {
		if got := Score(tool, tt.text); got != tt.want {
			t.Errorf("Score(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	insensitive := Tool{Pattern: `(?i)^make release$`}
	if got := Score(insensitive, "MAKE RELEASE"); got != 1.0 {
		t.Errorf("Expected (?i) pattern to match, got %v", got)
	}
}

func TestExpand(t *testing.T) {
	tool := Tool{Args: []string{"-c", "echo {instruction}"}}
	args := Expand(tool, "hi")
	if len(args) != 2 || args[1] != "echo hi" {
		t.Errorf("Unexpected args %v", args)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig missing file: %v", err)
	}
	if cfg.Threshold != DefaultConfig().Threshold {
		t.Errorf("Expected default threshold, got %v", cfg.Threshold)
	}

	path := filepath.Join(dir, "tools.yaml")
	content := `
enabled: true
threshold: 0.75
tools:
  - name: lint
    keywords: [lint]
    command: golangci-lint
    args: [run]
    validated: true
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Threshold != 0.75 || len(cfg.Tools) != 1 || cfg.Tools[0].Name != "lint" {
		t.Errorf("Unexpected config %+v", cfg)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("threshold: 2\n"), 0o600)
	if _, err := LoadConfig(bad); err == nil {
		t.Error("Expected threshold above 1 to be rejected")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "tools.yaml")
	if err := SaveConfig(path, DefaultConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Tools) != len(DefaultConfig().Tools) {
		t.Errorf("Expected %d tools, got %d", len(DefaultConfig().Tools), len(cfg.Tools))
	}
}
