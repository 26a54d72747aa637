package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the user config dir and cwd at empty temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Concurrency != 4 || cfg.Scheduler.MaxAttempts != 3 || cfg.Scheduler.LockTTL != 5*time.Minute {
		t.Errorf("Unexpected scheduler defaults %+v", cfg.Scheduler)
	}
	if cfg.DB != filepath.Join(cfg.DataDir, "swarmq.db") || cfg.SignalsDir != cfg.DataDir {
		t.Errorf("Derived paths wrong: db=%s signals=%s", cfg.DB, cfg.SignalsDir)
	}
	if cfg.Review.Critic != "rules" || cfg.Review.Model != cfg.Remote.Model {
		t.Errorf("Unexpected review defaults %+v", cfg.Review)
	}
	if len(cfg.Review.RejectMarkers) != 3 {
		t.Errorf("Expected default reject markers, got %v", cfg.Review.RejectMarkers)
	}
}

func TestLayering(t *testing.T) {
	dir := isolate(t)

	writeFile(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "swarmq", "config.yaml"), `
listen: 127.0.0.1:9000
scheduler:
  concurrency: 2
  max_attempts: 5
`)
	writeFile(t, filepath.Join(dir, ProjectFile), `
scheduler:
  concurrency: 8
  poll_interval: 250ms
`)
	explicit := filepath.Join(t.TempDir(), "override.yaml")
	writeFile(t, explicit, `
scheduler:
  max_attempts: 7
`)
	t.Setenv("SWARMQ_SCHEDULER_CONCURRENCY", "16")

	cfg, err := Load(explicit)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("User config not applied, listen %s", cfg.Listen)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("Project config not applied, poll %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.MaxAttempts != 7 {
		t.Errorf("Explicit file should win over user config, got %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Scheduler.Concurrency != 16 {
		t.Errorf("Environment should win, got %d", cfg.Scheduler.Concurrency)
	}
}

func TestProjectConfigInParent(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ProjectFile), "data_dir: /var/lib/swarmq\n")
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB != "/var/lib/swarmq/swarmq.db" {
		t.Errorf("Expected db under project data_dir, got %s", cfg.DB)
	}
}

func TestAPIKeyFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.APIKey != "sk-test" {
		t.Errorf("Expected API key from environment, got %q", cfg.Remote.APIKey)
	}
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "swarmq.yaml")
	writeFile(t, path, `
data_dir: ${SWARMQ_TEST_HOME}/data
local:
  cost_per_second: 0.5
  allow:
    make: ["test", "build"]
review:
  critic: llm
events:
  mirror: ${SWARMQ_TEST_HOME}/events.jsonl
`)
	t.Setenv("SWARMQ_TEST_HOME", "/srv")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.DataDir != "/srv/data" || cfg.Events.Mirror != "/srv/events.jsonl" {
		t.Errorf("Expected expanded paths, got %s and %s", cfg.DataDir, cfg.Events.Mirror)
	}
	if got := cfg.Local.Allow["make"]; len(got) != 2 || got[1] != "build" {
		t.Errorf("Unexpected allowlist %v", cfg.Local.Allow)
	}
	if cfg.Local.CostPerSecond != 0.5 || cfg.Review.Critic != "llm" {
		t.Errorf("Unexpected values %+v %+v", cfg.Local, cfg.Review)
	}
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, "scheduler"},
		{"renew", func(c *Config) { c.Scheduler.RenewInterval = c.Scheduler.LockTTL }, "renew_interval"},
		{"timeout", func(c *Config) { c.Executor.Timeout = 0 }, "executor.timeout"},
		{"cooldown", func(c *Config) { c.Executor.BreakerCooldown = 0 }, "breaker_cooldown"},
		{"breaker off", func(c *Config) { c.Executor.BreakerFailures = 0; c.Executor.BreakerCooldown = 0 }, ""},
		{"pricing", func(c *Config) { c.Remote.InputPerMTok = -1 }, "pricing"},
		{"critic", func(c *Config) { c.Review.Critic = "magic" }, "review.critic"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestInvalidFileIsRejected(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "scheduler:\n  concurrency: 0\n")
	if _, err := Load(path); err == nil {
		t.Error("Expected validation error")
	}
}
