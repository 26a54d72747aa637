package router

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config holds tool router configuration.
type Config struct {
	// Enabled toggles tool-first routing. When off every task falls through.
	Enabled bool `yaml:"enabled"`
	// Threshold is the minimum confidence for a match, in (0, 1].
	Threshold float64 `yaml:"threshold"`
	// CacheSize bounds the number of cached routing decisions. Zero disables the cache.
	CacheSize int64 `yaml:"cache_size"`
	// Tools is the registry of reusable tools.
	Tools []Tool `yaml:"tools"`
}

// DefaultConfig returns a configuration with a small set of local tools.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Threshold: 0.6,
		CacheSize: 10000,
		Tools: []Tool{
			{
				Name:        "git-status",
				Description: "Summarize working tree changes",
				Keywords:    []string{"git", "status"},
				Pattern:     `^git status\b`,
				Command:     "git",
				Args:        []string{"status", "--short"},
				Priority:    90,
				Validated:   true,
				Enabled:     true,
			},
			{
				Name:        "git-diff",
				Description: "Show unstaged changes",
				Keywords:    []string{"git", "diff"},
				Pattern:     `^git diff\b`,
				Command:     "git",
				Args:        []string{"diff", "--stat"},
				Priority:    80,
				Validated:   true,
				Enabled:     true,
			},
			{
				Name:        "go-test",
				Description: "Run the Go test suite",
				Keywords:    []string{"run", "go", "tests"},
				Pattern:     `^go test\b`,
				Command:     "go",
				Args:        []string{"test", "./..."},
				Priority:    70,
				Validated:   true,
				Enabled:     true,
			},
		},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading tools file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing tools file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tools file: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing tools file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %v", c.Threshold)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}

	seen := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool name cannot be empty")
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool %q", tool.Name)
		}
		seen[tool.Name] = true
		if tool.Command == "" {
			return fmt.Errorf("tool %q has no command", tool.Name)
		}
		if tool.Cost < 0 {
			return fmt.Errorf("tool %q has negative cost", tool.Name)
		}
		if tool.Pattern != "" {
			if _, err := regexp.Compile(tool.Pattern); err != nil {
				return fmt.Errorf("tool %q pattern: %w", tool.Name, err)
			}
		}
		for _, m := range tool.Modes {
			if !m.Valid() {
				return fmt.Errorf("tool %q has unknown mode %q", tool.Name, m)
			}
		}
	}

	return nil
}
