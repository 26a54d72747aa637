// Package config loads layered swarmq configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fentz26/swarmq/internal/connectors/remote"
	"github.com/fentz26/swarmq/internal/logger"
	"github.com/fentz26/swarmq/internal/scheduler"
)

// ProjectFile is the name of the per-project override file.
const ProjectFile = ".swarmq.yaml"

// EnvPrefix prefixes every environment override, e.g. SWARMQ_SCHEDULER_CONCURRENCY.
const EnvPrefix = "SWARMQ"

// Config is the full runtime configuration.
type Config struct {
	// DataDir holds the database, sentinel files and tool registry by default.
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
	DB         string `mapstructure:"db" yaml:"db"`
	SignalsDir string `mapstructure:"signals_dir" yaml:"signals_dir"`
	// Listen is the API server address; API is the base URL clients use.
	Listen string `mapstructure:"listen" yaml:"listen"`
	API    string `mapstructure:"api" yaml:"api"`

	Logging   logger.Config    `mapstructure:"logging" yaml:"logging"`
	Scheduler scheduler.Config `mapstructure:"scheduler" yaml:"scheduler"`
	Executor  ExecutorConfig   `mapstructure:"executor" yaml:"executor"`
	Router    RouterConfig     `mapstructure:"router" yaml:"router"`
	Local     LocalConfig      `mapstructure:"local" yaml:"local"`
	Remote    RemoteConfig     `mapstructure:"remote" yaml:"remote"`
	Review    ReviewConfig     `mapstructure:"review" yaml:"review"`
	Events    EventsConfig     `mapstructure:"events" yaml:"events"`
}

// ExecutorConfig bounds attempts and guards backends.
type ExecutorConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// BreakerFailures opens a backend's breaker after that many consecutive
	// failures. Zero disables breakers.
	BreakerFailures int           `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// RouterConfig points at the YAML tool registry.
type RouterConfig struct {
	ToolsFile string `mapstructure:"tools_file" yaml:"tools_file"`
}

// LocalConfig configures the local command backend.
type LocalConfig struct {
	WorkDir       string              `mapstructure:"work_dir" yaml:"work_dir"`
	Allow         map[string][]string `mapstructure:"allow" yaml:"allow"`
	CostPerSecond float64             `mapstructure:"cost_per_second" yaml:"cost_per_second"`
}

// RemoteConfig configures the remote inference backend.
type RemoteConfig struct {
	APIKey        string  `mapstructure:"api_key" yaml:"-"`
	Model         string  `mapstructure:"model" yaml:"model"`
	MaxTokens     int64   `mapstructure:"max_tokens" yaml:"max_tokens"`
	System        string  `mapstructure:"system" yaml:"system"`
	InputPerMTok  float64 `mapstructure:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `mapstructure:"output_per_mtok" yaml:"output_per_mtok"`
}

// ReviewConfig selects the critic.
type ReviewConfig struct {
	// Critic is "rules" or "llm". The llm critic reviews remote tasks only
	// and falls back to rules when no API key is set.
	Critic        string   `mapstructure:"critic" yaml:"critic"`
	Model         string   `mapstructure:"model" yaml:"model"`
	RejectMarkers []string `mapstructure:"reject_markers" yaml:"reject_markers"`
	MinorMarkers  []string `mapstructure:"minor_markers" yaml:"minor_markers"`
}

// EventsConfig configures the optional event sinks.
type EventsConfig struct {
	// Mirror is a JSONL file every event is appended to.
	Mirror  string `mapstructure:"mirror" yaml:"mirror"`
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// Default returns a Config with default values and derived paths filled in.
func Default() *Config {
	cfg := defaults()
	cfg.resolve()
	return cfg
}

func defaults() *Config {
	rd := remote.DefaultConfig()
	return &Config{
		DataDir: defaultDataDir(),
		Listen:  "127.0.0.1:7466",
		API:     "http://127.0.0.1:7466",
		Logging: logger.Config{
			Level:   "info",
			Format:  "json",
			Service: "swarmq",
		},
		Scheduler: *scheduler.DefaultConfig(),
		Executor: ExecutorConfig{
			Timeout:         10 * time.Minute,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Local: LocalConfig{
			CostPerSecond: 0.001,
		},
		Remote: RemoteConfig{
			Model:         rd.Model,
			MaxTokens:     rd.MaxTokens,
			InputPerMTok:  rd.Pricing.InputPerMTok,
			OutputPerMTok: rd.Pricing.OutputPerMTok,
		},
		Review: ReviewConfig{
			Critic:        "rules",
			RejectMarkers: []string{"FAIL", "panic:", "Traceback (most recent call last)"},
			MinorMarkers:  []string{"WARNING", "TODO"},
		},
		Events: EventsConfig{
			Subject: "swarmq.events",
		},
	}
}

// Load reads configuration. Precedence, highest first:
//  1. SWARMQ_* environment variables (and ANTHROPIC_API_KEY)
//  2. the explicit file, when path is not empty
//  3. project config (.swarmq.yaml in the current directory or a parent)
//  4. user config (~/.config/swarmq/config.yaml)
//  5. built-in defaults
func Load(path string) (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(UserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if project := findProjectConfig(); project != "" {
		if err := merge(v, project); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}
	if path != "" {
		if err := merge(v, path); err != nil {
			return nil, fmt.Errorf("merging %s: %w", path, err)
		}
	}
	return finish(v)
}

// LoadFromPath reads a single file over the defaults, with environment
// overrides still applied.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("remote.api_key", EnvPrefix+"_REMOTE_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func merge(v *viper.Viper, path string) error {
	layer := viper.New()
	layer.SetConfigFile(path)
	if err := layer.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(layer.AllSettings())
}

func finish(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach nested fields.
func setDefaults(v *viper.Viper) {
	d := defaults()

	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db", "")
	v.SetDefault("signals_dir", "")
	v.SetDefault("listen", d.Listen)
	v.SetDefault("api", d.API)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.service", d.Logging.Service)
	v.SetDefault("logging.file", "")

	v.SetDefault("scheduler.concurrency", d.Scheduler.Concurrency)
	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("scheduler.max_backoff", d.Scheduler.MaxBackoff)
	v.SetDefault("scheduler.lock_ttl", d.Scheduler.LockTTL)
	v.SetDefault("scheduler.renew_interval", d.Scheduler.RenewInterval)
	v.SetDefault("scheduler.max_attempts", d.Scheduler.MaxAttempts)
	v.SetDefault("scheduler.reward_amount", d.Scheduler.RewardAmount)
	v.SetDefault("scheduler.default_identity", d.Scheduler.DefaultIdentity)

	v.SetDefault("executor.timeout", d.Executor.Timeout)
	v.SetDefault("executor.breaker_failures", d.Executor.BreakerFailures)
	v.SetDefault("executor.breaker_cooldown", d.Executor.BreakerCooldown)

	v.SetDefault("router.tools_file", "")

	v.SetDefault("local.work_dir", "")
	v.SetDefault("local.allow", map[string][]string{})
	v.SetDefault("local.cost_per_second", d.Local.CostPerSecond)

	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.model", d.Remote.Model)
	v.SetDefault("remote.max_tokens", d.Remote.MaxTokens)
	v.SetDefault("remote.system", "")
	v.SetDefault("remote.input_per_mtok", d.Remote.InputPerMTok)
	v.SetDefault("remote.output_per_mtok", d.Remote.OutputPerMTok)

	v.SetDefault("review.critic", d.Review.Critic)
	v.SetDefault("review.model", "")
	v.SetDefault("review.reject_markers", d.Review.RejectMarkers)
	v.SetDefault("review.minor_markers", d.Review.MinorMarkers)

	v.SetDefault("events.mirror", "")
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", d.Events.Subject)
}

// resolve expands ${VAR} references and derives unset paths from DataDir.
func (c *Config) resolve() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.DB = os.ExpandEnv(c.DB)
	c.SignalsDir = os.ExpandEnv(c.SignalsDir)
	c.Router.ToolsFile = os.ExpandEnv(c.Router.ToolsFile)
	c.Events.Mirror = os.ExpandEnv(c.Events.Mirror)
	c.Remote.APIKey = os.ExpandEnv(c.Remote.APIKey)

	if c.DB == "" {
		c.DB = filepath.Join(c.DataDir, "swarmq.db")
	}
	if c.SignalsDir == "" {
		c.SignalsDir = c.DataDir
	}
	if c.Router.ToolsFile == "" {
		c.Router.ToolsFile = filepath.Join(c.DataDir, "tools.yaml")
	}
	if c.Review.Model == "" {
		c.Review.Model = c.Remote.Model
	}
}

// Validate checks that every policy knob is usable.
func (c *Config) Validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	switch {
	case c.DataDir == "":
		return errors.New("data_dir is required")
	case c.Listen == "":
		return errors.New("listen is required")
	case c.Executor.Timeout <= 0:
		return errors.New("executor.timeout must be positive")
	case c.Executor.BreakerFailures < 0:
		return errors.New("executor.breaker_failures must not be negative")
	case c.Executor.BreakerFailures > 0 && c.Executor.BreakerCooldown <= 0:
		return errors.New("executor.breaker_cooldown must be positive")
	case c.Local.CostPerSecond < 0:
		return errors.New("local.cost_per_second must not be negative")
	case c.Remote.MaxTokens <= 0:
		return errors.New("remote.max_tokens must be positive")
	case c.Remote.InputPerMTok < 0 || c.Remote.OutputPerMTok < 0:
		return errors.New("remote pricing must not be negative")
	}
	switch c.Review.Critic {
	case "rules", "llm":
	default:
		return fmt.Errorf("review.critic must be rules or llm, got %q", c.Review.Critic)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// UserConfigDir returns the XDG config directory for swarmq.
func UserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "swarmq")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "swarmq")
	}
	return filepath.Join(home, ".config", "swarmq")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmq"
	}
	return filepath.Join(home, ".swarmq")
}

// findProjectConfig searches for .swarmq.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(cwd, ProjectFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
