// Package scheduler runs the worker loop that claims, executes, reviews and
// finalizes queued tasks.
package scheduler

import (
	"errors"
	"time"
)

// Config defines the worker and pool configuration.
type Config struct {
	// Concurrency is the number of workers a pool runs in one process.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// PollInterval is the shortest idle backoff.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// MaxBackoff caps the idle backoff.
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	// LockTTL bounds how long a crashed worker can hold a task.
	LockTTL time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	// RenewInterval is how often a held lock is extended.
	RenewInterval time.Duration `yaml:"renew_interval" mapstructure:"renew_interval"`
	// MaxAttempts bounds reviewed attempts per task.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// RewardAmount is granted per approved, under-budget task.
	RewardAmount float64 `yaml:"reward_amount" mapstructure:"reward_amount"`
	// DefaultIdentity receives rewards for tasks without an identity.
	DefaultIdentity string `yaml:"default_identity" mapstructure:"default_identity"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:   4,
		PollInterval:  500 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		LockTTL:       5 * time.Minute,
		RenewInterval: 100 * time.Second,
		MaxAttempts:   3,
		RewardAmount:  1.0,
	}
}

// Validate checks that every knob is usable.
func (c *Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return errors.New("concurrency must be at least 1")
	case c.PollInterval <= 0:
		return errors.New("poll_interval must be positive")
	case c.MaxBackoff < c.PollInterval:
		return errors.New("max_backoff must be at least poll_interval")
	case c.LockTTL <= 0:
		return errors.New("lock_ttl must be positive")
	case c.RenewInterval <= 0 || c.RenewInterval >= c.LockTTL:
		return errors.New("renew_interval must be positive and shorter than lock_ttl")
	case c.MaxAttempts < 1:
		return errors.New("max_attempts must be at least 1")
	case c.RewardAmount < 0:
		return errors.New("reward_amount must not be negative")
	}
	return nil
}
