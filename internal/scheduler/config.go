// Package scheduler owns the task queue and its per-thread lifecycle.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// Workers is the cross-thread concurrency bound. Per-thread
	// concurrency is always one; this caps how many threads can execute
	// simultaneously.
	Workers int `mapstructure:"workers"`
	// PollInterval is how often the dispatch loop looks for claimable
	// tasks.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// TaskTimeout is the server-authoritative execution budget per task.
	// On expiry the task is finalized as failed; client polling timeouts
	// are advisory only.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// RetryLimit is how many times a transient collaborator failure is
	// retried before the task fails with the underlying cause.
	RetryLimit int `mapstructure:"retry_limit"`
	// RetryBackoff is the pause between transient-failure retries.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      4,
		PollInterval: 500 * time.Millisecond,
		TaskTimeout:  2 * time.Minute,
		RetryLimit:   2,
		RetryBackoff: time.Second,
	}
}
