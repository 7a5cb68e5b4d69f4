// Package config loads daemon configuration from file, environment, and
// defaults (in ascending precedence: defaults < config.yaml < STRAND_* env
// < command-line flags, which the cobra layer applies last).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Listen string `mapstructure:"listen"`
	DBPath string `mapstructure:"db_path"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Packages  PackagesConfig  `mapstructure:"packages"`
}

// SchedulerConfig mirrors scheduler.Config for file/env binding.
type SchedulerConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	RetryLimit   int           `mapstructure:"retry_limit"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RunnerConfig selects and configures the execution backend.
type RunnerConfig struct {
	// Kind is "loopback" or "anthropic".
	Kind   string `mapstructure:"kind"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	System string `mapstructure:"system_prompt"`
}

// PackagesConfig configures the install tooling and drift watching.
type PackagesConfig struct {
	PipPath      string `mapstructure:"pip_path"`
	WorkDir      string `mapstructure:"work_dir"`
	ManifestPath string `mapstructure:"manifest_path"`
}

// Dir returns the Strand home directory (~/.strand).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strand"
	}
	return filepath.Join(home, ".strand")
}

// Load reads configuration. A missing config file is fine; env and
// defaults still apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(Dir())

	v.SetEnvPrefix("STRAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("runner.api_key", "STRAND_RUNNER_API_KEY", "ANTHROPIC_API_KEY")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:7333")
	v.SetDefault("db_path", filepath.Join(Dir(), "strand.db"))

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.poll_interval", 500*time.Millisecond)
	v.SetDefault("scheduler.task_timeout", 2*time.Minute)
	v.SetDefault("scheduler.retry_limit", 2)
	v.SetDefault("scheduler.retry_backoff", time.Second)

	v.SetDefault("runner.kind", "loopback")
	v.SetDefault("runner.model", "")
	v.SetDefault("runner.system_prompt", "")

	v.SetDefault("packages.pip_path", "pip")
	v.SetDefault("packages.work_dir", "")
	v.SetDefault("packages.manifest_path", "")
}
