package host

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds host loader configuration.
type Config struct {
	// MemoryLimit caps the WASM linear memory of each instance, in bytes.
	// Rounded up to whole 64 KiB pages.
	MemoryLimit uint64 `envconfig:"SANDBOX_MEMORY_LIMIT" default:"67108864"`

	// EngineMemoryLimit caps the interpreter's own allocator, in bytes.
	// Zero disables the inner limit, leaving only the linear memory cap.
	EngineMemoryLimit uint64 `envconfig:"SANDBOX_ENGINE_MEMORY_LIMIT" default:"0"`

	// CallBudget bounds the wall-clock execution time of a single call.
	CallBudget time.Duration `envconfig:"SANDBOX_CALL_BUDGET" default:"5s"`

	// JobBudget bounds the number of pending jobs drained after each call.
	JobBudget int `envconfig:"SANDBOX_JOB_BUDGET" default:"1024"`

	// Strategy is the default instantiation path when no deployment
	// profile drives the decision: "cold" or "snapshot".
	Strategy string `envconfig:"SANDBOX_STRATEGY" default:"cold"`

	// Logging
	LogLevel    string `envconfig:"SANDBOX_LOG_LEVEL" default:"info"`
	LogDev      bool   `envconfig:"SANDBOX_LOG_DEV" default:"false"`
	MetricsAddr string `envconfig:"SANDBOX_METRICS_ADDR" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with all defaults applied and no
// environment lookups.
func Default() *Config {
	return &Config{
		MemoryLimit: 64 << 20,
		CallBudget:  5 * time.Second,
		JobBudget:   1024,
		Strategy:    "cold",
		LogLevel:    "info",
	}
}

func (c *Config) validate() error {
	if c.MemoryLimit == 0 {
		return fmt.Errorf("config: SANDBOX_MEMORY_LIMIT must be positive")
	}
	if c.CallBudget <= 0 {
		return fmt.Errorf("config: SANDBOX_CALL_BUDGET must be positive")
	}
	if c.JobBudget < 0 {
		return fmt.Errorf("config: SANDBOX_JOB_BUDGET must not be negative")
	}
	if _, err := ParseStrategy(c.Strategy); err != nil {
		return err
	}
	return nil
}

// memoryLimitPages converts the byte limit to 64 KiB WASM pages,
// rounding up.
func (c *Config) memoryLimitPages() uint32 {
	const pageSize = 64 * 1024
	pages := (c.MemoryLimit + pageSize - 1) / pageSize
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}
