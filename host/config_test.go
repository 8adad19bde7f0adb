package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<20), cfg.MemoryLimit)
	assert.Equal(t, uint64(0), cfg.EngineMemoryLimit)
	assert.Equal(t, 5*time.Second, cfg.CallBudget)
	assert.Equal(t, 1024, cfg.JobBudget)
	assert.Equal(t, "cold", cfg.Strategy)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SANDBOX_MEMORY_LIMIT", "16777216")
	t.Setenv("SANDBOX_CALL_BUDGET", "250ms")
	t.Setenv("SANDBOX_JOB_BUDGET", "16")
	t.Setenv("SANDBOX_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(16<<20), cfg.MemoryLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.CallBudget)
	assert.Equal(t, 16, cfg.JobBudget)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestConfigValidation(t *testing.T) {
	t.Setenv("SANDBOX_MEMORY_LIMIT", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SANDBOX_MEMORY_LIMIT", "67108864")
	t.Setenv("SANDBOX_CALL_BUDGET", "0s")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("SANDBOX_CALL_BUDGET", "5s")
	t.Setenv("SANDBOX_STRATEGY", "warm")
	_, err = Load()
	assert.Error(t, err)
}

func TestMemoryLimitPages(t *testing.T) {
	cfg := Default()

	cfg.MemoryLimit = 64 << 20
	assert.Equal(t, uint32(1024), cfg.memoryLimitPages())

	// Partial pages round up.
	cfg.MemoryLimit = 64<<10 + 1
	assert.Equal(t, uint32(2), cfg.memoryLimitPages())

	// Capped at the 4 GiB addressable maximum.
	cfg.MemoryLimit = 1 << 40
	assert.Equal(t, uint32(65536), cfg.memoryLimitPages())
}
