package host

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name    string
		profile DeploymentProfile
		want    Strategy
	}{
		{
			name:    "script varies per call",
			profile: DeploymentProfile{ScriptVaries: true, ExpectedCallsPerScript: 100000},
			want:    ColdStart,
		},
		{
			name:    "low volume",
			profile: DeploymentProfile{ExpectedCallsPerScript: 3},
			want:    ColdStart,
		},
		{
			name:    "high volume amortizes warm-up",
			profile: DeploymentProfile{ExpectedCallsPerScript: 5000},
			want:    SnapshotRestore,
		},
		{
			name: "cold start misses latency budget",
			profile: DeploymentProfile{
				ExpectedCallsPerScript: 2,
				ColdStartBudget:        10 * time.Millisecond,
				ColdStartCost:          80 * time.Millisecond,
			},
			want: SnapshotRestore,
		},
		{
			name: "cold start within latency budget",
			profile: DeploymentProfile{
				ExpectedCallsPerScript: 2,
				ColdStartBudget:        100 * time.Millisecond,
				ColdStartCost:          20 * time.Millisecond,
			},
			want: ColdStart,
		},
		{
			name: "varying script wins over latency budget",
			profile: DeploymentProfile{
				ScriptVaries:    true,
				ColdStartBudget: 10 * time.Millisecond,
				ColdStartCost:   80 * time.Millisecond,
			},
			want: ColdStart,
		},
		{
			name:    "zero profile",
			profile: DeploymentProfile{},
			want:    ColdStart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(tt.profile))
			// Pure: same profile, same answer.
			assert.Equal(t, tt.want, SelectStrategy(tt.profile))
		})
	}
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "cold-start", ColdStart.String())
	assert.Equal(t, "snapshot-restore", SnapshotRestore.String())
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]Strategy{
		"cold":             ColdStart,
		"cold-start":       ColdStart,
		"snapshot":         SnapshotRestore,
		"snapshot-restore": SnapshotRestore,
	} {
		got, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseStrategy("warm")
	assert.Error(t, err)
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
expected_calls_per_script: 250
cold_start_budget: 50ms
cold_start_cost: 120ms
script_varies: false
`), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 250, p.ExpectedCallsPerScript)
	assert.Equal(t, 50*time.Millisecond, p.ColdStartBudget)
	assert.Equal(t, 120*time.Millisecond, p.ColdStartCost)
	assert.False(t, p.ScriptVaries)
	assert.Equal(t, SnapshotRestore, SelectStrategy(p))
}

func TestLoadProfileErrors(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("expected_calls_per_script: [nope"), 0o644))
	_, err = LoadProfile(path)
	assert.Error(t, err)

	path2 := filepath.Join(t.TempDir(), "negative.yaml")
	require.NoError(t, os.WriteFile(path2, []byte("expected_calls_per_script: -1"), 0o644))
	_, err = LoadProfile(path2)
	assert.Error(t, err)
}
