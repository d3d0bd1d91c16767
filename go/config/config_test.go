package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var c = Defaults()
	require.True(t, c.WorkspaceLock)
	require.Equal(t, uint32(100), c.BatchSize)
	require.Equal(t, uint32(100), c.RetentionKOlderEvents)
	require.InDelta(t, 0.7, c.SyncDampeningFactor, 1e-6)
	require.InDelta(t, 0.05, c.SyncDampeningCutoff, 1e-6)
}

func TestValidateFillsZeroValues(t *testing.T) {
	var c = Config{ProjectRoot: "/tmp/p"}
	require.NoError(t, c.Validate())
	require.Equal(t, uint32(100), c.BatchSize)
	require.InDelta(t, 0.7, c.SyncDampeningFactor, 1e-6)
}

func TestValidateRejectsMissingRoot(t *testing.T) {
	var c = Config{}
	require.Error(t, c.Validate())
}

func TestValidateRejectsBadDampening(t *testing.T) {
	var c = Config{ProjectRoot: "/tmp/p", SyncDampeningFactor: 1.5}
	require.Error(t, c.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("DRIFT_BATCH_SIZE", "25")
	t.Setenv("DRIFT_RESOLVER_ENABLE_FUZZY", "false")

	var c, err = Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, uint32(25), c.BatchSize)
	require.False(t, c.ResolverEnableFuzzy)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("DRIFT_BATCH_SIZE", "not-a-number")

	var _, err = Load(t.TempDir())
	require.Error(t, err)
}
