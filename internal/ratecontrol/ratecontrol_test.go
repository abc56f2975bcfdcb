package ratecontrol

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeLimits(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTierAndProviderOverrides(t *testing.T) {
	path := writeLimits(t, `
rate_limits:
  default_rpm: 60
  default_tpm: 200000
  tier_overrides:
    opus:
      rpm: 20
      tpm: 80000
  provider_overrides:
    openai:
      rpm: 15
      tpm: 50000
`)
	table := Load(path, zap.NewNop())

	assert.Equal(t, RateLimit{RPM: 20, TPM: 80000}, table.LimitForTier("opus"))
	assert.Equal(t, RateLimit{RPM: 60, TPM: 200000}, table.LimitForTier("haiku"))
	assert.Equal(t, RateLimit{RPM: 15, TPM: 50000}, table.LimitForProvider("OpenAI"))
}

func TestLoadMissingFileServesBuiltins(t *testing.T) {
	table := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())

	assert.Equal(t, builtinProviderLimits["anthropic"], table.LimitForProvider("anthropic"))
	assert.Equal(t, RateLimit{}, table.LimitForTier("opus"))
	assert.Equal(t, RateLimit{}, table.LimitForProvider("mystery"))
}

func TestReloadSwapsLimits(t *testing.T) {
	path := writeLimits(t, "rate_limits:\n  default_rpm: 10\n")
	table := Load(path, zap.NewNop())
	require.Equal(t, 10, table.LimitForTier("sonnet").RPM)

	require.NoError(t, os.WriteFile(path, []byte("rate_limits:\n  default_rpm: 40\n"), 0o644))
	require.NoError(t, table.Reload())
	assert.Equal(t, 40, table.LimitForTier("sonnet").RPM)
}

func TestReloadBadYAMLKeepsLimits(t *testing.T) {
	path := writeLimits(t, "rate_limits:\n  default_rpm: 10\n")
	table := Load(path, zap.NewNop())

	require.NoError(t, os.WriteFile(path, []byte(": not yaml ["), 0o644))
	require.Error(t, table.Reload())
	assert.Equal(t, 10, table.LimitForTier("sonnet").RPM)
}

func TestCombineLimitsTakesStricterAxis(t *testing.T) {
	a := RateLimit{RPM: 30, TPM: 50000}
	b := RateLimit{RPM: 20, TPM: 100000}

	assert.Equal(t, RateLimit{RPM: 20, TPM: 50000}, CombineLimits(a, b))
	// An axis only one side limits stays limited.
	assert.Equal(t, RateLimit{RPM: 30, TPM: 9000}, CombineLimits(RateLimit{RPM: 30}, RateLimit{TPM: 9000}))
	assert.Equal(t, RateLimit{}, CombineLimits(RateLimit{}, RateLimit{}))
}

func TestDelayForLimit(t *testing.T) {
	// 30 RPM floors at 2s per request; 60000 TPM makes 1000 tokens cost 1s.
	assert.Equal(t, 2*time.Second, DelayForLimit(RateLimit{RPM: 30, TPM: 60000}, 1000))
	// The token axis dominates for large estimates.
	assert.Equal(t, 5*time.Second, DelayForLimit(RateLimit{RPM: 30, TPM: 60000}, 5000))
	assert.Zero(t, DelayForLimit(RateLimit{}, 1000))
	// Capped at one minute.
	assert.Equal(t, time.Minute, DelayForLimit(RateLimit{TPM: 10}, 100000))
}
