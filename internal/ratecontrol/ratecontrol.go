// Package ratecontrol computes pacing delays from per-tier and
// per-provider RPM/TPM limits declared in the models YAML.
package ratecontrol

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RateLimit caps requests and tokens per minute. Zero values mean
// unlimited on that axis.
type RateLimit struct {
	RPM int
	TPM int
}

type limitEntry struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

type limitsFile struct {
	RateLimits struct {
		DefaultRPM        int                   `yaml:"default_rpm"`
		DefaultTPM        int                   `yaml:"default_tpm"`
		TierOverrides     map[string]limitEntry `yaml:"tier_overrides"`
		ProviderOverrides map[string]limitEntry `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// Fallbacks when no file declares a provider limit. Deliberately
// conservative; the YAML overrides them in any real deployment.
var builtinProviderLimits = map[string]RateLimit{
	"anthropic": {RPM: 20, TPM: 40000},
	"openai":    {RPM: 30, TPM: 60000},
}

// Table answers limit lookups from a loaded models YAML. The zero value
// is usable and imposes no limits beyond the builtin provider fallbacks.
type Table struct {
	mu     sync.RWMutex
	limits limitsFile
	path   string
	logger *zap.Logger
}

// Load resolves the models YAML and returns a table over it. A missing
// file is not an error: the table serves builtin fallbacks until a
// Reload finds one. Resolution order: the explicit path, the
// MODELS_CONFIG_PATH environment variable, then config/models.yaml
// walking up from the working directory.
func Load(path string, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{path: resolvePath(path), logger: logger}
	if t.path == "" {
		logger.Info("No rate limit configuration found, using builtin limits")
		return t
	}
	if err := t.Reload(); err != nil {
		logger.Warn("Failed to load rate limit configuration",
			zap.String("path", t.path), zap.Error(err))
	}
	return t
}

// Reload re-reads the table's file and swaps the limits on success.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read rate limits %s: %w", t.path, err)
	}
	var parsed limitsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse rate limits %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.limits = parsed
	t.mu.Unlock()

	t.logger.Info("Loaded rate limit configuration", zap.String("path", t.path))
	return nil
}

func resolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("MODELS_CONFIG_PATH"); env != "" {
		return env
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand
		}
		wd = filepath.Dir(wd)
	}
	return ""
}

// LimitForTier returns the tier override, or the file defaults.
func (t *Table) LimitForTier(tier string) RateLimit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if override, ok := t.limits.RateLimits.TierOverrides[normalize(tier)]; ok {
		return RateLimit{RPM: override.RPM, TPM: override.TPM}
	}
	return RateLimit{RPM: t.limits.RateLimits.DefaultRPM, TPM: t.limits.RateLimits.DefaultTPM}
}

// LimitForProvider returns the provider override, falling back to the
// builtin table for known providers.
func (t *Table) LimitForProvider(provider string) RateLimit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key := normalize(provider)
	if override, ok := t.limits.RateLimits.ProviderOverrides[key]; ok {
		return RateLimit{RPM: override.RPM, TPM: override.TPM}
	}
	return builtinProviderLimits[key]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CombineLimits takes the stricter positive value on each axis; an axis
// nobody limits stays unlimited.
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{
		RPM: stricter(a.RPM, b.RPM),
		TPM: stricter(a.TPM, b.TPM),
	}
}

func stricter(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// DelayForLimit converts a combined limit and a token estimate into the
// pause a caller should take before the request, capped at one minute.
func DelayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = 60000.0 / float64(limit.RPM)
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}
