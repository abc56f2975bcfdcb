package pricing

import (
	"errors"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	pmetrics "github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
)

// TierPrice is the cost of one model tier in cents per 1K tokens.
type TierPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// config is the pricing section of config/pricing.yaml.
type config struct {
	Pricing struct {
		Tiers  map[string]TierPrice            `yaml:"tiers"`
		Models map[string]map[string]TierPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// builtinTiers is the fallback table when no pricing file is found.
// Cents per 1K tokens.
var builtinTiers = map[string]TierPrice{
	"opus":   {InputPer1K: 15, OutputPer1K: 75},
	"sonnet": {InputPer1K: 3, OutputPer1K: 15},
	"haiku":  {InputPer1K: 0.25, OutputPer1K: 1.25},
}

// Category default token estimates used when the caller has no real counts.
var categoryDefaults = map[models.TaskCategory]struct{ in, out int }{
	models.CategoryUltrabrain:        {in: 4000, out: 4000},
	models.CategoryVisualEngineering: {in: 3000, out: 3000},
	models.CategoryArtistry:          {in: 2000, out: 3000},
	models.CategoryWriting:           {in: 2000, out: 3000},
	models.CategoryQuick:             {in: 500, out: 500},
	models.CategoryUnspecifiedLow:    {in: 500, out: 500},
	models.CategoryUnspecifiedHigh:   {in: 2000, out: 2000},
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("PRICING_CONFIG_PATH"),
	"/app/config/pricing.yaml",
	"./config/pricing.yaml",
}

// findUpConfig searches parent directories for config/pricing.yaml starting
// at the working directory; test binaries run deep inside the package tree.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "pricing.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// loadLocked loads the configuration; caller must hold mu.
func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal pricing config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		break
	}
	if len(cfg.Pricing.Tiers) == 0 && len(cfg.Pricing.Models) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Reload forces a re-read of pricing configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// TierPricing returns the price table for a tier, falling back to the
// built-in table and ultimately to haiku pricing for unknown tiers.
func TierPricing(tier models.ModelTier) TierPrice {
	cfg := get()
	if p, ok := cfg.Pricing.Tiers[string(tier)]; ok && (p.InputPer1K > 0 || p.OutputPer1K > 0) {
		return p
	}
	if p, ok := builtinTiers[string(tier)]; ok {
		return p
	}
	pmetrics.PricingFallbacks.WithLabelValues("unknown_tier").Inc()
	return builtinTiers["haiku"]
}

// ModelPricing returns per-model pricing when the file declares one,
// otherwise false.
func ModelPricing(model string) (TierPrice, bool) {
	if model == "" {
		return TierPrice{}, false
	}
	cfg := get()
	for _, ms := range cfg.Pricing.Models {
		if p, ok := ms[model]; ok {
			return p, true
		}
	}
	return TierPrice{}, false
}

// CostForSplit computes the cost in cents for an input/output token split.
// Model-specific pricing wins over tier pricing when declared.
func CostForSplit(tier models.ModelTier, model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	p, ok := ModelPricing(model)
	if !ok {
		if model != "" {
			pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		}
		p = TierPricing(tier)
	}
	return (float64(inputTokens)/1000.0)*p.InputPer1K + (float64(outputTokens)/1000.0)*p.OutputPer1K
}

// EstimateCategoryCost estimates the cost in whole cents for a category,
// using category defaults when token counts are omitted (<= 0). Rounds up.
func EstimateCategoryCost(category models.TaskCategory, inputTokens, outputTokens int) int64 {
	defs := categoryDefaults[category]
	if inputTokens <= 0 {
		inputTokens = defs.in
	}
	if outputTokens <= 0 {
		outputTokens = defs.out
	}
	cents := CostForSplit(category.Tier(), "", inputTokens, outputTokens)
	return int64(math.Ceil(cents))
}

// ValidateMap validates a raw pricing config map for the config manager.
func ValidateMap(m map[string]interface{}) error {
	p, ok := m["pricing"].(map[string]interface{})
	if !ok {
		return nil
	}
	check := func(section map[string]interface{}, label string) error {
		for name, v := range section {
			entry, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			for _, key := range []string{"input_per_1k", "output_per_1k"} {
				if f, ok := entry[key].(float64); ok && f < 0 {
					return errors.New("negative " + key + " for " + label + ":" + name)
				}
			}
		}
		return nil
	}
	if tiers, ok := p["tiers"].(map[string]interface{}); ok {
		if err := check(tiers, "tier"); err != nil {
			return err
		}
	}
	if provs, ok := p["models"].(map[string]interface{}); ok {
		for provName, pm := range provs {
			if ms, ok := pm.(map[string]interface{}); ok {
				if err := check(ms, provName); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
