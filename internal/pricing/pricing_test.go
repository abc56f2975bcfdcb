package pricing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/weaverhq/weaver/internal/models"
)

func TestTierPricingBuiltins(t *testing.T) {
	opus := TierPricing(models.TierOpus)
	assert.Equal(t, 15.0, opus.InputPer1K)
	assert.Equal(t, 75.0, opus.OutputPer1K)

	sonnet := TierPricing(models.TierSonnet)
	assert.Equal(t, 3.0, sonnet.InputPer1K)
	assert.Equal(t, 15.0, sonnet.OutputPer1K)

	haiku := TierPricing(models.TierHaiku)
	assert.Equal(t, 0.25, haiku.InputPer1K)
	assert.Equal(t, 1.25, haiku.OutputPer1K)

	// Unknown tiers fall back to the cheapest table.
	unknown := TierPricing(models.ModelTier("mystery"))
	assert.Equal(t, haiku, unknown)
}

func TestCostForSplit(t *testing.T) {
	// 1K in + 1K out on opus: 15 + 75 cents.
	cost := CostForSplit(models.TierOpus, "", 1000, 1000)
	assert.InDelta(t, 90.0, cost, 1e-9)

	// Negative counts are treated as zero.
	assert.Equal(t, 0.0, CostForSplit(models.TierSonnet, "", -5, -10))
}

func TestEstimateCategoryCostUsesDefaults(t *testing.T) {
	// quick maps to haiku; 500 in + 500 out = 0.125 + 0.625 cents, rounded up.
	assert.Equal(t, int64(1), EstimateCategoryCost(models.CategoryQuick, 0, 0))

	// ultrabrain maps to opus; 4000 in + 4000 out = 60 + 300 cents.
	assert.Equal(t, int64(360), EstimateCategoryCost(models.CategoryUltrabrain, 0, 0))

	// Explicit counts win over defaults.
	assert.Equal(t, int64(90), EstimateCategoryCost(models.CategoryUltrabrain, 1000, 1000))
}

func TestValidateMap(t *testing.T) {
	assert.NoError(t, ValidateMap(map[string]interface{}{}))
	assert.NoError(t, ValidateMap(map[string]interface{}{
		"pricing": map[string]interface{}{
			"tiers": map[string]interface{}{
				"opus": map[string]interface{}{"input_per_1k": 15.0},
			},
		},
	}))
	assert.Error(t, ValidateMap(map[string]interface{}{
		"pricing": map[string]interface{}{
			"tiers": map[string]interface{}{
				"opus": map[string]interface{}{"input_per_1k": -1.0},
			},
		},
	}))
}

func TestConcurrentAccessDoesNotDeadlock(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = CostForSplit(models.TierSonnet, "", 100, 100)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		Reload()
	}()
	wg.Wait()
}
