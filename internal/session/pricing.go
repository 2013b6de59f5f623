package session

import (
	"strings"

	"github.com/lm-assist/backend/internal/jsonl"
)

// ModelPricing is USD per million tokens for one model family.
type ModelPricing struct {
	Input       float64
	Output      float64
	CacheRead   float64
	CacheCreate float64
}

var (
	pricingOpusCurrent = ModelPricing{Input: 5, Output: 25, CacheRead: 0.5, CacheCreate: 6.25}
	pricingOpusLegacy  = ModelPricing{Input: 15, Output: 75, CacheRead: 1.5, CacheCreate: 18.75}
	pricingSonnet      = ModelPricing{Input: 3, Output: 15, CacheRead: 0.3, CacheCreate: 3.75}
	pricingHaiku45     = ModelPricing{Input: 1, Output: 5, CacheRead: 0.1, CacheCreate: 1.25}
	pricingHaiku35     = ModelPricing{Input: 0.8, Output: 4, CacheRead: 0.08, CacheCreate: 1.0}
	pricingHaiku3      = ModelPricing{Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheCreate: 0.30}
)

// PricingFor selects the pricing for a model id by family and version.
// Unknown models price as Sonnet. Used only when a result record carries no
// authoritative cost.
func PricingFor(model string) ModelPricing {
	id := strings.ToLower(model)

	switch {
	case strings.Contains(id, "opus"):
		if hasVersion(id, "4-5", "4.5", "4-6", "4.6") {
			return pricingOpusCurrent
		}
		return pricingOpusLegacy
	case strings.Contains(id, "haiku"):
		if hasVersion(id, "4-5", "4.5") {
			return pricingHaiku45
		}
		if hasVersion(id, "3-5", "3.5") {
			return pricingHaiku35
		}
		return pricingHaiku3
	default:
		return pricingSonnet
	}
}

func hasVersion(id string, versions ...string) bool {
	for _, ver := range versions {
		if strings.Contains(id, ver) {
			return true
		}
	}
	return false
}

// Cost prices a usage total in USD.
func (p ModelPricing) Cost(u jsonl.Usage) float64 {
	perTok := float64(u.InputTokens)*p.Input +
		float64(u.OutputTokens)*p.Output +
		float64(u.CacheReadInputTokens)*p.CacheRead +
		float64(u.CacheCreationInputTokens)*p.CacheCreate
	return perTok / 1_000_000
}
