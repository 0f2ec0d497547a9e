package costcontrol

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMTok  decimal.Decimal // USD per million input tokens
	OutputPerMTok decimal.Decimal // USD per million output tokens
}

func pricing(in, out string) ModelPricing {
	return ModelPricing{
		InputPerMTok:  decimal.RequireFromString(in),
		OutputPerMTok: decimal.RequireFromString(out),
	}
}

// modelPricingTable maps model names (without the provider/ prefix) to their pricing.
var modelPricingTable = map[string]ModelPricing{
	"claude-opus-4.6":   pricing("5", "25"),
	"claude-opus-4":     pricing("15", "75"),
	"claude-sonnet-4.5": pricing("3", "15"),
	"claude-sonnet-4":   pricing("3", "15"),
	"claude-haiku-4.5":  pricing("1", "5"),
	"claude-3.5-haiku":  pricing("0.8", "4"),
	"claude-3-haiku":    pricing("0.25", "1.25"),

	"gpt-4o":       pricing("2.5", "10"),
	"gpt-4o-mini":  pricing("0.15", "0.6"),
	"gpt-4.1":      pricing("2", "8"),
	"gpt-4.1-mini": pricing("0.4", "1.6"),

	"gemini-2.5-pro":   pricing("1.25", "10"),
	"gemini-2.5-flash": pricing("0.3", "2.5"),
}

// defaultPricing is used for unknown models (conservative so estimates never undershoot).
var defaultPricing = pricing("15", "75")

// modelFamilyPricing maps model family prefixes to pricing.
// Longest prefix wins so "claude-opus-4.6" beats "claude-opus".
var modelFamilyPricing = map[string]ModelPricing{
	"claude-opus-4.6":   pricing("5", "25"),
	"claude-sonnet-4.5": pricing("3", "15"),
	"claude-haiku-4.5":  pricing("1", "5"),

	"claude-opus":   pricing("15", "75"),
	"claude-sonnet": pricing("3", "15"),
	"claude-haiku":  pricing("1", "5"),
	"gpt-4o-mini":   pricing("0.15", "0.6"),
	"gpt-4o":        pricing("2.5", "10"),
	"gpt-4.1":       pricing("2", "8"),
	"gemini-2.5":    pricing("1.25", "10"),
}

// GetModelPricing returns pricing for a model.
// Accepts router-style ids ("anthropic/claude-sonnet-4.5") as well as bare names.
// Tries exact match, then prefix/family match (longest prefix wins), then default.
func GetModelPricing(model string) ModelPricing {
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	model = strings.ToLower(model)

	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	bestPrefix := ""
	var bestPricing ModelPricing
	for prefix, p := range modelFamilyPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	if bestPrefix != "" {
		return bestPricing
	}

	return defaultPricing
}

var million = decimal.NewFromInt(1_000_000)

// CalculateCost computes the cost in USD from token counts.
func CalculateCost(inputTokens, outputTokens int64, pricing ModelPricing) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Mul(pricing.InputPerMTok)
	out := decimal.NewFromInt(outputTokens).Mul(pricing.OutputPerMTok)
	return in.Add(out).Div(million)
}
