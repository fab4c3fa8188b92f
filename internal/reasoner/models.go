package reasoner

import (
	"fmt"
	"maps"
	"slices"
)

// ModelInfo describes a supported LLM.
type ModelInfo struct {
	ID     string
	Family string
	// Tier orders models by capability; fallbacks are usually lower tiers.
	Tier int
}

var models = map[string]ModelInfo{
	"claude-opus-4-1-20250805":   {ID: "claude-opus-4-1-20250805", Family: "opus", Tier: 3},
	"claude-opus-4-20250514":     {ID: "claude-opus-4-20250514", Family: "opus", Tier: 3},
	"claude-sonnet-4-5-20250929": {ID: "claude-sonnet-4-5-20250929", Family: "sonnet", Tier: 2},
	"claude-sonnet-4-20250514":   {ID: "claude-sonnet-4-20250514", Family: "sonnet", Tier: 2},
	"claude-3-7-sonnet-20250219": {ID: "claude-3-7-sonnet-20250219", Family: "sonnet", Tier: 2},
	"claude-haiku-4-5-20251001":  {ID: "claude-haiku-4-5-20251001", Family: "haiku", Tier: 1},
	"claude-3-5-haiku-20241022":  {ID: "claude-3-5-haiku-20241022", Family: "haiku", Tier: 1},
}

// Default model choices.
const (
	DefaultPrimaryModel  = "claude-sonnet-4-20250514"
	DefaultFallbackModel = "claude-3-5-haiku-20241022"
)

// LookupModel returns the table entry for id.
func LookupModel(id string) (ModelInfo, error) {
	m, ok := models[id]
	if !ok {
		return ModelInfo{}, fmt.Errorf("unsupported model %q", id)
	}
	return m, nil
}

// SupportedModels lists every known model id in sorted order.
func SupportedModels() []string {
	return slices.Sorted(maps.Keys(models))
}
