package engine

import "context"

// ModelPreferences steers which backend a Sampler should prefer, mirroring
// the MCP sampling request shape (spec §4.C step 2e / §9 "sampling
// dependency"): cost/speed/intelligence priorities plus a free-form hint.
type ModelPreferences struct {
	CostPriority         float64
	SpeedPriority        float64
	IntelligencePriority float64
	Hint                 string
}

// SamplingRequest is what merge_knowledge hands to a Sampler to synthesize
// one cluster of QA pairs into a knowledge summary.
type SamplingRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	Preferences ModelPreferences
}

// DefaultMergePreferences matches the original's merge-prompt sampling
// parameters exactly (temperature=0.3, max_tokens=2000, cost=0.3, speed=0.5,
// intelligence=0.8, hint="claude").
func DefaultMergePreferences() ModelPreferences {
	return ModelPreferences{CostPriority: 0.3, SpeedPriority: 0.5, IntelligencePriority: 0.8, Hint: "claude"}
}

// Sampler is the engine's external-LLM collaborator for merge_knowledge.
// internal/sampling's genai-backed Sampler is the only implementation in
// this module; no adapter over the MCP peer's createMessage call exists, so
// an Engine built without a Sampler fails every merge with a sampling error.
type Sampler interface {
	CreateMessage(ctx context.Context, req SamplingRequest) (string, error)
}

// SamplerFunc adapts a plain function to the Sampler interface.
type SamplerFunc func(ctx context.Context, req SamplingRequest) (string, error)

func (f SamplerFunc) CreateMessage(ctx context.Context, req SamplingRequest) (string, error) {
	return f(ctx, req)
}
