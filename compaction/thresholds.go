package compaction

// Reserved token budgets subtracted from a model's context window before
// the compaction trigger is derived.
const (
	reservedSystemPromptTokens = 4096
	reservedResponseTokens     = 8192
	reservedToolTokens         = 4096

	// thresholdFraction of the usable window at which compaction triggers.
	thresholdFraction = 0.75

	// DefaultModelContextTokens is assumed for unknown models.
	DefaultModelContextTokens = 200000
)

// modelContextTokens maps known model identifiers to their maximum context
// window sizes.
var modelContextTokens = map[string]int{
	"claude-haiku-4-5":           200000,
	"claude-sonnet-4-5":          200000,
	"claude-opus-4-1":            200000,
	"claude-3-7-sonnet-latest":   200000,
	"claude-3-5-haiku-20241022":  200000,
	"claude-3-5-sonnet-20241022": 200000,
}

// ContextTokensForModel returns the model's maximum context window,
// falling back to DefaultModelContextTokens for unknown models.
func ContextTokensForModel(modelID string) int {
	if tokens, ok := modelContextTokens[modelID]; ok {
		return tokens
	}
	return DefaultModelContextTokens
}

// ThresholdForModel derives the token count at which compaction should
// trigger for a model: the context window minus reserved budgets for system
// prompt, response headroom, and tool definitions, scaled by the threshold
// fraction and floored.
func ThresholdForModel(modelID string) int {
	usable := ContextTokensForModel(modelID) -
		reservedSystemPromptTokens -
		reservedResponseTokens -
		reservedToolTokens
	return int(float64(usable) * thresholdFraction)
}

// NeedsCompaction reports whether a conversation's running token estimate
// has crossed the threshold.
func NeedsCompaction(totalTokens, threshold int) bool {
	return totalTokens > threshold
}
