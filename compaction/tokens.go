package compaction

import (
	"encoding/json"

	"github.com/sellscope/memorypg/types"
)

// messageOverheadTokens is the fixed structural overhead added per message
// for role and framing.
const messageOverheadTokens = 10

// EstimateText estimates the token count of a text as ceil(len/4).
// Empty input yields 0. Deterministic, never fails.
func EstimateText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateMessage estimates the token count of a message: the content
// estimate plus fixed structural overhead, plus the serialized metadata
// estimate when metadata is present.
func EstimateMessage(msg *types.Message) int {
	if msg == nil {
		return 0
	}

	total := EstimateText(msg.Content) + messageOverheadTokens

	if len(msg.Metadata) > 0 {
		if raw, err := json.Marshal(msg.Metadata); err == nil {
			total += EstimateText(string(raw))
		}
	}

	return total
}

// SumTokens estimates the total token count across messages.
func SumTokens(messages []*types.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessage(msg)
	}
	return total
}
