// Package claude implements the summarization and extraction collaborators
// on top of the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/sellscope/memorypg/compaction"
	"github.com/sellscope/memorypg/types"
)

// DefaultMaxTokens bounds the summarizer's response.
const DefaultMaxTokens = 4096

// DefaultModel is used when a caller passes an empty model ID.
const DefaultModel = "claude-haiku-4-5"

// Summarizer generates conversation summaries with Claude's streaming API.
// It implements compaction.Summarizer.
type Summarizer struct {
	client    *anthropic.Client
	maxTokens int
}

// NewSummarizer creates a Summarizer. maxTokens <= 0 uses DefaultMaxTokens.
func NewSummarizer(client *anthropic.Client, maxTokens int) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Summarizer{client: client, maxTokens: maxTokens}
}

// Generate summarizes the messages under the given system instruction and
// returns the plain-text result.
func (s *Summarizer) Generate(ctx context.Context, systemPrompt string, messages []*types.Message, modelID string) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to summarize")
	}
	if modelID == "" {
		modelID = DefaultModel
	}

	userPrompt := compaction.BuildSummaryUserPrompt(compaction.FormatTranscript(messages))

	stream := s.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(s.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return "", fmt.Errorf("failed to accumulate stream: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("summarization request failed: %w", err)
	}

	var summary strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			summary.WriteString(text.Text)
		}
	}

	if summary.Len() == 0 {
		return "", fmt.Errorf("empty response from summarizer")
	}

	return summary.String(), nil
}
