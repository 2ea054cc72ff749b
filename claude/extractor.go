package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	"github.com/sellscope/memorypg/compaction"
	"github.com/sellscope/memorypg/types"
)

// extractionSystemPrompt instructs Claude to emit durable facts as JSON.
const extractionSystemPrompt = `You extract durable facts from conversations between a user and their sales assistant.

Return a JSON array. Each element must have:
- "category": one of "deal", "relationship", "preference", "commitment", "fact"
- "subject": who or what the fact is about
- "content": the fact itself, one sentence
- "confidence": a number between 0.0 and 1.0
- optionally "deal_name", "contact_name", "company_name" when the fact involves a named deal, person, or company

Only include facts worth remembering across conversations: commitments, preferences, relationship details, deal state. Skip pleasantries and transient chatter. Return [] if there is nothing worth keeping. Return only the JSON array, no other text.`

// Extractor pulls structured memories out of a message slice using Claude.
// It implements compaction.Extractor. Malformed model output degrades to
// zero memories rather than an error.
type Extractor struct {
	client    *anthropic.Client
	maxTokens int
}

// NewExtractor creates an Extractor. maxTokens <= 0 uses DefaultMaxTokens.
func NewExtractor(client *anthropic.Client, maxTokens int) *Extractor {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Extractor{client: client, maxTokens: maxTokens}
}

// Extract returns the durable facts Claude found in the messages.
func (e *Extractor) Extract(ctx context.Context, messages []*types.Message, modelID string) ([]types.ExtractedMemory, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	if modelID == "" {
		modelID = DefaultModel
	}

	userPrompt := "Extract durable facts from this conversation.\n\n<conversation>\n" +
		compaction.FormatTranscript(messages) + "\n</conversation>"

	message, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(e.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: extractionSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return ParseExtraction(text.String()), nil
}

// ParseExtraction leniently parses the model's JSON output into extracted
// memories. Anything malformed, including non-JSON text, yields nil.
func ParseExtraction(raw string) []types.ExtractedMemory {
	raw = strings.TrimSpace(raw)

	// Models sometimes wrap the array in a code fence or prose; find the
	// outermost array.
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}
	raw = raw[start : end+1]

	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil
	}

	var memories []types.ExtractedMemory
	parsed.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}

		mem := types.ExtractedMemory{
			Category:    types.MemoryCategory(item.Get("category").String()),
			Subject:     item.Get("subject").String(),
			Content:     item.Get("content").String(),
			Confidence:  item.Get("confidence").Float(),
			DealName:    item.Get("deal_name").String(),
			ContactName: item.Get("contact_name").String(),
			CompanyName: item.Get("company_name").String(),
		}
		if mem.Subject == "" || mem.Content == "" {
			return true
		}
		memories = append(memories, mem)
		return true
	})

	return memories
}
