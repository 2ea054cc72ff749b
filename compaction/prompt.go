package compaction

import (
	"strings"

	"github.com/sellscope/memorypg/types"
)

// TieredSummarySystemPrompt is the system instruction for Tier 2
// summarization. The five required sections mirror what the sales assistant
// needs to carry forward across compactions.
const TieredSummarySystemPrompt = `You are a conversation summarizer for a sales-intelligence assistant. Create a structured summary of the conversation that will replace the original messages while preserving everything needed to continue working the user's pipeline.

Write the summary with exactly these 5 sections. If a section has no relevant content, write "None".

1. **Decisions**
   - Decisions the user or their counterparties made
   - Agreed pricing, terms, or scope changes

2. **Actions**
   - Actions taken or promised, with owners and deadlines
   - Follow-ups that are still open

3. **Stage Changes**
   - Deals that moved between pipeline stages and why
   - Risk signals or momentum changes on active deals

4. **Entities**
   - Deals, contacts, and companies discussed, with roles and relationships
   - New entities introduced in this conversation

5. **Preferences**
   - Communication and working preferences the user expressed
   - Constraints to respect in future conversations

Guidelines:
- Be concise but complete; preserve names, numbers, and dates exactly
- Use bullet points
- Do not add information that was not in the conversation`

// LegacySummarySystemPrompt is the general-purpose instruction used by the
// legacy single-tier protocol.
const LegacySummarySystemPrompt = `You are summarizing a conversation between a user and their sales assistant. Produce a summary of at most 500 words covering:

- Topics: what the conversation was about
- Decisions: anything that was decided or agreed
- Context: background facts needed to continue the conversation
- Action items: outstanding tasks, with owners where stated

Use short bullet points. Preserve names, numbers, and dates exactly.`

// BuildSummaryUserPrompt wraps a formatted transcript for the summarizer.
func BuildSummaryUserPrompt(transcript string) string {
	return `Summarize the following conversation according to your instructions.

<conversation>
` + transcript + `
</conversation>`
}

// FormatTranscript flattens messages into the "[role]: content" transcript
// form the summarization and extraction collaborators accept.
func FormatTranscript(messages []*types.Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(string(msg.Role))
		b.WriteString("]: ")
		b.WriteString(msg.Content)
	}
	return b.String()
}
