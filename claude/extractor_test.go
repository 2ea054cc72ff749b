package claude

import (
	"testing"

	"github.com/sellscope/memorypg/types"
)

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected int
	}{
		{
			name:     "empty input",
			raw:      "",
			expected: 0,
		},
		{
			name:     "prose without JSON",
			raw:      "I could not find any facts worth keeping.",
			expected: 0,
		},
		{
			name:     "empty array",
			raw:      "[]",
			expected: 0,
		},
		{
			name:     "truncated JSON",
			raw:      `[{"category": "deal", "subject": "ACME"`,
			expected: 0,
		},
		{
			name: "well-formed array",
			raw: `[
				{"category": "deal", "subject": "ACME renewal", "content": "budget is 50k", "confidence": 0.9},
				{"category": "preference", "subject": "John", "content": "prefers email", "confidence": 0.8}
			]`,
			expected: 2,
		},
		{
			name:     "array wrapped in code fence",
			raw:      "```json\n[{\"category\": \"fact\", \"subject\": \"ACME\", \"content\": \"HQ in Berlin\", \"confidence\": 0.7}]\n```",
			expected: 1,
		},
		{
			name:     "array wrapped in prose",
			raw:      `Here are the facts: [{"category": "fact", "subject": "ACME", "content": "HQ in Berlin", "confidence": 0.7}] Let me know if you need more.`,
			expected: 1,
		},
		{
			name:     "elements missing subject or content are skipped",
			raw:      `[{"category": "fact", "subject": "", "content": "orphan"}, {"category": "fact", "subject": "ok", "content": "kept", "confidence": 0.9}]`,
			expected: 1,
		},
		{
			name:     "non-object elements are skipped",
			raw:      `["just a string", 42, {"category": "fact", "subject": "ok", "content": "kept", "confidence": 0.9}]`,
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseExtraction(tt.raw)
			if len(got) != tt.expected {
				t.Errorf("ParseExtraction() returned %d memories, want %d", len(got), tt.expected)
			}
		})
	}
}

func TestParseExtractionFields(t *testing.T) {
	raw := `[{
		"category": "deal",
		"subject": "ACME renewal",
		"content": "budget is 50k",
		"confidence": 0.85,
		"deal_name": "ACME Q3 renewal",
		"contact_name": "John Smith",
		"company_name": "ACME Corp"
	}]`

	memories := ParseExtraction(raw)
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(memories))
	}

	m := memories[0]
	if m.Category != types.CategoryDeal {
		t.Errorf("Category = %q, want deal", m.Category)
	}
	if m.Subject != "ACME renewal" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if m.Content != "budget is 50k" {
		t.Errorf("Content = %q", m.Content)
	}
	if m.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", m.Confidence)
	}
	if m.DealName != "ACME Q3 renewal" || m.ContactName != "John Smith" || m.CompanyName != "ACME Corp" {
		t.Error("entity names not carried through")
	}
}

func TestParseExtractionUnknownCategoryPassedThrough(t *testing.T) {
	// Category validation happens downstream; the parser carries whatever
	// the model said.
	raw := `[{"category": "gossip", "subject": "x", "content": "y", "confidence": 0.9}]`

	memories := ParseExtraction(raw)
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(memories))
	}
	if memories[0].Category != "gossip" {
		t.Errorf("Category = %q, want gossip", memories[0].Category)
	}
}
