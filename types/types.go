// Package types defines the shared data model for memorypg: conversations,
// messages, summaries, and extracted memories.
package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Conversation is one persistent thread of messages for a user.
// At most one conversation per user may have IsPrimary set.
type Conversation struct {
	ID     uuid.UUID  `json:"id"`
	UserID uuid.UUID  `json:"user_id"`
	OrgID  *uuid.UUID `json:"org_id,omitempty"`

	// DealID optionally links the conversation to a business entity.
	DealID *uuid.UUID `json:"deal_id,omitempty"`

	IsPrimary bool `json:"is_primary"`

	// TotalTokensEstimate is the running approximate token count of all
	// non-compacted messages. Incremented on append, recomputed on compaction.
	TotalTokensEstimate int `json:"total_tokens_estimate"`

	LastCompactionAt *time.Time `json:"last_compaction_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Message is the ordered unit of dialogue within a conversation.
// CreatedAt is the sole ordering key and is monotonically increasing
// within a conversation.
type Message struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Role           MessageRole    `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// IsCompacted marks a message as consumed by compaction. Compacted
	// messages are excluded from every tiering and recall read but are
	// never physically deleted.
	IsCompacted bool `json:"is_compacted"`

	CreatedAt time.Time `json:"created_at"`
}

// KeyPoint is one salient point extracted from a summary.
type KeyPoint struct {
	Topic      string `json:"topic"`
	Detail     string `json:"detail"`
	Importance int    `json:"importance"`
}

// MaxKeyPoints caps the key point list stored per summary.
const MaxKeyPoints = 10

// Summary is the immutable compacted representation of a contiguous
// message range.
type Summary struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SummaryText    string     `json:"summary_text"`
	KeyPoints      []KeyPoint `json:"key_points"`

	// FirstMessageID and LastMessageID bound the range this summary covers.
	FirstMessageID uuid.UUID `json:"first_message_id"`
	LastMessageID  uuid.UUID `json:"last_message_id"`
	MessageCount   int       `json:"message_count"`

	TokensBefore int `json:"tokens_before"`
	TokensAfter  int `json:"tokens_after"`

	CreatedAt time.Time `json:"created_at"`
}

// MemoryCategory classifies a durable extracted fact.
type MemoryCategory string

const (
	CategoryDeal         MemoryCategory = "deal"
	CategoryRelationship MemoryCategory = "relationship"
	CategoryPreference   MemoryCategory = "preference"
	CategoryCommitment   MemoryCategory = "commitment"
	CategoryFact         MemoryCategory = "fact"
)

// ValidCategories is the closed set of memory categories.
var ValidCategories = map[MemoryCategory]bool{
	CategoryDeal:         true,
	CategoryRelationship: true,
	CategoryPreference:   true,
	CategoryCommitment:   true,
	CategoryFact:         true,
}

// MinConfidence is the floor below which extracted memories are dropped
// before persistence. Enforced at the extraction boundary, not in storage.
const MinConfidence = 0.5

// Memory is a durable fact extracted from conversation, retrievable
// independently of any single message.
type Memory struct {
	ID       uuid.UUID      `json:"id"`
	UserID   uuid.UUID      `json:"user_id"`
	Category MemoryCategory `json:"category"`
	Subject  string         `json:"subject"`
	Content  string         `json:"content"`

	// Confidence is a heuristic supplied by the extraction collaborator,
	// always within [MinConfidence, 1.0] once persisted.
	Confidence float64 `json:"confidence"`

	DealID    *uuid.UUID `json:"deal_id,omitempty"`
	ContactID *uuid.UUID `json:"contact_id,omitempty"`
	CompanyID *uuid.UUID `json:"company_id,omitempty"`

	SourceConversationID *uuid.UUID  `json:"source_conversation_id,omitempty"`
	SourceMessageIDs     []uuid.UUID `json:"source_message_ids,omitempty"`

	// ExtractionBatchID tags every memory persisted by one compaction run,
	// so duplicates from a failed-then-retried run can be identified at
	// read time.
	ExtractionBatchID *uuid.UUID `json:"extraction_batch_id,omitempty"`

	// ExpiresAt soft-expires the memory: expired memories are excluded
	// from all reads but not deleted.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExpired reports whether the memory has soft-expired as of now.
func (m *Memory) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// ExtractedMemory is the raw output of the extraction collaborator,
// before confidence filtering and entity linking.
type ExtractedMemory struct {
	Category    MemoryCategory `json:"category"`
	Subject     string         `json:"subject"`
	Content     string         `json:"content"`
	Confidence  float64        `json:"confidence"`
	DealName    string         `json:"deal_name,omitempty"`
	ContactName string         `json:"contact_name,omitempty"`
	CompanyName string         `json:"company_name,omitempty"`
}

// MemoryInput is an extracted memory after entity linking, ready for
// persistence. Links left nil mean no entity matched; that is not an error.
type MemoryInput struct {
	Category   MemoryCategory
	Subject    string
	Content    string
	Confidence float64
	DealID     *uuid.UUID
	ContactID  *uuid.UUID
	CompanyID  *uuid.UUID
}
