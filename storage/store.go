// Package storage provides PostgreSQL persistence for memorypg.
//
// All reads of conversation history are defined as filtered views over
// non-compacted messages; compaction never physically deletes rows. The
// schema lives in schema.sql.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/types"
)

// Store defines the persistence interface for conversations, messages,
// summaries, and memories.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*types.Conversation, error)
	GetPrimaryConversation(ctx context.Context, userID uuid.UUID) (*types.Conversation, error)
	// AddConversationTokens increments the running token estimate by delta.
	AddConversationTokens(ctx context.Context, conversationID uuid.UUID, delta int) error
	// FinishCompaction stores the recomputed token estimate and stamps
	// last_compaction_at.
	FinishCompaction(ctx context.Context, conversationID uuid.UUID, totalTokens int, at time.Time) error
	// SetConversationTokens overwrites the running token estimate.
	SetConversationTokens(ctx context.Context, conversationID uuid.UUID, totalTokens int) error
	// ListCompactedSince returns IDs of conversations compacted at or after t.
	ListCompactedSince(ctx context.Context, t time.Time) ([]uuid.UUID, error)

	// Message operations
	SaveMessage(ctx context.Context, msg *types.Message) error
	// GetActiveMessages returns all non-compacted messages for a
	// conversation ordered by creation time.
	GetActiveMessages(ctx context.Context, conversationID uuid.UUID) ([]*types.Message, error)
	// MarkMessagesCompacted flips is_compacted for the given messages as a
	// single batch.
	MarkMessagesCompacted(ctx context.Context, messageIDs []uuid.UUID) error

	// Summary operations
	SaveSummary(ctx context.Context, summary *types.Summary) error
	GetLatestSummary(ctx context.Context, conversationID uuid.UUID) (*types.Summary, error)

	// Memory operations
	SaveMemories(ctx context.Context, memories []*types.Memory) error
	// GetActiveMemories returns non-expired memories for a user, optionally
	// restricted to a category set.
	GetActiveMemories(ctx context.Context, userID uuid.UUID, categories []types.MemoryCategory) ([]*types.Memory, error)
	// TouchMemories updates last_accessed_at and increments access_count
	// for the given memories as a single batch.
	TouchMemories(ctx context.Context, memoryIDs []uuid.UUID, at time.Time) error
	UpdateMemory(ctx context.Context, memory *types.Memory) error
	// DeleteExpiredMemories removes memories whose expires_at is at or
	// before the given time and returns the number deleted.
	DeleteExpiredMemories(ctx context.Context, before time.Time) (int, error)

	// Compaction serialization. TryConversationLock acquires a session-level
	// advisory lock keyed by the conversation ID; a second compaction run on
	// the same conversation must not start while one is in flight.
	TryConversationLock(ctx context.Context, conversationID uuid.UUID) (bool, error)
	ReleaseConversationLock(ctx context.Context, conversationID uuid.UUID) error

	// Maintenance serialization. TrySweepLock acquires the deployment-wide
	// advisory lock that serializes sweep passes; at most one sweeper
	// instance performs a pass at a time.
	TrySweepLock(ctx context.Context) (bool, error)
	ReleaseSweepLock(ctx context.Context) error
}
