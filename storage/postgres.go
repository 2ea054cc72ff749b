package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sellscope/memorypg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// txContextKey is the context key for storing pgx.Tx
type txContextKey struct{}

// WithTx returns a new context with the given transaction.
// Store operations using this context participate in the transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction from context, or nil if not present.
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is a common interface for pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL with pgx.
type PostgresStore struct {
	pool *pgxpool.Pool

	lockMu    sync.Mutex
	lockConns map[uuid.UUID]*pgxpool.Conn
	sweepConn *pgxpool.Conn
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:      pool,
		lockConns: make(map[uuid.UUID]*pgxpool.Conn),
	}
}

// getQuerier returns the transaction from context if present, otherwise the pool
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// CreateConversation inserts a new conversation. When IsPrimary is set, any
// existing primary conversation for the user is demoted first so the
// one-primary-per-user rule holds.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}

	q := s.getQuerier(ctx)

	if conv.IsPrimary {
		demote := `
			UPDATE memorypg_conversations
			SET is_primary = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND is_primary
		`
		if _, err := q.Exec(ctx, demote, conv.UserID); err != nil {
			return fmt.Errorf("failed to demote primary conversation: %w", err)
		}
	}

	query := `
		INSERT INTO memorypg_conversations
			(id, user_id, org_id, deal_id, is_primary, total_tokens_estimate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`

	_, err := q.Exec(ctx, query,
		conv.ID, conv.UserID, conv.OrgID, conv.DealID, conv.IsPrimary, conv.TotalTokensEstimate)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*types.Conversation, error) {
	query := `
		SELECT id, user_id, org_id, deal_id, is_primary, total_tokens_estimate,
		       last_compaction_at, created_at, updated_at
		FROM memorypg_conversations
		WHERE id = $1
	`
	return s.scanConversation(s.getQuerier(ctx).QueryRow(ctx, query, conversationID))
}

// GetPrimaryConversation retrieves the user's primary conversation.
func (s *PostgresStore) GetPrimaryConversation(ctx context.Context, userID uuid.UUID) (*types.Conversation, error) {
	query := `
		SELECT id, user_id, org_id, deal_id, is_primary, total_tokens_estimate,
		       last_compaction_at, created_at, updated_at
		FROM memorypg_conversations
		WHERE user_id = $1 AND is_primary
	`
	return s.scanConversation(s.getQuerier(ctx).QueryRow(ctx, query, userID))
}

func (s *PostgresStore) scanConversation(row pgx.Row) (*types.Conversation, error) {
	var conv types.Conversation
	err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.OrgID,
		&conv.DealID,
		&conv.IsPrimary,
		&conv.TotalTokensEstimate,
		&conv.LastCompactionAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("conversation: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// AddConversationTokens increments the running token estimate by delta.
func (s *PostgresStore) AddConversationTokens(ctx context.Context, conversationID uuid.UUID, delta int) error {
	query := `
		UPDATE memorypg_conversations
		SET total_tokens_estimate = total_tokens_estimate + $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.getQuerier(ctx).Exec(ctx, query, conversationID, delta)
	if err != nil {
		return fmt.Errorf("failed to add conversation tokens: %w", err)
	}
	return nil
}

// SetConversationTokens overwrites the running token estimate.
func (s *PostgresStore) SetConversationTokens(ctx context.Context, conversationID uuid.UUID, totalTokens int) error {
	query := `
		UPDATE memorypg_conversations
		SET total_tokens_estimate = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.getQuerier(ctx).Exec(ctx, query, conversationID, totalTokens)
	if err != nil {
		return fmt.Errorf("failed to set conversation tokens: %w", err)
	}
	return nil
}

// FinishCompaction stores the recomputed token estimate and stamps last_compaction_at.
func (s *PostgresStore) FinishCompaction(ctx context.Context, conversationID uuid.UUID, totalTokens int, at time.Time) error {
	query := `
		UPDATE memorypg_conversations
		SET total_tokens_estimate = $2, last_compaction_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.getQuerier(ctx).Exec(ctx, query, conversationID, totalTokens, at)
	if err != nil {
		return fmt.Errorf("failed to finish compaction: %w", err)
	}
	return nil
}

// ListCompactedSince returns IDs of conversations compacted at or after t.
func (s *PostgresStore) ListCompactedSince(ctx context.Context, t time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM memorypg_conversations
		WHERE last_compaction_at IS NOT NULL AND last_compaction_at >= $1
		ORDER BY last_compaction_at ASC
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("failed to list compacted conversations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveMessage inserts a message.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO memorypg_messages (id, conversation_id, role, content, metadata, is_compacted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.getQuerier(ctx).Exec(ctx, query,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, metadataJSON, msg.IsCompacted, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	msg.CreatedAt = createdAt
	return nil
}

// GetActiveMessages retrieves all non-compacted messages for a conversation
// ordered by creation time. This is the sole canonical view of history.
func (s *PostgresStore) GetActiveMessages(ctx context.Context, conversationID uuid.UUID) ([]*types.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, metadata, is_compacted, created_at
		FROM memorypg_messages
		WHERE conversation_id = $1 AND NOT is_compacted
		ORDER BY created_at ASC
	`
	rows, err := s.getQuerier(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var msg types.Message
		var metadataJSON []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&metadataJSON, &msg.IsCompacted, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// MarkMessagesCompacted flips is_compacted for the given messages atomically.
func (s *PostgresStore) MarkMessagesCompacted(ctx context.Context, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}

	query := `
		UPDATE memorypg_messages
		SET is_compacted = TRUE
		WHERE id = ANY($1) AND NOT is_compacted
	`
	_, err := s.getQuerier(ctx).Exec(ctx, query, messageIDs)
	if err != nil {
		return fmt.Errorf("failed to mark messages compacted: %w", err)
	}
	return nil
}

// SaveSummary inserts a summary. Summaries are immutable after creation.
func (s *PostgresStore) SaveSummary(ctx context.Context, summary *types.Summary) error {
	if summary.ID == uuid.Nil {
		summary.ID = uuid.New()
	}

	keyPointsJSON, err := json.Marshal(summary.KeyPoints)
	if err != nil {
		return fmt.Errorf("failed to marshal key points: %w", err)
	}

	query := `
		INSERT INTO memorypg_summaries
			(id, conversation_id, summary_text, key_points, first_message_id, last_message_id,
			 message_count, tokens_before, tokens_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err = s.getQuerier(ctx).Exec(ctx, query,
		summary.ID, summary.ConversationID, summary.SummaryText, keyPointsJSON,
		summary.FirstMessageID, summary.LastMessageID, summary.MessageCount,
		summary.TokensBefore, summary.TokensAfter)
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// GetLatestSummary returns the most recent summary for a conversation.
func (s *PostgresStore) GetLatestSummary(ctx context.Context, conversationID uuid.UUID) (*types.Summary, error) {
	query := `
		SELECT id, conversation_id, summary_text, key_points, first_message_id, last_message_id,
		       message_count, tokens_before, tokens_after, created_at
		FROM memorypg_summaries
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var summary types.Summary
	var keyPointsJSON []byte
	err := s.getQuerier(ctx).QueryRow(ctx, query, conversationID).Scan(
		&summary.ID, &summary.ConversationID, &summary.SummaryText, &keyPointsJSON,
		&summary.FirstMessageID, &summary.LastMessageID, &summary.MessageCount,
		&summary.TokensBefore, &summary.TokensAfter, &summary.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("summary: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	if len(keyPointsJSON) > 0 {
		if err := json.Unmarshal(keyPointsJSON, &summary.KeyPoints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key points: %w", err)
		}
	}
	return &summary, nil
}

// SaveMemories inserts memories in a batch.
func (s *PostgresStore) SaveMemories(ctx context.Context, memories []*types.Memory) error {
	if len(memories) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	query := `
		INSERT INTO memorypg_memories
			(id, user_id, category, subject, content, confidence,
			 deal_id, contact_id, company_id,
			 source_conversation_id, source_message_ids, extraction_batch_id,
			 expires_at, access_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`

	for _, mem := range memories {
		if mem.ID == uuid.Nil {
			mem.ID = uuid.New()
		}
		batch.Queue(query,
			mem.ID, mem.UserID, mem.Category, mem.Subject, mem.Content, mem.Confidence,
			mem.DealID, mem.ContactID, mem.CompanyID,
			mem.SourceConversationID, mem.SourceMessageIDs, mem.ExtractionBatchID,
			mem.ExpiresAt)
	}

	results := s.getQuerier(ctx).SendBatch(ctx, batch)
	defer results.Close()

	for range memories {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to save memory: %w", err)
		}
	}
	return nil
}

// GetActiveMemories returns non-expired memories for a user, optionally
// filtered to a category set.
func (s *PostgresStore) GetActiveMemories(ctx context.Context, userID uuid.UUID, categories []types.MemoryCategory) ([]*types.Memory, error) {
	query := `
		SELECT id, user_id, category, subject, content, confidence,
		       deal_id, contact_id, company_id,
		       source_conversation_id, source_message_ids, extraction_batch_id,
		       expires_at, access_count, last_accessed_at, created_at, updated_at
		FROM memorypg_memories
		WHERE user_id = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`
	args := []any{userID}
	if len(categories) > 0 {
		cats := make([]string, len(categories))
		for i, c := range categories {
			cats[i] = string(c)
		}
		query += ` AND category = ANY($2)`
		args = append(args, cats)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.getQuerier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var memories []*types.Memory
	for rows.Next() {
		var mem types.Memory
		if err := rows.Scan(
			&mem.ID, &mem.UserID, &mem.Category, &mem.Subject, &mem.Content, &mem.Confidence,
			&mem.DealID, &mem.ContactID, &mem.CompanyID,
			&mem.SourceConversationID, &mem.SourceMessageIDs, &mem.ExtractionBatchID,
			&mem.ExpiresAt, &mem.AccessCount, &mem.LastAccessedAt, &mem.CreatedAt, &mem.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, &mem)
	}
	return memories, rows.Err()
}

// TouchMemories updates access tracking for the given memories as one batch.
func (s *PostgresStore) TouchMemories(ctx context.Context, memoryIDs []uuid.UUID, at time.Time) error {
	if len(memoryIDs) == 0 {
		return nil
	}

	query := `
		UPDATE memorypg_memories
		SET access_count = access_count + 1, last_accessed_at = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`
	_, err := s.getQuerier(ctx).Exec(ctx, query, memoryIDs, at)
	if err != nil {
		return fmt.Errorf("failed to touch memories: %w", err)
	}
	return nil
}

// UpdateMemory applies an explicit edit to a memory's mutable fields.
func (s *PostgresStore) UpdateMemory(ctx context.Context, memory *types.Memory) error {
	query := `
		UPDATE memorypg_memories
		SET category = $2, subject = $3, content = $4, confidence = $5,
		    deal_id = $6, contact_id = $7, company_id = $8,
		    expires_at = $9, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.getQuerier(ctx).Exec(ctx, query,
		memory.ID, memory.Category, memory.Subject, memory.Content, memory.Confidence,
		memory.DealID, memory.ContactID, memory.CompanyID, memory.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("memory %s: %w", memory.ID, ErrNotFound)
	}
	return nil
}

// DeleteExpiredMemories removes memories past their expiry time.
func (s *PostgresStore) DeleteExpiredMemories(ctx context.Context, before time.Time) (int, error) {
	query := `
		DELETE FROM memorypg_memories
		WHERE expires_at IS NOT NULL AND expires_at <= $1
	`
	tag, err := s.getQuerier(ctx).Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// conversationLockKey maps a conversation ID onto the 64-bit advisory lock space.
func conversationLockKey(conversationID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(conversationID[:])
	return int64(h.Sum64())
}

// sweepLockKey is the fixed advisory lock key serializing sweep passes
// across a deployment.
var sweepLockKey = func() int64 {
	h := fnv.New64a()
	h.Write([]byte("memorypg:sweeper"))
	return int64(h.Sum64())
}()

// TryConversationLock attempts to acquire the advisory lock for a
// conversation without blocking. Returns false if another compaction run
// holds it. Advisory session locks are per connection, so the store pins a
// dedicated connection for each held lock until release.
func (s *PostgresStore) TryConversationLock(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	s.lockMu.Lock()
	_, held := s.lockConns[conversationID]
	s.lockMu.Unlock()
	if held {
		return false, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1)`, conversationLockKey(conversationID)).Scan(&acquired)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to acquire conversation lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	s.lockMu.Lock()
	s.lockConns[conversationID] = conn
	s.lockMu.Unlock()
	return true, nil
}

// ReleaseConversationLock releases the advisory lock for a conversation.
func (s *PostgresStore) ReleaseConversationLock(ctx context.Context, conversationID uuid.UUID) error {
	s.lockMu.Lock()
	conn, held := s.lockConns[conversationID]
	delete(s.lockConns, conversationID)
	s.lockMu.Unlock()
	if !held {
		return fmt.Errorf("conversation lock for %s was not held", conversationID)
	}
	defer conn.Release()

	var released bool
	err := conn.QueryRow(ctx,
		`SELECT pg_advisory_unlock($1)`, conversationLockKey(conversationID)).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release conversation lock: %w", err)
	}
	return nil
}

// TrySweepLock attempts to acquire the deployment-wide sweep lock without
// blocking. Returns false while another sweeper instance holds it. Like the
// conversation locks, the held lock pins a dedicated connection.
func (s *PostgresStore) TrySweepLock(ctx context.Context) (bool, error) {
	s.lockMu.Lock()
	held := s.sweepConn != nil
	s.lockMu.Unlock()
	if held {
		return false, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, sweepLockKey).Scan(&acquired)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	s.lockMu.Lock()
	s.sweepConn = conn
	s.lockMu.Unlock()
	return true, nil
}

// ReleaseSweepLock releases the deployment-wide sweep lock.
func (s *PostgresStore) ReleaseSweepLock(ctx context.Context) error {
	s.lockMu.Lock()
	conn := s.sweepConn
	s.sweepConn = nil
	s.lockMu.Unlock()
	if conn == nil {
		return fmt.Errorf("sweep lock was not held")
	}
	defer conn.Release()

	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, sweepLockKey).Scan(&released); err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
