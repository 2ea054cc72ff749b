package memorypg

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sellscope/memorypg/budget"
	"github.com/sellscope/memorypg/claude"
	"github.com/sellscope/memorypg/compaction"
	"github.com/sellscope/memorypg/entity"
	"github.com/sellscope/memorypg/hooks"
	"github.com/sellscope/memorypg/maintenance"
	"github.com/sellscope/memorypg/recall"
	"github.com/sellscope/memorypg/storage"
	"github.com/sellscope/memorypg/types"
)

// Client is the top-level entry point: it owns the storage layer, the
// compactor, and the recall engine, and wires budget gating and hooks
// across them. A single Client is safe for concurrent use.
type Client struct {
	config *internalConfig
	store  storage.Store
	logger Logger

	compactor *compaction.Compactor
	engine    *recall.Engine
	gateCache *budget.CachedGate
	sweeper   *maintenance.Sweeper
	hooks     *hooks.Registry

	started atomic.Bool
}

// New creates a Client backed by the given connection pool.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	anthropicClient := anthropic.NewClient()
//	client, err := memorypg.New(pool, memorypg.Config{
//	    Anthropic: &anthropicClient,
//	    Model:     "claude-haiku-4-5",
//	}, memorypg.WithEntityLookup(storage.NewPgEntityLookup(pool, storage.DefaultEntityTables())))
func New(pool *pgxpool.Pool, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ic := newInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(ic); err != nil {
			return nil, err
		}
	}

	if ic.logger == nil {
		ic.logger = noopLogger{}
	}

	store := ic.store
	if store == nil {
		if pool == nil {
			return nil, fmt.Errorf("%w: connection pool is required", ErrInvalidConfig)
		}
		store = storage.NewPostgresStore(pool)
	}

	var linker compaction.Linker
	if ic.entityLookup != nil {
		linker = entity.NewLinker(ic.entityLookup)
	}

	summarizer := claude.NewSummarizer(ic.anthropic, claude.DefaultMaxTokens)
	extractor := claude.NewExtractor(ic.anthropic, claude.DefaultMaxTokens)

	compactor := compaction.New(store, summarizer, extractor, linker, ic.compaction, ic.logger)

	var gateCache *budget.CachedGate
	if ic.gate != nil {
		gateCache = budget.NewCachedGate(ic.gate, ic.gateTTL)
		compactor.WithGate(gateCache)
	}

	c := &Client{
		config:    ic,
		store:     store,
		logger:    ic.logger,
		compactor: compactor,
		engine:    recall.NewEngine(store, ic.logger),
		gateCache: gateCache,
		hooks:     ic.hooks,
	}

	if ic.sweeper != nil {
		c.sweeper = maintenance.NewSweeper(store, ic.sweeper)
	}

	return c, nil
}

// Start launches background services. It is only required when the client
// was configured with a sweeper; an idle Start is still tracked so Stop
// can be called symmetrically.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientAlreadyStarted
	}

	if c.sweeper != nil {
		if err := c.sweeper.Start(ctx); err != nil {
			c.started.Store(false)
			return NewClientError("Start", err)
		}
	}

	return nil
}

// Stop halts background services started by Start.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	if c.sweeper != nil {
		if err := c.sweeper.Stop(ctx); err != nil && !errors.Is(err, maintenance.ErrNotStarted) {
			return NewClientError("Stop", err)
		}
	}

	c.started.Store(false)
	return nil
}

// Store exposes the underlying storage layer.
func (c *Client) Store() storage.Store {
	return c.store
}

// Hooks returns the hook registry for observability callbacks.
func (c *Client) Hooks() *hooks.Registry {
	return c.hooks
}

// Compactor exposes the underlying compactor.
func (c *Client) Compactor() *compaction.Compactor {
	return c.compactor
}

// InvalidateBudget drops the cached budget decision for a user so the next
// gated call re-checks credits. No-op when no gate is configured.
func (c *Client) InvalidateBudget(userID uuid.UUID) {
	if c.gateCache != nil {
		c.gateCache.Invalidate(userID)
	}
}

// EnsureConversation returns the user's primary conversation, creating it
// when none exists.
func (c *Client) EnsureConversation(ctx context.Context, userID uuid.UUID) (*types.Conversation, error) {
	conv, err := c.store.GetPrimaryConversation(ctx, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, NewClientError("EnsureConversation", fmt.Errorf("%w: %v", ErrStorageError, err))
	}

	conv = &types.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		IsPrimary: true,
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		return nil, NewClientError("EnsureConversation", fmt.Errorf("%w: %v", ErrStorageError, err))
	}

	c.logger.Info("created primary conversation", "user_id", userID, "conversation_id", conv.ID)
	return conv, nil
}

// NewConversation creates a conversation for a user. When primary is set,
// any existing primary conversation is demoted so the one-primary rule holds.
func (c *Client) NewConversation(ctx context.Context, userID uuid.UUID, primary bool) (*types.Conversation, error) {
	conv := &types.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		IsPrimary: primary,
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		return nil, NewClientError("NewConversation", fmt.Errorf("%w: %v", ErrStorageError, err))
	}
	return conv, nil
}

// AppendMessage persists a message, bumps the conversation's running token
// estimate, and kicks off an async compaction when the estimate crosses the
// trigger threshold. The write path never waits on compaction.
func (c *Client) AppendMessage(ctx context.Context, conversationID uuid.UUID, role types.MessageRole, content string, metadata map[string]any) (*types.Message, error) {
	msg := &types.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
	}

	if err := c.store.SaveMessage(ctx, msg); err != nil {
		return nil, NewClientErrorWithConversation("AppendMessage", conversationID.String(),
			fmt.Errorf("%w: %v", ErrStorageError, err))
	}

	delta := compaction.EstimateMessage(msg)
	if err := c.store.AddConversationTokens(ctx, conversationID, delta); err != nil {
		return nil, NewClientErrorWithConversation("AppendMessage", conversationID.String(),
			fmt.Errorf("%w: %v", ErrStorageError, err))
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		// The message is saved; a missing read only costs this trigger check.
		c.logger.Warn("failed to re-read conversation after append",
			"conversation_id", conversationID, "error", err)
		return msg, nil
	}

	if conv.TotalTokensEstimate > c.compactor.Config().TriggerThreshold() {
		c.logger.Info("token estimate over threshold, scheduling compaction",
			"conversation_id", conversationID,
			"estimate", conv.TotalTokensEstimate,
			"threshold", c.compactor.Config().TriggerThreshold(),
		)
		c.compactAsync(ctx, conversationID)
	}

	return msg, nil
}

// Messages returns the non-compacted messages of a conversation in order.
func (c *Client) Messages(ctx context.Context, conversationID uuid.UUID) ([]*types.Message, error) {
	messages, err := c.store.GetActiveMessages(ctx, conversationID)
	if err != nil {
		return nil, NewClientErrorWithConversation("Messages", conversationID.String(),
			fmt.Errorf("%w: %v", ErrStorageError, err))
	}
	return messages, nil
}

// LatestSummary returns the most recent summary for a conversation, or nil
// when the conversation has never been compacted.
func (c *Client) LatestSummary(ctx context.Context, conversationID uuid.UUID) (*types.Summary, error) {
	summary, err := c.store.GetLatestSummary(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, NewClientErrorWithConversation("LatestSummary", conversationID.String(),
			fmt.Errorf("%w: %v", ErrStorageError, err))
	}
	return summary, nil
}

// Compact runs compaction synchronously and returns the result. The result
// is never nil; failures are reported through it rather than an error.
func (c *Client) Compact(ctx context.Context, conversationID uuid.UUID) *compaction.Result {
	c.triggerBeforeCompaction(ctx, conversationID)
	result := c.compactor.Compact(ctx, conversationID)
	c.triggerAfterCompaction(ctx, result)
	return result
}

// CompactAsync schedules compaction on a background goroutine, detached
// from the caller's cancellation.
func (c *Client) CompactAsync(ctx context.Context, conversationID uuid.UUID) {
	c.compactAsync(ctx, conversationID)
}

func (c *Client) compactAsync(ctx context.Context, conversationID uuid.UUID) {
	c.triggerBeforeCompaction(ctx, conversationID)
	hookCtx := context.WithoutCancel(ctx)
	c.compactor.CompactAsync(ctx, conversationID, func(result *compaction.Result) {
		c.triggerAfterCompaction(hookCtx, result)
	})
}

// Recall returns the user's most relevant memories for the given context
// text. The result is never nil; failures are reported through it.
func (c *Client) Recall(ctx context.Context, userID uuid.UUID, contextText string, opts recall.Options) *recall.Result {
	if opts.Limit == 0 && c.config.recallLimit > 0 {
		opts.Limit = c.config.recallLimit
	}

	result := c.engine.Recall(ctx, userID, contextText, opts)

	if err := c.hooks.TriggerAfterRecall(ctx, userID, result); err != nil {
		c.logger.Warn("after-recall hook failed", "user_id", userID, "error", err)
	}

	return result
}

// Hook triggers are observational: a failing hook is logged, never allowed
// to fail the operation it observes.
func (c *Client) triggerBeforeCompaction(ctx context.Context, conversationID uuid.UUID) {
	if err := c.hooks.TriggerBeforeCompaction(ctx, conversationID); err != nil {
		c.logger.Warn("before-compaction hook failed",
			"conversation_id", conversationID, "error", err)
	}
}

func (c *Client) triggerAfterCompaction(ctx context.Context, result *compaction.Result) {
	if err := c.hooks.TriggerAfterCompaction(ctx, result); err != nil {
		c.logger.Warn("after-compaction hook failed",
			"conversation_id", result.ConversationID, "error", err)
	}
	if len(result.Memories) > 0 {
		if err := c.hooks.TriggerMemoriesExtracted(ctx, result.ConversationID, result.Memories); err != nil {
			c.logger.Warn("memories-extracted hook failed",
				"conversation_id", result.ConversationID, "error", err)
		}
	}
}
