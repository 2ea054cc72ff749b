package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/storage"
	"github.com/sellscope/memorypg/types"
)

// Protocol identifies which compaction protocol produced a result.
type Protocol string

const (
	// ProtocolThreeTier is the tiered protocol: verbatim tail, summarized
	// middle, facts-only old messages.
	ProtocolThreeTier Protocol = "three-tier"

	// ProtocolLegacy is the single split-point protocol, also used as the
	// degraded fallback when a three-tier run fails.
	ProtocolLegacy Protocol = "legacy"
)

// Result is the outcome of one compaction run. Compact never returns an
// error across its public boundary; callers must check Success and Allowed.
type Result struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Protocol       Protocol  `json:"protocol"`

	// Success reports whether the run completed. A no-op run (nothing to
	// compact) is a success.
	Success bool `json:"success"`

	// Allowed is false when the budget gate soft-blocked the run. Distinct
	// from a hard failure.
	Allowed bool `json:"allowed"`

	SummarizedCount   int `json:"summarized_count"`
	MemoriesExtracted int `json:"memories_extracted"`
	TokensBefore      int `json:"tokens_before"`
	TokensAfter       int `json:"tokens_after"`

	// SummaryID is set when a summary was created.
	SummaryID *uuid.UUID `json:"summary_id,omitempty"`

	// Memories holds the rows persisted by this run, for observers.
	Memories []*types.Memory `json:"-"`

	// Err carries the failure message when Success is false.
	Err string `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Compactor orchestrates the compaction protocols for conversations.
// It is safe for concurrent use; runs on the same conversation are
// serialized through a per-conversation advisory lock.
type Compactor struct {
	store      storage.Store
	summarizer Summarizer
	extractor  Extractor
	linker     Linker
	gate       Gate
	config     *Config
	logger     Logger
	now        func() time.Time
}

// New creates a Compactor. Nil config and logger fall back to defaults.
func New(store storage.Store, summarizer Summarizer, extractor Extractor, linker Linker, config *Config, logger Logger) *Compactor {
	if config == nil {
		config = DefaultConfig()
	} else {
		config.ApplyDefaults()
	}
	if logger == nil {
		logger = noopLogger{}
	}

	return &Compactor{
		store:      store,
		summarizer: summarizer,
		extractor:  extractor,
		linker:     linker,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// WithGate attaches a budget gate consulted before paid collaborator calls.
func (c *Compactor) WithGate(gate Gate) *Compactor {
	c.gate = gate
	return c
}

// Config returns the compactor's configuration.
func (c *Compactor) Config() *Config {
	return c.config
}

// Compact runs the three-tier protocol on a conversation, falling back to
// the legacy protocol if it fails. The returned Result is never nil.
func (c *Compactor) Compact(ctx context.Context, conversationID uuid.UUID) *Result {
	start := c.now()

	acquired, err := c.store.TryConversationLock(ctx, conversationID)
	if err != nil {
		return c.failure(conversationID, ProtocolThreeTier, start,
			NewCompactionError("AcquireLock", fmt.Errorf("%w: %v", ErrStorageError, err)).WithConversation(conversationID))
	}
	if !acquired {
		c.logger.Debug("compaction already in progress", "conversation_id", conversationID)
		return c.failure(conversationID, ProtocolThreeTier, start, ErrCompactionInProgress)
	}
	defer func() {
		if err := c.store.ReleaseConversationLock(ctx, conversationID); err != nil {
			c.logger.Warn("failed to release conversation lock",
				"conversation_id", conversationID, "error", err)
		}
	}()

	result, err := c.runThreeTier(ctx, conversationID)
	if err == nil {
		result.Duration = c.now().Sub(start)
		return result
	}

	if errors.Is(err, ErrNotAllowed) {
		c.logger.Info("compaction soft-blocked by budget gate", "conversation_id", conversationID)
		res := c.failure(conversationID, ProtocolThreeTier, start, err)
		res.Allowed = false
		return res
	}

	c.logger.Warn("three-tier compaction failed, falling back to legacy protocol",
		"conversation_id", conversationID, "error", err)

	result, err = c.runLegacy(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotAllowed) {
			res := c.failure(conversationID, ProtocolLegacy, start, err)
			res.Allowed = false
			return res
		}
		c.logger.Error("legacy compaction also failed",
			"conversation_id", conversationID, "error", err)
		return c.failure(conversationID, ProtocolLegacy, start, err)
	}

	result.Duration = c.now().Sub(start)
	return result
}

// CompactAsync launches a compaction run on its own goroutine so the
// triggering code path never awaits completion. The run is detached from
// the caller's cancellation; done, when non-nil, receives the result.
func (c *Compactor) CompactAsync(ctx context.Context, conversationID uuid.UUID, done func(*Result)) {
	runCtx := context.WithoutCancel(ctx)
	go func() {
		result := c.Compact(runCtx, conversationID)
		if done != nil {
			done(result)
		}
	}()
}

// runThreeTier executes one pass of the tiered protocol.
func (c *Compactor) runThreeTier(ctx context.Context, conversationID uuid.UUID) (*Result, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, NewCompactionError("GetConversation", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	messages, err := c.store.GetActiveMessages(ctx, conversationID)
	if err != nil {
		return nil, NewCompactionError("LoadMessages", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	result := &Result{
		ConversationID: conversationID,
		Protocol:       ProtocolThreeTier,
		Success:        true,
		Allowed:        true,
		TokensBefore:   SumTokens(messages),
	}

	if len(messages) == 0 {
		return result, nil
	}

	partition := PartitionTiers(messages, c.config.Tier1VerbatimCount, c.config.Tier3Cutoff(c.now()))
	if partition.IsNoop() {
		result.TokensAfter = result.TokensBefore
		return result, nil
	}

	c.logger.Debug("partitioned conversation",
		"conversation_id", conversationID,
		"verbatim", len(partition.Verbatim),
		"summarize", len(partition.Summarize),
		"facts_only", len(partition.FactsOnly),
	)

	batchID := uuid.New()

	// Tier 3: reduce the oldest messages to durable facts, then mark them
	// compacted. Facts are persisted before the mark so a crash between the
	// two re-processes rather than loses data.
	if len(partition.FactsOnly) > 0 {
		memories, err := c.extractMemories(ctx, conv, partition.FactsOnly, batchID)
		if err != nil {
			return nil, err
		}
		if err := c.store.SaveMemories(ctx, memories); err != nil {
			return nil, NewCompactionError("SaveMemories", fmt.Errorf("%w: %v", ErrStorageError, err)).
				WithConversation(conversationID).WithContext("tier", 3)
		}
		if err := c.store.MarkMessagesCompacted(ctx, messageIDs(partition.FactsOnly)); err != nil {
			return nil, NewCompactionError("MarkCompacted", fmt.Errorf("%w: %v", ErrStorageError, err)).
				WithConversation(conversationID).WithContext("tier", 3)
		}
		result.MemoriesExtracted += len(memories)
		result.Memories = append(result.Memories, memories...)
	}

	// Tier 2: summarize, extract facts worth keeping even after the
	// summary, persist both, then mark compacted.
	if len(partition.Summarize) > 0 {
		summaryID, err := c.summarizeTier(ctx, conv, partition, result.TokensBefore)
		if err != nil {
			return nil, err
		}

		memories, err := c.extractMemories(ctx, conv, partition.Summarize, batchID)
		if err != nil {
			return nil, err
		}
		if err := c.store.SaveMemories(ctx, memories); err != nil {
			return nil, NewCompactionError("SaveMemories", fmt.Errorf("%w: %v", ErrStorageError, err)).
				WithConversation(conversationID).WithContext("tier", 2)
		}
		if err := c.store.MarkMessagesCompacted(ctx, messageIDs(partition.Summarize)); err != nil {
			return nil, NewCompactionError("MarkCompacted", fmt.Errorf("%w: %v", ErrStorageError, err)).
				WithConversation(conversationID).WithContext("tier", 2)
		}

		result.SummaryID = summaryID
		result.SummarizedCount = len(partition.Summarize)
		result.MemoriesExtracted += len(memories)
		result.Memories = append(result.Memories, memories...)
	}

	tokensAfter, err := c.finishConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	result.TokensAfter = tokensAfter

	c.logger.Info("compaction complete",
		"conversation_id", conversationID,
		"protocol", ProtocolThreeTier,
		"tokens_before", result.TokensBefore,
		"tokens_after", result.TokensAfter,
		"summarized", result.SummarizedCount,
		"memories", result.MemoriesExtracted,
	)

	return result, nil
}

// summarizeTier generates and persists the Tier 2 summary. The stored
// tokens-after is the verbatim tier's estimate plus the summary's own.
func (c *Compactor) summarizeTier(ctx context.Context, conv *types.Conversation, partition *TierPartition, tokensBefore int) (*uuid.UUID, error) {
	if err := c.checkGate(ctx, conv.UserID); err != nil {
		return nil, err
	}

	summaryText, err := c.summarizer.Generate(ctx, TieredSummarySystemPrompt, partition.Summarize, c.config.ModelID)
	if err != nil {
		return nil, NewCompactionError("Summarize", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)).
			WithConversation(conv.ID)
	}

	tokensAfter := SumTokens(partition.Verbatim) + EstimateText(summaryText)

	summary := &types.Summary{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SummaryText:    summaryText,
		KeyPoints:      ParseKeyPoints(summaryText),
		FirstMessageID: partition.Summarize[0].ID,
		LastMessageID:  partition.Summarize[len(partition.Summarize)-1].ID,
		MessageCount:   len(partition.Summarize),
		TokensBefore:   tokensBefore,
		TokensAfter:    tokensAfter,
	}

	if err := c.store.SaveSummary(ctx, summary); err != nil {
		return nil, NewCompactionError("SaveSummary", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conv.ID)
	}

	return &summary.ID, nil
}

// runLegacy executes the single split-point protocol.
func (c *Compactor) runLegacy(ctx context.Context, conversationID uuid.UUID) (*Result, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, NewCompactionError("GetConversation", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	messages, err := c.store.GetActiveMessages(ctx, conversationID)
	if err != nil {
		return nil, NewCompactionError("LoadMessages", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	result := &Result{
		ConversationID: conversationID,
		Protocol:       ProtocolLegacy,
		Success:        true,
		Allowed:        true,
		TokensBefore:   SumTokens(messages),
	}

	if len(messages) == 0 {
		return result, nil
	}

	split := FindSplitPoint(messages, c.config.TargetContextSize, c.config.MinRecentMessages)
	if split == 0 {
		result.TokensAfter = result.TokensBefore
		return result, nil
	}

	toSummarize := messages[:split]
	toKeep := messages[split:]

	if err := c.checkGate(ctx, conv.UserID); err != nil {
		return nil, err
	}

	summaryText, err := c.summarizer.Generate(ctx, LegacySummarySystemPrompt, toSummarize, c.config.ModelID)
	if err != nil {
		return nil, NewCompactionError("Summarize", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)).
			WithConversation(conversationID)
	}

	summary := &types.Summary{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SummaryText:    summaryText,
		KeyPoints:      ParseKeyPoints(summaryText),
		FirstMessageID: toSummarize[0].ID,
		LastMessageID:  toSummarize[len(toSummarize)-1].ID,
		MessageCount:   len(toSummarize),
		TokensBefore:   result.TokensBefore,
		TokensAfter:    SumTokens(toKeep) + EstimateText(summaryText),
	}
	if err := c.store.SaveSummary(ctx, summary); err != nil {
		return nil, NewCompactionError("SaveSummary", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	memories, err := c.extractMemories(ctx, conv, toSummarize, uuid.New())
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveMemories(ctx, memories); err != nil {
		return nil, NewCompactionError("SaveMemories", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	if err := c.store.MarkMessagesCompacted(ctx, messageIDs(toSummarize)); err != nil {
		return nil, NewCompactionError("MarkCompacted", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	tokensAfter, err := c.finishConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	result.SummaryID = &summary.ID
	result.SummarizedCount = len(toSummarize)
	result.MemoriesExtracted = len(memories)
	result.Memories = memories
	result.TokensAfter = tokensAfter

	c.logger.Info("compaction complete",
		"conversation_id", conversationID,
		"protocol", ProtocolLegacy,
		"tokens_before", result.TokensBefore,
		"tokens_after", result.TokensAfter,
		"summarized", result.SummarizedCount,
		"memories", result.MemoriesExtracted,
	)

	return result, nil
}

// extractMemories runs the extraction collaborator over a message slice,
// filters below-confidence results, and links entities. The returned
// memories are tagged with the run's extraction batch ID.
func (c *Compactor) extractMemories(ctx context.Context, conv *types.Conversation, messages []*types.Message, batchID uuid.UUID) ([]*types.Memory, error) {
	if err := c.checkGate(ctx, conv.UserID); err != nil {
		return nil, err
	}

	extracted, err := c.extractor.Extract(ctx, messages, c.config.ModelID)
	if err != nil {
		return nil, NewCompactionError("Extract", err).WithConversation(conv.ID)
	}

	sourceIDs := messageIDs(messages)

	var memories []*types.Memory
	for _, em := range extracted {
		if em.Confidence < types.MinConfidence {
			continue
		}
		if !types.ValidCategories[em.Category] {
			c.logger.Debug("dropping memory with unknown category",
				"category", em.Category, "subject", em.Subject)
			continue
		}

		input := types.MemoryInput{
			Category:   em.Category,
			Subject:    em.Subject,
			Content:    em.Content,
			Confidence: em.Confidence,
		}
		if c.linker != nil {
			input = c.linker.Link(ctx, conv.UserID, em)
		}

		memories = append(memories, &types.Memory{
			ID:                   uuid.New(),
			UserID:               conv.UserID,
			Category:             input.Category,
			Subject:              input.Subject,
			Content:              input.Content,
			Confidence:           input.Confidence,
			DealID:               input.DealID,
			ContactID:            input.ContactID,
			CompanyID:            input.CompanyID,
			SourceConversationID: &conv.ID,
			SourceMessageIDs:     sourceIDs,
			ExtractionBatchID:    &batchID,
		})
	}

	return memories, nil
}

// finishConversation recomputes the running token estimate from the
// remaining non-compacted messages and stamps last_compaction_at.
func (c *Compactor) finishConversation(ctx context.Context, conversationID uuid.UUID) (int, error) {
	remaining, err := c.store.GetActiveMessages(ctx, conversationID)
	if err != nil {
		return 0, NewCompactionError("RecountMessages", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}

	total := SumTokens(remaining)
	if err := c.store.FinishCompaction(ctx, conversationID, total, c.now()); err != nil {
		return 0, NewCompactionError("FinishCompaction", fmt.Errorf("%w: %v", ErrStorageError, err)).
			WithConversation(conversationID)
	}
	return total, nil
}

// checkGate consults the budget gate before a paid collaborator call.
// Gate unavailability fails open; only an explicit deny blocks.
func (c *Compactor) checkGate(ctx context.Context, userID uuid.UUID) error {
	if c.gate == nil {
		return nil
	}
	allowed, err := c.gate.Allow(ctx, userID)
	if err != nil {
		c.logger.Warn("budget gate unavailable, failing open", "user_id", userID, "error", err)
		return nil
	}
	if !allowed {
		return ErrNotAllowed
	}
	return nil
}

func (c *Compactor) failure(conversationID uuid.UUID, protocol Protocol, start time.Time, err error) *Result {
	return &Result{
		ConversationID: conversationID,
		Protocol:       protocol,
		Success:        false,
		Allowed:        true,
		Err:            err.Error(),
		Duration:       c.now().Sub(start),
	}
}

func messageIDs(messages []*types.Message) []uuid.UUID {
	ids := make([]uuid.UUID, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}
	return ids
}
