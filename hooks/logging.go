package hooks

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/compaction"
	"github.com/sellscope/memorypg/recall"
	"github.com/sellscope/memorypg/types"
)

// LoggingHooks provides built-in logging hooks for observability
type LoggingHooks struct {
	logger *log.Logger
}

// NewLoggingHooks creates logging hooks with the provided logger
func NewLoggingHooks(logger *log.Logger) *LoggingHooks {
	return &LoggingHooks{logger: logger}
}

// DefaultLoggingHooks creates logging hooks with default logger
func DefaultLoggingHooks() *LoggingHooks {
	return &LoggingHooks{logger: log.Default()}
}

// BeforeCompaction logs before a compaction run
func (h *LoggingHooks) BeforeCompaction(ctx context.Context, conversationID uuid.UUID) error {
	h.logger.Printf("[MemoryPG] Starting compaction for conversation %s", conversationID)
	return nil
}

// AfterCompaction logs after a compaction run
func (h *LoggingHooks) AfterCompaction(ctx context.Context, result *compaction.Result) error {
	if !result.Success {
		h.logger.Printf("[MemoryPG] Compaction failed for conversation %s: %s", result.ConversationID, result.Err)
		return nil
	}
	if !result.Allowed {
		h.logger.Printf("[MemoryPG] Compaction blocked by budget for conversation %s", result.ConversationID)
		return nil
	}

	reduction := float64(0)
	if result.TokensBefore > 0 {
		reduction = float64(result.TokensBefore-result.TokensAfter) / float64(result.TokensBefore) * 100
	}

	h.logger.Printf("[MemoryPG] Compaction complete: %d -> %d tokens (%.1f%% reduction, %d messages summarized, %d memories, protocol: %s)",
		result.TokensBefore, result.TokensAfter, reduction, result.SummarizedCount, result.MemoriesExtracted, result.Protocol)
	return nil
}

// MemoriesExtracted logs persisted memories
func (h *LoggingHooks) MemoriesExtracted(ctx context.Context, conversationID uuid.UUID, memories []*types.Memory) error {
	h.logger.Printf("[MemoryPG] Extracted %d memories from conversation %s", len(memories), conversationID)
	return nil
}

// AfterRecall logs recall results
func (h *LoggingHooks) AfterRecall(ctx context.Context, userID uuid.UUID, result *recall.Result) error {
	h.logger.Printf("[MemoryPG] Recall returned %d memories for user %s", len(result.Memories), userID)
	return nil
}

// MetricsHooks collects metrics for monitoring
type MetricsHooks struct {
	OnMetric func(name string, value float64, tags map[string]string)
}

// NewMetricsHooks creates metrics collection hooks
func NewMetricsHooks(onMetric func(string, float64, map[string]string)) *MetricsHooks {
	return &MetricsHooks{OnMetric: onMetric}
}

// AfterCompaction records compaction metrics
func (h *MetricsHooks) AfterCompaction(ctx context.Context, result *compaction.Result) error {
	tags := map[string]string{"protocol": string(result.Protocol)}

	if !result.Success {
		h.OnMetric("memory.compaction.error", 1, tags)
		return nil
	}
	if !result.Allowed {
		h.OnMetric("memory.compaction.blocked", 1, tags)
		return nil
	}

	h.OnMetric("memory.compaction.tokens_before", float64(result.TokensBefore), tags)
	h.OnMetric("memory.compaction.tokens_after", float64(result.TokensAfter), tags)
	h.OnMetric("memory.compaction.memories_extracted", float64(result.MemoriesExtracted), tags)
	h.OnMetric("memory.compaction.duration_ms", float64(result.Duration.Milliseconds()), tags)

	if result.TokensBefore > 0 {
		h.OnMetric("memory.compaction.reduction_pct",
			float64(result.TokensBefore-result.TokensAfter)/float64(result.TokensBefore)*100, tags)
	}

	return nil
}

// MemoriesExtracted records memory extraction counts
func (h *MetricsHooks) MemoriesExtracted(ctx context.Context, conversationID uuid.UUID, memories []*types.Memory) error {
	byCategory := map[types.MemoryCategory]int{}
	for _, m := range memories {
		byCategory[m.Category]++
	}
	for cat, n := range byCategory {
		h.OnMetric("memory.extracted", float64(n), map[string]string{"category": string(cat)})
	}
	return nil
}

// AfterRecall records recall metrics
func (h *MetricsHooks) AfterRecall(ctx context.Context, userID uuid.UUID, result *recall.Result) error {
	h.OnMetric("memory.recall.results", float64(len(result.Memories)), nil)
	if !result.Success {
		h.OnMetric("memory.recall.error", 1, nil)
	}
	return nil
}
