// Package recall ranks stored memories against a query context for
// reinjection into a new conversation.
//
// The scoring function is deliberately transparent: substring keyword
// matches weighted by field, scaled by extraction confidence and by
// recency/frequency multipliers computed from pre-update access history.
// No learned weights, so behavior is exactly reproducible.
package recall

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/storage"
	"github.com/sellscope/memorypg/types"
)

// Scoring weights and multipliers.
const (
	subjectMatchScore = 3.0
	contentMatchScore = 2.0

	recentAccessWindow = 7 * 24 * time.Hour
	recentAccessBoost  = 1.2
	olderAccessWindow  = 30 * 24 * time.Hour
	olderAccessBoost   = 1.1
	frequencyDivisor   = 20.0
	frequencyBoostCap  = 0.5
	DefaultRecallLimit = 10
)

// ScoredMemory pairs a memory with its relevance score.
type ScoredMemory struct {
	Memory *types.Memory `json:"memory"`
	Score  float64       `json:"score"`
}

// Result is the outcome of one recall operation. Recall never returns an
// error across its public boundary; callers must check Success.
type Result struct {
	Memories []ScoredMemory `json:"memories"`
	Success  bool           `json:"success"`
	Err      string         `json:"error,omitempty"`
}

// Options controls a recall operation.
type Options struct {
	// Limit caps the number of returned memories. Zero means
	// DefaultRecallLimit.
	Limit int

	// Categories optionally restricts recall to a category subset.
	Categories []types.MemoryCategory
}

// Logger is the minimal logging interface recall reports through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Engine scores and retrieves memories for context injection.
type Engine struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

// NewEngine creates a recall engine. A nil logger is replaced with a no-op.
func NewEngine(store storage.Store, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Recall returns the user's most relevant memories for the given context
// text, ranked by score, updating access tracking for everything returned.
// The returned Result is never nil.
func (e *Engine) Recall(ctx context.Context, userID uuid.UUID, contextText string, opts Options) *Result {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	keywords := ExtractKeywords(contextText)
	if len(keywords) == 0 {
		// Nothing to match against; skip the storage read entirely.
		return &Result{Success: true}
	}

	memories, err := e.store.GetActiveMemories(ctx, userID, opts.Categories)
	if err != nil {
		e.logger.Error("failed to load memories for recall", "user_id", userID, "error", err)
		return &Result{Success: false, Err: err.Error()}
	}

	now := e.now()

	var scored []ScoredMemory
	for _, mem := range memories {
		score := Score(mem, keywords, now)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: mem, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	// Access tracking runs as one batch after scoring, so a memory's rank
	// never reflects the access this recall is about to record.
	if len(scored) > 0 {
		ids := make([]uuid.UUID, len(scored))
		for i, sm := range scored {
			ids[i] = sm.Memory.ID
		}
		if err := e.store.TouchMemories(ctx, ids, now); err != nil {
			e.logger.Warn("failed to update memory access tracking", "user_id", userID, "error", err)
		}
	}

	e.logger.Debug("recall complete",
		"user_id", userID,
		"keywords", len(keywords),
		"candidates", len(memories),
		"returned", len(scored),
	)

	return &Result{Memories: scored, Success: true}
}

// Score computes the relevance of one memory against extracted keywords
// using its pre-update access history.
func Score(mem *types.Memory, keywords []string, now time.Time) float64 {
	subject := strings.ToLower(mem.Subject)
	content := strings.ToLower(mem.Content)

	raw := 0.0
	for _, kw := range keywords {
		if strings.Contains(subject, kw) {
			raw += subjectMatchScore
		}
		if strings.Contains(content, kw) {
			raw += contentMatchScore
		}
	}
	if raw == 0 {
		return 0
	}

	score := raw * mem.Confidence

	if mem.LastAccessedAt != nil {
		since := now.Sub(*mem.LastAccessedAt)
		switch {
		case since <= recentAccessWindow:
			score *= recentAccessBoost
		case since <= olderAccessWindow:
			score *= olderAccessBoost
		}
	}

	frequency := float64(mem.AccessCount) / frequencyDivisor
	if frequency > frequencyBoostCap {
		frequency = frequencyBoostCap
	}
	score *= 1 + frequency

	return score
}
