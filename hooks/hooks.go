package hooks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/compaction"
	"github.com/sellscope/memorypg/recall"
	"github.com/sellscope/memorypg/types"
)

// BeforeCompactionHook is called before a compaction run starts
type BeforeCompactionHook func(ctx context.Context, conversationID uuid.UUID) error

// AfterCompactionHook is called after a compaction run completes
type AfterCompactionHook func(ctx context.Context, result *compaction.Result) error

// MemoriesExtractedHook is called when memories are persisted during compaction
type MemoriesExtractedHook func(ctx context.Context, conversationID uuid.UUID, memories []*types.Memory) error

// AfterRecallHook is called after a recall query completes
type AfterRecallHook func(ctx context.Context, userID uuid.UUID, result *recall.Result) error

// Registry holds all registered hooks
type Registry struct {
	mu                sync.RWMutex
	beforeCompaction  []BeforeCompactionHook
	afterCompaction   []AfterCompactionHook
	memoriesExtracted []MemoriesExtractedHook
	afterRecall       []AfterRecallHook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		beforeCompaction:  []BeforeCompactionHook{},
		afterCompaction:   []AfterCompactionHook{},
		memoriesExtracted: []MemoriesExtractedHook{},
		afterRecall:       []AfterRecallHook{},
	}
}

// OnBeforeCompaction registers a hook to be called before compaction
func (r *Registry) OnBeforeCompaction(hook BeforeCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompaction = append(r.beforeCompaction, hook)
}

// OnAfterCompaction registers a hook to be called after compaction
func (r *Registry) OnAfterCompaction(hook AfterCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCompaction = append(r.afterCompaction, hook)
}

// OnMemoriesExtracted registers a hook to be called when memories are saved
func (r *Registry) OnMemoriesExtracted(hook MemoriesExtractedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memoriesExtracted = append(r.memoriesExtracted, hook)
}

// OnAfterRecall registers a hook to be called after recall
func (r *Registry) OnAfterRecall(hook AfterRecallHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterRecall = append(r.afterRecall, hook)
}

// TriggerBeforeCompaction calls all registered before-compaction hooks
func (r *Registry) TriggerBeforeCompaction(ctx context.Context, conversationID uuid.UUID) error {
	r.mu.RLock()
	hooks := make([]BeforeCompactionHook, len(r.beforeCompaction))
	copy(hooks, r.beforeCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, conversationID); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterCompaction calls all registered after-compaction hooks
func (r *Registry) TriggerAfterCompaction(ctx context.Context, result *compaction.Result) error {
	r.mu.RLock()
	hooks := make([]AfterCompactionHook, len(r.afterCompaction))
	copy(hooks, r.afterCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// TriggerMemoriesExtracted calls all registered memories-extracted hooks
func (r *Registry) TriggerMemoriesExtracted(ctx context.Context, conversationID uuid.UUID, memories []*types.Memory) error {
	r.mu.RLock()
	hooks := make([]MemoriesExtractedHook, len(r.memoriesExtracted))
	copy(hooks, r.memoriesExtracted)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, conversationID, memories); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterRecall calls all registered after-recall hooks
func (r *Registry) TriggerAfterRecall(ctx context.Context, userID uuid.UUID, result *recall.Result) error {
	r.mu.RLock()
	hooks := make([]AfterRecallHook, len(r.afterRecall))
	copy(hooks, r.afterRecall)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, userID, result); err != nil {
			return err
		}
	}
	return nil
}
