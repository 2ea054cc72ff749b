package compaction

import (
	"context"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/types"
)

// Summarizer is the text-generation collaborator used for summaries.
// It accepts a system instruction and a flattened "[role]: content"
// transcript and returns plain text.
type Summarizer interface {
	Generate(ctx context.Context, systemPrompt string, messages []*types.Message, modelID string) (string, error)
}

// Extractor is the collaborator that pulls durable facts out of a message
// slice. A malformed or empty response is "zero memories extracted", not an
// error; only genuine transport failures return one.
type Extractor interface {
	Extract(ctx context.Context, messages []*types.Message, modelID string) ([]types.ExtractedMemory, error)
}

// Linker resolves free-text entity names on an extracted memory to
// canonical entity IDs. A miss leaves the link nil; linking never fails
// the compaction run.
type Linker interface {
	Link(ctx context.Context, userID uuid.UUID, extracted types.ExtractedMemory) types.MemoryInput
}

// Gate is the per-user credit gate consulted before any collaborator call
// that costs money. Implementations must fail open: an unreachable gate
// reports allowed.
type Gate interface {
	Allow(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Logger is the minimal logging interface compaction reports through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is the default no-op Logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
