package compaction

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for compaction operations.
var (
	// ErrInvalidConfig indicates invalid compaction configuration.
	ErrInvalidConfig = errors.New("invalid compaction configuration")

	// ErrCompactionInProgress indicates another compaction run holds the
	// conversation lock.
	ErrCompactionInProgress = errors.New("compaction already in progress")

	// ErrSummarizationFailed indicates the summarization collaborator failed.
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrStorageError indicates a persistence operation failed.
	ErrStorageError = errors.New("storage operation failed")

	// ErrNotAllowed indicates the budget gate soft-blocked the run.
	ErrNotAllowed = errors.New("not allowed by budget gate")
)

// CompactionError provides structured error context for compaction operations.
type CompactionError struct {
	// Op is the operation that failed (e.g., "LoadMessages", "Summarize").
	Op string

	// ConversationID is the conversation being compacted, if applicable.
	ConversationID uuid.UUID

	// Err is the underlying error.
	Err error

	// Context holds additional key-value pairs for debugging.
	Context map[string]any
}

// Error returns a formatted error message.
func (e *CompactionError) Error() string {
	msg := fmt.Sprintf("compaction %s failed", e.Op)
	if e.ConversationID != uuid.Nil {
		msg += fmt.Sprintf(" for conversation %s", e.ConversationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *CompactionError) Unwrap() error {
	return e.Err
}

// NewCompactionError creates a CompactionError for the given operation.
func NewCompactionError(op string, err error) *CompactionError {
	return &CompactionError{Op: op, Err: err}
}

// WithConversation sets the conversation ID and returns the error for chaining.
func (e *CompactionError) WithConversation(conversationID uuid.UUID) *CompactionError {
	e.ConversationID = conversationID
	return e
}

// WithContext adds a key-value pair to the error context.
func (e *CompactionError) WithContext(key string, value any) *CompactionError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
