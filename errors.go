package memorypg

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrInvalidConfig is returned when the client configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConversationNotFound is returned when a conversation does not exist
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNoPrimaryConversation is returned when a user has no primary conversation
	ErrNoPrimaryConversation = errors.New("no primary conversation")

	// ErrStorageError is returned when a storage operation failed
	ErrStorageError = errors.New("storage operation failed")

	// ErrClientNotStarted is returned when calling lifecycle methods before Start()
	ErrClientNotStarted = errors.New("client not started")

	// ErrClientAlreadyStarted is returned when Start() is called twice
	ErrClientAlreadyStarted = errors.New("client already started")
)

// ClientError represents an error with additional context
type ClientError struct {
	Op             string         // Operation that failed
	Err            error          // Underlying error
	ConversationID string         // Conversation ID if applicable
	Context        map[string]any // Additional context
}

// Error implements the error interface
func (e *ClientError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("%s (conversation=%s): %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *ClientError) Unwrap() error {
	return e.Err
}

// WithContext adds additional context to the error
func (e *ClientError) WithContext(key string, value any) *ClientError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewClientError creates a new ClientError
func NewClientError(op string, err error) *ClientError {
	return &ClientError{
		Op:  op,
		Err: err,
	}
}

// NewClientErrorWithConversation creates a new ClientError with conversation ID
func NewClientErrorWithConversation(op string, conversationID string, err error) *ClientError {
	return &ClientError{
		Op:             op,
		Err:            err,
		ConversationID: conversationID,
	}
}
