package memorypg

import (
	"time"

	"github.com/sellscope/memorypg/budget"
	"github.com/sellscope/memorypg/entity"
	"github.com/sellscope/memorypg/maintenance"
	"github.com/sellscope/memorypg/storage"
)

// Option is a functional option for configuring a Client
type Option func(*internalConfig) error

// Logger is the minimal logging interface the client and its components
// report through. A single implementation covers the whole module.
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

// WithLogger sets the logger used across the client's components
func WithLogger(logger Logger) Option {
	return func(c *internalConfig) error {
		c.logger = logger
		return nil
	}
}

// WithBudgetGate attaches a per-user credit gate consulted before paid
// collaborator calls. The gate is wrapped in a TTL cache; see WithGateTTL.
func WithBudgetGate(gate budget.Gate) Option {
	return func(c *internalConfig) error {
		c.gate = gate
		return nil
	}
}

// WithGateTTL sets how long budget gate decisions are cached per user
// (default 5 minutes)
func WithGateTTL(ttl time.Duration) Option {
	return func(c *internalConfig) error {
		if ttl <= 0 {
			return NewClientError("WithGateTTL", ErrInvalidConfig).
				WithContext("ttl", ttl).
				WithContext("reason", "ttl must be positive")
		}
		c.gateTTL = ttl
		return nil
	}
}

// WithEntityLookup attaches the lookup used to resolve entity names on
// extracted memories to canonical CRM records
func WithEntityLookup(lookup entity.Lookup) Option {
	return func(c *internalConfig) error {
		c.entityLookup = lookup
		return nil
	}
}

// WithRecallLimit sets the default result cap for Recall (default 10)
func WithRecallLimit(n int) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return NewClientError("WithRecallLimit", ErrInvalidConfig).
				WithContext("n", n).
				WithContext("reason", "must be positive")
		}
		c.recallLimit = n
		return nil
	}
}

// WithSweeper enables the background maintenance sweeper with the given
// configuration. Nil config uses defaults. The sweeper runs between
// Start() and Stop(); instances across processes coordinate through a
// deployment-wide advisory lock, so enabling it everywhere is safe.
func WithSweeper(config *maintenance.SweeperConfig) Option {
	return func(c *internalConfig) error {
		if config == nil {
			config = maintenance.DefaultSweeperConfig()
		}
		c.sweeper = config
		return nil
	}
}

// WithStore overrides the storage backend. Intended for tests; production
// deployments use the PostgresStore built from the pool passed to New.
func WithStore(store storage.Store) Option {
	return func(c *internalConfig) error {
		c.store = store
		return nil
	}
}
