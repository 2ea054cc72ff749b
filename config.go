package memorypg

import (
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/sellscope/memorypg/budget"
	"github.com/sellscope/memorypg/compaction"
	"github.com/sellscope/memorypg/entity"
	"github.com/sellscope/memorypg/hooks"
	"github.com/sellscope/memorypg/maintenance"
	"github.com/sellscope/memorypg/storage"
)

// Config holds the required configuration for a Client.
//
// Example:
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	client, _ := memorypg.New(pool, memorypg.Config{
//	    Anthropic: &anthropicClient,
//	    Model:     "claude-haiku-4-5",
//	})
type Config struct {
	// Anthropic is the Anthropic API client used for summarization and
	// memory extraction (required)
	Anthropic *anthropic.Client

	// Model is the model ID whose context window derives the compaction
	// trigger, and the model used for collaborator calls (required)
	Model string

	// Compaction overrides compaction policy. Nil uses defaults.
	Compaction *compaction.Config
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Anthropic == nil {
		return fmt.Errorf("%w: Anthropic client is required", ErrInvalidConfig)
	}

	if c.Model == "" {
		return fmt.Errorf("%w: Model is required", ErrInvalidConfig)
	}

	if c.Compaction != nil {
		if err := c.Compaction.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// internalConfig holds the full client configuration including optional parameters
type internalConfig struct {
	// Required from Config
	anthropic *anthropic.Client
	model     string

	// Compaction policy
	compaction *compaction.Config

	// Optional collaborator wiring
	gate         budget.Gate
	gateTTL      time.Duration
	entityLookup entity.Lookup
	logger       Logger

	// Recall defaults
	recallLimit int

	// Background upkeep; nil disables the sweeper
	sweeper *maintenance.SweeperConfig

	// Storage override for tests; nil means PostgresStore over the pool
	store storage.Store

	// Internal state
	hooks *hooks.Registry
}

// newInternalConfig creates a new internal config from the public Config
func newInternalConfig(cfg Config) *internalConfig {
	compactionCfg := cfg.Compaction
	if compactionCfg == nil {
		compactionCfg = compaction.DefaultConfig()
	} else {
		compactionCfg.ApplyDefaults()
	}
	if compactionCfg.ModelID == "" {
		compactionCfg.ModelID = cfg.Model
	}

	return &internalConfig{
		anthropic:  cfg.Anthropic,
		model:      cfg.Model,
		compaction: compactionCfg,

		// Defaults
		gateTTL:     budget.DefaultTTL,
		recallLimit: 0, // engine default

		hooks: hooks.NewRegistry(),
	}
}
