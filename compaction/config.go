package compaction

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultTargetContextSize  = 20000 // target token count after compaction
	DefaultMinRecentMessages  = 10    // legacy split never keeps fewer
	DefaultTier1VerbatimCount = 20    // newest messages kept untouched
	DefaultTier3AgeDays       = 7     // older than this goes facts-only
)

// Config holds compaction configuration.
type Config struct {
	// ModelID selects the model whose context window derives the compaction
	// threshold. Unknown or empty IDs fall back to the default window.
	ModelID string

	// Threshold, when positive, overrides the model-derived compaction
	// trigger with a static token count.
	Threshold int

	// TargetContextSize is the target token count after compaction. It is
	// caller-configured and independent of the model.
	// Default: 20000
	TargetContextSize int

	// MinRecentMessages is the minimum number of recent messages the legacy
	// split always keeps. Default: 10
	MinRecentMessages int

	// Tier1VerbatimCount is how many of the newest messages the three-tier
	// partition keeps untouched. Default: 20
	Tier1VerbatimCount int

	// Tier3AgeDays is the age cutoff: messages older than this are reduced
	// to facts only. Default: 7
	Tier3AgeDays int
}

// DefaultConfig returns a Config with the default policy values.
func DefaultConfig() *Config {
	return &Config{
		TargetContextSize:  DefaultTargetContextSize,
		MinRecentMessages:  DefaultMinRecentMessages,
		Tier1VerbatimCount: DefaultTier1VerbatimCount,
		Tier3AgeDays:       DefaultTier3AgeDays,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.TargetContextSize == 0 {
		c.TargetContextSize = DefaultTargetContextSize
	}
	if c.MinRecentMessages == 0 {
		c.MinRecentMessages = DefaultMinRecentMessages
	}
	if c.Tier1VerbatimCount == 0 {
		c.Tier1VerbatimCount = DefaultTier1VerbatimCount
	}
	if c.Tier3AgeDays == 0 {
		c.Tier3AgeDays = DefaultTier3AgeDays
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.TargetContextSize <= 0 {
		return fmt.Errorf("%w: target_context_size must be positive, got %d", ErrInvalidConfig, c.TargetContextSize)
	}
	if c.MinRecentMessages < 0 {
		return fmt.Errorf("%w: min_recent_messages must be non-negative, got %d", ErrInvalidConfig, c.MinRecentMessages)
	}
	if c.Tier1VerbatimCount < 0 {
		return fmt.Errorf("%w: tier1_verbatim_count must be non-negative, got %d", ErrInvalidConfig, c.Tier1VerbatimCount)
	}
	if c.Tier3AgeDays <= 0 {
		return fmt.Errorf("%w: tier3_age_days must be positive, got %d", ErrInvalidConfig, c.Tier3AgeDays)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be non-negative, got %d", ErrInvalidConfig, c.Threshold)
	}
	return nil
}

// TriggerThreshold returns the effective compaction trigger: the explicit
// override when set, otherwise the model-derived threshold.
func (c *Config) TriggerThreshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return ThresholdForModel(c.ModelID)
}

// Tier3Cutoff returns the creation-time cutoff separating Tier 2 from
// Tier 3, relative to now.
func (c *Config) Tier3Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.Tier3AgeDays)
}
