// Package maintenance provides background upkeep for memorypg deployments.
//
// The running token estimate on a conversation is an approximation kept
// fresh on the write path; the sweeper periodically recomputes it from the
// actual non-compacted messages of recently compacted conversations. With
// an explicit retention window configured it also removes memories long
// past their expiry; otherwise expired memories are only ever excluded
// from reads, never deleted.
package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sellscope/memorypg/compaction"
	"github.com/sellscope/memorypg/storage"
)

// Default sweeper configuration values
const (
	DefaultSweepInterval  = 5 * time.Minute
	DefaultRecountHorizon = 24 * time.Hour
)

// SweeperConfig holds configuration for the sweeper service.
type SweeperConfig struct {
	// Interval is how often to run sweep operations.
	// Default: 5 minutes
	Interval time.Duration

	// RecountHorizon bounds the recount pass to conversations compacted
	// within this window. Default: 24 hours
	RecountHorizon time.Duration

	// PurgeRetention, when positive, physically removes memories that have
	// been expired for longer than this window. Zero disables purging:
	// expired memories stay in storage and are excluded from reads only.
	PurgeRetention time.Duration

	// OnRecount is called when conversation token estimates are recomputed.
	// The count is the number of conversations updated.
	OnRecount func(count int)

	// OnExpiredPurge is called when expired memories are purged.
	// The count is the number of memories deleted.
	OnExpiredPurge func(count int)

	// OnError is called when a sweep operation fails.
	OnError func(err error)
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval:       DefaultSweepInterval,
		RecountHorizon: DefaultRecountHorizon,
	}
}

// SweepResult holds the results of a sweep pass.
type SweepResult struct {
	// ConversationsRecounted is the number of conversations whose token
	// estimate was recomputed.
	ConversationsRecounted int

	// ExpiredMemoriesPurged is the number of expired memories deleted
	// under the configured retention window.
	ExpiredMemoriesPurged int

	// Skipped reports that another sweeper instance held the sweep lock
	// and this pass did no work.
	Skipped bool

	// Errors contains any errors that occurred during the pass.
	Errors []error
}

// Sweeper periodically reconciles token estimates and applies the optional
// expired-memory retention policy. Instances may run in every process;
// passes are serialized across the deployment by an advisory lock, so only
// one instance sweeps at a time.
type Sweeper struct {
	store  storage.Store
	config *SweeperConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewSweeper creates a new sweeper service.
func NewSweeper(store storage.Store, config *SweeperConfig) *Sweeper {
	if config == nil {
		config = DefaultSweeperConfig()
	}

	return &Sweeper{
		store:  store,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
// It returns immediately and runs sweep passes in a goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)

	return nil
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.cancel()
	<-s.done

	s.started.Store(false)
	return nil
}

// run is the main sweep loop.
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	// Run a pass immediately on start
	s.runSweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

// runSweep performs one pass and fires the configured callbacks.
func (s *Sweeper) runSweep(ctx context.Context) {
	result := s.RunOnce(ctx)

	if s.config.OnRecount != nil && result.ConversationsRecounted > 0 {
		s.config.OnRecount(result.ConversationsRecounted)
	}

	if s.config.OnExpiredPurge != nil && result.ExpiredMemoriesPurged > 0 {
		s.config.OnExpiredPurge(result.ExpiredMemoriesPurged)
	}

	if s.config.OnError != nil {
		for _, err := range result.Errors {
			s.config.OnError(err)
		}
	}
}

// RunOnce performs a single sweep pass and returns the result.
// This can be called manually for testing or one-off reconciliation.
// Passes are serialized across the deployment by an advisory lock; when
// another instance holds it, the pass is skipped rather than duplicated.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	result := &SweepResult{}

	acquired, err := s.store.TrySweepLock(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}
	if !acquired {
		result.Skipped = true
		return result
	}
	defer func() {
		if err := s.store.ReleaseSweepLock(ctx); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}()

	recounted, err := s.recountConversations(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.ConversationsRecounted = recounted
	}

	// Expiry is soft: expired memories are excluded from reads, not
	// removed. Physical removal happens only under an explicit retention
	// window, and only once a memory has been expired past it.
	if s.config.PurgeRetention > 0 {
		purged, err := s.store.DeleteExpiredMemories(ctx, time.Now().Add(-s.config.PurgeRetention))
		if err != nil {
			result.Errors = append(result.Errors, err)
		} else {
			result.ExpiredMemoriesPurged = purged
		}
	}

	return result
}

// recountConversations recomputes token estimates from active messages for
// conversations compacted within the horizon.
func (s *Sweeper) recountConversations(ctx context.Context) (int, error) {
	horizon := time.Now().Add(-s.config.RecountHorizon)

	ids, err := s.store.ListCompactedSince(ctx, horizon)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		messages, err := s.store.GetActiveMessages(ctx, id)
		if err != nil {
			// Continue with other conversations even if one fails
			continue
		}

		total := compaction.SumTokens(messages)
		if err := s.store.SetConversationTokens(ctx, id, total); err != nil {
			continue
		}
		count++
	}

	return count, nil
}

// IsRunning returns true if the sweeper is running.
func (s *Sweeper) IsRunning() bool {
	return s.started.Load()
}
