package compaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/storage"
	"github.com/sellscope/memorypg/types"
)

// fakeStore is an in-memory storage.Store that records operation order and
// supports error injection.
type fakeStore struct {
	mu sync.Mutex

	conversations map[uuid.UUID]*types.Conversation
	messages      map[uuid.UUID][]*types.Message
	summaries     []*types.Summary
	memories      []*types.Memory
	locks         map[uuid.UUID]bool

	ops []string

	failSaveSummary  bool
	failSaveMemories bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[uuid.UUID]*types.Conversation),
		messages:      make(map[uuid.UUID][]*types.Message),
		locks:         make(map[uuid.UUID]bool),
	}
}

func (s *fakeStore) record(op string) {
	s.ops = append(s.ops, op)
}

func (s *fakeStore) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return nil
}

func (s *fakeStore) GetConversation(ctx context.Context, id uuid.UUID) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return conv, nil
}

func (s *fakeStore) GetPrimaryConversation(ctx context.Context, userID uuid.UUID) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if conv.UserID == userID && conv.IsPrimary {
			return conv, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) AddConversationTokens(ctx context.Context, id uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		conv.TotalTokensEstimate += delta
	}
	return nil
}

func (s *fakeStore) SetConversationTokens(ctx context.Context, id uuid.UUID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		conv.TotalTokensEstimate = total
	}
	return nil
}

func (s *fakeStore) FinishCompaction(ctx context.Context, id uuid.UUID, total int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("FinishCompaction")
	if conv, ok := s.conversations[id]; ok {
		conv.TotalTokensEstimate = total
		conv.LastCompactionAt = &at
	}
	return nil
}

func (s *fakeStore) ListCompactedSince(ctx context.Context, t time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, conv := range s.conversations {
		if conv.LastCompactionAt != nil && !conv.LastCompactionAt.Before(t) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *fakeStore) GetActiveMessages(ctx context.Context, id uuid.UUID) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*types.Message
	for _, msg := range s.messages[id] {
		if !msg.IsCompacted {
			active = append(active, msg)
		}
	}
	return active, nil
}

func (s *fakeStore) MarkMessagesCompacted(ctx context.Context, messageIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("MarkMessagesCompacted")
	set := make(map[uuid.UUID]bool, len(messageIDs))
	for _, id := range messageIDs {
		set[id] = true
	}
	for _, msgs := range s.messages {
		for _, msg := range msgs {
			if set[msg.ID] {
				msg.IsCompacted = true
			}
		}
	}
	return nil
}

func (s *fakeStore) SaveSummary(ctx context.Context, summary *types.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaveSummary {
		return errors.New("injected summary failure")
	}
	s.record("SaveSummary")
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *fakeStore) GetLatestSummary(ctx context.Context, id uuid.UUID) (*types.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.summaries) - 1; i >= 0; i-- {
		if s.summaries[i].ConversationID == id {
			return s.summaries[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) SaveMemories(ctx context.Context, memories []*types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaveMemories {
		return errors.New("injected memories failure")
	}
	s.record("SaveMemories")
	s.memories = append(s.memories, memories...)
	return nil
}

func (s *fakeStore) GetActiveMemories(ctx context.Context, userID uuid.UUID, categories []types.MemoryCategory) ([]*types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Memory
	for _, m := range s.memories {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) TouchMemories(ctx context.Context, memoryIDs []uuid.UUID, at time.Time) error {
	return nil
}

func (s *fakeStore) UpdateMemory(ctx context.Context, memory *types.Memory) error {
	return nil
}

func (s *fakeStore) DeleteExpiredMemories(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (s *fakeStore) TryConversationLock(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] {
		return false, nil
	}
	s.locks[id] = true
	return true, nil
}

func (s *fakeStore) ReleaseConversationLock(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
	return nil
}

func (s *fakeStore) TrySweepLock(ctx context.Context) (bool, error) {
	return true, nil
}

func (s *fakeStore) ReleaseSweepLock(ctx context.Context) error {
	return nil
}

// fakeSummarizer returns canned text, optionally failing on a specific
// system prompt.
type fakeSummarizer struct {
	text         string
	err          error
	failOnPrompt string
	calls        int
}

func (f *fakeSummarizer) Generate(ctx context.Context, systemPrompt string, messages []*types.Message, modelID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.failOnPrompt != "" && systemPrompt == f.failOnPrompt {
		return "", errors.New("injected summarizer failure")
	}
	return f.text, nil
}

type fakeExtractor struct {
	extracted []types.ExtractedMemory
	err       error
	calls     int
}

func (f *fakeExtractor) Extract(ctx context.Context, messages []*types.Message, modelID string) ([]types.ExtractedMemory, error) {
	f.calls++
	return f.extracted, f.err
}

type fakeGate struct {
	allowed bool
	err     error
}

func (g *fakeGate) Allow(ctx context.Context, userID uuid.UUID) (bool, error) {
	return g.allowed, g.err
}

func testConfig() *Config {
	return &Config{
		TargetContextSize:  500,
		MinRecentMessages:  2,
		Tier1VerbatimCount: 5,
		Tier3AgeDays:       7,
	}
}

// seedConversation creates a conversation with count recent messages plus
// oldCount messages from two weeks ago.
func seedConversation(s *fakeStore, count, oldCount int) *types.Conversation {
	now := time.Now()
	conv := &types.Conversation{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		IsPrimary: true,
	}
	s.conversations[conv.ID] = conv

	add := func(n int, end time.Time) {
		for i := 0; i < n; i++ {
			s.messages[conv.ID] = append(s.messages[conv.ID], &types.Message{
				ID:             uuid.New(),
				ConversationID: conv.ID,
				Role:           types.RoleUser,
				Content:        strings.Repeat("x", 400),
				CreatedAt:      end.Add(time.Duration(i-n) * time.Minute),
			})
		}
	}

	add(oldCount, now.AddDate(0, 0, -14))
	add(count, now)
	return conv
}

func TestCompactEmptyConversation(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 0, 0)

	compactor := New(store, &fakeSummarizer{text: "summary"}, &fakeExtractor{}, nil, testConfig(), nil)
	result := compactor.Compact(context.Background(), conv.ID)

	if !result.Success {
		t.Fatalf("empty conversation compaction failed: %s", result.Err)
	}
	if result.TokensBefore != 0 || result.TokensAfter != 0 {
		t.Errorf("tokens = %d -> %d, want 0 -> 0", result.TokensBefore, result.TokensAfter)
	}
}

func TestCompactNoopUnderVerbatimCount(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 4, 0)

	summarizer := &fakeSummarizer{text: "summary"}
	extractor := &fakeExtractor{}
	compactor := New(store, summarizer, extractor, nil, testConfig(), nil)
	result := compactor.Compact(context.Background(), conv.ID)

	if !result.Success {
		t.Fatalf("noop compaction failed: %s", result.Err)
	}
	if result.TokensAfter != result.TokensBefore {
		t.Errorf("noop changed tokens: %d -> %d", result.TokensBefore, result.TokensAfter)
	}
	if summarizer.calls != 0 || extractor.calls != 0 {
		t.Error("noop run must not invoke collaborators")
	}
}

func TestCompactThreeTier(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 10)

	extracted := []types.ExtractedMemory{
		{Category: types.CategoryDeal, Subject: "ACME", Content: "budget 50k", Confidence: 0.9},
	}
	summarizer := &fakeSummarizer{text: "- Key decision about ACME\nMore prose."}
	extractor := &fakeExtractor{extracted: extracted}

	compactor := New(store, summarizer, extractor, nil, testConfig(), nil)
	result := compactor.Compact(context.Background(), conv.ID)

	if !result.Success {
		t.Fatalf("compaction failed: %s", result.Err)
	}
	if result.Protocol != ProtocolThreeTier {
		t.Errorf("protocol = %s, want %s", result.Protocol, ProtocolThreeTier)
	}
	if result.SummarizedCount != 10 {
		t.Errorf("SummarizedCount = %d, want 10", result.SummarizedCount)
	}
	// One extraction per non-verbatim tier
	if result.MemoriesExtracted != 2 {
		t.Errorf("MemoriesExtracted = %d, want 2", result.MemoriesExtracted)
	}
	if result.SummaryID == nil {
		t.Error("expected a summary to be created")
	}

	active, _ := store.GetActiveMessages(context.Background(), conv.ID)
	if len(active) != 5 {
		t.Errorf("active messages after compaction = %d, want verbatim 5", len(active))
	}

	// The running estimate must equal the recount of what survives
	if conv.TotalTokensEstimate != SumTokens(active) {
		t.Errorf("conversation estimate = %d, want recount %d", conv.TotalTokensEstimate, SumTokens(active))
	}
	if conv.LastCompactionAt == nil {
		t.Error("LastCompactionAt not stamped")
	}
	if result.TokensAfter >= result.TokensBefore {
		t.Errorf("tokens did not shrink: %d -> %d", result.TokensBefore, result.TokensAfter)
	}
}

func TestCompactPersistsBeforeMarking(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 10)

	compactor := New(store, &fakeSummarizer{text: "summary"}, &fakeExtractor{}, nil, testConfig(), nil)
	result := compactor.Compact(context.Background(), conv.ID)
	if !result.Success {
		t.Fatalf("compaction failed: %s", result.Err)
	}

	// Every mark must come after at least one persist in the op log, and
	// within each tier the persists precede the mark.
	firstMark := -1
	for i, op := range store.ops {
		if op == "MarkMessagesCompacted" {
			firstMark = i
			break
		}
	}
	if firstMark <= 0 {
		t.Fatalf("op order %v: expected persistence before the first mark", store.ops)
	}
	for _, op := range store.ops[:firstMark] {
		if op != "SaveMemories" && op != "SaveSummary" {
			t.Errorf("unexpected op %s before first mark", op)
		}
	}
}

func TestCompactConfidenceAndCategoryFilter(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 0)

	extractor := &fakeExtractor{extracted: []types.ExtractedMemory{
		{Category: types.CategoryDeal, Subject: "keep", Content: "high confidence", Confidence: 0.9},
		{Category: types.CategoryFact, Subject: "drop-low", Content: "low confidence", Confidence: 0.4},
		{Category: "gossip", Subject: "drop-category", Content: "unknown category", Confidence: 0.9},
	}}

	compactor := New(store, &fakeSummarizer{text: "summary"}, extractor, nil, testConfig(), nil)
	result := compactor.Compact(context.Background(), conv.ID)
	if !result.Success {
		t.Fatalf("compaction failed: %s", result.Err)
	}

	if len(store.memories) != 1 {
		t.Fatalf("persisted %d memories, want 1", len(store.memories))
	}
	mem := store.memories[0]
	if mem.Subject != "keep" {
		t.Errorf("persisted subject = %q, want %q", mem.Subject, "keep")
	}
	if mem.UserID != conv.UserID {
		t.Error("memory not attributed to the conversation's user")
	}
	if mem.ExtractionBatchID == nil {
		t.Error("memory missing extraction batch ID")
	}
	if len(mem.SourceMessageIDs) == 0 {
		t.Error("memory missing source message IDs")
	}
}

func TestCompactGateDenied(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 10)

	summarizer := &fakeSummarizer{text: "summary"}
	compactor := New(store, summarizer, &fakeExtractor{}, nil, testConfig(), nil).
		WithGate(&fakeGate{allowed: false})

	result := compactor.Compact(context.Background(), conv.ID)

	if result.Success {
		t.Error("gated run should not report success")
	}
	if result.Allowed {
		t.Error("gated run should report Allowed=false")
	}
	if summarizer.calls != 0 {
		t.Error("denied gate must prevent paid calls")
	}
	if len(store.summaries) != 0 || len(store.memories) != 0 {
		t.Error("denied run must not persist anything")
	}

	active, _ := store.GetActiveMessages(context.Background(), conv.ID)
	if len(active) != 25 {
		t.Errorf("denied run compacted messages: %d active, want 25", len(active))
	}
}

func TestCompactGateErrorFailsOpen(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 0)

	compactor := New(store, &fakeSummarizer{text: "summary"}, &fakeExtractor{}, nil, testConfig(), nil).
		WithGate(&fakeGate{err: errors.New("billing service down")})

	result := compactor.Compact(context.Background(), conv.ID)
	if !result.Success {
		t.Fatalf("gate error should fail open, got: %s", result.Err)
	}
	if !result.Allowed {
		t.Error("fail-open run should report Allowed=true")
	}
}

func TestCompactFallbackToLegacy(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 0)

	// The tiered prompt fails, the legacy prompt succeeds.
	summarizer := &fakeSummarizer{text: "legacy summary", failOnPrompt: TieredSummarySystemPrompt}
	compactor := New(store, summarizer, &fakeExtractor{}, nil, testConfig(), nil)

	result := compactor.Compact(context.Background(), conv.ID)

	if !result.Success {
		t.Fatalf("fallback compaction failed: %s", result.Err)
	}
	if result.Protocol != ProtocolLegacy {
		t.Errorf("protocol = %s, want %s", result.Protocol, ProtocolLegacy)
	}
	if len(store.summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(store.summaries))
	}

	// The legacy split keeps at least MinRecentMessages
	active, _ := store.GetActiveMessages(context.Background(), conv.ID)
	if len(active) < 2 {
		t.Errorf("legacy run kept %d messages, want at least 2", len(active))
	}
}

func TestCompactBothProtocolsFail(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 0)

	compactor := New(store, &fakeSummarizer{err: errors.New("api down")}, &fakeExtractor{}, nil, testConfig(), nil)
	result := compactor.Compact(context.Background(), conv.ID)

	if result.Success {
		t.Error("double failure should not report success")
	}
	if result.Err == "" {
		t.Error("failure result should carry an error message")
	}

	// Nothing persisted, nothing marked
	active, _ := store.GetActiveMessages(context.Background(), conv.ID)
	if len(active) != 15 {
		t.Errorf("failed run changed history: %d active, want 15", len(active))
	}
}

func TestCompactWhileLocked(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 0)
	store.locks[conv.ID] = true

	compactor := New(store, &fakeSummarizer{text: "summary"}, &fakeExtractor{}, nil, testConfig(), nil)
	result := compactor.Compact(context.Background(), conv.ID)

	if result.Success {
		t.Error("locked conversation should not compact")
	}
	if !strings.Contains(result.Err, ErrCompactionInProgress.Error()) {
		t.Errorf("Err = %q, want in-progress error", result.Err)
	}
}

func TestCompactReleasesLock(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 0)

	compactor := New(store, &fakeSummarizer{text: "summary"}, &fakeExtractor{}, nil, testConfig(), nil)
	compactor.Compact(context.Background(), conv.ID)

	if store.locks[conv.ID] {
		t.Error("lock not released after compaction")
	}

	// A second run must be able to acquire it
	result := compactor.Compact(context.Background(), conv.ID)
	if !result.Success {
		t.Errorf("second run failed: %s", result.Err)
	}
}

func TestCompactAsync(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 0)

	compactor := New(store, &fakeSummarizer{text: "summary"}, &fakeExtractor{}, nil, testConfig(), nil)

	done := make(chan *Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	compactor.CompactAsync(ctx, conv.ID, func(r *Result) { done <- r })
	// The run must survive the caller's cancellation
	cancel()

	select {
	case result := <-done:
		if !result.Success {
			t.Errorf("async compaction failed: %s", result.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async compaction did not complete")
	}
}

func TestCompactIdempotentWhenAlreadyCompacted(t *testing.T) {
	store := newFakeStore()
	conv := seedConversation(store, 15, 10)

	compactor := New(store, &fakeSummarizer{text: "summary"}, &fakeExtractor{}, nil, testConfig(), nil)
	first := compactor.Compact(context.Background(), conv.ID)
	if !first.Success {
		t.Fatalf("first run failed: %s", first.Err)
	}

	second := compactor.Compact(context.Background(), conv.ID)
	if !second.Success {
		t.Fatalf("second run failed: %s", second.Err)
	}
	if second.SummarizedCount != 0 || second.MemoriesExtracted != 0 {
		t.Errorf("second run re-compacted: summarized=%d memories=%d",
			second.SummarizedCount, second.MemoriesExtracted)
	}
}
