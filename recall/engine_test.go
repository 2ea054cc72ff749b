package recall

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/storage"
	"github.com/sellscope/memorypg/types"
)

// fakeStore implements the two Store methods recall uses; everything else
// panics via the embedded nil interface.
type fakeStore struct {
	storage.Store

	memories []*types.Memory
	loadErr  error
	touchErr error

	touched   []uuid.UUID
	touchedAt time.Time
}

func (s *fakeStore) GetActiveMemories(ctx context.Context, userID uuid.UUID, categories []types.MemoryCategory) ([]*types.Memory, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if len(categories) == 0 {
		return s.memories, nil
	}
	allowed := make(map[types.MemoryCategory]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	var out []*types.Memory
	for _, m := range s.memories {
		if allowed[m.Category] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) TouchMemories(ctx context.Context, memoryIDs []uuid.UUID, at time.Time) error {
	if s.touchErr != nil {
		return s.touchErr
	}
	s.touched = append(s.touched, memoryIDs...)
	s.touchedAt = at
	return nil
}

func mem(subject, content string, confidence float64) *types.Memory {
	return &types.Memory{
		ID:         uuid.New(),
		Category:   types.CategoryFact,
		Subject:    subject,
		Content:    content,
		Confidence: confidence,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreContentMatch(t *testing.T) {
	// Subject "John Smith", content "prefers email", confidence 0.9,
	// keyword "email" matches content only: 2 * 0.9 = 1.8 with no boosts.
	m := mem("John Smith", "prefers email", 0.9)

	got := Score(m, []string{"email"}, time.Now())
	if !almostEqual(got, 1.8) {
		t.Errorf("Score = %v, want 1.8", got)
	}
}

func TestScoreSubjectAndContentMatch(t *testing.T) {
	// Keyword hits both fields: (3 + 2) * 1.0 = 5
	m := mem("pricing discussion", "pricing is 50k", 1.0)

	got := Score(m, []string{"pricing"}, time.Now())
	if !almostEqual(got, 5.0) {
		t.Errorf("Score = %v, want 5.0", got)
	}
}

func TestScoreNoMatch(t *testing.T) {
	m := mem("John Smith", "prefers email", 0.9)

	if got := Score(m, []string{"unrelated"}, time.Now()); got != 0 {
		t.Errorf("Score = %v, want 0", got)
	}
}

func TestScoreRecencyBoost(t *testing.T) {
	now := time.Now()

	recent := mem("pricing", "", 1.0)
	at := now.Add(-24 * time.Hour)
	recent.LastAccessedAt = &at

	older := mem("pricing", "", 1.0)
	at2 := now.Add(-14 * 24 * time.Hour)
	older.LastAccessedAt = &at2

	stale := mem("pricing", "", 1.0)
	at3 := now.Add(-60 * 24 * time.Hour)
	stale.LastAccessedAt = &at3

	kw := []string{"pricing"}
	if got := Score(recent, kw, now); !almostEqual(got, 3.0*1.2) {
		t.Errorf("recent Score = %v, want %v", got, 3.0*1.2)
	}
	if got := Score(older, kw, now); !almostEqual(got, 3.0*1.1) {
		t.Errorf("older Score = %v, want %v", got, 3.0*1.1)
	}
	if got := Score(stale, kw, now); !almostEqual(got, 3.0) {
		t.Errorf("stale Score = %v, want 3.0", got)
	}
}

func TestScoreFrequencyBoost(t *testing.T) {
	now := time.Now()
	kw := []string{"pricing"}

	m := mem("pricing", "", 1.0)
	m.AccessCount = 10
	// 3 * (1 + 10/20) = 4.5
	if got := Score(m, kw, now); !almostEqual(got, 4.5) {
		t.Errorf("Score with 10 accesses = %v, want 4.5", got)
	}

	// The frequency boost caps at +50% no matter how large the count
	m.AccessCount = 1000
	if got := Score(m, kw, now); !almostEqual(got, 4.5) {
		t.Errorf("Score with 1000 accesses = %v, want capped 4.5", got)
	}
}

func TestScoreMonotonicInConfidence(t *testing.T) {
	now := time.Now()
	kw := []string{"pricing"}

	low := Score(mem("pricing", "", 0.5), kw, now)
	high := Score(mem("pricing", "", 0.9), kw, now)
	if high <= low {
		t.Errorf("higher confidence should score higher: %v <= %v", high, low)
	}
}

func TestRecallRanksAndLimits(t *testing.T) {
	store := &fakeStore{memories: []*types.Memory{
		mem("other topic", "nothing relevant", 0.9),
		mem("acme pricing", "pricing deck", 0.9),
		mem("weekly sync", "pricing mentioned once", 0.6),
		mem("acme renewal", "pricing and renewal", 1.0),
	}}

	engine := NewEngine(store, nil)
	result := engine.Recall(context.Background(), uuid.New(), "what about acme pricing?", Options{Limit: 2})

	if !result.Success {
		t.Fatalf("recall failed: %s", result.Err)
	}
	if len(result.Memories) != 2 {
		t.Fatalf("returned %d memories, want limit 2", len(result.Memories))
	}
	if result.Memories[0].Score < result.Memories[1].Score {
		t.Error("results not ranked by descending score")
	}
	for _, sm := range result.Memories {
		if sm.Score <= 0 {
			t.Errorf("zero-score memory %q returned", sm.Memory.Subject)
		}
	}

	// Only returned memories get their access tracking updated
	if len(store.touched) != 2 {
		t.Errorf("touched %d memories, want 2", len(store.touched))
	}
}

func TestRecallExcludesZeroScores(t *testing.T) {
	store := &fakeStore{memories: []*types.Memory{
		mem("unrelated", "nothing here", 0.9),
	}}

	engine := NewEngine(store, nil)
	result := engine.Recall(context.Background(), uuid.New(), "acme pricing", Options{})

	if !result.Success {
		t.Fatalf("recall failed: %s", result.Err)
	}
	if len(result.Memories) != 0 {
		t.Errorf("returned %d memories, want 0", len(result.Memories))
	}
	if len(store.touched) != 0 {
		t.Error("non-returned memories must not be touched")
	}
}

func TestRecallEmptyContextSkipsStorage(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("should not be called")}

	engine := NewEngine(store, nil)
	result := engine.Recall(context.Background(), uuid.New(), "the and of", Options{})

	if !result.Success {
		t.Fatalf("recall with no keywords failed: %s", result.Err)
	}
	if len(result.Memories) != 0 {
		t.Errorf("returned %d memories, want 0", len(result.Memories))
	}
}

func TestRecallStorageError(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("connection refused")}

	engine := NewEngine(store, nil)
	result := engine.Recall(context.Background(), uuid.New(), "acme pricing", Options{})

	if result.Success {
		t.Error("storage error should fail the recall")
	}
	if result.Err == "" {
		t.Error("failure result should carry an error message")
	}
}

func TestRecallTouchFailureIsNonFatal(t *testing.T) {
	store := &fakeStore{
		memories: []*types.Memory{mem("acme pricing", "deck", 0.9)},
		touchErr: errors.New("deadlock detected"),
	}

	engine := NewEngine(store, nil)
	result := engine.Recall(context.Background(), uuid.New(), "acme pricing", Options{})

	if !result.Success {
		t.Errorf("touch failure should not fail the recall: %s", result.Err)
	}
	if len(result.Memories) != 1 {
		t.Errorf("returned %d memories, want 1", len(result.Memories))
	}
}

func TestRecallCategoryFilter(t *testing.T) {
	deal := mem("acme pricing", "deck", 0.9)
	deal.Category = types.CategoryDeal
	pref := mem("acme pricing contact", "prefers email", 0.9)
	pref.Category = types.CategoryPreference

	store := &fakeStore{memories: []*types.Memory{deal, pref}}
	engine := NewEngine(store, nil)

	result := engine.Recall(context.Background(), uuid.New(), "acme pricing",
		Options{Categories: []types.MemoryCategory{types.CategoryDeal}})

	if !result.Success {
		t.Fatalf("recall failed: %s", result.Err)
	}
	if len(result.Memories) != 1 || result.Memories[0].Memory.ID != deal.ID {
		t.Error("category filter not applied")
	}
}
