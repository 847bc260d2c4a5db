package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/ledger"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// fakeEmbedder returns a constant vector, or an error when failing.
type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedder down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeIndex records writes and serves scripted query results.
type fakeIndex struct {
	mu       sync.Mutex
	fail     bool
	matches  []vectorstore.Match
	upserted []int64
	deleted  []int64
}

func (f *fakeIndex) Upsert(_ context.Context, _ string, id int64, _ []float32, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("index down")
	}
	f.upserted = append(f.upserted, id)
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ string, _ []float32, k int) ([]vectorstore.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("index down")
	}
	if len(f.matches) > k {
		return f.matches[:k], nil
	}
	return f.matches, nil
}

func (f *fakeIndex) Delete(_ context.Context, _ string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("index down")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) Close() error { return nil }

func newTestEngine(t *testing.T, index vectorstore.Index, embedder Embedder) (*Engine, *ledger.Ledger) {
	t.Helper()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	e, err := New(l, index, embedder, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	return e, l
}

func enabledPersona() PersonaConfig {
	return PersonaConfig{MemoryEnabled: true, LearningEnabled: true}
}

func TestStoreMemoryWritesLedgerAndIndex(t *testing.T) {
	idx := &fakeIndex{}
	e, _ := newTestEngine(t, idx, &fakeEmbedder{})
	ctx := context.Background()

	stored, err := e.StoreMemory(ctx, enabledPersona(), ledger.Memory{
		OwnerID:    "p1",
		Category:   ledger.CategoryFact,
		Content:    "My sister is a pilot",
		Importance: 0.7,
	})
	require.NoError(t, err)
	assert.Positive(t, stored.ID)
	assert.Equal(t, []int64{stored.ID}, idx.upserted)
}

func TestStoreMemorySucceedsWhenIndexFails(t *testing.T) {
	e, l := newTestEngine(t, &fakeIndex{fail: true}, &fakeEmbedder{})
	ctx := context.Background()

	stored, err := e.StoreMemory(ctx, enabledPersona(), ledger.Memory{
		OwnerID: "p1", Content: "durable even without the index", Importance: 1,
	})
	require.NoError(t, err)

	got, err := l.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable even without the index", got.Content)
}

func TestStoreMemoryDisabledPersona(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})

	_, err := e.StoreMemory(context.Background(), PersonaConfig{MemoryEnabled: false}, ledger.Memory{
		OwnerID: "p1", Content: "x", Importance: 1,
	})
	require.ErrorIs(t, err, ErrMemoryDisabled)
}

func TestStoreMemoryValidation(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})

	_, err := e.StoreMemory(context.Background(), enabledPersona(), ledger.Memory{OwnerID: "p1"})
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRetrieveEmptyQueryUsesFallbackOrdering(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	for _, imp := range []float64{0.9, 0.5, 0.95} {
		_, err := e.StoreMemory(ctx, persona, ledger.Memory{
			OwnerID: "p1", Content: "m", Importance: imp,
		})
		require.NoError(t, err)
	}

	got, err := e.Retrieve(ctx, persona, "p1", "", RetrieveOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.95, got[0].Importance)
	assert.Equal(t, 0.9, got[1].Importance)
}

func TestRetrieveVectorOrderWins(t *testing.T) {
	idx := &fakeIndex{}
	e, _ := newTestEngine(t, idx, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	var ids []int64
	for _, imp := range []float64{0.9, 0.5, 0.3} {
		stored, err := e.StoreMemory(ctx, persona, ledger.Memory{
			OwnerID: "p1", Content: "m", Importance: imp,
		})
		require.NoError(t, err)
		ids = append(ids, stored.ID)
	}

	// The index ranks the least important memory closest.
	idx.matches = []vectorstore.Match{
		{ID: ids[2], Distance: 0.1},
		{ID: ids[0], Distance: 0.4},
	}

	got, err := e.Retrieve(ctx, persona, "p1", "what do you remember", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[0], got[1].ID)
	// Not vector-ranked, appended in ledger fallback order.
	assert.Equal(t, ids[1], got[2].ID)
}

func TestRetrieveSkipsMatchesOutsideCandidates(t *testing.T) {
	idx := &fakeIndex{}
	e, _ := newTestEngine(t, idx, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	stored, err := e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "m", Importance: 0.5,
	})
	require.NoError(t, err)

	// A stale index entry for a deleted/expired memory must be ignored.
	idx.matches = []vectorstore.Match{
		{ID: 9999, Distance: 0.05},
		{ID: stored.ID, Distance: 0.2},
	}

	got, err := e.Retrieve(ctx, persona, "p1", "query", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stored.ID, got[0].ID)
}

func TestRetrieveFallsBackWhenIndexUnavailable(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{fail: true}, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	for _, imp := range []float64{0.2, 0.8} {
		_, err := e.StoreMemory(ctx, persona, ledger.Memory{
			OwnerID: "p1", Content: "m", Importance: imp,
		})
		require.NoError(t, err)
	}

	got, err := e.Retrieve(ctx, persona, "p1", "anything", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.8, got[0].Importance)
}

func TestRetrieveFallsBackWhenEmbedderUnavailable(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{fail: true})
	ctx := context.Background()
	persona := enabledPersona()

	// Stored via the ledger directly since the embedder is down.
	_, err := e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "m", Importance: 0.8,
	})
	require.NoError(t, err)

	got, err := e.Retrieve(ctx, persona, "p1", "anything", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRetrieveWithoutVectorPath(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()
	persona := enabledPersona()

	_, err := e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "m", Importance: 0.8,
	})
	require.NoError(t, err)

	got, err := e.Retrieve(ctx, persona, "p1", "anything", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRetrieveNeverReturnsExpired(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	past := time.Now().Add(-time.Second)
	_, err := e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "already expired", Importance: 1, ExpiresAt: &past,
	})
	require.NoError(t, err)

	got, err := e.Retrieve(ctx, persona, "p1", "", RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveDisabledPersonaReturnsEmpty(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})

	got, err := e.Retrieve(context.Background(), PersonaConfig{}, "p1", "query", RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveTouchesReturnedMemories(t *testing.T) {
	e, l := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	stored, err := e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "m", Importance: 1,
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = e.Retrieve(ctx, persona, "p1", "", RetrieveOptions{})
	require.NoError(t, err)

	got, err := l.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.After(stored.LastAccessedAt))
}

func TestLearnStoresClassifiedUserTurns(t *testing.T) {
	idx := &fakeIndex{}
	e, _ := newTestEngine(t, idx, &fakeEmbedder{})
	ctx := context.Background()

	learned, err := e.Learn(ctx, enabledPersona(), "p1", []Turn{
		{Role: RoleUser, Content: "I love hiking on weekends"},
		{Role: RoleAssistant, Content: "That is great"},
		{Role: RoleUser, Content: "ok"},
		{Role: RoleUser, Content: "I feel worried about tomorrow"},
	})
	require.NoError(t, err)
	require.Len(t, learned, 2)

	assert.Equal(t, ledger.CategoryPreference, learned[0].Category)
	assert.Equal(t, 0.8, learned[0].Importance)
	assert.Equal(t, "I love hiking on weekends", learned[0].Content)

	assert.Equal(t, ledger.CategoryEmotion, learned[1].Category)
	assert.Equal(t, 0.9, learned[1].Importance)

	assert.Len(t, idx.upserted, 2)
}

func TestLearnDisabled(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})
	ctx := context.Background()
	turns := []Turn{{Role: RoleUser, Content: "I love hiking"}}

	learned, err := e.Learn(ctx, PersonaConfig{MemoryEnabled: true, LearningEnabled: false}, "p1", turns)
	require.NoError(t, err)
	assert.Empty(t, learned)

	learned, err = e.Learn(ctx, PersonaConfig{MemoryEnabled: false, LearningEnabled: true}, "p1", turns)
	require.NoError(t, err)
	assert.Empty(t, learned)
}

func TestMemoryContextFormat(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	_, err := e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "Loves hiking", Importance: 0.9,
	})
	require.NoError(t, err)
	_, err = e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "Is 28 years old", Importance: 0.7,
	})
	require.NoError(t, err)

	out, err := e.MemoryContext(ctx, persona, "p1", []Turn{
		{Role: RoleUser, Content: "tell me about my hobbies"},
	})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(out, "RELEVANT MEMORIES:\n"), "got %q", out)
	assert.Contains(t, out, "1. Loves hiking")
	assert.Contains(t, out, "2. Is 28 years old")
}

func TestMemoryContextEmptyWhenNoMemories(t *testing.T) {
	e, _ := newTestEngine(t, &fakeIndex{}, &fakeEmbedder{})

	out, err := e.MemoryContext(context.Background(), enabledPersona(), "p1", []Turn{
		{Role: RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDeleteMemoryRemovesIndexEntry(t *testing.T) {
	idx := &fakeIndex{}
	e, _ := newTestEngine(t, idx, &fakeEmbedder{})
	ctx := context.Background()

	stored, err := e.StoreMemory(ctx, enabledPersona(), ledger.Memory{
		OwnerID: "p1", Content: "m", Importance: 1,
	})
	require.NoError(t, err)

	deleted, err := e.DeleteMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []int64{stored.ID}, idx.deleted)

	deleted, err = e.DeleteMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPurgeExpiredCleansLedgerAndIndex(t *testing.T) {
	idx := &fakeIndex{}
	e, _ := newTestEngine(t, idx, &fakeEmbedder{})
	ctx := context.Background()
	persona := enabledPersona()

	past := time.Now().Add(-time.Hour)
	expired, err := e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "old", Importance: 1, ExpiresAt: &past,
	})
	require.NoError(t, err)
	_, err = e.StoreMemory(ctx, persona, ledger.Memory{
		OwnerID: "p1", Content: "keeper", Importance: 1,
	})
	require.NoError(t, err)

	count, err := e.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []int64{expired.ID}, idx.deleted)

	count, err = e.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPurgeExpiredSurvivesIndexFailure(t *testing.T) {
	idx := &fakeIndex{}
	e, _ := newTestEngine(t, idx, &fakeEmbedder{})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	stored, err := e.StoreMemory(ctx, enabledPersona(), ledger.Memory{
		OwnerID: "p1", Content: "old", Importance: 1, ExpiresAt: &past,
	})
	require.NoError(t, err)

	idx.fail = true

	count, err := e.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = e.GetMemory(ctx, stored.ID)
	require.ErrorIs(t, err, ledger.ErrMemoryNotFound)
}
