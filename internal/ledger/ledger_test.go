package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	stored, err := l.Store(ctx, Memory{
		OwnerID:    "p1",
		Category:   CategoryPreference,
		Content:    "I love hiking on weekends",
		Context:    map[string]string{"source": "conversation"},
		Importance: 0.8,
	})
	require.NoError(t, err)
	require.Positive(t, stored.ID)

	got, err := l.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.OwnerID)
	assert.Equal(t, CategoryPreference, got.Category)
	assert.Equal(t, "I love hiking on weekends", got.Content)
	assert.Equal(t, map[string]string{"source": "conversation"}, got.Context)
	assert.Equal(t, 0.8, got.Importance)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.ExpiresAt)
}

func TestStoreValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		memory Memory
	}{
		{"missing owner", Memory{Content: "something"}},
		{"empty content", Memory{OwnerID: "p1"}},
		{"whitespace content", Memory{OwnerID: "p1", Content: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Store(ctx, tt.memory)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestStoreClampsImportance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"above range", 5.0, 1.0},
		{"below range", -0.5, 0.0},
		{"in range", 0.7, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := l.Store(ctx, Memory{OwnerID: "p1", Content: "x", Importance: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Importance)

			got, err := l.Get(ctx, stored.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Importance)
		})
	}
}

func TestStoreDefaultsCategory(t *testing.T) {
	l := newTestLedger(t)

	stored, err := l.Store(context.Background(), Memory{OwnerID: "p1", Content: "x", Importance: 1})
	require.NoError(t, err)
	assert.Equal(t, CategoryConversation, stored.Category)
}

func TestGetNotFound(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Get(context.Background(), 999)
	require.ErrorIs(t, err, ErrMemoryNotFound)
}

func TestQueryCandidatesOrdering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, imp := range []float64{0.5, 0.95, 0.9} {
		_, err := l.Store(ctx, Memory{OwnerID: "p1", Content: "m", Importance: imp})
		require.NoError(t, err)
	}

	got, err := l.QueryCandidates(ctx, "p1", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 0.95, got[0].Importance)
	assert.Equal(t, 0.9, got[1].Importance)
	assert.Equal(t, 0.5, got[2].Importance)
}

func TestQueryCandidatesFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Store(ctx, Memory{OwnerID: "p1", Category: CategoryFact, Content: "a fact", Importance: 0.7})
	require.NoError(t, err)
	_, err = l.Store(ctx, Memory{OwnerID: "p1", Category: CategoryEmotion, Content: "a feeling", Importance: 0.9})
	require.NoError(t, err)
	_, err = l.Store(ctx, Memory{OwnerID: "p2", Category: CategoryFact, Content: "other owner", Importance: 1})
	require.NoError(t, err)

	byCategory, err := l.QueryCandidates(ctx, "p1", []string{CategoryFact}, 0)
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "a fact", byCategory[0].Content)

	byImportance, err := l.QueryCandidates(ctx, "p1", nil, 0.8)
	require.NoError(t, err)
	require.Len(t, byImportance, 1)
	assert.Equal(t, "a feeling", byImportance[0].Content)
}

func TestQueryCandidatesExcludesExpired(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := l.Store(ctx, Memory{OwnerID: "p1", Content: "expired", Importance: 1, ExpiresAt: &past})
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	_, err = l.Store(ctx, Memory{OwnerID: "p1", Content: "alive", Importance: 1, ExpiresAt: &future})
	require.NoError(t, err)

	got, err := l.QueryCandidates(ctx, "p1", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alive", got[0].Content)
}

func TestTouchUpdatesLastAccessed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	stored, err := l.Store(ctx, Memory{OwnerID: "p1", Content: "x", Importance: 1})
	require.NoError(t, err)

	original := timeNow
	defer func() { timeNow = original }()
	timeNow = func() time.Time { return original().Add(time.Minute) }

	require.NoError(t, l.Touch(ctx, stored.ID))

	got, err := l.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.After(stored.LastAccessedAt))
}

func TestTouchUnknownIDIsNoOp(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Touch(context.Background(), 12345))
}

func TestPurgeExpiredIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	stored, err := l.Store(ctx, Memory{OwnerID: "p1", Content: "old", Importance: 1, ExpiresAt: &past})
	require.NoError(t, err)
	_, err = l.Store(ctx, Memory{OwnerID: "p1", Content: "keeper", Importance: 1})
	require.NoError(t, err)

	purged, err := l.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, stored.ID, purged[0].ID)
	assert.Equal(t, "p1", purged[0].OwnerID)

	again, err := l.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = l.Get(ctx, stored.ID)
	require.ErrorIs(t, err, ErrMemoryNotFound)
}

func TestDelete(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	stored, err := l.Store(ctx, Memory{OwnerID: "p1", Content: "x", Importance: 1})
	require.NoError(t, err)

	deleted, err := l.Delete(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = l.Delete(ctx, stored.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}
