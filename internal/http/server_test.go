package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/engine"
	"github.com/fyrsmithlabs/recalld/internal/ledger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	// No index or embedder: every retrieval uses the ledger fallback,
	// which is all these handler tests need.
	eng, err := engine.New(l, nil, nil, nil, engine.Config{}, zap.NewNop())
	require.NoError(t, err)

	s, err := NewServer(eng, zap.NewNop(), nil)
	require.NoError(t, err)

	return s
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStoreMemoryEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories",
		`{"category":"preference","content":"I love hiking","importance":0.8}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var m ledger.Memory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Positive(t, m.ID)
	assert.Equal(t, "p1", m.OwnerID)
	assert.Equal(t, "preference", m.Category)
	assert.Equal(t, 0.8, m.Importance)
}

func TestStoreMemoryDefaultsImportance(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories",
		`{"content":"no importance given"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var m ledger.Memory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 1.0, m.Importance)
}

func TestStoreMemoryValidationErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty content", `{"category":"fact","content":""}`},
		{"malformed json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestStoreMemoryDisabledPersona(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories",
		`{"content":"x","persona":{"memory_enabled":false}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchMemoriesEndpoint(t *testing.T) {
	s := newTestServer(t)

	for _, imp := range []float64{0.9, 0.5, 0.95} {
		rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories",
			fmt.Sprintf(`{"content":"memory","importance":%v}`, imp))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories/search",
		`{"query":"","limit":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MemoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Memories, 2)
	assert.Equal(t, 0.95, resp.Memories[0].Importance)
	assert.Equal(t, 0.9, resp.Memories[1].Importance)
}

func TestSearchScopedToOwner(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories", `{"content":"mine"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(s, http.MethodPost, "/api/v1/owners/p2/memories/search", `{"query":""}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MemoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Memories)
}

func TestLearnEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/learn",
		`{"turns":[
			{"role":"user","content":"I love hiking on weekends"},
			{"role":"assistant","content":"Nice!"},
			{"role":"user","content":"ok"}
		]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MemoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Memories, 1)
	assert.Equal(t, "preference", resp.Memories[0].Category)
}

func TestLearnDisabled(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/learn",
		`{"turns":[{"role":"user","content":"I love hiking"}],
		  "persona":{"memory_enabled":true,"learning_enabled":false}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MemoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Memories)
}

func TestMemoryContextEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories",
		`{"content":"Loves hiking","importance":0.9}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(s, http.MethodPost, "/api/v1/owners/p1/context",
		`{"turns":[{"role":"user","content":"what are my hobbies?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MemoryContextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "RELEVANT MEMORIES:\n1. Loves hiking", resp.Context)
}

func TestGetAndDeleteMemoryEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories", `{"content":"x"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var m ledger.Memory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	rec = doJSON(s, http.MethodGet, fmt.Sprintf("/api/v1/memories/%d", m.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodDelete, fmt.Sprintf("/api/v1/memories/%d", m.ID), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(s, http.MethodGet, fmt.Sprintf("/api/v1/memories/%d", m.ID), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(s, http.MethodDelete, fmt.Sprintf("/api/v1/memories/%d", m.ID), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(s, http.MethodGet, "/api/v1/memories/notanumber", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurgeExpiredEndpoint(t *testing.T) {
	s := newTestServer(t)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec := doJSON(s, http.MethodPost, "/api/v1/owners/p1/memories",
		fmt.Sprintf(`{"content":"old","expires_at":%q}`, past))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(s, http.MethodPost, "/api/v1/maintenance/purge-expired", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged":1}`, rec.Body.String())

	rec = doJSON(s, http.MethodPost, "/api/v1/maintenance/purge-expired", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged":0}`, rec.Body.String())
}
