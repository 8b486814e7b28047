package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engram "github.com/engramdb/engram"
	"github.com/engramdb/engram/internal/config"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	store, err := engram.Open(config.ForRoot(t.TempDir()), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, "test")
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test", resp["version"])
}

func TestRememberAndRecallRoundTrip(t *testing.T) {
	s := newServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/memories", map[string]string{
		"lobe":    "chat",
		"key":     "greeting",
		"content": "Hello over HTTP.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	rec = doJSON(t, s, http.MethodGet, "/api/memories/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Hello over HTTP.", got["content"])
	assert.Equal(t, "hot", got["source"])
}

func TestRememberValidation(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/memories", map[string]string{"lobe": "chat"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecallMiss(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/memories/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBranchAppendAndPathInspection(t *testing.T) {
	s := newServer(t)

	// Seed through remember + promote so a snapshot exists to branch from.
	rec := doJSON(t, s, http.MethodPost, "/api/memories", map[string]string{
		"lobe": "chat", "key": "seed", "content": "base snapshot",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, http.MethodPost, "/api/memories/"+created["id"]+"/promote",
		map[string]string{"tier": "dag"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/memories/"+created["id"]+"/promote",
		map[string]string{"tier": "archive"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/paths", map[string]string{
		"name": "feature", "lobe": "chat",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/paths/feature/append", map[string]any{
		"content": "appended over http",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var appended map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &appended))

	rec = doJSON(t, s, http.MethodGet, "/api/paths/feature", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var head map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &head))
	assert.Equal(t, appended["head"], head["head"])

	rec = doJSON(t, s, http.MethodGet, "/api/nodes/"+head["head"], nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAppendMissingPath(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/paths/nope/append", map[string]string{
		"content": "anything",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPruneEndpoint(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/prune", map[string]int{"keep": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	var report map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 0, report["examined"])

	rec = doJSON(t, s, http.MethodPost, "/api/prune", map[string]int{"keep": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s := newServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Contains(t, st, "nodes")
	assert.Contains(t, st, "hot_memories")
}
