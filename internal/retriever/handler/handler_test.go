package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever"
	apperrors "github.com/anxiangsir/kbretrieval/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kb = `{"documents": [
  {"type": "publication", "title": "Partial FC", "venue": "CVPR 2022",
   "summary": "Partial FC enables large-scale face recognition training."},
  {"type": "publication", "title": "Unicom",
   "summary": "Universal and compact representation learning for image retrieval."}
]}`

func newServiceHandler(t *testing.T) *Handler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kb.json")
	require.NoError(t, os.WriteFile(path, []byte(kb), 0o644))
	svc := retriever.New(knowledge.NewStore(path), retriever.Options{})
	return New(svc, 3, 0.5, 5)
}

type response struct {
	Query   string   `json:"query"`
	Tokens  []string `json:"tokens"`
	Results []struct {
		Document knowledge.Document `json:"document"`
		Score    float64            `json:"score"`
	} `json:"results"`
	Context string `json:"context"`
	Error   string `json:"error"`
}

func get(t *testing.T, h http.HandlerFunc, url string) (int, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, url, nil))
	var body response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body
}

func TestRetrieve(t *testing.T) {
	h := newServiceHandler(t)
	code, body := get(t, h.Retrieve, "/api/v1/retrieve?q="+"%E4%BA%BA%E8%84%B8%E8%AF%86%E5%88%AB%E8%AE%AD%E7%BB%83")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "人脸识别训练", body.Query)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "Partial FC", body.Results[0].Document.Title)
	assert.GreaterOrEqual(t, body.Results[0].Score, 0.5)
	assert.Contains(t, body.Context, "Venue: CVPR 2022")
}

func TestRetrieveEmptyTokensIsOK(t *testing.T) {
	h := newServiceHandler(t)
	code, body := get(t, h.Retrieve, "/api/v1/retrieve?q=the")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body.Tokens)
	assert.NotNil(t, body.Results)
	assert.Empty(t, body.Results)
}

func TestRetrieveValidation(t *testing.T) {
	h := newServiceHandler(t)
	for _, url := range []string{
		"/api/v1/retrieve",
		"/api/v1/retrieve?q=face&top_k=0",
		"/api/v1/retrieve?q=face&top_k=abc",
		"/api/v1/retrieve?q=face&min_score=-1",
		"/api/v1/retrieve?q=face&min_score=NaN",
	} {
		code, body := get(t, h.Retrieve, url)
		assert.Equal(t, http.StatusBadRequest, code, url)
		assert.NotEmpty(t, body.Error, url)
	}
}

type stubRetriever struct {
	err     error
	lastReq retriever.Request
}

func (s *stubRetriever) Retrieve(_ context.Context, req retriever.Request) (*retriever.Result, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &retriever.Result{Query: req.Query}, nil
}

func (s *stubRetriever) CacheStats() (int64, int64, bool) { return 3, 1, true }

func (s *stubRetriever) InvalidateCache(context.Context) (int64, bool, error) { return 4, true, nil }

func TestRetrieveClampsTopK(t *testing.T) {
	stub := &stubRetriever{}
	h := New(stub, 3, 0.5, 5)
	code, _ := get(t, h.Retrieve, "/api/v1/retrieve?q=face&top_k=50&min_score=0")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, stub.lastReq.TopK)
	assert.Equal(t, 0.0, stub.lastReq.MinScore)
	assert.Equal(t, "api", stub.lastReq.Source)
}

func TestRetrieveSourceUnavailable(t *testing.T) {
	h := New(&stubRetriever{err: fmt.Errorf("loading knowledge base: %w", apperrors.ErrSourceUnavailable)}, 3, 0.5, 5)
	code, body := get(t, h.Retrieve, "/api/v1/retrieve?q=face")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "knowledge base unavailable", body.Error)

	h = New(&stubRetriever{err: errors.New("boom")}, 3, 0.5, 5)
	code, _ = get(t, h.Retrieve, "/api/v1/retrieve?q=face")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestMissingKnowledgeBaseIs503(t *testing.T) {
	svc := retriever.New(knowledge.NewStore(filepath.Join(t.TempDir(), "missing.json")), retriever.Options{})
	code, _ := get(t, New(svc, 3, 0.5, 5).Retrieve, "/api/v1/retrieve?q=face")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCacheEndpoints(t *testing.T) {
	h := New(&stubRetriever{}, 3, 0.5, 5)

	rec := httptest.NewRecorder()
	h.CacheStats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil))
	assert.JSONEq(t, `{"hits":3,"misses":1,"total":4,"hit_rate":"75.0%"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.CacheInvalidate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"invalidated","keys_deleted":4}`, rec.Body.String())

	disabled := newServiceHandler(t)
	rec = httptest.NewRecorder()
	disabled.CacheStats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil))
	assert.JSONEq(t, `{"status":"disabled"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	disabled.CacheInvalidate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
