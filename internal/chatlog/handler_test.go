package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anxiangsir/kbretrieval/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	records  []Record
	err      error
	sessions []SessionSummary
	limit    int
}

func (m *memStore) Insert(_ context.Context, e Entry) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Record{}, m.err
	}
	rec := Record{
		ID:        int64(len(m.records) + 1),
		SessionID: e.SessionID,
		Role:      e.Role,
		Content:   e.Content,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, len(m.records), 0, time.UTC),
	}
	if e.UserAgent != "" {
		ua := e.UserAgent
		rec.UserAgent = &ua
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := []Record{}
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Sessions(_ context.Context, limit int) ([]SessionSummary, error) {
	m.limit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.sessions, nil
}

func do(t *testing.T, h http.HandlerFunc, method, url, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	h(rec, req)
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return rec.Code, out
}

func TestSaveAndList(t *testing.T) {
	store := &memStore{}
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(store, m)

	code, out := do(t, h.Save, http.MethodPost, "/api/chat-log",
		`{"session_id": "s1", "role": "user", "content": "你好"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, 1.0, out["id"])
	assert.NotEmpty(t, out["created_at"])

	do(t, h.Save, http.MethodPost, "/api/chat-log",
		`{"session_id": "s1", "role": "assistant", "content": "你好！", "user_agent": "widget/1.0"}`)
	do(t, h.Save, http.MethodPost, "/api/chat-log",
		`{"session_id": "s2", "role": "user", "content": "other"}`)

	require.Len(t, store.records, 3)
	assert.Equal(t, "test-agent", *store.records[0].UserAgent)
	assert.Equal(t, "widget/1.0", *store.records[1].UserAgent)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChatLogWritesTotal.WithLabelValues("ok")))

	code, out = do(t, h.List, http.MethodGet, "/api/chat-log?sessionId=s1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, out["count"])
	logs := out["logs"].([]any)
	assert.Equal(t, "user", logs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", logs[1].(map[string]any)["role"])
}

func TestSaveValidation(t *testing.T) {
	h := NewHandler(&memStore{}, nil)
	for _, body := range []string{
		`not json`,
		`{"role": "user", "content": "x"}`,
		`{"session_id": "s", "content": "x"}`,
		`{"session_id": "s", "role": "user"}`,
		`{"session_id": "s", "role": "system", "content": "x"}`,
	} {
		code, out := do(t, h.Save, http.MethodPost, "/api/chat-log", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.NotEmpty(t, out["error"], body)
	}
}

func TestSaveWithoutDatabaseIsSkipped(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(nil, m)
	code, out := do(t, h.Save, http.MethodPost, "/api/chat-log", `{"session_id": "s", "role": "user", "content": "x"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "日志保存已跳过", out["message"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChatLogWritesTotal.WithLabelValues("skipped")))
}

func TestSaveInsertFailureStillSucceeds(t *testing.T) {
	h := NewHandler(&memStore{err: errors.New("connection reset")}, nil)
	code, out := do(t, h.Save, http.MethodPost, "/api/chat-log", `{"session_id": "s", "role": "user", "content": "x"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])
}

func TestListErrors(t *testing.T) {
	code, _ := do(t, NewHandler(&memStore{}, nil).List, http.MethodGet, "/api/chat-log", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, NewHandler(nil, nil).List, http.MethodGet, "/api/chat-log?sessionId=s", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = do(t, NewHandler(&memStore{err: errors.New("boom")}, nil).List, http.MethodGet, "/api/chat-log?sessionId=s", "")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestSessions(t *testing.T) {
	long := strings.Repeat("长", 100)
	store := &memStore{sessions: []SessionSummary{
		{SessionID: "s2", MessageCount: 4, Preview: long},
		{SessionID: "s1", MessageCount: 2, Preview: " hi "},
	}}
	code, out := do(t, NewHandler(store, nil).Sessions, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sessionsLimit, store.limit)
	assert.Equal(t, 2.0, out["count"])

	sessions := out["sessions"].([]any)
	first := sessions[0].(map[string]any)
	assert.Equal(t, "s2", first["sessionId"])
	assert.Equal(t, strings.Repeat("长", previewRunes)+"…", first["preview"])
	assert.Equal(t, "hi", sessions[1].(map[string]any)["preview"])

	code, _ = do(t, NewHandler(nil, nil).Sessions, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
