package chatlog

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/anxiangsir/kbretrieval/pkg/logger"
	"github.com/anxiangsir/kbretrieval/pkg/metrics"
)

const (
	sessionsLimit  = 50
	previewRunes   = 80
	maxBodyBytes   = 1 << 20
	maxContentSize = 64 << 10
)

type Handler struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler builds the chat log handler. A nil store means the database is
// unavailable: writes are acknowledged and skipped, reads answer 503.
func NewHandler(store Store, m *metrics.Metrics) *Handler {
	return &Handler{
		store:   store,
		metrics: m,
		logger:  slog.Default().With("component", "chatlog-handler"),
	}
}

type saveRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	UserAgent string `json:"user_agent"`
}

// Save handles POST /api/chat-log. Logging never breaks the chat: when the
// database is missing or the insert fails the request still succeeds.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req saveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	if req.SessionID == "" || req.Role == "" || req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "缺少必需字段：session_id, role, content")
		return
	}
	if req.Role != "user" && req.Role != "assistant" {
		h.writeError(w, http.StatusBadRequest, "role 必须是 'user' 或 'assistant'")
		return
	}
	if len(req.Content) > maxContentSize {
		h.writeError(w, http.StatusBadRequest, "content 过长")
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.Header.Get("User-Agent")
	}

	if h.store == nil {
		log.Warn("database unavailable, chat log skipped")
		h.observe("skipped")
		h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "日志保存已跳过"})
		return
	}

	rec, err := h.store.Insert(ctx, Entry{
		SessionID: req.SessionID,
		Role:      req.Role,
		Content:   req.Content,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		log.Error("failed to save chat log", "session_id", req.SessionID, "error", err)
		h.observe("error")
		h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "日志保存失败，但不影响聊天"})
		return
	}

	h.observe("ok")
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"id":         rec.ID,
		"created_at": rec.CreatedAt,
	})
}

// List handles GET /api/chat-log?sessionId=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "缺少参数：sessionId")
		return
	}
	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "数据库不可用")
		return
	}

	logs, err := h.store.ListBySession(r.Context(), sessionID)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to query chat logs", "session_id", sessionID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "查询失败")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(logs),
		"logs":    logs,
	})
}

// Sessions handles GET /api/sessions.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "数据库不可用")
		return
	}
	sessions, err := h.store.Sessions(r.Context(), sessionsLimit)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to list sessions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "获取失败")
		return
	}
	for i := range sessions {
		sessions[i].Preview = truncate(strings.TrimSpace(sessions[i].Preview), previewRunes)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (h *Handler) observe(status string) {
	if h.metrics != nil {
		h.metrics.ChatLogWritesTotal.WithLabelValues(status).Inc()
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
