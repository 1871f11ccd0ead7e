// Package chat answers visitor questions with an OpenAI-compatible model,
// grounding each reply in the knowledge-base documents most relevant to the
// latest user message.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/anxiangsir/kbretrieval/internal/retriever"
	"github.com/anxiangsir/kbretrieval/pkg/logger"
	"github.com/anxiangsir/kbretrieval/pkg/metrics"
)

const (
	msgInvalidMessages = "无效的消息格式"
	msgServerError     = "服务器错误"
	msgUnavailable     = "抱歉，服务暂时不可用。"

	maxBodyBytes = 1 << 20
)

// Retriever is implemented by *retriever.Service.
type Retriever interface {
	Retrieve(ctx context.Context, req retriever.Request) (*retriever.Result, error)
}

type Handler struct {
	completer  Completer
	retriever  Retriever
	basePrompt string
	topK       int
	minScore   float64
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHandler builds the chat handler. A nil completer means no API key is
// configured and every request fails with the service-unavailable reply.
// retriever and m may be nil.
func NewHandler(completer Completer, r Retriever, basePrompt string, topK int, minScore float64, m *metrics.Metrics) *Handler {
	return &Handler{
		completer:  completer,
		retriever:  r,
		basePrompt: basePrompt,
		topK:       topK,
		minScore:   minScore,
		metrics:    m,
		logger:     slog.Default().With("component", "chat-handler"),
	}
}

type replyResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// Chat handles POST /api/chat. The body is either {"messages": [...]} with
// the conversation so far or the legacy {"message": "..."}.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidMessages})
		return
	}
	messages, ok := parseMessages(body)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidMessages})
		return
	}

	if h.completer == nil {
		log.Error("chat completion not configured")
		h.observe("unconfigured", false)
		h.writeJSON(w, http.StatusInternalServerError, replyResponse{Error: msgServerError, Reply: msgUnavailable})
		return
	}

	reference := h.reference(ctx, messages)
	prompt := append([]Message{{Role: RoleSystem, Content: BuildSystemPrompt(h.basePrompt, reference)}}, messages...)

	reply, err := h.completer.Complete(ctx, prompt)
	grounded := reference != ""
	if err != nil {
		log.Error("chat completion failed", "error", err, "grounded", grounded)
		h.observe("error", grounded)
		h.writeJSON(w, http.StatusInternalServerError, replyResponse{Error: msgServerError, Reply: msgUnavailable})
		return
	}

	log.Info("chat completed", "messages", len(messages), "grounded", grounded, "reply_chars", len([]rune(reply)))
	h.observe("ok", grounded)
	h.writeJSON(w, http.StatusOK, replyResponse{Reply: reply})
}

// reference retrieves context for the most recent user message. Retrieval
// problems only cost the reply its grounding.
func (h *Handler) reference(ctx context.Context, messages []Message) string {
	if h.retriever == nil {
		return ""
	}
	query := lastUserMessage(messages)
	if query == "" {
		return ""
	}
	res, err := h.retriever.Retrieve(ctx, retriever.Request{
		Query:    query,
		TopK:     h.topK,
		MinScore: h.minScore,
		Source:   "chat",
	})
	if err != nil {
		logger.FromContext(ctx).Warn("retrieval failed, answering without reference material", "error", err)
		return ""
	}
	return res.Context
}

func (h *Handler) observe(status string, grounded bool) {
	if h.metrics == nil {
		return
	}
	h.metrics.ChatCompletionsTotal.WithLabelValues(status, strconv.FormatBool(grounded)).Inc()
}

// parseMessages keeps the well-formed user and assistant turns, trimmed. A
// non-empty messages list takes precedence over the single message field.
func parseMessages(body map[string]any) ([]Message, bool) {
	if raw, ok := body["messages"].([]any); ok && len(raw) > 0 {
		messages := make([]Message, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			content = strings.TrimSpace(content)
			if (role != string(RoleUser) && role != string(RoleAssistant)) || content == "" {
				continue
			}
			messages = append(messages, Message{Role: Role(role), Content: content})
		}
		return messages, len(messages) > 0
	}
	if msg, ok := body["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return []Message{{Role: RoleUser, Content: strings.TrimSpace(msg)}}, true
	}
	return nil, false
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
