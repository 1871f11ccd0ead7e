// Package handler serves retrieval over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/anxiangsir/kbretrieval/internal/retriever"
	apperrors "github.com/anxiangsir/kbretrieval/pkg/errors"
	"github.com/anxiangsir/kbretrieval/pkg/logger"
)

// Retriever is implemented by *retriever.Service.
type Retriever interface {
	Retrieve(ctx context.Context, req retriever.Request) (*retriever.Result, error)
	CacheStats() (hits, misses int64, enabled bool)
	InvalidateCache(ctx context.Context) (int64, bool, error)
}

type Handler struct {
	retriever       Retriever
	defaultTopK     int
	defaultMinScore float64
	maxTopK         int
	logger          *slog.Logger
}

func New(r Retriever, defaultTopK int, defaultMinScore float64, maxTopK int) *Handler {
	return &Handler{
		retriever:       r,
		defaultTopK:     defaultTopK,
		defaultMinScore: defaultMinScore,
		maxTopK:         maxTopK,
		logger:          slog.Default().With("component", "retrieve-handler"),
	}
}

// Retrieve handles GET /api/v1/retrieve?q=&top_k=&min_score=.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()

	query := params.Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	topK := h.defaultTopK
	if raw := params.Get("top_k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "top_k must be a positive integer")
			return
		}
		topK = min(parsed, h.maxTopK)
	}

	minScore := h.defaultMinScore
	if raw := params.Get("min_score"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || math.IsNaN(parsed) {
			h.writeError(w, http.StatusBadRequest, "min_score must be a non-negative number")
			return
		}
		minScore = parsed
	}

	result, err := h.retriever.Retrieve(ctx, retriever.Request{
		Query:    query,
		TopK:     topK,
		MinScore: minScore,
		Source:   "api",
	})
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		logger.FromContext(ctx).Error("retrieve failed", "query", query, "status", status, "error", err)
		if status == http.StatusServiceUnavailable {
			h.writeError(w, status, "knowledge base unavailable")
			return
		}
		h.writeError(w, status, "retrieval failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	hits, misses, enabled := h.retriever.CacheStats()
	if !enabled {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	deleted, enabled, err := h.retriever.InvalidateCache(r.Context())
	if !enabled {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": deleted})
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
