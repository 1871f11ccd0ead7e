// Package ranker selects the knowledge-base documents most relevant to a
// free-text query.
package ranker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever/scorer"
	"github.com/anxiangsir/kbretrieval/internal/retriever/tokenizer"
	"github.com/anxiangsir/kbretrieval/pkg/tracing"
)

const (
	DefaultTopK     = 3
	DefaultMinScore = 0.5
)

// Corpus supplies the knowledge base. *knowledge.Store satisfies it.
type Corpus interface {
	Load(ctx context.Context) ([]knowledge.Document, error)
}

// ScoredDocument is a document with its relevance to one query.
type ScoredDocument struct {
	Document knowledge.Document `json:"document"`
	Score    float64            `json:"score"`
}

// Ranker scores the whole corpus against each query with BM25. It holds no
// per-query state and is safe for concurrent use.
type Ranker struct {
	corpus Corpus
	logger *slog.Logger
}

// New returns a Ranker over corpus. The corpus is not loaded until the first
// query with usable tokens.
func New(corpus Corpus) *Ranker {
	return &Ranker{
		corpus: corpus,
		logger: slog.Default().With("component", "ranker"),
	}
}

// Search returns at most topK documents scoring at least minScore, highest
// score first; equal scores keep knowledge-base order. A query without
// usable tokens returns an empty result without touching the corpus.
// topK below 1 means DefaultTopK.
func (r *Ranker) Search(ctx context.Context, query string, topK int, minScore float64) ([]ScoredDocument, error) {
	_, span := tracing.StartChildSpan(ctx, "tokenize")
	tokens := tokenizer.Tokenize(query)
	span.SetAttr("tokens", len(tokens))
	span.End()
	return r.SearchTokens(ctx, tokens, topK, minScore)
}

// SearchTokens ranks against an already tokenized query, as produced by
// tokenizer.Tokenize, with the same rules as Search.
func (r *Ranker) SearchTokens(ctx context.Context, tokens []string, topK int, minScore float64) ([]ScoredDocument, error) {
	if topK < 1 {
		topK = DefaultTopK
	}
	if len(tokens) == 0 {
		return []ScoredDocument{}, nil
	}

	_, span := tracing.StartChildSpan(ctx, "load")
	docs, err := r.corpus.Load(ctx)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("loading knowledge base: %w", err)
	}

	_, span = tracing.StartChildSpan(ctx, "score")
	defer span.End()

	searchables := make([]string, len(docs))
	for i, d := range docs {
		searchables[i] = d.Searchable
	}
	corpus := scorer.NewCorpus(searchables)

	result := make([]ScoredDocument, 0, min(topK, len(docs)))
	for i, d := range docs {
		s := corpus.ScoreDoc(tokens, i)
		if s < minScore {
			continue
		}
		result = append(result, ScoredDocument{Document: d, Score: s})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	span.SetAttr("candidates", len(result))
	if len(result) > topK {
		result = result[:topK]
	}

	r.logger.Debug("search ranked",
		"tokens", len(tokens),
		"corpus_size", corpus.Size,
		"avg_doc_len", corpus.AvgDocLen,
		"returned", len(result),
	)
	return result, nil
}
