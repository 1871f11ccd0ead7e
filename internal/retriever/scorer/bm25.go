// Package scorer implements BM25-lite relevance scoring over the single
// searchable text of each knowledge-base document.
package scorer

import (
	"math"

	"github.com/anxiangsir/kbretrieval/internal/retriever/tokenizer"
)

const (
	k1 = 1.2
	b  = 0.75
)

// Corpus holds the statistics BM25 needs: corpus size, average document
// length, per-term document frequency, and each document's term counts.
// It is built from the full document set and never updated.
type Corpus struct {
	Size      int
	AvgDocLen float64
	DocFreq   map[string]int
	docs      []docStats
}

type docStats struct {
	length   int
	termFreq map[string]int
}

// NewCorpus tokenizes every searchable text and collects corpus statistics.
// The i-th entry of searchables is document i for ScoreDoc.
func NewCorpus(searchables []string) *Corpus {
	c := &Corpus{
		Size:    len(searchables),
		DocFreq: make(map[string]int),
		docs:    make([]docStats, len(searchables)),
	}
	total := 0
	for i, text := range searchables {
		terms := tokenizer.Terms(text)
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		for term := range tf {
			c.DocFreq[term]++
		}
		c.docs[i] = docStats{length: len(terms), termFreq: tf}
		total += len(terms)
	}
	if c.Size > 0 {
		c.AvgDocLen = float64(total) / float64(c.Size)
	}
	return c
}

// ScoreDoc scores document i of the corpus against the query tokens.
func (c *Corpus) ScoreDoc(queryTokens []string, i int) float64 {
	d := c.docs[i]
	return scoreTerms(queryTokens, d.termFreq, d.length, c.AvgDocLen, c.Size, c.DocFreq)
}

// Score computes the BM25-lite score of one searchable text against the
// query tokens using externally supplied corpus statistics.
func Score(queryTokens []string, searchable string, avgDocLen float64, corpusSize int, docFreq map[string]int) float64 {
	terms := tokenizer.Terms(searchable)
	tf := make(map[string]int, len(terms))
	for _, term := range terms {
		tf[term]++
	}
	return scoreTerms(queryTokens, tf, len(terms), avgDocLen, corpusSize, docFreq)
}

// scoreTerms sums the contribution of each distinct query token present in
// the document. Repeating a token in the query does not raise the score.
func scoreTerms(queryTokens []string, tf map[string]int, docLen int, avgDocLen float64, corpusSize int, docFreq map[string]int) float64 {
	if avgDocLen <= 0 {
		avgDocLen = 1
	}
	seen := make(map[string]struct{}, len(queryTokens))
	score := 0.0
	for _, qt := range queryTokens {
		if _, dup := seen[qt]; dup {
			continue
		}
		seen[qt] = struct{}{}
		f := tf[qt]
		if f == 0 {
			continue
		}
		idf := computeIDF(corpusSize, docFreq[qt])
		score += idf * computeTFNorm(float64(f), float64(docLen), avgDocLen)
	}
	return score
}

// computeIDF is the non-negative BM25 idf: common terms approach zero but
// never subtract from a score.
func computeIDF(corpusSize int, docFreq int) float64 {
	numerator := float64(corpusSize) - float64(docFreq) + 0.5
	denominator := float64(docFreq) + 0.5
	return math.Log(numerator/denominator + 1)
}

func computeTFNorm(termFreq float64, docLength float64, avgDocLength float64) float64 {
	lengthRatio := docLength / avgDocLength
	denominator := termFreq + k1*(1-b+b*lengthRatio)
	return (termFreq * (k1 + 1)) / denominator
}
