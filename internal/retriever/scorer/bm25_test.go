package scorer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCorpusStatistics(t *testing.T) {
	c := NewCorpus([]string{
		"face recognition training",
		"image retrieval",
		"face face detection model",
		"",
	})
	assert.Equal(t, 4, c.Size)
	assert.InDelta(t, 9.0/4.0, c.AvgDocLen, 1e-12)
	assert.Equal(t, 2, c.DocFreq["face"])
	assert.Equal(t, 1, c.DocFreq["retrieval"])
	assert.Zero(t, c.DocFreq["absent"])
}

func TestScoreMatchesFormula(t *testing.T) {
	docFreq := map[string]int{"face": 2, "training": 1}
	const n, avg = 4, 3.0

	got := Score([]string{"face", "training"}, "face recognition training", avg, n, docFreq)

	idfFace := math.Log((4-2+0.5)/(2+0.5) + 1)
	idfTrain := math.Log((4-1+0.5)/(1+0.5) + 1)
	norm := 1.2 * (1 - 0.75 + 0.75*3.0/3.0)
	want := idfFace*(1*2.2)/(1+norm) + idfTrain*(1*2.2)/(1+norm)
	assert.InDelta(t, want, got, 1e-12)
}

func TestScoreIgnoresDuplicateQueryTokens(t *testing.T) {
	c := NewCorpus([]string{"face recognition", "image retrieval"})
	once := c.ScoreDoc([]string{"face"}, 0)
	twice := c.ScoreDoc([]string{"face", "face"}, 0)
	assert.Greater(t, once, 0.0)
	assert.Equal(t, once, twice)
}

func TestScoreNeverNegative(t *testing.T) {
	// Every document contains "face"; classic BM25 idf would go negative.
	c := NewCorpus([]string{"face a", "face b", "face c"})
	for i := 0; i < c.Size; i++ {
		assert.Greater(t, c.ScoreDoc([]string{"face"}, i), 0.0)
	}
}

func TestScoreAbsentTokensContributeNothing(t *testing.T) {
	c := NewCorpus([]string{"face recognition"})
	assert.Zero(t, c.ScoreDoc([]string{"video", "distillation"}, 0))
	assert.Zero(t, c.ScoreDoc(nil, 0))
}

func TestScoreSingleDocumentCorpus(t *testing.T) {
	c := NewCorpus([]string{"partial fc"})
	require.Equal(t, 1, c.Size)
	s := c.ScoreDoc([]string{"partial"}, 0)
	assert.False(t, math.IsNaN(s))
	assert.False(t, math.IsInf(s, 0))
	assert.Greater(t, s, 0.0)
}

func TestScoreClampsZeroAverageLength(t *testing.T) {
	s := Score([]string{"face"}, "face", 0, 1, map[string]int{"face": 1})
	assert.False(t, math.IsNaN(s))
	assert.False(t, math.IsInf(s, 0))
}

func TestShorterDocumentScoresHigher(t *testing.T) {
	c := NewCorpus([]string{
		"face",
		"face recognition training pipeline with many other words",
	})
	assert.Greater(t, c.ScoreDoc([]string{"face"}, 0), c.ScoreDoc([]string{"face"}, 1))
}
