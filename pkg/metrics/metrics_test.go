package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAndServes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RetrievalQueriesTotal.WithLabelValues("hit").Inc()
	m.KnowledgeBaseDocuments.Set(12)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalQueriesTotal.WithLabelValues("hit")))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `retrieval_queries_total{result_type="hit"} 1`)
	assert.Contains(t, string(body), "knowledge_base_documents 12")
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
