// Command kbsearch runs one retrieval against a knowledge-base file and
// prints the ranked documents and the context block a chat prompt would
// receive.
//
// Usage:
//
//	go run ./cmd/kbsearch -kb data/knowledge_base.json -q "人脸识别训练" [-top-k 3] [-min-score 0.5] [-json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever"
	"github.com/anxiangsir/kbretrieval/internal/retriever/ranker"
	"github.com/anxiangsir/kbretrieval/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kbsearch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kbPath := fs.String("kb", "data/knowledge_base.json", "knowledge base file (.json or .yaml)")
	query := fs.String("q", "", "query text")
	topK := fs.Int("top-k", ranker.DefaultTopK, "maximum number of documents")
	minScore := fs.Float64("min-score", ranker.DefaultMinScore, "minimum BM25 score")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *query == "" {
		fmt.Fprintln(stderr, "kbsearch: -q is required")
		fs.Usage()
		return 2
	}

	logger.SetupWriter(stderr, *logLevel, "text")

	svc := retriever.New(knowledge.NewStore(*kbPath), retriever.Options{})
	res, err := svc.Retrieve(context.Background(), retriever.Request{
		Query:    *query,
		TopK:     *topK,
		MinScore: *minScore,
		Source:   "cli",
	})
	if err != nil {
		fmt.Fprintf(stderr, "kbsearch: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(stderr, "kbsearch: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "tokens: %v\n", res.Tokens)
	if len(res.Results) == 0 {
		fmt.Fprintln(stdout, "no documents matched")
		return 0
	}
	for i, r := range res.Results {
		fmt.Fprintf(stdout, "%d. [%.3f] %s\n", i+1, r.Score, label(r.Document))
	}
	fmt.Fprintf(stdout, "\n%s\n", res.Context)
	return 0
}

func label(d knowledge.Document) string {
	if d.Type == knowledge.KindGitHubProject {
		return d.Name
	}
	return d.Title
}
