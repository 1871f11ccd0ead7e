package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/anxiangsir/kbretrieval/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store owns the knowledge base for the lifetime of the process. The source
// is parsed at most once; the outcome, success or failure, is kept.
type Store struct {
	path   string
	once   sync.Once
	docs   []Document
	digest string
	err    error
	logger *slog.Logger
}

// NewStore creates a Store reading from path. Nothing is read until the
// first Load.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: slog.Default().With("component", "knowledge-store"),
	}
}

// Load returns the cached documents, reading and parsing the source on the
// first call. A failed first load is permanent for this Store and every call
// returns an error wrapping ErrSourceUnavailable. The returned slice is
// shared and must not be modified.
func (s *Store) Load(ctx context.Context) ([]Document, error) {
	s.once.Do(func() {
		s.docs, s.err = s.read()
		if s.err != nil {
			s.logger.Error("knowledge base load failed", "path", s.path, "error", s.err)
			return
		}
		s.digest = Fingerprint(s.docs)
		s.logger.Info("knowledge base loaded",
			"path", s.path,
			"documents", len(s.docs),
			"fingerprint", s.digest,
		)
	})
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

// Fingerprint returns the digest of the loaded corpus, loading it if needed.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	if _, err := s.Load(ctx); err != nil {
		return "", err
	}
	return s.digest, nil
}

// Path returns the source path the Store reads from.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) read() ([]Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrSourceUnavailable, s.path, err)
	}
	docs, err := Parse(data, formatFor(s.path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	for i, d := range docs {
		if d.Type != KindPublication && d.Type != KindGitHubProject {
			s.logger.Warn("unrecognised document type", "index", i, "type", d.Type)
		}
	}
	return docs, nil
}

// Format names a knowledge-base encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a knowledge-base document of the form
// {"documents": [ {...}, ... ]}. A missing "documents" key yields an empty
// corpus; a top level that is not an object, or a "documents" value that is
// not a list, is malformed. Records that are not objects are skipped.
func Parse(data []byte, format Format) ([]Document, error) {
	var root any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &root)
	default:
		err = json.Unmarshal(data, &root)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", apperrors.ErrSourceUnavailable, err)
	}
	top, ok := asMap(root)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not an object", apperrors.ErrSourceUnavailable)
	}
	raw, present := top["documents"]
	if !present || raw == nil {
		return []Document{}, nil
	}
	records, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: \"documents\" is not a list", apperrors.ErrSourceUnavailable)
	}

	docs := make([]Document, 0, len(records))
	for _, r := range records {
		rec, ok := asMap(r)
		if !ok {
			continue
		}
		docs = append(docs, decodeDocument(rec))
	}
	return docs, nil
}

// Fingerprint hashes the full content of docs in order. Two corpora with the
// same fingerprint rank and render every query identically.
func Fingerprint(docs []Document) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, d := range docs {
		// Document holds only strings and slices of them; Encode cannot fail.
		_ = enc.Encode(d)
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
