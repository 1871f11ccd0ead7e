// Package knowledge loads the static knowledge base of publications and
// projects that grounds the chat assistant, and caches it for the lifetime
// of the Store.
package knowledge

import (
	"strconv"
	"strings"
)

// Kind discriminates knowledge-base records.
type Kind string

const (
	KindPublication   Kind = "publication"
	KindGitHubProject Kind = "github_project"
)

// mediaMarker is appended to the searchable text of any document with media
// coverage so that "news"/"媒体"-style queries reach it.
const mediaMarker = "media news 媒体 新闻 报道"

// MediaLink is a press or media mention of a publication.
type MediaLink struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Document is a single knowledge-base record. Publication fields and project
// fields share one struct; which ones are populated depends on Type.
type Document struct {
	Type Kind `json:"type"`

	Title      string      `json:"title,omitempty"`
	Authors    string      `json:"authors,omitempty"`
	Venue      string      `json:"venue,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	PaperURL   string      `json:"paper_url,omitempty"`
	CodeURL    string      `json:"code_url,omitempty"`
	MediaLinks []MediaLink `json:"media_links,omitempty"`

	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	Description string `json:"description,omitempty"`
	Stars       string `json:"stars,omitempty"`
	URL         string `json:"url,omitempty"`

	Keywords []string `json:"keywords,omitempty"`

	// Searchable is the lowercased concatenation of every free-text field,
	// built once at load time.
	Searchable string `json:"-"`
}

// buildSearchable joins the free-text fields of d into its searchable text.
// URLs and star counts are deliberately left out.
func buildSearchable(d Document) string {
	parts := []string{
		d.Title,
		d.Authors,
		d.Venue,
		d.Summary,
		d.Description,
		d.Name,
		d.Role,
	}
	if len(d.Keywords) > 0 {
		parts = append(parts, strings.Join(d.Keywords, " "))
	}
	if len(d.MediaLinks) > 0 {
		names := make([]string, 0, len(d.MediaLinks))
		for _, ml := range d.MediaLinks {
			names = append(names, ml.Name)
		}
		parts = append(parts, strings.Join(names, " "), mediaMarker)
	}

	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.ToLower(strings.Join(kept, " "))
}

// decodeDocument converts one loosely typed record into a Document. Fields of
// an unexpected type are treated as absent.
func decodeDocument(rec map[string]any) Document {
	d := Document{
		Type:        Kind(stringField(rec, "type")),
		Title:       stringField(rec, "title"),
		Authors:     stringField(rec, "authors"),
		Venue:       stringField(rec, "venue"),
		Summary:     stringField(rec, "summary"),
		PaperURL:    stringField(rec, "paper_url"),
		CodeURL:     stringField(rec, "code_url"),
		Name:        stringField(rec, "name"),
		Role:        stringField(rec, "role"),
		Description: stringField(rec, "description"),
		Stars:       scalarField(rec, "stars"),
		URL:         stringField(rec, "url"),
		Keywords:    stringList(rec["keywords"]),
		MediaLinks:  mediaLinks(rec["media_links"]),
	}
	d.Searchable = buildSearchable(d)
	return d
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}

// scalarField accepts a string or a number. Star counts show up as both
// "27k" and 27000 in hand-maintained sources.
func scalarField(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mediaLinks(v any) []MediaLink {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]MediaLink, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, MediaLink{
			Name: stringField(m, "name"),
			URL:  stringField(m, "url"),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// asMap normalises the object shapes produced by encoding/json and yaml.v3.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	default:
		return nil, false
	}
}
