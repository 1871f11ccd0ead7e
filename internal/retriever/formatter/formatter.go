// Package formatter renders ranked knowledge-base documents as the context
// block handed to the chat model.
package formatter

import (
	"strings"

	"github.com/anxiangsir/kbretrieval/internal/knowledge"
	"github.com/anxiangsir/kbretrieval/internal/retriever/ranker"
)

// Separator divides the sections of one document from the next.
const Separator = "\n\n---\n\n"

// Format renders each document as a section in input order. Documents of an
// unrecognised type are skipped, and an empty input yields "".
func Format(results []ranker.ScoredDocument) string {
	sections := make([]string, 0, len(results))
	for _, r := range results {
		switch r.Document.Type {
		case knowledge.KindPublication:
			sections = append(sections, publication(r.Document))
		case knowledge.KindGitHubProject:
			sections = append(sections, project(r.Document))
		}
	}
	return strings.Join(sections, Separator)
}

func publication(d knowledge.Document) string {
	lines := []string{"**" + d.Title + "**"}
	lines = appendField(lines, "Authors", d.Authors)
	lines = appendField(lines, "Venue", d.Venue)
	lines = appendField(lines, "Paper", d.PaperURL)
	lines = appendField(lines, "Code", d.CodeURL)
	lines = appendField(lines, "Summary", d.Summary)

	links := make([]string, 0, len(d.MediaLinks))
	for _, ml := range d.MediaLinks {
		if ml.Name == "" || ml.URL == "" {
			continue
		}
		links = append(links, "["+ml.Name+"]("+ml.URL+")")
	}
	if len(links) > 0 {
		lines = append(lines, "Media coverage: "+strings.Join(links, ", "))
	}
	return strings.Join(lines, "\n")
}

func project(d knowledge.Document) string {
	lines := []string{"**" + d.Name + "**"}
	lines = appendField(lines, "URL", d.URL)
	lines = appendField(lines, "Stars", d.Stars)
	lines = appendField(lines, "Role", d.Role)
	lines = appendField(lines, "Description", d.Description)
	return strings.Join(lines, "\n")
}

func appendField(lines []string, label, value string) []string {
	if value == "" {
		return lines
	}
	return append(lines, label+": "+value)
}
