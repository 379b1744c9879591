// Package cli formats command output for the tanya CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to a format; anything but "json" is text.
func ParseOutputFormat(s string) OutputFormat {
	if s == string(OutputJSON) {
		return OutputJSON
	}
	return OutputText
}

const previewWords = 40

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d chunks in %dms (scope: %s)\n\n", response.Total, response.QueryTime, response.Scope)
	for _, r := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "#%d  distance %.4f  slot %d\n", r.Rank, r.Distance, r.Slot)
		if r.Filename != "" {
			fmt.Fprintf(w, "Document: %s (%s)\n", r.Filename, r.DocumentID)
		} else {
			fmt.Fprintf(w, "Document: %s\n", r.DocumentID)
		}
		fmt.Fprintf(w, "\n%s\n\n", utils.TruncateWords(r.Chunk, previewWords))
	}
	return nil
}

// WriteDocuments writes a document listing.
func WriteDocuments(w io.Writer, docs []*models.Document, total int64, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"documents": docs, "total": total})
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tCHUNKS\tSIZE\tCREATED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			d.ID, utils.Truncate(d.Filename, 40), d.Status, d.ChunkCount, d.Size,
			d.CreatedAt.Format("2006-01-02 15:04"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d of %d documents\n", len(docs), total)
	return nil
}

// WriteDocument writes one document's metadata and index size.
func WriteDocument(w io.Writer, doc *models.Document, chunks int, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"document": doc, "indexed_chunks": chunks})
	}
	fmt.Fprintf(w, "ID:        %s\n", doc.ID)
	fmt.Fprintf(w, "Filename:  %s\n", doc.Filename)
	fmt.Fprintf(w, "Status:    %s\n", doc.Status)
	fmt.Fprintf(w, "Chunks:    %d (indexed: %d)\n", doc.ChunkCount, chunks)
	fmt.Fprintf(w, "Size:      %d bytes\n", doc.Size)
	if doc.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", doc.Error)
	}
	if doc.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", doc.Summary)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
