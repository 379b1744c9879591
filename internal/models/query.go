package models

import (
	"fmt"
	"strings"
)

// SearchQuery is a question asked against one document, a list of documents, or all of them.
type SearchQuery struct {
	Query       string   `json:"query"`
	DocumentID  string   `json:"document_id,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

// Validate trims the query and rejects requests that cannot be answered.
// TopK is left as given; the index manager applies its own ceiling.
func (q *SearchQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.TopK < 0 {
		return fmt.Errorf("top_k cannot be negative")
	}
	if q.DocumentID != "" && len(q.DocumentIDs) > 0 {
		return fmt.Errorf("document_id and document_ids are mutually exclusive")
	}
	return nil
}

// Scope names which documents a query targets.
func (q *SearchQuery) Scope() string {
	switch {
	case q.DocumentID != "":
		return "document"
	case len(q.DocumentIDs) > 0:
		return "multi"
	default:
		return "global"
	}
}
