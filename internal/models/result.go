package models

// SearchResult is one retrieved chunk with where it came from.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename,omitempty"`
	Slot       int     `json:"slot"`
	Distance   float64 `json:"distance"`
	Chunk      string  `json:"chunk"`
	Rank       int     `json:"rank"`
}

// SearchResponse is the response for a search request. Chunks holds the chunk texts in
// rank order; Results carries the same hits with provenance.
type SearchResponse struct {
	Query     string          `json:"query"`
	Scope     string          `json:"scope"`
	Chunks    []string        `json:"chunks"`
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
}
