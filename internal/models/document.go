// Package models defines core data structures for documents, search requests, and results.
package models

import "time"

// Document lifecycle states.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Document is the metadata row for an uploaded file. Its chunks and vectors live in the
// document's index, keyed by ID.
type Document struct {
	ID         string                 `json:"id" db:"id"`
	Filename   string                 `json:"filename" db:"filename"`
	FilePath   string                 `json:"file_path" db:"file_path"`
	Size       int64                  `json:"size" db:"size"`
	ChunkCount int                    `json:"chunk_count" db:"chunk_count"`
	Status     string                 `json:"status" db:"status"`
	Summary    string                 `json:"summary,omitempty" db:"summary"`
	Error      string                 `json:"error,omitempty" db:"error"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at" db:"updated_at"`
}
