package manager

import (
	"errors"

	"github.com/hyperjump/tanya/internal/chunkstore"
	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/vector"
)

// Errors callers of the manager check with errors.Is. They alias the owning packages'
// sentinels so either name matches.
var (
	ErrDimensionMismatch = vector.ErrDimensionMismatch
	ErrCorruptIndex      = chunkstore.ErrCorruptIndex
	ErrEmbeddingProvider = embedding.ErrProvider
	ErrStoreLocked       = chunkstore.ErrStoreLocked

	ErrEmptyDocumentID = errors.New("document id cannot be empty")
)
