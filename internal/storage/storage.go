// Package storage defines the persistence interface for document metadata.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/tanya/internal/models"
)

// ErrNotFound is returned when a document row does not exist.
var ErrNotFound = errors.New("document not found")

// Storage defines document metadata persistence operations.
type Storage interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocumentByPath(ctx context.Context, path string) (*models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error)
	CountDocuments(ctx context.Context) (int64, error)
	SumChunks(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) error

	Close() error
}
