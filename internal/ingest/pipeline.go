// Package ingest turns uploaded files into per-document indexes: extract, preprocess,
// chunk, then hand the chunks to the index manager. Document metadata rows track each
// file through the pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/fileid"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

// ErrNoContent is returned when a file yields no indexable words.
var ErrNoContent = errors.New("document has no extractable text")

const summaryLength = 300

const (
	metaKeySourcePath  = "source_path"
	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// Index is the subset of the index manager the pipeline drives.
type Index interface {
	AddChunks(ctx context.Context, documentID string, chunks []string) (int, error)
	DeleteIndex(ctx context.Context, documentID string) error
	ResetAll(ctx context.Context) error
}

// Pipeline ingests, reindexes, and deletes documents.
type Pipeline struct {
	store     storage.Storage
	index     Index
	extractor *extract.Extractor
	chunker   *Chunker
	uploadDir string
	logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithUploadDir sets where Ingest stores uploaded files.
func WithUploadDir(dir string) Option {
	return func(p *Pipeline) { p.uploadDir = dir }
}

// NewPipeline creates a pipeline. A nil chunker uses the default window.
func NewPipeline(store storage.Storage, index Index, extractor *extract.Extractor, chunker *Chunker, opts ...Option) *Pipeline {
	if chunker == nil {
		chunker = &Chunker{size: DefaultChunkSize, overlap: DefaultChunkOverlap}
	}
	if extractor == nil {
		extractor = extract.NewExtractor()
	}
	p := &Pipeline{
		store:     store,
		index:     index,
		extractor: extractor,
		chunker:   chunker,
		uploadDir: filepath.Join(os.TempDir(), "tanya-uploads"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest stores an uploaded file under the upload directory and indexes it with a fresh id.
func (p *Pipeline) Ingest(ctx context.Context, filename string, r io.Reader) (*models.Document, error) {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if !extract.Supported(ext) {
		return nil, fmt.Errorf("%w: %q", extract.ErrUnsupportedFormat, ext)
	}
	if err := os.MkdirAll(p.uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	id := uuid.New().String()
	path := filepath.Join(p.uploadDir, id+ext)
	if err := writeFile(path, r); err != nil {
		return nil, err
	}
	doc, err := p.ingest(ctx, id, filename, path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return doc, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write upload file: %w", err)
	}
	return f.Close()
}

// IngestFile indexes a file in place. The document id is derived from the absolute path,
// so ingesting the same path again replaces the previous version. Files whose size and
// modification time match the stored row are skipped.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (*models.Document, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	if ext := filepath.Ext(absPath); !extract.Supported(ext) {
		return nil, fmt.Errorf("%w: %q", extract.ErrUnsupportedFormat, ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}

	id := fileid.FileDocID(absPath)
	if existing, err := p.store.GetDocument(ctx, id); err == nil {
		if unchanged(existing, absPath, info) {
			p.logger.Debug("skipping unchanged file", zap.String("path", absPath))
			return existing, nil
		}
		if err := p.remove(ctx, id); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup document: %w", err)
	}
	return p.ingest(ctx, id, filepath.Base(absPath), absPath)
}

// IngestDirectory walks dir and ingests every supported regular file. It returns the number
// of files ingested and stops at the first error.
func (p *Pipeline) IngestDirectory(ctx context.Context, dir string, recursive bool) (int, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	n := 0
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !extract.Supported(filepath.Ext(path)) {
			return nil
		}
		if _, err := p.IngestFile(ctx, path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		n++
		return nil
	})
	return n, err
}

func (p *Pipeline) ingest(ctx context.Context, id, filename, path string) (*models.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	doc := &models.Document{
		ID:       id,
		Filename: filename,
		FilePath: path,
		Size:     info.Size(),
		Status:   models.StatusProcessing,
		Metadata: map[string]interface{}{
			metaKeySourcePath:  path,
			metaKeySourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
			metaKeySourceSize:  strconv.FormatInt(info.Size(), 10),
		},
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	p.logger.Info("ingesting document", zap.String("id", id), zap.String("filename", filename))

	count, summary, err := p.indexFile(ctx, id, path)
	if err != nil {
		p.logger.Warn("ingest failed", zap.String("id", id), zap.Error(err))
		if cleanupErr := p.remove(context.WithoutCancel(ctx), id); cleanupErr != nil {
			p.logger.Error("cleanup after failed ingest", zap.String("id", id), zap.Error(cleanupErr))
		}
		return nil, err
	}

	doc.Status = models.StatusReady
	doc.ChunkCount = count
	doc.Summary = summary
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	p.logger.Info("document ready", zap.String("id", id), zap.Int("chunks", count))
	return doc, nil
}

// indexFile extracts, preprocesses, and chunks path, then appends the chunks to id's index.
func (p *Pipeline) indexFile(ctx context.Context, id, path string) (int, string, error) {
	text, err := p.extractor.Extract(path)
	if err != nil {
		return 0, "", fmt.Errorf("extract content: %w", err)
	}
	chunks := p.chunker.Chunk(Preprocess(text))
	if len(chunks) == 0 {
		return 0, "", ErrNoContent
	}
	added, err := p.index.AddChunks(ctx, id, chunks)
	if err != nil {
		return added, "", fmt.Errorf("index chunks: %w", err)
	}
	return added, Summarize(text, summaryLength), nil
}

// Reindex rebuilds a document's index from its stored file.
func (p *Pipeline) Reindex(ctx context.Context, id string) (*models.Document, error) {
	doc, err := p.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.index.DeleteIndex(ctx, id); err != nil {
		return nil, err
	}
	count, summary, err := p.indexFile(ctx, id, doc.FilePath)
	if err != nil {
		doc.Status = models.StatusFailed
		doc.Error = err.Error()
		doc.ChunkCount = count
		if updateErr := p.store.UpdateDocument(context.WithoutCancel(ctx), doc); updateErr != nil {
			p.logger.Error("mark document failed", zap.String("id", id), zap.Error(updateErr))
		}
		return nil, err
	}
	doc.Status = models.StatusReady
	doc.Error = ""
	doc.ChunkCount = count
	doc.Summary = summary
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	p.logger.Info("document reindexed", zap.String("id", id), zap.Int("chunks", count))
	return doc, nil
}

// Delete removes a document's index, metadata row, and uploaded file. It returns
// storage.ErrNotFound when no row exists; the index is removed regardless.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	_, lookupErr := p.store.GetDocument(ctx, id)
	if err := p.remove(ctx, id); err != nil {
		return err
	}
	if lookupErr != nil {
		return lookupErr
	}
	p.logger.Info("document deleted", zap.String("id", id))
	return nil
}

// DeleteFile removes the document ingested from path, if any.
func (p *Pipeline) DeleteFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	err = p.Delete(ctx, fileid.FileDocID(absPath))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// BulkResult reports the outcome of BulkDelete per id.
type BulkResult struct {
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// BulkDelete deletes each id independently; a failure for one id does not stop the others.
func (p *Pipeline) BulkDelete(ctx context.Context, ids []string) *BulkResult {
	res := &BulkResult{Deleted: []string{}}
	for _, id := range ids {
		if err := p.Delete(ctx, id); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[id] = err.Error()
			continue
		}
		res.Deleted = append(res.Deleted, id)
	}
	return res
}

// Reset removes every index, metadata row, and uploaded file.
func (p *Pipeline) Reset(ctx context.Context) error {
	if err := p.index.ResetAll(ctx); err != nil {
		return err
	}
	if err := p.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	if err := os.RemoveAll(p.uploadDir); err != nil {
		return fmt.Errorf("clear upload directory: %w", err)
	}
	p.logger.Info("all documents reset")
	return nil
}

// remove drops the index and row for id, and the stored file when it was uploaded.
// Missing pieces are ignored.
func (p *Pipeline) remove(ctx context.Context, id string) error {
	doc, err := p.store.GetDocument(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("lookup document: %w", err)
	}
	if err := p.index.DeleteIndex(ctx, id); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	if err := p.store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	// Files ingested in place belong to the user.
	if !fileid.IsFileDocID(id) && inDir(p.uploadDir, doc.FilePath) {
		if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("remove uploaded file", zap.String("path", doc.FilePath), zap.Error(err))
		}
	}
	return nil
}

// unchanged reports whether the stored row was ingested from the same path, size, and mtime.
func unchanged(doc *models.Document, absPath string, info os.FileInfo) bool {
	if doc.Status != models.StatusReady || doc.Metadata == nil {
		return false
	}
	if doc.Metadata[metaKeySourcePath] != absPath {
		return false
	}
	// Stored as strings; UnixNano exceeds float64 precision once decoded from JSON.
	return metadataInt64(doc.Metadata, metaKeySourceMtime) == info.ModTime().UnixNano() &&
		metadataInt64(doc.Metadata, metaKeySourceSize) == info.Size()
}

func metadataInt64(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func inDir(dir, path string) bool {
	if dir == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
