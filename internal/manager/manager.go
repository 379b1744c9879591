// Package manager is the per-document vector index manager: it embeds chunk text, keeps
// one flat index per document, persists every committed batch, and answers similarity
// queries against a single document or across all of them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperjump/tanya/internal/cache"
	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/vector"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize         = 16
	DefaultMaxK              = 5
	DefaultEmbedTimeout      = 30 * time.Second
	DefaultSearchConcurrency = 8
)

// IndexStore is the persistence the manager writes through to.
type IndexStore interface {
	Save(id string, idx *vector.FlatIndex) error
	Delete(id string) error
	Exists(id string) (bool, error)
	List() ([]string, error)
	Reset() error
	Dimensions() int
}

// Manager owns the add/search/delete lifecycle of document indices.
type Manager struct {
	embedder embedding.Embedder
	store    IndexStore
	cache    *cache.Cache

	batchSize         int
	maxK              int
	embedTimeout      time.Duration
	searchConcurrency int
	logger            *zap.Logger
	metrics           *Metrics

	// resetMu is held shared by every operation and exclusively by ResetAll, so a reset
	// never interleaves with a write that could resurrect a removed index.
	resetMu sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithBatchSize sets how many chunks are embedded and committed per provider call.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithMaxK sets the ceiling applied to every requested top k.
func WithMaxK(k int) Option {
	return func(m *Manager) {
		if k > 0 {
			m.maxK = k
		}
	}
}

// WithEmbedTimeout bounds each embedding provider call.
func WithEmbedTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.embedTimeout = d
		}
	}
}

// WithSearchConcurrency bounds how many documents a global search queries at once.
func WithSearchConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.searchConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records operation metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// New creates a manager. The embedder and store must agree on the vector dimension.
func New(embedder embedding.Embedder, store IndexStore, c *cache.Cache, opts ...Option) (*Manager, error) {
	if embedder == nil || store == nil || c == nil {
		return nil, errors.New("manager: embedder, store and cache are required")
	}
	if embedder.Dimensions() != store.Dimensions() {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, store expects %d",
			ErrDimensionMismatch, embedder.Dimensions(), store.Dimensions())
	}
	m := &Manager{
		embedder:          embedder,
		store:             store,
		cache:             c,
		batchSize:         DefaultBatchSize,
		maxK:              DefaultMaxK,
		embedTimeout:      DefaultEmbedTimeout,
		searchConcurrency: DefaultSearchConcurrency,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AddChunks embeds chunks in batches and appends them to the document's index, persisting
// after every batch. Slot i of the call corresponds to chunks[i]. On error it returns the
// number of chunks committed before the failure; those remain valid on disk.
func (m *Manager) AddChunks(ctx context.Context, documentID string, chunks []string) (int, error) {
	if documentID == "" {
		return 0, ErrEmptyDocumentID
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()

	unlock, err := m.cache.LockContext(ctx, documentID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	idx, err := m.cache.GetOrLoadLocked(documentID)
	if err != nil {
		return 0, err
	}
	defer func() { m.metrics.cached(m.cache.Len()) }()

	added := 0
	for start := 0; start < len(chunks); start += m.batchSize {
		end := start + m.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		vectors, err := m.embedBatch(ctx, batch)
		if err != nil {
			m.logger.Warn("embedding batch failed",
				zap.String("document_id", documentID),
				zap.Int("committed", added),
				zap.Error(err))
			return added, err
		}
		if err := idx.Add(vectors, batch); err != nil {
			return added, err
		}
		if err := m.store.Save(documentID, idx); err != nil {
			// The instance now holds vectors the disk does not; drop it so the next access
			// reloads the last committed state.
			m.cache.Evict(documentID)
			m.logger.Error("persist index failed", zap.String("document_id", documentID), zap.Error(err))
			return added, fmt.Errorf("persist index %s: %w", documentID, err)
		}
		added += len(batch)
		m.metrics.addChunks(len(batch))
		m.logger.Debug("batch committed",
			zap.String("document_id", documentID),
			zap.Int("batch", len(batch)),
			zap.Int("total", idx.Size()))
	}
	return added, nil
}

func (m *Manager) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, m.embedTimeout)
	defer cancel()
	start := time.Now()
	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) != len(texts) {
		err = fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbeddingProvider, len(vectors), len(texts))
	}
	m.metrics.embedding(start, err)
	if err != nil {
		if errors.Is(err, ErrEmbeddingProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingProvider, err)
	}
	return vectors, nil
}

func (m *Manager) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := m.embedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Stats describes one document index.
type Stats struct {
	ChunkCount int `json:"chunk_count"`
	Dimension  int `json:"dimension"`
}

// Stats reports the chunk count and dimension of a document's index. A document that was
// never written reports zero chunks and is not cached.
func (m *Manager) Stats(ctx context.Context, documentID string) (Stats, error) {
	if documentID == "" {
		return Stats{}, ErrEmptyDocumentID
	}
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()
	idx, ok, err := m.cache.Lookup(ctx, documentID)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		return Stats{ChunkCount: 0, Dimension: m.Dimensions()}, nil
	}
	m.metrics.cached(m.cache.Len())
	return Stats{ChunkCount: idx.Size(), Dimension: idx.Dimensions()}, nil
}

// DeleteIndex drops the document's index from memory and disk. Deleting an unknown
// document is not an error.
func (m *Manager) DeleteIndex(ctx context.Context, documentID string) error {
	if documentID == "" {
		return ErrEmptyDocumentID
	}
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()

	unlock, err := m.cache.LockContext(ctx, documentID)
	if err != nil {
		return err
	}
	defer unlock()

	m.cache.Evict(documentID)
	m.metrics.cached(m.cache.Len())
	if err := m.store.Delete(documentID); err != nil {
		return fmt.Errorf("delete index %s: %w", documentID, err)
	}
	m.logger.Info("index deleted", zap.String("document_id", documentID))
	return nil
}

// ResetAll removes every index from memory and disk.
func (m *Manager) ResetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.resetMu.Lock()
	defer m.resetMu.Unlock()

	m.cache.EvictAll()
	m.metrics.cached(0)
	if err := m.store.Reset(); err != nil {
		return fmt.Errorf("reset indexes: %w", err)
	}
	m.logger.Warn("all indexes reset")
	return nil
}

// Documents returns the ids of all persisted document indices, sorted.
func (m *Manager) Documents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()
	return m.store.List()
}

// Dimensions returns the vector width of every index.
func (m *Manager) Dimensions() int {
	return m.store.Dimensions()
}

// MaxK returns the ceiling applied to top k.
func (m *Manager) MaxK() int {
	return m.maxK
}

// CachedIndexes returns the number of indices currently in memory.
func (m *Manager) CachedIndexes() int {
	return m.cache.Len()
}
