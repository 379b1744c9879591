// Package cache keeps loaded per-document indices in memory and serializes cold loads,
// appends and deletes per document id.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperjump/tanya/internal/chunkstore"
	"github.com/hyperjump/tanya/internal/vector"
	"go.uber.org/zap"
)

// Loader reads a persisted index. It must return chunkstore.ErrNotFound when the
// document has never been persisted.
type Loader interface {
	Load(id string) (*vector.FlatIndex, error)
}

// Cache is the process-wide registry of loaded indices. At most one instance exists per
// document id; every caller that asks for the same id gets the same *vector.FlatIndex.
type Cache struct {
	loader     Loader
	dimensions int
	logger     *zap.Logger

	mu      sync.RWMutex
	entries map[string]*vector.FlatIndex
	locks   *keyedMutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache. dimensions is used for indices created on first use.
func New(loader Loader, dimensions int, opts ...Option) (*Cache, error) {
	if loader == nil {
		return nil, errors.New("cache: loader is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("cache: dimensions must be positive, got %d", dimensions)
	}
	c := &Cache{
		loader:     loader,
		dimensions: dimensions,
		logger:     zap.NewNop(),
		entries:    make(map[string]*vector.FlatIndex),
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lock takes the per-document lock for id. Appends, deletes and cold loads of one
// document happen under this lock; other documents are not affected.
func (c *Cache) Lock(id string) (unlock func()) {
	return c.locks.Lock(id)
}

// LockContext is Lock but gives up when ctx is done.
func (c *Cache) LockContext(ctx context.Context, id string) (func(), error) {
	return c.locks.LockContext(ctx, id)
}

// GetOrLoad returns the cached index for id, loading it from disk or creating an empty
// one on first use.
func (c *Cache) GetOrLoad(ctx context.Context, id string) (*vector.FlatIndex, error) {
	if idx, ok := c.Peek(id); ok {
		return idx, nil
	}
	unlock, err := c.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.GetOrLoadLocked(id)
}

// GetOrLoadLocked is GetOrLoad for callers already holding Lock(id).
func (c *Cache) GetOrLoadLocked(id string) (*vector.FlatIndex, error) {
	idx, ok, err := c.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if ok {
		return idx, nil
	}
	idx, err = vector.NewFlatIndex(c.dimensions)
	if err != nil {
		return nil, err
	}
	c.put(id, idx)
	c.logger.Debug("created empty index", zap.String("document_id", id))
	return idx, nil
}

// Lookup returns the index for id if it is cached or persisted. Unlike GetOrLoad it never
// creates an index; ok is false for a document that has never been written.
func (c *Cache) Lookup(ctx context.Context, id string) (idx *vector.FlatIndex, ok bool, err error) {
	if idx, ok := c.Peek(id); ok {
		return idx, true, nil
	}
	unlock, err := c.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return c.lookupLocked(id)
}

func (c *Cache) lookupLocked(id string) (*vector.FlatIndex, bool, error) {
	// Another caller may have loaded it while we waited for the lock.
	if idx, ok := c.Peek(id); ok {
		return idx, true, nil
	}
	idx, err := c.loader.Load(id)
	if errors.Is(err, chunkstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.put(id, idx)
	c.logger.Debug("loaded index", zap.String("document_id", id), zap.Int("chunks", idx.Size()))
	return idx, true, nil
}

// Peek returns the cached index for id without touching disk.
func (c *Cache) Peek(id string) (*vector.FlatIndex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.entries[id]
	return idx, ok
}

// Evict drops id from the cache. Callers mutating persisted state should hold Lock(id).
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// EvictAll drops every cached index.
func (c *Cache) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*vector.FlatIndex)
}

// Keys returns the cached document ids, sorted.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for id := range c.entries {
		keys = append(keys, id)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached indices.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close drops all entries.
func (c *Cache) Close() error {
	c.EvictAll()
	return nil
}

func (c *Cache) put(id string, idx *vector.FlatIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = idx
}
