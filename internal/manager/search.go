package manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperjump/tanya/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SearchOptions scopes a search. An empty DocumentID searches every document.
type SearchOptions struct {
	DocumentID string
	// TopK is capped at the manager's MaxK; zero or negative means MaxK.
	TopK int
}

// Hit is one matching chunk with its provenance.
type Hit struct {
	DocumentID string  `json:"document_id"`
	Slot       int     `json:"slot"`
	Distance   float64 `json:"distance"`
	Chunk      string  `json:"chunk"`
}

// Search returns the chunk texts nearest to query, closest first.
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]string, error) {
	hits, err := m.SearchHits(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return Chunks(hits), nil
}

// Chunks extracts the chunk texts of hits in order.
func Chunks(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Chunk
	}
	return out
}

// SearchHits is Search with document id, slot and distance for every result.
// Searching a document that has no index returns an empty result.
func (m *Manager) SearchHits(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	k := m.clampK(opts.TopK)
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()

	if opts.DocumentID != "" {
		m.metrics.search("document")
		return m.searchDocument(ctx, opts.DocumentID, query, nil, k)
	}
	m.metrics.search("global")
	return m.searchGlobal(ctx, query, k)
}

// SearchDocuments searches each listed document for up to perDocTopK chunks (capped at
// MaxK) and concatenates the results in the order the ids were given. Duplicate ids are
// searched once; unknown ids contribute nothing.
func (m *Manager) SearchDocuments(ctx context.Context, query string, documentIDs []string, perDocTopK int) ([]Hit, error) {
	k := m.clampK(perDocTopK)
	m.resetMu.RLock()
	defer m.resetMu.RUnlock()
	m.metrics.search("multi")

	ids := dedupe(documentIDs)
	if len(ids) == 0 {
		return []Hit{}, nil
	}
	qv, err := m.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	perDoc, err := m.fanOut(ctx, ids, qv, k)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(ids)*k)
	for _, hits := range perDoc {
		out = append(out, hits...)
	}
	return out, nil
}

// searchDocument embeds query (unless qv is given) and searches one document.
func (m *Manager) searchDocument(ctx context.Context, documentID, query string, qv []float32, k int) ([]Hit, error) {
	idx, ok, err := m.cache.Lookup(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !ok || idx.Size() == 0 {
		return []Hit{}, nil
	}
	if qv == nil {
		if qv, err = m.embedQuery(ctx, query); err != nil {
			return nil, err
		}
	}
	return searchIndex(documentID, idx, qv, k)
}

// searchGlobal queries every known document for up to k hits, pools them, and keeps the
// k closest by one deterministic sort.
func (m *Manager) searchGlobal(ctx context.Context, query string, k int) ([]Hit, error) {
	ids, err := m.knownDocuments()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Hit{}, nil
	}
	qv, err := m.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	perDoc, err := m.fanOut(ctx, ids, qv, k)
	if err != nil {
		return nil, err
	}

	var pool []Hit
	for _, hits := range perDoc {
		pool = append(pool, hits...)
	}
	sortHits(pool)
	if len(pool) > k {
		pool = pool[:k]
	}
	if pool == nil {
		pool = []Hit{}
	}
	m.logger.Debug("global search",
		zap.Int("documents", len(ids)),
		zap.Int("results", len(pool)))
	return pool, nil
}

// fanOut searches ids in parallel; result i belongs to ids[i].
func (m *Manager) fanOut(ctx context.Context, ids []string, qv []float32, k int) ([][]Hit, error) {
	results := make([][]Hit, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.searchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hits, err := m.searchDocument(gctx, id, "", qv, k)
			if err != nil {
				return fmt.Errorf("search document %s: %w", id, err)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m.metrics.cached(m.cache.Len())
	return results, nil
}

// knownDocuments is the union of persisted and cached ids.
func (m *Manager) knownDocuments() ([]string, error) {
	persisted, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	return dedupe(append(persisted, m.cache.Keys()...)), nil
}

func searchIndex(documentID string, idx *vector.FlatIndex, qv []float32, k int) ([]Hit, error) {
	results, err := idx.Search(qv, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		chunk, _ := idx.Chunk(r.Slot)
		hits = append(hits, Hit{
			DocumentID: documentID,
			Slot:       r.Slot,
			Distance:   r.Distance,
			Chunk:      chunk,
		})
	}
	return hits, nil
}

func (m *Manager) clampK(k int) int {
	if k <= 0 || k > m.maxK {
		return m.maxK
	}
	return k
}

// sortHits orders hits by distance, then document id, then slot.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.Slot < b.Slot
	})
}

// dedupe drops empty and repeated ids, keeping first occurrence order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
