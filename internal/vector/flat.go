package vector

import (
	"fmt"
	"sort"
	"sync"
)

// FlatIndex is a brute-force L2 index for a single document. Vectors are append-only and
// each slot carries the chunk text it was embedded from.
type FlatIndex struct {
	dimensions int
	vectors    [][]float32
	chunks     []string
	mu         sync.RWMutex
}

// NewFlatIndex creates an empty index with the given dimension.
func NewFlatIndex(dimensions int) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	return &FlatIndex{
		dimensions: dimensions,
		vectors:    make([][]float32, 0),
		chunks:     make([]string, 0),
	}, nil
}

// Add appends vectors and their chunk texts. Slot ids continue from the current size.
// Every vector is validated before anything is appended, so a failed call leaves the index unchanged.
func (f *FlatIndex) Add(vectors [][]float32, chunks []string) error {
	if len(vectors) != len(chunks) {
		return fmt.Errorf("vectors and chunks length mismatch: %d vectors, %d chunks", len(vectors), len(chunks))
	}
	for i, vec := range vectors {
		if len(vec) != f.dimensions {
			return fmt.Errorf("%w: vector %d has %d components, index expects %d",
				ErrDimensionMismatch, i, len(vec), f.dimensions)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, vec := range vectors {
		cp := make([]float32, f.dimensions)
		copy(cp, vec)
		f.vectors = append(f.vectors, cp)
		f.chunks = append(f.chunks, chunks[i])
	}
	return nil
}

// Search returns up to k nearest slots by ascending squared L2 distance.
// Equal distances are ordered by slot so results are deterministic.
func (f *FlatIndex) Search(query []float32, k int) ([]*VectorResult, error) {
	if len(query) != f.dimensions {
		return nil, fmt.Errorf("%w: query has %d components, index expects %d",
			ErrDimensionMismatch, len(query), f.dimensions)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if k <= 0 || len(f.vectors) == 0 {
		return []*VectorResult{}, nil
	}
	scored := make([]*VectorResult, len(f.vectors))
	for i, vec := range f.vectors {
		scored[i] = &VectorResult{Slot: i, Distance: SquaredL2(query, vec)}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Distance != scored[j].Distance {
			return scored[i].Distance < scored[j].Distance
		}
		return scored[i].Slot < scored[j].Slot
	})
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// Chunk returns the chunk text stored at slot.
func (f *FlatIndex) Chunk(slot int) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if slot < 0 || slot >= len(f.chunks) {
		return "", false
	}
	return f.chunks[slot], true
}

// Snapshot returns copies of the stored vectors and chunks taken under a single read lock,
// so the two slices always have the same length.
func (f *FlatIndex) Snapshot() ([][]float32, []string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	vecs := make([][]float32, len(f.vectors))
	copy(vecs, f.vectors)
	chunks := make([]string, len(f.chunks))
	copy(chunks, f.chunks)
	return vecs, chunks
}

// Size returns the number of vectors in the index.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Dimensions returns the fixed vector width.
func (f *FlatIndex) Dimensions() int {
	return f.dimensions
}
