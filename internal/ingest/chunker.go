package ingest

import (
	"fmt"
	"strings"
)

// Default chunk window, in words.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 150
)

// Chunker splits text into overlapping word windows.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker with the given size and overlap (in words).
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Chunk returns windows of at most size words, each starting size-overlap words after the
// previous one. The last window ends at the last word; empty text yields nil.
func (c *Chunker) Chunk(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + c.size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
