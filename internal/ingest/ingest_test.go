package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tanya/internal/cache"
	"github.com/hyperjump/tanya/internal/chunkstore"
	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/manager"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

const dims = 8

const sampleText = `Alpha particles are helium nuclei. Beta particles are electrons emitted
during radioactive decay. Gamma rays carry no charge and penetrate deeply into matter.
Shielding requires paper for alpha, aluminium for beta, and lead for gamma radiation.`

// countingIndex records AddChunks calls and can be told to fail them.
type countingIndex struct {
	*manager.Manager
	adds atomic.Int32
	fail error
}

func (c *countingIndex) AddChunks(ctx context.Context, id string, chunks []string) (int, error) {
	c.adds.Add(1)
	if c.fail != nil {
		return 0, c.fail
	}
	return c.Manager.AddChunks(ctx, id, chunks)
}

type fixture struct {
	dir      string
	store    *storage.SQLiteStorage
	mgr      *manager.Manager
	index    *countingIndex
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	chunks, err := chunkstore.Open(filepath.Join(dir, "indices"), dims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chunks.Close() })
	c, err := cache.New(chunks, dims)
	require.NoError(t, err)
	mgr, err := manager.New(embedding.NewMockEmbedder(dims), chunks, c, manager.WithBatchSize(4))
	require.NoError(t, err)

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "tanya.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	chunker, err := NewChunker(10, 2)
	require.NoError(t, err)
	idx := &countingIndex{Manager: mgr}
	p := NewPipeline(store, idx, extract.NewExtractor(), chunker, WithUploadDir(filepath.Join(dir, "uploads")))
	return &fixture{dir: dir, store: store, mgr: mgr, index: idx, pipeline: p}
}

func (f *fixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, "inbox", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (f *fixture) chunkCount(t *testing.T, id string) int {
	t.Helper()
	st, err := f.mgr.Stats(context.Background(), id)
	require.NoError(t, err)
	return st.ChunkCount
}

func TestPreprocess(t *testing.T) {
	assert.Equal(t, "hello world test", Preprocess("Hello, World!  This is THE test."))
	assert.Equal(t, "rocknroll panic", Preprocess("Rock'n'roll\tpanic"))
	assert.Equal(t, "caf", Preprocess("Caf!"))
	assert.Equal(t, "", Preprocess("  the and of  "))
	assert.Equal(t, "snake_case 42", Preprocess("snake_case, 42."))
}

func TestChunker_Windows(t *testing.T) {
	c, err := NewChunker(3, 1)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"one two three", "three four five", "five six seven"},
		c.Chunk("one two three four five six seven"))
	assert.Equal(t, []string{"a b c"}, c.Chunk("a b c"))
	assert.Equal(t, []string{"a b"}, c.Chunk("a b"))
	assert.Nil(t, c.Chunk("   \n\t  "))
}

func TestChunker_DefaultWindow(t *testing.T) {
	c, err := NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	require.NoError(t, err)
	words := make([]string, 1000)
	for i := range words {
		words[i] = "w"
	}
	chunks := c.Chunk(strings.Join(words, " "))
	// Windows start at 0, 350, 700; the third reaches the end.
	require.Len(t, chunks, 3)
	assert.Len(t, strings.Fields(chunks[0]), 500)
	assert.Len(t, strings.Fields(chunks[2]), 300)
}

func TestNewChunker_Invalid(t *testing.T) {
	for _, tc := range []struct{ size, overlap int }{{0, 0}, {-1, 0}, {5, 5}, {5, -1}} {
		_, err := NewChunker(tc.size, tc.overlap)
		assert.Error(t, err, "size=%d overlap=%d", tc.size, tc.overlap)
	}
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short text", Summarize("short\n text", 100))
	assert.Equal(t, "First sentence.", Summarize("First sentence. Second sentence runs on", 24))
	assert.Equal(t, "abc def...", Summarize("abc def ghijkl", 10))
}

func TestIngest_Upload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.pipeline.Ingest(ctx, "../notes.txt", strings.NewReader(sampleText))
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, doc.Status)
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Positive(t, doc.ChunkCount)
	assert.Equal(t, doc.ChunkCount, f.chunkCount(t, doc.ID))
	assert.True(t, strings.HasPrefix(doc.Summary, "Alpha particles are helium nuclei."))
	assert.FileExists(t, doc.FilePath)
	assert.Equal(t, filepath.Join(f.dir, "uploads"), filepath.Dir(doc.FilePath))

	stored, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)
	assert.Equal(t, doc.ChunkCount, stored.ChunkCount)

	hits, err := f.mgr.Search(ctx, "alpha particles", manager.SearchOptions{DocumentID: doc.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestIngest_UnsupportedFormat(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Ingest(context.Background(), "sheet.xlsx", strings.NewReader("x"))
	assert.ErrorIs(t, err, extract.ErrUnsupportedFormat)
	n, _ := f.store.CountDocuments(context.Background())
	assert.Zero(t, n)
	assert.Zero(t, f.index.adds.Load())
}

func TestIngest_NoContentRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.pipeline.Ingest(ctx, "empty.txt", strings.NewReader("the and of, to!"))
	assert.ErrorIs(t, err, ErrNoContent)

	n, _ := f.store.CountDocuments(ctx)
	assert.Zero(t, n)
	entries, _ := os.ReadDir(filepath.Join(f.dir, "uploads"))
	assert.Empty(t, entries)
	docs, err := f.mgr.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIngest_ProviderFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.index.fail = errors.New("quota exceeded")

	_, err := f.pipeline.Ingest(ctx, "notes.md", strings.NewReader(sampleText))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	n, _ := f.store.CountDocuments(ctx)
	assert.Zero(t, n)
}

func TestIngestFile_SkipsUnchangedAndReplacesChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.writeFile(t, "notes.txt", sampleText)

	first, err := f.pipeline.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, path, first.FilePath)

	again, err := f.pipeline.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.EqualValues(t, 1, f.index.adds.Load())

	require.NoError(t, os.WriteFile(path, []byte("completely different words about neutrons"), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	updated, err := f.pipeline.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, first.ID, updated.ID)
	assert.EqualValues(t, 2, f.index.adds.Load())
	assert.Equal(t, 1, updated.ChunkCount)
	assert.Equal(t, 1, f.chunkCount(t, updated.ID))

	n, _ := f.store.CountDocuments(ctx)
	assert.EqualValues(t, 1, n)
}

func TestIngestDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeFile(t, "a.txt", sampleText)
	f.writeFile(t, "b.md", "neutron stars collapse")
	f.writeFile(t, "skip.xlsx", "ignored")
	f.writeFile(t, filepath.Join("sub", "c.txt"), "deep nested file")

	n, err := f.pipeline.IngestDirectory(ctx, filepath.Join(f.dir, "inbox"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.pipeline.IngestDirectory(ctx, filepath.Join(f.dir, "inbox"), true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, _ := f.store.CountDocuments(ctx)
	assert.EqualValues(t, 3, count)
}

func TestReindex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, err := f.pipeline.Ingest(ctx, "notes.txt", strings.NewReader(sampleText))
	require.NoError(t, err)

	again, err := f.pipeline.Reindex(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount, again.ChunkCount)
	assert.Equal(t, doc.ChunkCount, f.chunkCount(t, doc.ID))

	_, err = f.pipeline.Reindex(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReindex_FailureMarksDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, err := f.pipeline.Ingest(ctx, "notes.txt", strings.NewReader(sampleText))
	require.NoError(t, err)

	f.index.fail = errors.New("provider down")
	_, err = f.pipeline.Reindex(ctx, doc.ID)
	require.Error(t, err)

	stored, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "provider down")
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, err := f.pipeline.Ingest(ctx, "notes.txt", strings.NewReader(sampleText))
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Delete(ctx, doc.ID))
	_, err = f.store.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, doc.FilePath)
	assert.Zero(t, f.chunkCount(t, doc.ID))

	assert.ErrorIs(t, f.pipeline.Delete(ctx, doc.ID), storage.ErrNotFound)
}

func TestDeleteFile_KeepsSourceFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.writeFile(t, "notes.txt", sampleText)
	_, err := f.pipeline.IngestFile(ctx, path)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.DeleteFile(ctx, path))
	assert.FileExists(t, path)
	n, _ := f.store.CountDocuments(ctx)
	assert.Zero(t, n)

	require.NoError(t, f.pipeline.DeleteFile(ctx, path))
}

func TestBulkDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.pipeline.Ingest(ctx, "a.txt", strings.NewReader(sampleText))
	require.NoError(t, err)
	b, err := f.pipeline.Ingest(ctx, "b.txt", strings.NewReader("neutron stars collapse"))
	require.NoError(t, err)

	res := f.pipeline.BulkDelete(ctx, []string{a.ID, "missing", b.ID})
	assert.Equal(t, []string{a.ID, b.ID}, res.Deleted)
	assert.Contains(t, res.Failed, "missing")
	assert.Len(t, res.Failed, 1)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, err := f.pipeline.Ingest(ctx, "a.txt", strings.NewReader(sampleText))
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Reset(ctx))
	n, _ := f.store.CountDocuments(ctx)
	assert.Zero(t, n)
	assert.NoFileExists(t, doc.FilePath)
	docs, err := f.mgr.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = f.pipeline.Ingest(ctx, "b.txt", strings.NewReader(sampleText))
	require.NoError(t, err)
}
