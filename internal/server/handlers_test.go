package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/cache"
	"github.com/hyperjump/tanya/internal/chunkstore"
	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/ingest"
	"github.com/hyperjump/tanya/internal/manager"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

const dims = 8

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

// downEmbedder fails every request the way an unreachable provider would.
type downEmbedder struct {
	*embedding.MockEmbedder
}

func (d downEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

func (d downEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("connection refused")
}

type testEnv struct {
	dir     string
	cfg     *config.Config
	store   *storage.SQLiteStorage
	mgr     *manager.Manager
	handler http.Handler
}

func newTestEnv(t *testing.T, e embedding.Embedder, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(dir, "tanya.db")
	cfg.Storage.IndexDir = filepath.Join(dir, "indices")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimensions = dims

	chunks, err := chunkstore.Open(cfg.Storage.IndexDir, dims)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = chunks.Close() })
	c, err := cache.New(chunks, dims)
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	metrics, err := manager.NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := manager.New(e, chunks, c, manager.WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	chunker, err := ingest.NewChunker(20, 5)
	if err != nil {
		t.Fatal(err)
	}
	pipeline := ingest.NewPipeline(store, mgr, extract.NewExtractor(), chunker, ingest.WithUploadDir(cfg.Storage.UploadDir))

	opts = append([]Option{WithGatherer(reg)}, opts...)
	srv := NewServer(mgr, pipeline, store, cfg, zap.NewNop(), opts...)
	return &testEnv{dir: dir, cfg: cfg, store: store, mgr: mgr, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, body)
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) doJSON(t *testing.T, method, path string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, method, path, bytes.NewReader(body), "application/json")
}

func (e *testEnv) upload(t *testing.T, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return e.do(t, http.MethodPost, "/api/v1/documents", &buf, mw.FormDataContentType())
}

func (e *testEnv) mustUpload(t *testing.T, filename, content string) *models.Document {
	t.Helper()
	w := e.upload(t, filename, content)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", w.Code, w.Body.String())
	}
	var doc models.Document
	decode(t, w, &doc)
	return &doc
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	w := env.do(t, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestUploadGetListDelete(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	doc := env.mustUpload(t, "notes.txt", words("alpha", 50))
	if doc.Status != models.StatusReady || doc.ChunkCount != 3 {
		t.Errorf("uploaded doc: %+v", doc)
	}

	w := env.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status: %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/documents?limit=10", nil, "")
	var list struct {
		Documents []*models.Document `json:"documents"`
		Total     int64              `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || len(list.Documents) != 1 || list.Documents[0].ID != doc.ID {
		t.Errorf("list: %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID+"/stats", nil, "")
	var st struct {
		ChunkCount int `json:"chunk_count"`
		Dimension  int `json:"dimension"`
	}
	decode(t, w, &st)
	if st.ChunkCount != 3 || st.Dimension != dims {
		t.Errorf("stats: %+v", st)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/documents/"+doc.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("delete status: %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/v1/documents/"+doc.ID, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", w.Code)
	}
}

func TestUpload_Errors(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))

	if w := env.upload(t, "sheet.xlsx", "x"); w.Code != http.StatusBadRequest {
		t.Errorf("unsupported format: %d", w.Code)
	}
	if w := env.upload(t, "empty.txt", "the and of"); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("no content: %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/v1/documents", strings.NewReader("{}"), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("not multipart: %d", w.Code)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	env.cfg.Server.MaxUploadMB = 1
	w := env.upload(t, "big.txt", strings.Repeat("a", 2<<20))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestUpload_ProviderDown(t *testing.T) {
	env := newTestEnv(t, downEmbedder{embedding.NewMockEmbedder(dims)})
	w := env.upload(t, "notes.txt", words("alpha", 10))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	n, _ := env.store.CountDocuments(context.Background())
	if n != 0 {
		t.Errorf("expected rollback, got %d documents", n)
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	a := env.mustUpload(t, "a.txt", words("alpha", 50))
	b := env.mustUpload(t, "b.txt", words("beta", 50))

	w := env.doJSON(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "alpha0", "top_k": 4})
	if w.Code != http.StatusOK {
		t.Fatalf("global search: %d %s", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	decode(t, w, &resp)
	if resp.Scope != "global" || resp.Total != 4 || len(resp.Chunks) != 4 {
		t.Errorf("global response: %+v", resp)
	}
	for i, r := range resp.Results {
		if r.Rank != i+1 || r.Filename == "" || r.Chunk != resp.Chunks[i] {
			t.Errorf("result %d: %+v", i, r)
		}
		if i > 0 && r.Distance < resp.Results[i-1].Distance {
			t.Errorf("results not ordered at %d", i)
		}
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "x", "document_id": a.ID})
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if resp.Scope != "document" || resp.Total != 3 {
		t.Errorf("document response: %+v", resp)
	}
	for _, r := range resp.Results {
		if r.DocumentID != a.ID {
			t.Errorf("hit from %s in single-document search", r.DocumentID)
		}
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/search", map[string]interface{}{
		"query": "x", "document_ids": []string{b.ID, a.ID}, "top_k": 2,
	})
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if resp.Scope != "multi" || resp.Total != 4 || resp.Results[0].DocumentID != b.ID || resp.Results[2].DocumentID != a.ID {
		t.Errorf("multi response: %+v", resp)
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "x", "document_id": "unknown"})
	resp = models.SearchResponse{}
	decode(t, w, &resp)
	if w.Code != http.StatusOK || resp.Total != 0 || resp.Chunks == nil {
		t.Errorf("unknown document: %d %+v", w.Code, resp)
	}
}

func TestSearch_BadRequests(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	cases := []interface{}{
		map[string]interface{}{"query": "  "},
		map[string]interface{}{"query": "x", "top_k": -1},
		map[string]interface{}{"query": "x", "document_id": "a", "document_ids": []string{"b"}},
	}
	for i, c := range cases {
		if w := env.doJSON(t, http.MethodPost, "/api/v1/search", c); w.Code != http.StatusBadRequest {
			t.Errorf("case %d: got %d", i, w.Code)
		}
	}
	w := env.do(t, http.MethodPost, "/api/v1/search", strings.NewReader("{"), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: %d", w.Code)
	}
}

func TestBulkDeleteAndReindex(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	a := env.mustUpload(t, "a.txt", words("alpha", 30))
	b := env.mustUpload(t, "b.txt", words("beta", 30))

	w := env.do(t, http.MethodPost, "/api/v1/documents/"+a.ID+"/reindex", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("reindex: %d %s", w.Code, w.Body.String())
	}
	var doc models.Document
	decode(t, w, &doc)
	if doc.ChunkCount != a.ChunkCount {
		t.Errorf("reindex chunk count %d, want %d", doc.ChunkCount, a.ChunkCount)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/documents/missing/reindex", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("reindex missing: %d", w.Code)
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/documents/bulk-delete", map[string][]string{"ids": {a.ID, "missing", b.ID}})
	var res ingest.BulkResult
	decode(t, w, &res)
	if len(res.Deleted) != 2 || len(res.Failed) != 1 {
		t.Errorf("bulk delete: %+v", res)
	}
	if w := env.doJSON(t, http.MethodPost, "/api/v1/documents/bulk-delete", map[string][]string{"ids": {}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty bulk delete: %d", w.Code)
	}
}

func TestResetAndStatus(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	env.mustUpload(t, "a.txt", words("alpha", 50))

	w := env.do(t, http.MethodGet, "/api/v1/status", nil, "")
	var status map[string]interface{}
	decode(t, w, &status)
	if status["documents"].(float64) != 1 || status["chunks"].(float64) != 3 {
		t.Errorf("status before reset: %v", status)
	}
	if _, ok := status["disk_usage_bytes"]; !ok {
		t.Error("expected disk_usage_bytes")
	}

	if w := env.do(t, http.MethodPost, "/api/v1/reset", nil, ""); w.Code != http.StatusOK {
		t.Fatalf("reset: %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/status", nil, "")
	status = nil
	decode(t, w, &status)
	if status["documents"].(float64) != 0 || status["chunks"].(float64) != 0 {
		t.Errorf("status after reset: %v", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	env.mustUpload(t, "a.txt", words("alpha", 10))
	w := env.do(t, http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "tanya_chunks_added_total 1") {
		t.Errorf("metrics: %d %s", w.Code, w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", storage.ErrNotFound), http.StatusNotFound},
		{manager.ErrEmptyDocumentID, http.StatusBadRequest},
		{extract.ErrUnsupportedFormat, http.StatusBadRequest},
		{ingest.ErrNoContent, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", manager.ErrEmbeddingProvider, errors.New("503")), http.StatusBadGateway},
		{fmt.Errorf("%w: %w", manager.ErrEmbeddingProvider, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{manager.ErrCorruptIndex, http.StatusInternalServerError},
		{manager.ErrDimensionMismatch, http.StatusInternalServerError},
		{manager.ErrStoreLocked, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWatchDirectories(t *testing.T) {
	mock := &mockWatchService{}
	env := newTestEnv(t, embedding.NewMockEmbedder(dims), WithWatch(mock, ""))

	w := env.doJSON(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": env.dir})
	if w.Code != http.StatusCreated {
		t.Errorf("add: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/api/v1/watch/directories", nil, "")
	var out struct {
		Directories []string `json:"directories"`
	}
	decode(t, w, &out)
	if len(out.Directories) != 1 || out.Directories[0] != env.dir {
		t.Errorf("directories: got %v", out.Directories)
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": filepath.Join(env.dir, "nope")})
	if w.Code != http.StatusNotFound {
		t.Errorf("add missing dir: %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+env.dir, nil, "")
	if w.Code != http.StatusOK || len(mock.Directories()) != 0 {
		t.Errorf("remove: %d %v", w.Code, mock.Directories())
	}
}

func TestWatchDirectories_NotEnabled(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(dims))
	w := env.do(t, http.MethodGet, "/api/v1/watch/directories", nil, "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestWatchDirectories_PersistsConfig(t *testing.T) {
	mock := &mockWatchService{}
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	env := newTestEnv(t, embedding.NewMockEmbedder(dims), WithWatch(mock, configPath))

	w := env.doJSON(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": env.dir})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: %d", w.Code)
	}
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Watch.Directories) != 1 || saved.Watch.Directories[0] != env.dir {
		t.Errorf("persisted directories: %v", saved.Watch.Directories)
	}
}
