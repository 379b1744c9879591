// Package main is the tanya CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/cache"
	"github.com/hyperjump/tanya/internal/chunkstore"
	"github.com/hyperjump/tanya/internal/cli"
	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/embedding"
	"github.com/hyperjump/tanya/internal/extract"
	"github.com/hyperjump/tanya/internal/ingest"
	"github.com/hyperjump/tanya/internal/manager"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/server"
	"github.com/hyperjump/tanya/internal/storage"
	"github.com/hyperjump/tanya/internal/watcher"
	"github.com/hyperjump/tanya/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/tanya/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if it exists. When no file exists at the default path either, built-in
// defaults are used. Returns the config and the path it came from ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				if err != nil {
					return nil, "", err
				}
				return cfg, fallback, nil
			}
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// Provider API keys may live in a local .env file.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "index":
		runIndex()
	case "search":
		runSearch()
	case "list":
		runList()
	case "stats":
		runStats()
	case "delete":
		runDelete()
	case "reset":
		runReset()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("tanya version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	components, err := initializeComponents(cfg, logger, registry)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchSvc := watcher.New(components.Pipeline, cfg.Watch.Directories, cfg.Watch.RecursiveOrDefault(),
		watcher.WithLogger(logger.Named("watcher")),
		watcher.WithExtensions(cfg.Ingest.Extensions))
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Manager,
		components.Pipeline,
		components.Storage,
		cfg,
		logger,
		server.WithGatherer(registry),
		server.WithWatch(watchSvc, resolvedConfigPath),
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchSvc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	recursive := fs.Bool("recursive", true, "descend into subdirectories")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	if fs.NArg() < 1 {
		fatalf("Usage: tanya index [flags] <file-or-directory>")
	}
	path := fs.Arg(0)

	components, cleanup := openDirect(*configPath)
	defer cleanup()

	ctx := context.Background()
	info, err := os.Stat(path)
	if err != nil {
		fatalf("Failed to stat path: %v", err)
	}
	if info.IsDir() {
		n, err := components.Pipeline.IngestDirectory(ctx, path, *recursive)
		if err != nil {
			fatalf("Indexing directory failed: %v", err)
		}
		fmt.Printf("Indexed %d file(s) from %s\n", n, path)
		return
	}
	doc, err := components.Pipeline.IngestFile(ctx, path)
	if err != nil {
		fatalf("Indexing failed: %v", err)
	}
	fmt.Printf("Document indexed: %s (%d chunks)\n", doc.ID, doc.ChunkCount)
}

// buildSearchQuery joins positional args so multi-word queries work with or without quotes.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves flags that follow positional arguments to the front. The flag
// package stops at the first non-flag argument, so "tanya search what is x --top-k 3"
// would otherwise leave --top-k unparsed.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// splitIDs parses a comma-separated --docs value.
func splitIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the index directly)")
	docID := fs.String("doc", "", "search a single document")
	docIDs := fs.String("docs", "", "comma-separated document ids to search")
	topK := fs.Int("top-k", 0, "chunks per document (document scope) or overall (global scope)")
	output := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: tanya search [flags] <query>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	query := &models.SearchQuery{
		Query:       buildSearchQuery(fs.Args()),
		DocumentID:  *docID,
		DocumentIDs: splitIDs(*docIDs),
		TopK:        *topK,
	}
	if err := query.Validate(); err != nil {
		fs.Usage()
		fatalf("\n%v", err)
	}

	var (
		response *models.SearchResponse
		err      error
	)
	if *serverURL != "" {
		response = &models.SearchResponse{}
		err = postJSON(*serverURL+"/api/v1/search", query, response)
	} else {
		components, cleanup := openDirect(*configPath)
		defer cleanup()
		response, err = searchDirect(context.Background(), components, query)
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, cli.ParseOutputFormat(*output)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func searchDirect(ctx context.Context, c *Components, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	var (
		hits []manager.Hit
		err  error
	)
	if len(q.DocumentIDs) > 0 {
		hits, err = c.Manager.SearchDocuments(ctx, q.Query, q.DocumentIDs, q.TopK)
	} else {
		hits, err = c.Manager.SearchHits(ctx, q.Query, manager.SearchOptions{DocumentID: q.DocumentID, TopK: q.TopK})
	}
	if err != nil {
		return nil, err
	}
	resp := &models.SearchResponse{
		Query:   q.Query,
		Scope:   q.Scope(),
		Chunks:  manager.Chunks(hits),
		Results: make([]*models.SearchResult, 0, len(hits)),
	}
	for i, h := range hits {
		r := &models.SearchResult{DocumentID: h.DocumentID, Slot: h.Slot, Distance: h.Distance, Chunk: h.Chunk, Rank: i + 1}
		if doc, err := c.Storage.GetDocument(ctx, h.DocumentID); err == nil {
			r.Filename = doc.Filename
		}
		resp.Results = append(resp.Results, r)
	}
	resp.Total = len(resp.Results)
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

func runList() {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the database directly)")
	offset := fs.Int("offset", 0, "skip this many documents")
	limit := fs.Int("limit", 50, "maximum documents to list")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var out struct {
		Documents []*models.Document `json:"documents"`
		Total     int64              `json:"total"`
	}
	if *serverURL != "" {
		u := fmt.Sprintf("%s/api/v1/documents?offset=%d&limit=%d", *serverURL, *offset, *limit)
		if err := getJSON(u, &out); err != nil {
			fatalf("List failed: %v", err)
		}
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fatalf("Failed to load config: %v", err)
		}
		store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
		if err != nil {
			fatalf("Failed to open storage: %v", err)
		}
		defer store.Close()
		ctx := context.Background()
		if out.Documents, err = store.ListDocuments(ctx, *offset, *limit); err != nil {
			fatalf("List failed: %v", err)
		}
		if out.Total, err = store.CountDocuments(ctx); err != nil {
			fatalf("Count failed: %v", err)
		}
	}
	if err := cli.WriteDocuments(os.Stdout, out.Documents, out.Total, cli.ParseOutputFormat(*output)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the index directly)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	if fs.NArg() < 1 {
		fatalf("Usage: tanya stats [flags] <document-id>")
	}
	id := fs.Arg(0)

	var (
		doc   models.Document
		stats manager.Stats
	)
	if *serverURL != "" {
		base := *serverURL + "/api/v1/documents/" + url.PathEscape(id)
		if err := getJSON(base, &doc); err != nil {
			fatalf("Stats failed: %v", err)
		}
		if err := getJSON(base+"/stats", &stats); err != nil {
			fatalf("Stats failed: %v", err)
		}
	} else {
		components, cleanup := openDirect(*configPath)
		defer cleanup()
		ctx := context.Background()
		d, err := components.Storage.GetDocument(ctx, id)
		if err != nil {
			fatalf("Stats failed: %v", err)
		}
		doc = *d
		if stats, err = components.Manager.Stats(ctx, id); err != nil {
			fatalf("Stats failed: %v", err)
		}
	}
	if err := cli.WriteDocument(os.Stdout, &doc, stats.ChunkCount, cli.ParseOutputFormat(*output)); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the index directly)")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	if fs.NArg() < 1 {
		fatalf("Usage: tanya delete [flags] <document-id>")
	}
	id := fs.Arg(0)

	if *serverURL != "" {
		if err := doRequest(http.MethodDelete, *serverURL+"/api/v1/documents/"+url.PathEscape(id), nil, nil); err != nil {
			fatalf("Deletion failed: %v", err)
		}
	} else {
		components, cleanup := openDirect(*configPath)
		defer cleanup()
		if err := components.Pipeline.Delete(context.Background(), id); err != nil {
			fatalf("Deletion failed: %v", err)
		}
	}
	fmt.Printf("Document deleted: %s\n", id)
}

func runReset() {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the index directly)")
	yes := fs.Bool("yes", false, "confirm removal of every document and index")
	_ = fs.Parse(os.Args[2:])

	if !*yes {
		fatalf("reset removes every document and index; rerun with --yes to confirm")
	}
	if *serverURL != "" {
		if err := postJSON(*serverURL+"/api/v1/reset", struct{}{}, nil); err != nil {
			fatalf("Reset failed: %v", err)
		}
	} else {
		components, cleanup := openDirect(*configPath)
		defer cleanup()
		if err := components.Pipeline.Reset(context.Background()); err != nil {
			fatalf("Reset failed: %v", err)
		}
	}
	fmt.Println("All documents and indexes removed")
}

func runWatch() {
	if len(os.Args) < 3 {
		fatalf("Usage: tanya watch <add|remove|list> [path]")
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(reorderArgs(os.Args[3:]))
	endpoint := *serverURL + "/api/v1/watch/directories"

	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fatalf("Usage: tanya watch %s <path>", sub)
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fatalf("Invalid path: %v", err)
		}
		if sub == "add" {
			err = postJSON(endpoint, map[string]interface{}{"path": path, "sync": true}, nil)
		} else {
			err = doRequest(http.MethodDelete, endpoint+"?path="+url.QueryEscape(path), nil, nil)
		}
		if err != nil {
			fatalf("Watch %s failed: %v", sub, err)
		}
		fmt.Printf("%s: %s\n", map[string]string{"add": "Added", "remove": "Removed"}[sub], path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := getJSON(endpoint, &out); err != nil {
			fatalf("List failed: %v", err)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fatalf("Unknown watch subcommand: %s", sub)
	}
}

// openDirect loads config and opens every component in-process. It exits on failure.
func openDirect(configPath string) (*Components, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(cfg, logger, nil)
	if err != nil {
		if errors.Is(err, manager.ErrStoreLocked) {
			fatalf("Index directory is in use (is the server running? use --server): %v", err)
		}
		fatalf("Failed to initialize: %v", err)
	}
	return components, func() {
		components.Close()
		_ = logger.Sync()
	}
}

func postJSON(u string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return doRequest(http.MethodPost, u, bytes.NewReader(data), out)
}

func getJSON(u string, out interface{}) error {
	return doRequest(http.MethodGet, u, nil, out)
}

func doRequest(method, u string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return serverError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// serverError turns a non-2xx response into an error, preferring the API's error message.
func serverError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

// Components holds initialized services.
type Components struct {
	Storage  storage.Storage
	Embedder embedding.Embedder
	Store    *chunkstore.Store
	Cache    *cache.Cache
	Manager  *manager.Manager
	Pipeline *ingest.Pipeline
}

// Close releases every component that was opened.
func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// initializeComponents wires storage, embedding, the index manager and the ingest
// pipeline. reg may be nil, in which case no metrics are recorded.
func initializeComponents(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Components, error) {
	c := &Components{}
	fail := func(err error) (*Components, error) {
		c.Close()
		return nil, err
	}

	store, err := chunkstore.Open(cfg.Storage.IndexDir, cfg.Embedding.Dimensions,
		chunkstore.WithLogger(logger.Named("chunkstore")))
	if err != nil {
		return fail(fmt.Errorf("failed to open index directory: %w", err))
	}
	c.Store = store

	idxCache, err := cache.New(store, cfg.Embedding.Dimensions, cache.WithLogger(logger.Named("cache")))
	if err != nil {
		return fail(fmt.Errorf("failed to create index cache: %w", err))
	}
	c.Cache = idxCache

	embedder, err := embedding.NewFromConfig(cfg.Embedding, logger.Named("embedding"))
	if err != nil {
		return fail(fmt.Errorf("failed to initialize embedder: %w", err))
	}
	c.Embedder = embedder

	opts := []manager.Option{
		manager.WithBatchSize(cfg.Index.BatchSize),
		manager.WithMaxK(cfg.Index.MaxK),
		manager.WithEmbedTimeout(cfg.Index.EmbedTimeout),
		manager.WithSearchConcurrency(cfg.Index.SearchConcurrency),
		manager.WithLogger(logger.Named("manager")),
	}
	if reg != nil {
		metrics, err := manager.NewMetrics(reg)
		if err != nil {
			return fail(fmt.Errorf("failed to register metrics: %w", err))
		}
		opts = append(opts, manager.WithMetrics(metrics))
	}
	mgr, err := manager.New(embedder, store, idxCache, opts...)
	if err != nil {
		return fail(fmt.Errorf("failed to create index manager: %w", err))
	}
	c.Manager = mgr

	sqlStore, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize storage: %w", err))
	}
	c.Storage = sqlStore

	chunker, err := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		return fail(err)
	}
	c.Pipeline = ingest.NewPipeline(sqlStore, mgr, extract.NewExtractor(), chunker,
		ingest.WithUploadDir(cfg.Storage.UploadDir),
		ingest.WithLogger(logger.Named("ingest")))
	return c, nil
}

func printUsage() {
	fmt.Println(`tanya - ask questions of your documents

Usage:
  tanya server [flags]                  Start the HTTP server
  tanya index [flags] <file|dir>        Ingest a file or every supported file in a directory
  tanya search [flags] <query>          Retrieve the chunks closest to a question
  tanya list [flags]                    List documents
  tanya stats [flags] <id>              Show a document and its index size
  tanya delete [flags] <id>             Delete a document and its index
  tanya reset --yes [flags]             Delete every document and index
  tanya watch <add|remove|list> [path]  Manage watched inbox directories
  tanya version                         Show version
  tanya help                            Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/tanya/config.yaml, or ./config.yaml)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open
                     the data directory directly while the server is stopped.
  --output string    Output format: text or json (default: text)

Server Flags:
  --debug            Enable debug logging

Search Flags:
  --doc string       Search a single document
  --docs string      Comma-separated document ids to search
  --top-k int        Chunks per document or overall (default from index.max_k)

Examples:
  tanya server
  tanya index ./papers
  tanya search "what is the warranty period"
  tanya search --doc 3f2a... --top-k 3 "who signed the contract"
  tanya list --output json
  tanya watch add ~/Inbox`)
}
