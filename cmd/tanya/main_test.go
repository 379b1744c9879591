package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/models"
)

func TestReorderArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"what is alpha", "-top-k", "3"},
			expected: []string{"-top-k", "3", "what is alpha"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-top-k", "3", "what is alpha"},
			expected: []string{"-top-k", "3", "what is alpha"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"what is alpha"},
			expected: []string{"what is alpha"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"one", "two", "--doc", "d1"},
			expected: []string{"--doc", "d1", "one", "two"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reorderArgs(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("reorderArgs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"warranty"}, "warranty"},
		{"multiple words", []string{"warranty", "period"}, "warranty period"},
		{"single quoted phrase", []string{"warranty period"}, "warranty period"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildSearchQuery(tt.args); got != tt.expected {
				t.Errorf("buildSearchQuery(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestSplitIDs(t *testing.T) {
	got := splitIDs(" a, b,,c ")
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("splitIDs() = %v", got)
	}
	if got := splitIDs(""); got != nil {
		t.Errorf("splitIDs(\"\") = %v, want nil", got)
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
embedding:
  provider: mock
  dimensions: 16
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// t.TempDir may sit behind a symlink (macOS /var -> /private/var).
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if !cfg.Debug || cfg.Embedding.Dimensions != 16 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfig_defaultsWhenNoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := os.Stat(defaultConfigPath); err == nil {
		t.Skip("a config file exists at the default path")
	}
	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != "" {
		t.Errorf("resolved = %q, want empty", resolved)
	}
	if cfg.Server.Port != 8080 || cfg.Ingest.ChunkSize != 500 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
embedding:
  provider: mock
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimensions = 8
	cfg.Ingest.ChunkSize = 10
	cfg.Ingest.ChunkOverlap = 2
	cfg.Storage.DatabasePath = filepath.Join(dir, "tanya.db")
	cfg.Storage.IndexDir = filepath.Join(dir, "indices")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	return cfg
}

func TestInitializeComponents_indexAndSearchDirect(t *testing.T) {
	cfg := testConfig(t)
	c, err := initializeComponents(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	src := filepath.Join(t.TempDir(), "alpha.txt")
	if err := os.WriteFile(src, []byte("alpha beta gamma delta epsilon zeta eta theta iota kappa"), 0600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	doc, err := c.Pipeline.IngestFile(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := searchDirect(ctx, c, &models.SearchQuery{Query: "alpha", DocumentID: doc.ID})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Scope != "document" || resp.Total == 0 || resp.Total != len(resp.Chunks) {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Results[0].Filename != "alpha.txt" || resp.Results[0].Rank != 1 {
		t.Errorf("first result = %+v", resp.Results[0])
	}

	global, err := searchDirect(ctx, c, &models.SearchQuery{Query: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if global.Scope != "global" || global.Total == 0 {
		t.Errorf("global response: %+v", global)
	}
}

func TestInitializeComponents_secondOpenIsLocked(t *testing.T) {
	cfg := testConfig(t)
	c, err := initializeComponents(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := initializeComponents(cfg, zap.NewNop(), nil); err == nil {
		t.Fatal("second open of the same index directory should fail")
	}
}
