package chunkstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/hyperjump/tanya/internal/vector"
	"go.uber.org/zap"
)

const (
	vecExt       = ".vec"
	mapExt       = ".map"
	lockFileName = ".lock"
	// prevSuffix marks a committed artifact set aside while a new pair is written.
	prevSuffix = ".prev"
	// commitExt marks a pair commit in progress. While it exists the set-aside pair is
	// the one that counts.
	commitExt = ".commit"
	// encodedPrefix marks file names holding a base64url-encoded document id. It is outside
	// the set of characters used verbatim, so the two forms never collide.
	encodedPrefix = "~"
)

var (
	// ErrNotFound is returned by Load when neither artifact exists for a document (first use).
	ErrNotFound = errors.New("no persisted index")
	// ErrStoreLocked is returned by Open when another process holds the index directory.
	ErrStoreLocked = errors.New("index directory is locked by another process")
)

// Store reads and writes the artifact pair for each document under one directory.
// It holds an exclusive file lock on the directory for its lifetime.
type Store struct {
	dir        string
	dimensions int
	lock       *flock.Flock
	logger     *zap.Logger

	// commitVectors renames the vector temp file into place. Replaced in tests.
	commitVectors func(*renameio.PendingFile) error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates dir if needed and locks it. dimensions is the width every persisted index
// must have; artifacts of another width are reported as corrupt.
func Open(dir string, dimensions int, opts ...Option) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock index dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, dir)
	}
	s := &Store{
		dir:        dir,
		dimensions: dimensions,
		lock:          lock,
		logger:        zap.NewNop(),
		commitVectors: (*renameio.PendingFile).CloseAtomicallyReplace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the index directory.
func (s *Store) Dir() string {
	return s.dir
}

// Dimensions returns the configured vector width.
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Load reads the artifact pair for id. It returns ErrNotFound when neither file exists and
// ErrCorruptIndex when only one exists or their contents disagree.
func (s *Store) Load(id string) (*vector.FlatIndex, error) {
	vecPath, mapPath, err := s.paths(id)
	if err != nil {
		return nil, err
	}
	if err := s.recoverPair(id); err != nil {
		return nil, err
	}
	vecOK, err := fileExists(vecPath)
	if err != nil {
		return nil, err
	}
	mapOK, err := fileExists(mapPath)
	if err != nil {
		return nil, err
	}
	switch {
	case !vecOK && !mapOK:
		return nil, ErrNotFound
	case !vecOK:
		return nil, fmt.Errorf("%w: document %s has a chunk map but no vector file", ErrCorruptIndex, id)
	case !mapOK:
		return nil, fmt.Errorf("%w: document %s has a vector file but no chunk map", ErrCorruptIndex, id)
	}

	dim, vectors, err := decodeVectorsFile(vecPath)
	if err != nil {
		return nil, fmt.Errorf("load vectors for %s: %w", id, err)
	}
	chunks, err := decodeChunksFile(mapPath)
	if err != nil {
		return nil, fmt.Errorf("load chunk map for %s: %w", id, err)
	}
	if dim != s.dimensions {
		return nil, fmt.Errorf("%w: document %s has dimension %d, store expects %d", ErrCorruptIndex, id, dim, s.dimensions)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: document %s has %d vectors but %d chunks", ErrCorruptIndex, id, len(vectors), len(chunks))
	}
	idx, err := vector.NewFlatIndex(dim)
	if err != nil {
		return nil, err
	}
	if err := idx.Add(vectors, chunks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	s.logger.Debug("index loaded", zap.String("document_id", id), zap.Int("chunks", len(chunks)))
	return idx, nil
}

// Save writes both artifacts for id. Each file is written to a temporary file and synced
// before either is renamed into place. The previous pair is set aside behind a commit
// marker until both renames succeed, so a failed or interrupted commit rolls back to the
// previous pair (here, or on the next Load).
func (s *Store) Save(id string, idx *vector.FlatIndex) error {
	if idx.Dimensions() != s.dimensions {
		return fmt.Errorf("%w: index has dimension %d, store expects %d", vector.ErrDimensionMismatch, idx.Dimensions(), s.dimensions)
	}
	vecPath, mapPath, err := s.paths(id)
	if err != nil {
		return err
	}
	vectors, chunks := idx.Snapshot()

	mapFile, err := renameio.TempFile(s.dir, mapPath)
	if err != nil {
		return fmt.Errorf("create chunk map temp file: %w", err)
	}
	defer mapFile.Cleanup()
	if err := EncodeChunks(mapFile, chunks); err != nil {
		return fmt.Errorf("write chunk map: %w", err)
	}

	vecFile, err := renameio.TempFile(s.dir, vecPath)
	if err != nil {
		return fmt.Errorf("create vector temp file: %w", err)
	}
	defer vecFile.Cleanup()
	if err := EncodeVectors(vecFile, s.dimensions, vectors); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}

	if err := s.beginCommit(id); err != nil {
		return s.rollback(id, err)
	}
	if err := mapFile.CloseAtomicallyReplace(); err != nil {
		return s.rollback(id, fmt.Errorf("commit chunk map: %w", err))
	}
	if err := s.commitVectors(vecFile); err != nil {
		return s.rollback(id, fmt.Errorf("commit vectors: %w", err))
	}
	// Removing the marker is the commit point.
	if err := os.Remove(s.hiddenPath(id, commitExt)); err != nil {
		return s.rollback(id, fmt.Errorf("finish commit: %w", err))
	}
	s.dropPrevious(id)
	s.logger.Debug("index saved", zap.String("document_id", id), zap.Int("chunks", len(chunks)))
	return nil
}

// beginCommit settles any earlier unfinished commit, writes the commit marker and then
// moves the current pair aside.
func (s *Store) beginCommit(id string) error {
	vecPath, mapPath, err := s.paths(id)
	if err != nil {
		return err
	}
	if err := s.recoverPair(id); err != nil {
		return err
	}
	if err := renameio.WriteFile(s.hiddenPath(id, commitExt), nil, 0644); err != nil {
		return fmt.Errorf("write commit marker: %w", err)
	}
	for _, p := range []struct{ live, prev string }{
		{vecPath, s.hiddenPath(id, vecExt+prevSuffix)},
		{mapPath, s.hiddenPath(id, mapExt+prevSuffix)},
	} {
		if err := os.Rename(p.live, p.prev); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("set aside %s: %w", filepath.Base(p.live), err)
		}
	}
	return nil
}

func (s *Store) rollback(id string, cause error) error {
	if err := s.recoverPair(id); err != nil {
		return errors.Join(cause, fmt.Errorf("restore previous index: %w", err))
	}
	return cause
}

// recoverPair settles a commit that did not finish. With the marker present the live
// files are replaced by the set-aside pair, or removed when there was none. Without it
// any set-aside files are stale and removed.
func (s *Store) recoverPair(id string) error {
	vecPath, mapPath, err := s.paths(id)
	if err != nil {
		return err
	}
	marker := s.hiddenPath(id, commitExt)
	ok, err := fileExists(marker)
	if err != nil {
		return err
	}
	if !ok {
		s.dropPrevious(id)
		return nil
	}
	for _, p := range []struct{ live, prev string }{
		{vecPath, s.hiddenPath(id, vecExt+prevSuffix)},
		{mapPath, s.hiddenPath(id, mapExt+prevSuffix)},
	} {
		prevOK, err := fileExists(p.prev)
		if err != nil {
			return err
		}
		if prevOK {
			err = os.Rename(p.prev, p.live)
		} else {
			err = os.Remove(p.live)
		}
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("restore %s: %w", filepath.Base(p.live), err)
		}
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("remove commit marker: %w", err)
	}
	s.logger.Warn("rolled back unfinished commit", zap.String("document_id", id))
	return nil
}

func (s *Store) dropPrevious(id string) {
	for _, ext := range []string{vecExt + prevSuffix, mapExt + prevSuffix} {
		if err := os.Remove(s.hiddenPath(id, ext)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove previous artifact", zap.String("document_id", id), zap.Error(err))
		}
	}
}

// Exists reports whether either artifact exists for id.
func (s *Store) Exists(id string) (bool, error) {
	vecPath, mapPath, err := s.paths(id)
	if err != nil {
		return false, err
	}
	vecOK, err := fileExists(vecPath)
	if err != nil || vecOK {
		return vecOK, err
	}
	return fileExists(mapPath)
}

// Delete removes both artifacts for id. Deleting an id with no artifacts is not an error.
func (s *Store) Delete(id string) error {
	vecPath, mapPath, err := s.paths(id)
	if err != nil {
		return err
	}
	// Marker first so nothing is rolled back, then the vector file: a leftover map alone
	// is reported as corrupt rather than loaded.
	files := []string{
		s.hiddenPath(id, commitExt), vecPath, mapPath,
		s.hiddenPath(id, vecExt+prevSuffix), s.hiddenPath(id, mapExt+prevSuffix),
	}
	for _, p := range files {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// List returns the ids of all documents with either artifact on disk, sorted. A document
// with only one artifact is listed so that loading it reports ErrCorruptIndex.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read index dir: %w", err)
	}
	recovered := false
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, commitExt) {
			continue
		}
		id, err := decodeID(strings.TrimSuffix(strings.TrimPrefix(name, "."), commitExt))
		if err != nil {
			continue
		}
		if err := s.recoverPair(id); err != nil {
			return nil, err
		}
		recovered = true
	}
	if recovered {
		if entries, err = os.ReadDir(s.dir); err != nil {
			return nil, fmt.Errorf("read index dir: %w", err)
		}
	}
	seen := make(map[string]bool, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != vecExt && ext != mapExt {
			continue
		}
		id, err := decodeID(strings.TrimSuffix(name, ext))
		if err != nil {
			s.logger.Warn("skipping unrecognized index file", zap.String("file", name), zap.Error(err))
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Reset removes every artifact in the directory, including temporary leftovers.
// The lock file is kept so the store stays usable.
func (s *Store) Reset() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read index dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("recreate index dir: %w", err)
	}
	s.logger.Info("index directory reset", zap.String("dir", s.dir))
	return nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	return err
}

func (s *Store) paths(id string) (vecPath, mapPath string, err error) {
	if id == "" {
		return "", "", errors.New("document id cannot be empty")
	}
	base := filepath.Join(s.dir, encodeID(id))
	return base + vecExt, base + mapExt, nil
}

// hiddenPath names commit bookkeeping for id. The leading dot keeps it out of List.
func (s *Store) hiddenPath(id, ext string) string {
	return filepath.Join(s.dir, "."+encodeID(id)+ext)
}

// encodeID maps a document id to a file name stem. Ids made only of [A-Za-z0-9_-] are used
// as-is; anything else is base64url-encoded behind encodedPrefix.
func encodeID(id string) string {
	for _, r := range id {
		if !isSafeRune(r) {
			return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(id))
		}
	}
	return id
}

func decodeID(stem string) (string, error) {
	if !strings.HasPrefix(stem, encodedPrefix) {
		for _, r := range stem {
			if !isSafeRune(r) {
				return "", fmt.Errorf("unexpected character %q in file name", r)
			}
		}
		return stem, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stem, encodedPrefix))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isSafeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func decodeVectorsFile(path string) (int, [][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()
	return DecodeVectors(f)
}

func decodeChunksFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeChunks(f)
}
