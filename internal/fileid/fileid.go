// Package fileid derives document ids from file paths, so files ingested in place keep the
// same id across reingests.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const prefix = "path-"

// FileDocID returns a stable document id for the given absolute path. The id is made of
// lowercase hex only, so it maps to artifact file names without escaping.
func FileDocID(absolutePath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(absolutePath)))
	return prefix + hex.EncodeToString(sum[:16])
}

// IsFileDocID reports whether id was produced by FileDocID.
func IsFileDocID(id string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
