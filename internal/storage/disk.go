package storage

import (
	"errors"
	"io/fs"
	"path/filepath"
)

// DiskUsage is the on-disk footprint of a tanya data directory.
type DiskUsage struct {
	Database int64 `json:"database"`
	Indexes  int64 `json:"indexes"`
	Uploads  int64 `json:"uploads"`
	Total    int64 `json:"total"`
}

// MeasureDiskUsage sums the metadata database (including its WAL and shared-memory
// sidecars), the index artifact directory and the upload directory. Missing paths count
// as zero.
func MeasureDiskUsage(databasePath, indexDir, uploadDir string) (DiskUsage, error) {
	var (
		u   DiskUsage
		err error
	)
	if databasePath != "" {
		if u.Database, err = pathSize(databasePath, databasePath+"-wal", databasePath+"-shm"); err != nil {
			return DiskUsage{}, err
		}
	}
	if u.Indexes, err = pathSize(indexDir); err != nil {
		return DiskUsage{}, err
	}
	if u.Uploads, err = pathSize(uploadDir); err != nil {
		return DiskUsage{}, err
	}
	u.Total = u.Database + u.Indexes + u.Uploads
	return u, nil
}

// pathSize returns the total size of files and directory trees. Empty or missing paths
// are skipped.
func pathSize(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == p && errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if errors.Is(err, fs.ErrNotExist) {
				// Removed mid-walk, e.g. an artifact replaced by an atomic save.
				return nil
			}
			if err != nil {
				return err
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
