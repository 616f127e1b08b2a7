package report

import (
	"fmt"
	"io"
	"path/filepath"
)

// Record backends accepted by Open.
const (
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// DefaultDatabase is the SQLite file created under the project root when no
// path is configured.
const DefaultDatabase = ".pwbridge-records.db"

// memoryCapacity bounds the memory backend.
const memoryCapacity = 100

// Open returns the record store for backend. A relative path is resolved
// against root. The disk backend with no path uses a temp directory.
// Stores that hold resources implement io.Closer; see Close.
func Open(backend, path, root string) (Store, error) {
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	switch backend {
	case "", BackendDisk:
		return NewDiskStore(path), nil
	case BackendSQLite:
		if path == "" {
			path = filepath.Join(root, DefaultDatabase)
		}
		return OpenSQLiteStore(path)
	case BackendMemory:
		return NewLRUStore(memoryCapacity, nil), nil
	default:
		return nil, fmt.Errorf("unknown record store %q (want disk, sqlite or memory)", backend)
	}
}

// Close releases s if it holds resources.
func Close(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
