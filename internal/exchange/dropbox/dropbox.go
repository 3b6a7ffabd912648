// Package dropbox gives access to the directories where bundles are dropped by the exporter.
// Paths are slash separated, whatever the backend.
package dropbox

import (
	"context"
	"io"
	"time"
)

// FileInfo describes an entry of a drop directory.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	Regular bool
}

// Drop is a directory tree files are exchanged through.
type Drop interface {
	// List returns the entries of dir.
	List(ctx context.Context, dir string) ([]FileInfo, error)
	// Fetch copies the content of remotePath to w.
	Fetch(ctx context.Context, remotePath string, w io.Writer) error
	// Move renames src to dst, replacing dst if it exists.
	Move(ctx context.Context, src, dst string) error
	// EnsureDir creates dir and its parents if they do not exist.
	EnsureDir(ctx context.Context, dir string) error
	// Close releases the resources held by the drop.
	Close() error
}
