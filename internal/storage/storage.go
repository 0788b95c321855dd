// Package storage defines the blob persistence contract shared by the
// harvester's output backends (local disk, memory, GCS and S3).
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at the path.
var ErrNotFound = errors.New("storage: object not found")

// BlobStore persists harvested artifacts and reads prior snapshots back.
type BlobStore interface {
	// PutObject writes r under path and returns a backend URI for the object.
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	// GetObject opens the object at path. Callers must close the reader.
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}
