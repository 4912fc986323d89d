package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by Download for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage holds staged file bytes between discovery and processing.
type ObjectStorage interface {
	// Upload stores reader under key; size may be -1 when unknown.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object under key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
