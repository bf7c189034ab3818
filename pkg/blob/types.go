// Package blob stores opaque objects under slash separated keys.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no blob.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that are empty, absolute or escape the
// store root.
var ErrInvalidKey = errors.New("invalid blob key")

type BlobStore interface {
	// Put uploads content to the blob store.
	Put(ctx context.Context, key string, reader io.Reader) error

	// Get retrieves content from the blob store.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a blob.
	Delete(ctx context.Context, key string) error
}
