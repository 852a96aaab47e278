// Package objectstore wraps the S3-compatible object store holding HLS
// segments, manifests, MP4 originals, and subtitle files. Every call site is
// expected to go through a requestqueue instance; this package performs no
// admission control of its own.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the requested key does not exist in the bucket.
var ErrNotFound = errors.New("objectstore: key not found")

// ObjectInfo describes a stored object without fetching its body.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// ByteRange limits a Get to the inclusive byte window [Start, End].
type ByteRange struct {
	Start int64
	End   int64
}

// Client is the minimal object-store surface the delivery backend needs.
type Client interface {
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string, public bool) (string, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}
