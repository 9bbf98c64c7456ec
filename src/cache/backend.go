// Package cache defines the content-addressed cache backend contract and
// its concrete implementations: a no-op default, an S3-compatible backend,
// and an adapted local-disk backend for operators who don't want to run S3.
package cache

import (
	"context"
	"errors"
	"io"

	"gopkg.in/op/go-logging.v1"

	"github.com/capsules-build/capsule/src/capsule"
)

var log = logging.MustGetLogger("cache")

// ErrNotFound is returned by LookupEntry and FetchBlob when the requested
// key is absent. It is not a transport error and never drives degradation
// by itself — the orchestrator treats it as a normal cache miss.
var ErrNotFound = errors.New("cache: not found")

// A Backend provides the four idempotent operations a cache entry and its
// blobs are stored and retrieved through. Implementations must treat
// PutBlob as conditional-or-idempotent (storing an already-present blob
// must succeed without corrupting the existing copy) and PutEntry as an
// unconditional last-write-wins overwrite.
type Backend interface {
	// Name identifies the backend for logging and observability.
	Name() string

	// LookupEntry returns the manifest stored for inputsHash, or
	// ErrNotFound if none exists. Any other error is a transport error.
	LookupEntry(ctx context.Context, inputsHash string) (*capsule.Manifest, error)

	// PutEntry unconditionally stores manifest under its own inputs hash.
	PutEntry(ctx context.Context, manifest *capsule.Manifest) error

	// FetchBlob returns the byte stream for contentHash, or ErrNotFound.
	// Callers must close the returned reader.
	FetchBlob(ctx context.Context, contentHash string) (io.ReadCloser, error)

	// PutBlob stores size bytes read from r under contentHash.
	PutBlob(ctx context.Context, contentHash string, size int64, r io.Reader) error
}
