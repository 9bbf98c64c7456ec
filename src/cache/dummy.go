package cache

import (
	"context"
	"io"

	"github.com/capsules-build/capsule/src/capsule"
)

// dummyBackend implements Backend as a total no-op: every lookup misses,
// every put succeeds and discards. It is the default backend, so enabling
// Capsules is a no-op until an operator configures real storage.
type dummyBackend struct{}

// NewDummyBackend returns the no-op Backend.
func NewDummyBackend() Backend {
	return dummyBackend{}
}

func (dummyBackend) Name() string { return "dummy" }

func (dummyBackend) LookupEntry(ctx context.Context, inputsHash string) (*capsule.Manifest, error) {
	return nil, ErrNotFound
}

func (dummyBackend) PutEntry(ctx context.Context, manifest *capsule.Manifest) error {
	return nil
}

func (dummyBackend) FetchBlob(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

func (dummyBackend) PutBlob(ctx context.Context, contentHash string, size int64, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
