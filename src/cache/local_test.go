package cache

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capsules-build/capsule/src/capsule"
)

func newLocalBackend(t *testing.T) *localBackend {
	t.Helper()
	backend, err := NewLocalBackend(LocalConfig{Dir: t.TempDir()})
	assert.NoError(t, err)
	return backend.(*localBackend)
}

func TestLocalBackendEntryRoundTrip(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	_, err := b.LookupEntry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	m := &capsule.Manifest{InputsHash: "h1", ExitCode: 0, CreatedAt: time.Now().UTC()}
	assert.NoError(t, b.PutEntry(ctx, m))

	got, err := b.LookupEntry(ctx, "h1")
	assert.NoError(t, err)
	assert.Equal(t, m.InputsHash, got.InputsHash)
}

func TestLocalBackendBlobRoundTrip(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	_, err := b.FetchBlob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	content := "payload bytes"
	assert.NoError(t, b.PutBlob(ctx, "h1", int64(len(content)), strings.NewReader(content)))

	r, err := b.FetchBlob(ctx, "h1")
	assert.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestLocalBackendPutBlobIdempotent(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	content := "payload"
	assert.NoError(t, b.PutBlob(ctx, "h1", int64(len(content)), strings.NewReader(content)))
	// A second write under the same content hash must not corrupt the first.
	assert.NoError(t, b.PutBlob(ctx, "h1", int64(len(content)), strings.NewReader(content)))

	r, err := b.FetchBlob(ctx, "h1")
	assert.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestLocalBackendCleanEvictsUntouchedBelowLowWaterMark(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	// Written directly to disk, bypassing PutBlob, so it never enters the
	// touched map — simulating a blob left over from a previous process.
	assert.NoError(t, os.WriteFile(b.blobPath("old"), []byte("aaaaa"), 0644))
	assert.NoError(t, b.PutBlob(ctx, "new", 5, strings.NewReader("bbbbb")))

	b.clean(8, 4)

	_, err := b.FetchBlob(ctx, "new")
	assert.NoError(t, err)

	_, err = b.FetchBlob(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}
