package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/op/go-logging.v1"

	"github.com/capsules-build/capsule/src/cache"
	"github.com/capsules-build/capsule/src/capsule"
	"github.com/capsules-build/capsule/src/fs"
	"github.com/capsules-build/capsule/src/process"
)

// fakeBackend is an in-memory cache.Backend that lets tests script lookup
// results and observe what gets published, without touching a real store.
type fakeBackend struct {
	mu          sync.Mutex
	entry       *capsule.Manifest
	lookupErr   error
	putEntryErr error
	putBlobErr  error
	failBlobs   map[string]bool
	blobs       map[string][]byte

	putEntryCalled bool
	putBlobsCalled []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{blobs: map[string][]byte{}, lookupErr: cache.ErrNotFound}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) LookupEntry(ctx context.Context, inputsHash string) (*capsule.Manifest, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.entry, nil
}

func (f *fakeBackend) PutEntry(ctx context.Context, manifest *capsule.Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putEntryCalled = true
	if f.putEntryErr != nil {
		return f.putEntryErr
	}
	f.entry = manifest
	return nil
}

func (f *fakeBackend) FetchBlob(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[contentHash]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeBackend) PutBlob(ctx context.Context, contentHash string, size int64, r io.Reader) error {
	f.mu.Lock()
	f.putBlobsCalled = append(f.putBlobsCalled, contentHash)
	err := f.putBlobErr
	if err == nil && f.failBlobs[contentHash] {
		err = fmt.Errorf("upload of %s failed", contentHash)
	}
	f.mu.Unlock()
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.blobs[contentHash] = data
	f.mu.Unlock()
	return nil
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	assert.NoError(t, err)
	assert.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
	return dir
}

func newTestOrchestrator(backend cache.Backend) *Orchestrator {
	hasher := fs.NewPathHasher(false, sha256.New, "sha256", 1)
	collector := capsule.NewCollector(fs.NewGlobber(), hasher)
	aggregator := capsule.NewAggregator(sha256.New)
	return New(collector, aggregator, backend, process.New(), nil)
}

func TestRunRequiresCapsuleIDExceptPassive(t *testing.T) {
	chdirTemp(t)
	o := newTestOrchestrator(newFakeBackend())
	_, err := o.Run(context.Background(), Options{Mode: ModeNormal, Argv: []string{"true"}})
	assert.Error(t, err)
}

func TestRunPassiveSkipsCacheEntirely(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	o := newTestOrchestrator(backend)
	code, err := o.Run(context.Background(), Options{
		Mode: ModePassive,
		Argv: []string{"sh", "-c", "exit 7"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.False(t, backend.putEntryCalled)
	assert.Empty(t, backend.putBlobsCalled)
}

func TestRunInputsHashOnlyPrintsAndExits(t *testing.T) {
	chdirTemp(t)
	assert.NoError(t, os.WriteFile("in.go", []byte("package x"), 0644))
	o := newTestOrchestrator(newFakeBackend())

	r, w, err := os.Pipe()
	assert.NoError(t, err)
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	code, err := o.Run(context.Background(), Options{
		Mode:      ModeInputsHashOnly,
		CapsuleID: "//src/foo:bar",
		Inputs:    []string{"in.go"},
	})
	w.Close()
	os.Stdout = old

	assert.NoError(t, err)
	assert.Equal(t, 0, code)

	out, _ := io.ReadAll(r)
	assert.Len(t, bytes.TrimSpace(out), 64)
}

func TestRunCacheHitRestoresWithoutExecuting(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	backend.lookupErr = nil
	backend.blobs["blobhash"] = []byte("cached contents")
	backend.entry = &capsule.Manifest{
		InputsHash: "whatever",
		ExitCode:   0,
		Outputs:    []capsule.Output{{Path: "out.txt", ContentHash: "blobhash", FileMode: 0644}},
	}
	o := newTestOrchestrator(backend)

	code, err := o.Run(context.Background(), Options{
		Mode:      ModeNormal,
		CapsuleID: "//src/foo:bar",
		Outputs:   []string{"out.txt"},
		// If this command actually ran, the exit code would be 9, not 0.
		Argv: []string{"sh", "-c", "exit 9"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile("out.txt")
	assert.NoError(t, err)
	assert.Equal(t, "cached contents", string(data))
}

func TestRunCacheMissExecutesAndPublishes(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	o := newTestOrchestrator(backend)

	code, err := o.Run(context.Background(), Options{
		Mode:      ModeNormal,
		CapsuleID: "//src/foo:bar",
		Outputs:   []string{"out.txt"},
		Argv:      []string{"sh", "-c", "echo hi > out.txt"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.True(t, backend.putEntryCalled)
	assert.Len(t, backend.putBlobsCalled, 1)
}

func TestRunCacheFailuresPolicyTreatsNonZeroExitAsMiss(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	backend.lookupErr = nil
	backend.entry = &capsule.Manifest{ExitCode: 1, Outputs: []capsule.Output{{Path: "out.txt", ContentHash: "blobhash"}}}
	backend.blobs["blobhash"] = []byte("stale")
	o := newTestOrchestrator(backend)

	code, err := o.Run(context.Background(), Options{
		Mode:      ModeNormal,
		CapsuleID: "//src/foo:bar",
		Outputs:   []string{"out.txt"},
		Argv:      []string{"sh", "-c", "echo fresh > out.txt; exit 0"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	data, err := os.ReadFile("out.txt")
	assert.NoError(t, err)
	assert.Equal(t, "fresh\n", string(data))
}

func TestRunCacheFailuresPolicyHonorsFlag(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	backend.lookupErr = nil
	backend.blobs["blobhash"] = []byte("stale")
	backend.entry = &capsule.Manifest{ExitCode: 3, Outputs: []capsule.Output{{Path: "out.txt", ContentHash: "blobhash"}}}
	o := newTestOrchestrator(backend)

	code, err := o.Run(context.Background(), Options{
		Mode:          ModeNormal,
		CapsuleID:     "//src/foo:bar",
		Outputs:       []string{"out.txt"},
		CacheFailures: true,
		Argv:          []string{"sh", "-c", "exit 9"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, code)
	data, err := os.ReadFile("out.txt")
	assert.NoError(t, err)
	assert.Equal(t, "stale", string(data))
}

func TestRunRestoreFailureFallsBackToExecute(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	backend.lookupErr = nil
	// The manifest references a blob that was never stored, so restore fails.
	backend.entry = &capsule.Manifest{ExitCode: 0, Outputs: []capsule.Output{{Path: "out.txt", ContentHash: "missing"}}}
	o := newTestOrchestrator(backend)

	code, err := o.Run(context.Background(), Options{
		Mode:      ModeNormal,
		CapsuleID: "//src/foo:bar",
		Outputs:   []string{"out.txt"},
		Argv:      []string{"sh", "-c", "echo ran > out.txt"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	data, err := os.ReadFile("out.txt")
	assert.NoError(t, err)
	assert.Equal(t, "ran\n", string(data))
}

func TestRunPublishFailureIsNonFatal(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	backend.putBlobErr = errors.New("upload failed")
	o := newTestOrchestrator(backend)

	code, err := o.Run(context.Background(), Options{
		Mode:      ModeNormal,
		CapsuleID: "//src/foo:bar",
		Outputs:   []string{"out.txt"},
		Argv:      []string{"sh", "-c", "echo hi > out.txt"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunChildSpawnFailureIsFatal(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	o := newTestOrchestrator(backend)

	_, err := o.Run(context.Background(), Options{
		Mode:      ModeNormal,
		CapsuleID: "//src/foo:bar",
		Argv:      []string{filepath.Join(t.TempDir(), "does-not-exist")},
	})
	assert.Error(t, err)
}

func TestRunSkipsCollectAndPublishWhenSignaled(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	o := newTestOrchestrator(backend)

	done := make(chan struct{})
	var code int
	var runErr error
	go func() {
		code, runErr = o.Run(context.Background(), Options{
			Mode:      ModeNormal,
			CapsuleID: "//src/foo:bar",
			Outputs:   []string{"out.txt"},
			Argv:      []string{"sleep", "5"},
		})
		close(done)
	}()

	// Give the child a moment to start before signaling the test process
	// itself; the executor listens for SIGTERM process-wide while it runs.
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return promptly after being signaled")
	}
	assert.NoError(t, runErr)
	assert.NotEqual(t, 0, code)
	assert.False(t, backend.putEntryCalled)
	assert.Empty(t, backend.putBlobsCalled)
	_, statErr := os.Stat("out.txt")
	assert.True(t, os.IsNotExist(statErr))
}

func TestPublishAggregatesFailuresAcrossOutputs(t *testing.T) {
	chdirTemp(t)
	assert.NoError(t, os.WriteFile("a.txt", []byte("a"), 0644))
	assert.NoError(t, os.WriteFile("b.txt", []byte("b"), 0644))

	backend := newFakeBackend()
	backend.failBlobs = map[string]bool{"hash-a": true, "hash-b": true}
	o := newTestOrchestrator(backend)

	err := o.publish(context.Background(), &capsule.Manifest{
		Outputs: []capsule.Output{
			{Path: "a.txt", ContentHash: "hash-a"},
			{Path: "b.txt", ContentHash: "hash-b"},
		},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "hash-a")
	assert.Contains(t, err.Error(), "hash-b")
	// Both uploads were attempted even though both fail.
	assert.Len(t, backend.putBlobsCalled, 2)
	assert.False(t, backend.putEntryCalled)
}

func TestRunPlaceboComparesEvenWhenCachedEntryHasNonZeroExitCode(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	backend.lookupErr = nil
	backend.blobs["blobhash"] = []byte("cached contents")
	// cache_failures is off and the cached entry failed, so this hit is not
	// restore-eligible in normal mode; placebo must still compare against it.
	backend.entry = &capsule.Manifest{ExitCode: 1, Outputs: []capsule.Output{{Path: "out.txt", ContentHash: "blobhash"}}}
	o := newTestOrchestrator(backend)

	memBackend := logging.InitForTesting(logging.WARNING)
	code, err := o.Run(context.Background(), Options{
		Mode:      ModePlacebo,
		CapsuleID: "//src/foo:bar",
		Outputs:   []string{"out.txt"},
		Argv:      []string{"sh", "-c", "echo fresh > out.txt; exit 0"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, code)

	var sawMismatch bool
	for node := memBackend.Head(); node != nil; node = node.Next() {
		if strings.Contains(node.Record.Message(), "placebo mismatch") {
			sawMismatch = true
		}
	}
	assert.True(t, sawMismatch, "expected a placebo mismatch warning; remembered was likely nil'd out by the cache_failures demotion")
}

func TestRunPlaceboAlwaysExecutesAndPublishesOnMatch(t *testing.T) {
	chdirTemp(t)
	backend := newFakeBackend()
	backend.lookupErr = nil
	backend.blobs["blobhash"] = []byte("hi\n")
	backend.entry = &capsule.Manifest{ExitCode: 0, Outputs: []capsule.Output{{Path: "out.txt", ContentHash: "blobhash"}}}
	o := newTestOrchestrator(backend)

	code, err := o.Run(context.Background(), Options{
		Mode:      ModePlacebo,
		CapsuleID: "//src/foo:bar",
		Outputs:   []string{"out.txt"},
		Argv:      []string{"sh", "-c", "echo hi > out.txt"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.True(t, backend.putEntryCalled)
}
