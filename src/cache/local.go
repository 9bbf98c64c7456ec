package cache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"

	"github.com/capsules-build/capsule/src/capsule"
	"github.com/capsules-build/capsule/src/cmap"
	"github.com/capsules-build/capsule/src/fs"
)

// LocalConfig configures the local-disk backend. It is an operator
// convenience for sites that don't want to run S3: entries and blobs are
// stored as plain files under Dir, with the same two-tier separation the
// S3 backend uses.
type LocalConfig struct {
	Dir            string
	CleanFrequency time.Duration
	HighWaterMark  uint64
	LowWaterMark   uint64
}

// localBackend implements Backend on the local filesystem. Recently
// written or read entries are tracked in a concurrent map so a background
// cleaner can run LRU eviction without serializing against lookups.
type localBackend struct {
	entriesDir string
	blobsDir   string
	touched    *cmap.Map[string, int64]
	totalSize  int64
}

// NewLocalBackend returns a Backend rooted at cfg.Dir, creating the
// entries/ and blobs/ subdirectories if needed, and starts a background
// cleaner goroutine when CleanFrequency is set.
func NewLocalBackend(cfg LocalConfig) (Backend, error) {
	entriesDir := filepath.Join(cfg.Dir, "entries")
	blobsDir := filepath.Join(cfg.Dir, "blobs")
	if err := fs.EnsureDir(filepath.Join(entriesDir, "x")); err != nil {
		return nil, err
	}
	if err := fs.EnsureDir(filepath.Join(blobsDir, "x")); err != nil {
		return nil, err
	}
	b := &localBackend{
		entriesDir: entriesDir,
		blobsDir:   blobsDir,
		touched:    cmap.New[string, int64](cmap.DefaultShardCount, cmap.XXHash),
	}
	if size, err := dirSize(cfg.Dir); err == nil {
		atomic.StoreInt64(&b.totalSize, size)
	}
	if cfg.CleanFrequency > 0 {
		go b.cleanLoop(cfg.CleanFrequency, cfg.HighWaterMark, cfg.LowWaterMark)
	}
	return b, nil
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) entryPath(inputsHash string) string {
	return filepath.Join(b.entriesDir, inputsHash)
}

func (b *localBackend) blobPath(contentHash string) string {
	return filepath.Join(b.blobsDir, contentHash)
}

func (b *localBackend) touch(path string, size int64) {
	b.touched.Set(path, size)
}

func (b *localBackend) LookupEntry(ctx context.Context, inputsHash string) (*capsule.Manifest, error) {
	p := b.entryPath(inputsHash)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.touch(p, int64(len(data)))
	return decodeManifest(data)
}

func (b *localBackend) PutEntry(ctx context.Context, manifest *capsule.Manifest) error {
	data, err := encodeManifest(manifest)
	if err != nil {
		return err
	}
	p := b.entryPath(manifest.InputsHash)
	if err := fs.WriteFile(bytes.NewReader(data), p, 0644); err != nil {
		return err
	}
	b.touch(p, int64(len(data)))
	atomic.AddInt64(&b.totalSize, int64(len(data)))
	return nil
}

func (b *localBackend) FetchBlob(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	p := b.blobPath(contentHash)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info, err := f.Stat(); err == nil {
		b.touch(p, info.Size())
	}
	return f, nil
}

func (b *localBackend) PutBlob(ctx context.Context, contentHash string, size int64, r io.Reader) error {
	p := b.blobPath(contentHash)
	if fs.FileExists(p) {
		// Content-addressed: an existing blob under this hash is already
		// the right bytes, so draining and discarding the upload is
		// sufficient to keep put_blob idempotent.
		_, err := io.Copy(io.Discard, r)
		b.touch(p, size)
		return err
	}
	if err := fs.WriteFile(r, p, 0644); err != nil {
		return err
	}
	b.touch(p, size)
	atomic.AddInt64(&b.totalSize, size)
	return nil
}

// cleanEntry records the on-disk size and last-access time of one file
// discovered while scanning the cache directory for eviction.
type cleanEntry struct {
	Path  string
	Size  int64
	Atime int64
}

// cleanLoop runs LRU eviction on a fixed schedule until the process exits.
func (b *localBackend) cleanLoop(frequency time.Duration, highWaterMark, lowWaterMark uint64) {
	t := time.NewTicker(frequency)
	defer t.Stop()
	for range t.C {
		b.clean(highWaterMark, lowWaterMark)
	}
}

func (b *localBackend) clean(highWaterMark, lowWaterMark uint64) {
	entries := []cleanEntry{}
	var totalSize int64
	for _, dir := range []string{b.entriesDir, b.blobsDir} {
		_ = fs.Walk(dir, func(path string, isDir bool) error {
			if isDir {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			totalSize += info.Size()
			entries = append(entries, cleanEntry{
				Path:  path,
				Size:  info.Size(),
				Atime: atime.Get(info).Unix(),
			})
			return nil
		})
	}
	atomic.StoreInt64(&b.totalSize, totalSize)
	if uint64(totalSize) < highWaterMark {
		return
	}
	log.Info("local cache size %s exceeds high water mark %s, cleaning", humanize.Bytes(uint64(totalSize)), humanize.Bytes(highWaterMark))
	sort.Slice(entries, func(i, j int) bool { return entries[i].Atime < entries[j].Atime })
	for _, entry := range entries {
		if b.touched.Contains(entry.Path) {
			continue
		}
		if err := os.Remove(entry.Path); err != nil {
			continue
		}
		totalSize -= entry.Size
		if uint64(totalSize) < lowWaterMark {
			break
		}
	}
	atomic.StoreInt64(&b.totalSize, totalSize)
}

func dirSize(root string) (int64, error) {
	var size int64
	err := fs.Walk(root, func(path string, isDir bool) error {
		if isDir {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		size += info.Size()
		return nil
	})
	return size, err
}
