package fs

import (
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/xattr"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("fs")

// symlinkHashValue is written to the hash in place of a symlink's contents
// when the link is dangling (its target does not exist).
var symlinkHashValue = []byte{2}

// A PathHasher hashes files, memoising results and collapsing concurrent
// requests for the same path into a single computation. It streams file
// contents through the hash rather than buffering them, so arbitrarily
// large inputs never need to be held in memory.
type PathHasher struct {
	new       func() hash.Hash
	memo      map[string][]byte
	wait      map[string]*pendingHash
	tasks     chan hashTask
	mutex     sync.RWMutex
	xattrName string
	useXattrs bool
	algo      string
}

type pendingHash struct {
	Ch   chan struct{}
	Hash []byte
	Err  error
}

type hashTask struct {
	Path string
	Ch   chan hashResult
}

type hashResult struct {
	Hash []byte
	Err  error
}

// NewPathHasher constructs a PathHasher for the given hash constructor and
// algorithm name. useXattrs enables best-effort caching of hashes in the
// user.capsule_hash[_algo] extended attribute, grounded on the observation
// that a build input rarely changes between consecutive invocations.
// parallelism controls how many files may be hashed concurrently when the
// caller hashes a batch via HashAll; it has no effect on single-path Hash.
func NewPathHasher(useXattrs bool, newHash func() hash.Hash, algo string, parallelism int) *PathHasher {
	xattrName := "user.capsule_hash"
	if algo != "sha256" {
		xattrName = fmt.Sprintf("user.capsule_hash_%s", algo)
	}
	h := &PathHasher{
		new:       newHash,
		memo:      map[string][]byte{},
		wait:      map[string]*pendingHash{},
		useXattrs: useXattrs,
		xattrName: xattrName,
		algo:      algo,
	}
	if parallelism > 1 {
		h.tasks = make(chan hashTask, 10*parallelism)
		for i := 0; i < parallelism; i++ {
			go h.runTask()
		}
	}
	return h
}

// Size returns the size in bytes of the digests this hasher produces.
func (hasher *PathHasher) Size() int {
	return hasher.new().Size()
}

// AlgoName returns the name of the hash algorithm in use.
func (hasher *PathHasher) AlgoName() string {
	return hasher.algo
}

// Hash returns the hex digest of the file at path. Results are memoised; pass
// recalc to force a fresh read. store permits the digest to be cached as an
// xattr on the file for future invocations to pick up.
func (hasher *PathHasher) Hash(path string, recalc, store bool) (string, error) {
	b, err := hasher.hashBytes(path, recalc, store)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

func (hasher *PathHasher) hashBytes(path string, recalc, store bool) ([]byte, error) {
	path = ensureRelative(path)
	if !recalc {
		hasher.mutex.RLock()
		cached, present := hasher.memo[path]
		hasher.mutex.RUnlock()
		if present {
			return cached, nil
		}
	}
	if !PathExists(path) {
		return nil, fmt.Errorf("cannot hash %s: %w", path, os.ErrNotExist)
	}
	hasher.mutex.Lock()
	if pending, present := hasher.wait[path]; present {
		hasher.mutex.Unlock()
		<-pending.Ch
		return pending.Hash, pending.Err
	}
	pending := &pendingHash{Ch: make(chan struct{})}
	hasher.wait[path] = pending
	hasher.mutex.Unlock()

	result, err := hasher.hash(path, store, !recalc)

	hasher.mutex.Lock()
	if err == nil {
		hasher.memo[path] = result
	}
	delete(hasher.wait, path)
	hasher.mutex.Unlock()

	pending.Hash, pending.Err = result, err
	close(pending.Ch)
	return result, err
}

// HashAll hashes a batch of paths, using the hasher's worker pool if one was
// configured, and returns results in the same order as the input. The order
// in which files are actually read is unspecified; callers that need a
// deterministic digest must sort before feeding results to an aggregator.
func (hasher *PathHasher) HashAll(paths []string) ([]string, error) {
	digests := make([]string, len(paths))
	if hasher.tasks == nil {
		for i, p := range paths {
			d, err := hasher.Hash(p, false, false)
			if err != nil {
				return nil, err
			}
			digests[i] = d
		}
		return digests, nil
	}
	type indexedResult struct {
		i   int
		d   string
		err error
	}
	results := make(chan indexedResult, len(paths))
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			d, err := hasher.hashQueued(p)
			results <- indexedResult{i, d, err}
		}(i, p)
	}
	wg.Wait()
	close(results)
	for r := range results {
		if r.err != nil {
			return nil, r.err
		}
		digests[r.i] = r.d
	}
	return digests, nil
}

// hashQueued is Hash's batch counterpart: it checks the memo cache directly,
// then hands the miss to the worker pool via hasher.tasks instead of reading
// the file on the calling goroutine, so HashAll's concurrency is actually
// bounded by parallelism rather than by one goroutine per path.
func (hasher *PathHasher) hashQueued(path string) (string, error) {
	path = ensureRelative(path)
	hasher.mutex.RLock()
	cached, present := hasher.memo[path]
	hasher.mutex.RUnlock()
	if present {
		return fmt.Sprintf("%x", cached), nil
	}
	if !PathExists(path) {
		return "", fmt.Errorf("cannot hash %s: %w", path, os.ErrNotExist)
	}

	task := hashTask{Path: path, Ch: make(chan hashResult, 1)}
	hasher.tasks <- task
	result := <-task.Ch
	if result.Err != nil {
		return "", result.Err
	}

	hasher.mutex.Lock()
	hasher.memo[path] = result.Hash
	hasher.mutex.Unlock()
	if hasher.useXattrs {
		hasher.storeHash(path, result.Hash)
	}
	return fmt.Sprintf("%x", result.Hash), nil
}

func (hasher *PathHasher) hash(path string, store, read bool) ([]byte, error) {
	if read && hasher.useXattrs {
		if b, err := xattr.LGet(path, hasher.xattrName); err == nil {
			return b, nil
		}
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return hasher.hashSymlink(path)
	}
	b, err := hasher.fileHash(path)
	if err != nil {
		return b, err
	}
	if store && hasher.useXattrs {
		hasher.storeHash(path, b)
	}
	return b, nil
}

// hashSymlink dereferences by default: the link's target contents are
// hashed, exactly as if the link were the file itself.
func (hasher *PathHasher) hashSymlink(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		// Dangling symlink: record a fixed marker rather than erroring, consistent
		// with treating broken links like any other unreadable input would be fatal
		// for, but a link with no target is distinguishable at least.
		h := hasher.new()
		h.Write(symlinkHashValue)
		return h.Sum(nil), nil
	}
	return hasher.fileHash(path)
}

// fileHash streams a file's contents through a fresh hash instance.
func (hasher *PathHasher) fileHash(filename string) ([]byte, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	h := hasher.new()
	if _, err := io.Copy(h, file); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// storeHash caches a digest as an xattr, best-effort. Failures are logged at
// debug level and otherwise ignored: this is a cache-warming optimisation,
// never a correctness requirement.
func (hasher *PathHasher) storeHash(path string, hash []byte) {
	if err := xattr.LSet(path, hasher.xattrName, hash); err != nil {
		if xerr, ok := err.(*xattr.Error); ok && os.IsPermission(xerr.Err) {
			if info, statErr := os.Lstat(path); statErr == nil {
				if chmodErr := os.Chmod(path, info.Mode()|0200); chmodErr == nil {
					defer os.Chmod(path, info.Mode())
					if err := xattr.LSet(path, hasher.xattrName, hash); err != nil {
						log.Debug("failed to store hash xattr on %s: %s", path, err)
					}
					return
				}
			}
		}
		log.Debug("failed to store hash xattr on %s: %s", path, err)
	}
}

func (hasher *PathHasher) runTask() {
	for task := range hasher.tasks {
		h, err := hasher.fileHash(task.Path)
		task.Ch <- hashResult{Hash: h, Err: err}
	}
}

// HashBytes hashes an arbitrary byte string that is not backed by a file on
// disk.
func (hasher *PathHasher) HashBytes(b []byte) string {
	h := hasher.new()
	h.Write(b)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// EmptyDigest returns the digest of the empty byte string for this hasher's
// algorithm, used by tests and by callers that need a defined value for
// "no content" without hashing a real empty file.
func (hasher *PathHasher) EmptyDigest() string {
	return fmt.Sprintf("%x", hasher.new().Sum(nil))
}

// ensureRelative strips a leading "./" so memoisation keys are stable
// regardless of how a caller spelled a path.
func ensureRelative(path string) string {
	return strings.TrimPrefix(path, "./")
}
