package fs

import (
	"os"

	"github.com/karrick/godirwalk"
)

// Mode exposes the bits of os.FileMode that distinguish a directory, a
// symlink and a regular file, without exposing permission bits a walk
// callback has no business inspecting.
type Mode interface {
	IsDir() bool
	IsSymlink() bool
	IsRegular() bool

	ModeType() os.FileMode
}

type fileMode os.FileMode

func (m fileMode) IsDir() bool { return os.FileMode(m).IsDir() }

func (m fileMode) IsRegular() bool { return os.FileMode(m).IsRegular() }

func (m fileMode) IsSymlink() bool { return os.FileMode(m)&os.ModeSymlink != 0 }

func (m fileMode) ModeType() os.FileMode { return os.FileMode(m) }

// Walk visits every file and directory under rootPath, godirwalk-backed
// rather than the standard library's filepath.Walk (this tree's LRU eviction
// scan in src/cache/local.go and the glob expander in glob.go both walk
// directories that can be large, and godirwalk avoids filepath.Walk's
// per-entry os.Lstat call by reading the mode type directly off each
// directory entry). Walk only needs to know directory-or-not; WalkMode below
// is for callers that need the finer-grained distinction.
func Walk(rootPath string, callback func(name string, isDir bool) error) error {
	return WalkMode(rootPath, func(name string, mode Mode) error {
		return callback(name, mode.IsDir())
	})
}

// WalkMode is Walk but the callback also receives the entry's mode type
// (directory, symlink or regular file); permission bits are not included.
func WalkMode(rootPath string, callback func(name string, mode Mode) error) error {
	info, err := os.Lstat(rootPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		// rootPath is itself a file: filepath.Walk allows this, and glob.go
		// relies on it for a pattern whose root is a single named file
		// rather than a directory.
		return callback(rootPath, fileMode(info.Mode().Type()))
	}
	return godirwalk.Walk(rootPath, &godirwalk.Options{
		Callback: func(name string, entry *godirwalk.Dirent) error {
			return callback(name, entry)
		},
	})
}
