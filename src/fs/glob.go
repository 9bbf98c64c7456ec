package fs

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// A matcher tests a single path against a compiled pattern.
type matcher interface {
	Match(name string) (bool, error)
}

type builtInGlob string

func (p builtInGlob) Match(name string) (bool, error) {
	matched, err := filepath.Match(string(p), name)
	if err != nil {
		return false, fmt.Errorf("invalid glob pattern %s: %w", string(p), err)
	}
	return matched, nil
}

type regexGlob struct {
	regex *regexp.Regexp
}

func (r regexGlob) Match(name string) (bool, error) {
	return r.regex.MatchString(name), nil
}

// patternToMatcher compiles a pattern into a matcher. Patterns without "**"
// use the standard library's filepath.Match; patterns with "**" are
// translated into a regex, since filepath.Match has no concept of
// recursive-descent matching.
func patternToMatcher(pattern string) (matcher, error) {
	if !strings.Contains(pattern, "**") {
		return builtInGlob(pattern), nil
	}
	regex, err := regexp.Compile(toRegexString(pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %s: %w", pattern, err)
	}
	return regexGlob{regex: regex}, nil
}

func toRegexString(pattern string) string {
	pattern = "^" + pattern + "$"
	pattern = strings.ReplaceAll(pattern, "+", "\\+")
	pattern = strings.ReplaceAll(pattern, ".", "\\.")
	pattern = strings.ReplaceAll(pattern, "?", ".")
	pattern = strings.ReplaceAll(pattern, "*", "[^/]*")
	pattern = strings.ReplaceAll(pattern, "[^/]*[^/]*", ".*")
	pattern = strings.ReplaceAll(pattern, "/.*/", "/(.*/)?")
	return pattern
}

// IsGlob returns true if the pattern contains characters that require expansion.
func IsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// Match reports whether a single path matches a single glob pattern, without
// touching the filesystem.
func Match(glob, path string) (bool, error) {
	m, err := patternToMatcher(glob)
	if err != nil {
		return false, err
	}
	return m.Match(path)
}

// A Globber expands glob patterns against the filesystem, caching directory
// walks so that multiple patterns sharing a root only pay for one walk.
// It is not safe for concurrent use.
type Globber struct {
	walkedDirs map[string]walkedDir
}

type walkedDir struct {
	fileNames []string
}

// NewGlobber constructs a Globber that walks the host filesystem relative to
// the current working directory, via the package's godirwalk-backed WalkMode.
func NewGlobber() *Globber {
	return &Globber{walkedDirs: map[string]walkedDir{}}
}

// Reset discards every cached directory walk, so the next Expand call walks
// the filesystem again instead of reusing a snapshot taken before it. Callers
// that expand the same Globber's patterns at two different points in time
// with filesystem changes in between (e.g. before and after running a
// command) must call Reset in between, or the second Expand will silently
// see the first's stale listing.
func (g *Globber) Reset() {
	g.walkedDirs = map[string]walkedDir{}
}

// Expand resolves a list of glob patterns against the current working
// directory, returning the matched regular-file paths deduplicated and
// sorted lexicographically. A pattern matching nothing contributes no
// paths and is not an error; an invalid pattern is.
func (g *Globber) Expand(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, pattern := range patterns {
		if pattern == "" {
			return nil, fmt.Errorf("empty glob pattern")
		}
		matches, err := g.expandOne(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *Globber) expandOne(pattern string) ([]string, error) {
	root := globRoot(pattern)
	m, err := patternToMatcher(pattern)
	if err != nil {
		return nil, err
	}
	dir, err := g.walkDir(root)
	if err != nil {
		if root != "." && isNotExist(err) {
			return nil, nil // nonexistent root directory: tolerant, like zero matches.
		}
		return nil, err
	}
	var matches []string
	for _, name := range dir.fileNames {
		ok, err := m.Match(name)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

// globRoot returns the longest path prefix of a pattern that contains no
// glob metacharacters, used to scope the directory walk. "a/b/*.go" walks
// from "a/b"; "**/*.go" walks from ".".
func globRoot(pattern string) string {
	parts := strings.Split(pattern, "/")
	var root []string
	for _, p := range parts {
		if IsGlob(p) {
			break
		}
		root = append(root, p)
	}
	if len(root) == 0 {
		return "."
	}
	// The last non-glob component might itself be the leaf file name of a
	// pattern with no directory part; keep walking from its parent in that case.
	if len(root) == len(parts) {
		root = root[:len(root)-1]
	}
	if len(root) == 0 {
		return "."
	}
	return strings.Join(root, "/")
}

func (g *Globber) walkDir(root string) (walkedDir, error) {
	if dir, ok := g.walkedDirs[root]; ok {
		return dir, nil
	}
	var dir walkedDir
	err := WalkMode(root, func(name string, mode Mode) error {
		if !mode.IsDir() {
			dir.fileNames = append(dir.fileNames, name)
		}
		return nil
	})
	if err != nil {
		return dir, err
	}
	g.walkedDirs[root] = dir
	return dir, nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "file does not exist")
}
