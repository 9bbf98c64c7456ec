package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/capsules-build/capsule/src/capsule"
)

// diff describes one divergence found while comparing a cached manifest
// against the one a placebo run just produced.
type diff struct {
	Path   string
	Cached string
	Fresh  string
}

func (d diff) String() string {
	return fmt.Sprintf("{path:%s, cached:%s, fresh:%s}", d.Path, d.Cached, d.Fresh)
}

// diffs is a structured placebo mismatch report: zero or more per-path
// divergences plus an optional exit code divergence.
type diffs struct {
	Outputs  []diff
	ExitCode *diff
}

func (d *diffs) String() string {
	parts := make([]string, 0, len(d.Outputs)+1)
	if d.ExitCode != nil {
		parts = append(parts, "exit_code "+d.ExitCode.String())
	}
	for _, o := range d.Outputs {
		parts = append(parts, o.String())
	}
	return strings.Join(parts, ", ")
}

// compare returns a structured diff between a cached manifest and a freshly
// produced one, or nil if they agree on every (path, content_hash) pair and
// on exit code.
func compare(cached, fresh *capsule.Manifest) *diffs {
	result := &diffs{}
	if cached.ExitCode != fresh.ExitCode {
		result.ExitCode = &diff{Cached: fmt.Sprint(cached.ExitCode), Fresh: fmt.Sprint(fresh.ExitCode)}
	}

	cachedByPath := map[string]string{}
	for _, o := range cached.Outputs {
		cachedByPath[o.Path] = o.ContentHash
	}
	freshByPath := map[string]string{}
	for _, o := range fresh.Outputs {
		freshByPath[o.Path] = o.ContentHash
	}

	paths := map[string]struct{}{}
	for p := range cachedByPath {
		paths[p] = struct{}{}
	}
	for p := range freshByPath {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	for _, p := range sorted {
		cachedHash, inCached := cachedByPath[p]
		freshHash, inFresh := freshByPath[p]
		switch {
		case inCached && !inFresh:
			result.Outputs = append(result.Outputs, diff{Path: p, Cached: cachedHash, Fresh: "<missing>"})
		case !inCached && inFresh:
			result.Outputs = append(result.Outputs, diff{Path: p, Cached: "<missing>", Fresh: freshHash})
		case cachedHash != freshHash:
			result.Outputs = append(result.Outputs, diff{Path: p, Cached: cachedHash, Fresh: freshHash})
		}
	}

	if result.ExitCode == nil && len(result.Outputs) == 0 {
		return nil
	}
	return result
}
