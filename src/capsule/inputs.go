package capsule

import (
	"sort"

	"gopkg.in/op/go-logging.v1"

	"github.com/capsules-build/capsule/src/fs"
)

var log = logging.MustGetLogger("capsule")

// A Collector expands glob patterns into hashed file inputs. It wraps a
// Globber and a PathHasher so the orchestrator doesn't have to wire them
// together itself.
type Collector struct {
	globber *fs.Globber
	hasher  *fs.PathHasher
}

// NewCollector returns a Collector that expands patterns relative to the
// current working directory and hashes matched files with hasher.
func NewCollector(globber *fs.Globber, hasher *fs.PathHasher) *Collector {
	return &Collector{globber: globber, hasher: hasher}
}

// CollectInputs expands patterns, deduplicates and lexicographically sorts
// the resulting paths, and hashes each one. A pattern matching nothing is
// not an error. The returned slice is ordered by normalized path.
func (c *Collector) CollectInputs(patterns []string) ([]FileInput, error) {
	paths, err := c.globber.Expand(patterns)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	hashes, err := c.hasher.HashAll(paths)
	if err != nil {
		return nil, err
	}
	inputs := make([]FileInput, len(paths))
	for i, p := range paths {
		inputs[i] = FileInput{Path: p, Hash: hashes[i]}
	}
	return inputs, nil
}

// HashToolTags converts a set of tool tags into ToolTags sorted by tag text,
// matching the aggregator's documented ordering policy (sorted, for
// stability against CLI reordering). It does not hash them itself; the
// aggregator feeds each tag's bytes into the inputs hash.
func HashToolTags(tags []string) []ToolTag {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	out := make([]ToolTag, len(sorted))
	for i, t := range sorted {
		out[i] = ToolTag(t)
	}
	return out
}
