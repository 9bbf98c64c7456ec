package capsule

import (
	"encoding/hex"
	"hash"
)

// versionSalt guards against cross-version cache reuse. Bumping it
// invalidates every existing entry; that is the documented mechanism for
// forcing a clean recompute when the hashing semantics here change.
const versionSalt = "capsule-inputs-v1"

var fieldSep = []byte{0}
var groupSep = []byte{0, 0}

// Aggregator combines a resolved input set, tool tags and a capsule id into
// the single inputs hash a cache entry is keyed by.
type Aggregator struct {
	newHash func() hash.Hash
}

// NewAggregator returns an Aggregator that hashes with newHash, which must
// match the hash used to produce the FileInput content hashes being fed in.
func NewAggregator(newHash func() hash.Hash) *Aggregator {
	return &Aggregator{newHash: newHash}
}

// Aggregate computes the inputs hash for a capsule id, an ordered set of
// file inputs (already sorted by path) and a set of tool tags (already
// sorted per the documented tool-tag ordering policy).
//
// Bytes are fed into a fresh hasher in a fixed order: the version salt, the
// capsule id, each (path, hash) pair in the given order, a group separator,
// then each tool tag. Aggregate does not sort: the same inputs in a
// different order yield a different digest, which is why callers pass them
// already sorted. Any change to a path, a hash, a tag, or the capsule id
// changes the digest.
func (a *Aggregator) Aggregate(capsuleID string, inputs []FileInput, tags []ToolTag) string {
	h := a.newHash()
	h.Write([]byte(versionSalt))
	h.Write([]byte(capsuleID))
	h.Write(fieldSep)
	for _, in := range inputs {
		h.Write([]byte(in.Path))
		h.Write(fieldSep)
		h.Write([]byte(in.Hash))
		h.Write(fieldSep)
	}
	h.Write(groupSep)
	for _, tag := range tags {
		h.Write([]byte(tag))
		h.Write(fieldSep)
	}
	return hex.EncodeToString(h.Sum(nil))
}
