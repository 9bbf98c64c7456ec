// Package capsule implements the cache-key computation and output
// collection that sit either side of the wrapped command: expanding
// declared inputs and outputs into hashed, ordered records, and combining
// them into the single inputs hash a cache entry is keyed by.
package capsule

import "time"

// A FileInput is one resolved input file: its normalized path and the hex
// content hash of its bytes.
type FileInput struct {
	Path string
	Hash string
}

// A ToolTag is an opaque, non-empty string contributed by the caller to
// represent an out-of-tree dependency such as a compiler version.
type ToolTag string

// An Output is one entry in a cache entry's manifest: a declared output
// path together with the content hash and POSIX mode bits it was recorded
// with.
type Output struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	FileMode    uint32 `json:"file_mode"`
}

// A Manifest is the cache entry: the record published for one inputs hash
// describing what the wrapped command produced.
type Manifest struct {
	InputsHash string    `json:"inputs_hash"`
	Outputs    []Output  `json:"outputs"`
	ExitCode   int       `json:"exit_code"`
	SourceJob  string    `json:"source_job,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutputPaths returns the declared paths of every output in the manifest,
// in the order they were recorded.
func (m *Manifest) OutputPaths() []string {
	paths := make([]string, len(m.Outputs))
	for i, o := range m.Outputs {
		paths[i] = o.Path
	}
	return paths
}
