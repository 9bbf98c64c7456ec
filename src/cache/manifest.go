package cache

import (
	"encoding/json"

	"github.com/capsules-build/capsule/src/capsule"
)

// encodeManifest serializes a manifest into the stable, self-describing
// format written to the entry store. Field order is irrelevant to readers;
// json.Marshal is deterministic on write because Manifest and Output field
// order is fixed by their struct definitions.
func encodeManifest(m *capsule.Manifest) ([]byte, error) {
	return json.Marshal(m)
}

func decodeManifest(b []byte) (*capsule.Manifest, error) {
	m := &capsule.Manifest{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}
