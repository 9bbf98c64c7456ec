package capsule

import (
	"os"
)

// CollectOutputs expands each declared output pattern against the working
// directory as it exists after the wrapped command has exited, hashes every
// resolved file and records it with its declared path and POSIX mode bits.
// A pattern producing zero matches is recorded as absent, not an error, and
// simply contributes nothing to the returned slice.
func (c *Collector) CollectOutputs(patterns []string) ([]Output, error) {
	// The command just ran and may have created, modified or removed files
	// under a root CollectInputs already walked; a cached listing from before
	// execution would hide exactly the files this call exists to find.
	c.globber.Reset()

	outputs := []Output{}
	for _, pattern := range patterns {
		paths, err := c.globber.Expand([]string{pattern})
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				log.Warning("skipping output %s, could not stat: %s", p, err)
				continue
			}
			hexHash, err := c.hasher.Hash(p, false, true)
			if err != nil {
				log.Warning("skipping output %s, could not hash: %s", p, err)
				continue
			}
			outputs = append(outputs, Output{
				Path:        p,
				ContentHash: hexHash,
				FileMode:    uint32(info.Mode().Perm()),
			})
		}
	}
	return outputs, nil
}
