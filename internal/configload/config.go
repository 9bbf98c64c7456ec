// Package configload resolves the configuration precedence chain a capsule
// invocation reads before command-line flags are applied: a per-user
// defaults file, a per-directory file with one section per capsule, and the
// CAPSULE_ARGS environment variable. None of it replaces flag parsing; it
// only produces the inputs the flag parser and the caller layer on top of.
package configload

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/gcfg.v1"
)

// Section holds the fields a config file section may set. Zero-valued
// fields are not considered to override anything when merging, so a
// section only needs to mention what it wants to change.
type Section struct {
	CapsuleID        string
	Inputs           []string `gcfg:"input"`
	ToolTags         []string `gcfg:"tool-tag"`
	Outputs          []string `gcfg:"output"`
	CaptureStdout    bool
	CaptureStderr    bool
	Verbose          bool
	HoneycombDataset string
	HoneycombToken   string
}

// fileFormat is the gcfg shape of a Capsule.toml file: a single top-level
// section named "capsule", subsectioned by capsule id, e.g.
//
//	[capsule "//src/foo:bar"]
//	input = src/foo/main.go
//	output = foo.bin
type fileFormat struct {
	Capsule map[string]*Section
}

// LoadHome reads the user-level defaults file, if present. A missing file
// is not an error: every invocation works without one. A home file with
// more than one capsule section is rejected, since there is no directory
// context to pick one from.
func LoadHome(path string) (*Section, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if len(cfg.Capsule) == 0 {
		return &Section{}, nil
	}
	if len(cfg.Capsule) > 1 {
		return nil, fmt.Errorf("%s: default config file must have at most one capsule section", path)
	}
	for _, s := range cfg.Capsule {
		return s, nil
	}
	return &Section{}, nil
}

// LoadSections reads a directory config file keyed by capsule id. A missing
// file yields an empty, non-nil map.
func LoadSections(path string) (map[string]*Section, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Capsule == nil {
		return map[string]*Section{}, nil
	}
	return cfg.Capsule, nil
}

func readFile(path string) (*fileFormat, error) {
	cfg := &fileFormat{}
	if err := gcfg.ReadFileInto(cfg, path); err != nil {
		if os.IsNotExist(err) {
			return &fileFormat{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return cfg, nil
}

var fileFlagRE = regexp.MustCompile(`^([^:]*)(?::([a-zA-Z0-9_]+))?$`)

// SplitFileFlag parses the --file flag's "path[:section]" syntax. An
// explicit section names the capsule whose section is read when no
// --capsule_id flag is given; an explicit --capsule_id still takes
// precedence (see ResolveCapsuleID).
func SplitFileFlag(value string) (path, section string, err error) {
	m := fileFlagRE.FindStringSubmatch(value)
	if m == nil {
		return "", "", fmt.Errorf("invalid --file value %q", value)
	}
	return m[1], m[2], nil
}

// ResolveCapsuleID applies the fallback chain: an explicit --capsule_id flag
// wins, then an explicit section name from --file, then, if the directory
// file declares exactly one section, that section's name.
func ResolveCapsuleID(flagValue, fileSection string, sections map[string]*Section) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if fileSection != "" {
		return fileSection, nil
	}
	if len(sections) == 1 {
		for id := range sections {
			return id, nil
		}
	}
	return "", fmt.Errorf("cannot determine capsule_id: pass --capsule_id, a --file section, or a config file with exactly one section")
}

// Merge layers a directory section over a user defaults section. List
// fields accumulate from both; scalar fields take the directory section's
// value when it sets one, else fall back to the default.
func Merge(home, dir *Section) *Section {
	if home == nil {
		home = &Section{}
	}
	if dir == nil {
		copied := *home
		return &copied
	}
	merged := *home
	if dir.CapsuleID != "" {
		merged.CapsuleID = dir.CapsuleID
	}
	merged.Inputs = append(append([]string{}, home.Inputs...), dir.Inputs...)
	merged.ToolTags = append(append([]string{}, home.ToolTags...), dir.ToolTags...)
	merged.Outputs = append(append([]string{}, home.Outputs...), dir.Outputs...)
	merged.Verbose = home.Verbose || dir.Verbose
	merged.CaptureStdout = home.CaptureStdout || dir.CaptureStdout
	merged.CaptureStderr = home.CaptureStderr || dir.CaptureStderr
	if dir.HoneycombDataset != "" {
		merged.HoneycombDataset = dir.HoneycombDataset
	}
	if dir.HoneycombToken != "" {
		merged.HoneycombToken = dir.HoneycombToken
	}
	return &merged
}

// ExpandArgs splits the CAPSULE_ARGS environment variable using shell
// word-splitting rules and inserts the result immediately after argv[0], so
// flags given explicitly on the command line still appear later in the
// slice and win under the flag parser's last-value-wins semantics.
func ExpandArgs(argv []string) ([]string, error) {
	raw := os.Getenv("CAPSULE_ARGS")
	if strings.TrimSpace(raw) == "" {
		return argv, nil
	}
	extra, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing CAPSULE_ARGS: %w", err)
	}
	if len(argv) == 0 {
		return extra, nil
	}
	out := make([]string, 0, len(argv)+len(extra))
	out = append(out, argv[0])
	out = append(out, extra...)
	out = append(out, argv[1:]...)
	return out, nil
}

// IsPlaceboInvocation reports whether the program was invoked under the
// base name "placebo", the on-disk equivalent (usually a symlink to the
// capsule binary) of passing --placebo explicitly.
func IsPlaceboInvocation(argv0 string) bool {
	return filepath.Base(argv0) == "placebo"
}
