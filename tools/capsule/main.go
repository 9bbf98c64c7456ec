// Command capsule wraps a build step with content-addressed caching: it
// computes a deterministic hash over a step's declared inputs, looks up a
// previous result under that hash, and either restores the recorded
// outputs or runs the step and publishes what it produced.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/op/go-logging.v1"

	"github.com/capsules-build/capsule/internal/configload"
	"github.com/capsules-build/capsule/src/cache"
	"github.com/capsules-build/capsule/src/capsule"
	"github.com/capsules-build/capsule/src/cli"
	"github.com/capsules-build/capsule/src/fs"
	"github.com/capsules-build/capsule/src/observe"
	"github.com/capsules-build/capsule/src/orchestrator"
	"github.com/capsules-build/capsule/src/process"
)

var log = logging.MustGetLogger("capsule")

const version = "1.0.0"

var opts = struct {
	Usage string

	Verbosity cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	LogFile   string        `long:"log_file" description:"File to log to, in addition to stderr"`

	CapsuleID     string   `short:"c" long:"capsule_id" description:"ID of the capsule, usually a build target path"`
	CapsuleJob    string   `short:"j" long:"capsule_job" description:"ID of the capsule job; recorded on published entries and observability events"`
	File          string   `short:"F" long:"file" description:"Path to a directory config file, optionally suffixed :section to select a non-default section"`
	Input         []string `short:"i" long:"input" description:"Declared input file or glob pattern (repeatable)"`
	ToolTag       []string `short:"t" long:"tool_tag" description:"Opaque tool version tag contributing to the inputs hash (repeatable)"`
	Output        []string `short:"o" long:"output" description:"Declared output file or glob pattern, resolved after the command runs (repeatable)"`
	InputsHash    bool     `long:"inputs_hash" description:"Print the computed inputs hash and exit, without lookup, execution, or publish"`
	InputsHashVar string   `long:"inputs_hash_var" default:"CAPSULE_INPUTS_HASH" description:"Environment variable the inputs hash is injected under for the wrapped command"`

	Passive       bool `long:"passive" description:"Run the wrapped command directly, skipping every cache operation"`
	Placebo       bool `short:"p" long:"placebo" description:"Always execute, compare against any cached entry, and always publish"`
	CacheFailures bool `short:"f" long:"cache_failures" description:"Treat a cached entry with a non-zero exit code as a hit instead of a miss"`

	CaptureStdout bool `long:"capture_stdout" description:"Accepted for compatibility; stdout capture is not implemented, the wrapped command inherits the terminal"`
	CaptureStderr bool `long:"capture_stderr" description:"Accepted for compatibility; stderr capture is not implemented, the wrapped command inherits the terminal"`

	Backend      string `short:"b" long:"backend" choice:"dummy" choice:"s3" choice:"local" default:"dummy" description:"Cache backend to use"`
	HashFunction string `long:"hash_function" choice:"sha256" choice:"blake3" default:"sha256" description:"Content hash algorithm used for inputs, outputs and the inputs hash"`

	S3Bucket           string `long:"s3_bucket" description:"S3 bucket holding entry manifests"`
	S3BucketObjects    string `long:"s3_bucket_objects" description:"S3 bucket holding content-addressed blobs"`
	S3Endpoint         string `long:"s3_endpoint" description:"S3 endpoint"`
	S3Region           string `long:"s3_region" description:"S3 region"`
	S3UploadEndpoint   string `long:"s3_uploads_endpoint" description:"S3 endpoint for uploads, if it differs from --s3_endpoint"`
	S3UploadRegion     string `long:"s3_uploads_region" description:"S3 region for uploads, if it differs from --s3_region"`
	S3DownloadEndpoint string `long:"s3_downloads_endpoint" description:"S3 endpoint for downloads, if it differs from --s3_endpoint"`
	S3DownloadRegion   string `long:"s3_downloads_region" description:"S3 region for downloads, if it differs from --s3_region"`
	S3UseSSL           bool   `long:"s3_use_ssl" description:"Use TLS when talking to S3"`
	S3ShardPrefixLen   int    `long:"s3_shard_prefix_len" default:"2" description:"Length of the hex prefix used to shard S3 object keys into subdirectories"`

	LocalDir            string       `long:"local_dir" default:"~/.cache/capsule" description:"Directory the local backend stores entries and blobs under"`
	LocalHighWaterMark  cli.ByteSize `long:"local_high_water_mark" default:"10G" description:"Local cache size that triggers eviction"`
	LocalLowWaterMark   cli.ByteSize `long:"local_low_water_mark" default:"8G" description:"Local cache size eviction stops at"`
	LocalCleanFrequency cli.Duration `long:"local_clean_frequency" default:"10m" description:"How often to check the local cache size"`

	HoneycombDataset  string            `long:"honeycomb_dataset" description:"Honeycomb dataset to export the invocation event to"`
	HoneycombToken    string            `long:"honeycomb_token" description:"Honeycomb API key; if unset, no event is exported over the network"`
	HoneycombTraceID  string            `long:"honeycomb_trace_id" description:"Trace ID of a remote parent span to attach this invocation's span to"`
	HoneycombParentID string            `long:"honeycomb_parent_id" description:"Span ID of a remote parent span to attach this invocation's span to"`
	HoneycombKV       map[string]string `long:"honeycomb_kv" description:"Extra key=value attribute to attach to the invocation's observability event (repeatable)"`

	Args struct {
		Command []string `positional-arg-name:"command" description:"The command to run, given after --"`
	} `positional-args:"true"`
}{
	Usage: `
capsule wraps a single build step so that repeated invocations with the same
declared inputs can be served from a cache instead of re-executed.

Typical usage:

  capsule -c //src/foo:bar -i src/foo/*.go -o foo.bin -- go build -o foo.bin ./src/foo

A symlink to this binary named "placebo" runs in placebo mode unconditionally.
`,
}

func main() {
	expanded, err := configload.ExpandArgs(os.Args)
	if err != nil {
		log.Fatalf("%s", err)
	}
	os.Args = expanded

	cli.ParseFlagsOrDie("capsule", version, &opts)
	cli.InitLogging(opts.Verbosity)
	if opts.LogFile != "" {
		cli.InitFileLogging(opts.LogFile, opts.Verbosity)
	}

	if err := loadFileConfig(); err != nil {
		log.Fatalf("%s", err)
	}

	mode := orchestrator.ModeNormal
	switch {
	case opts.Passive:
		mode = orchestrator.ModePassive
	case opts.InputsHash:
		mode = orchestrator.ModeInputsHashOnly
	case opts.Placebo || configload.IsPlaceboInvocation(os.Args[0]):
		mode = orchestrator.ModePlacebo
	}

	if opts.CaptureStdout || opts.CaptureStderr {
		log.Warning("--capture_stdout/--capture_stderr are accepted but not implemented; the wrapped command's stdio is inherited unchanged")
	}

	backend, err := newBackend()
	if err != nil {
		log.Fatalf("configuring %s backend: %s", opts.Backend, err)
	}

	emitter, err := newEmitter()
	if err != nil {
		log.Fatalf("configuring observability: %s", err)
	}
	if emitter != nil {
		defer emitter.Shutdown(context.Background())
	}

	newHash, err := hashFuncFor(opts.HashFunction)
	if err != nil {
		log.Fatalf("%s", err)
	}
	globber := fs.NewGlobber()
	hasher := fs.NewPathHasher(true, newHash, opts.HashFunction, 4)
	collector := capsule.NewCollector(globber, hasher)
	aggregator := capsule.NewAggregator(newHash)
	executor := process.New()

	orch := orchestrator.New(collector, aggregator, backend, executor, emitter)

	command := opts.Args.Command
	if len(command) == 0 && mode != orchestrator.ModeInputsHashOnly {
		log.Fatalf("no command given; pass it after --")
	}

	code, err := orch.Run(context.Background(), orchestrator.Options{
		CapsuleID:     opts.CapsuleID,
		SourceJob:     opts.CapsuleJob,
		Inputs:        opts.Input,
		Outputs:       opts.Output,
		ToolTags:      opts.ToolTag,
		Argv:          command,
		Dir:           "",
		Mode:          mode,
		CacheFailures: opts.CacheFailures,
		InputsHashVar: opts.InputsHashVar,
		Observe: observe.Config{
			Dataset:  opts.HoneycombDataset,
			APIKey:   opts.HoneycombToken,
			TraceID:  opts.HoneycombTraceID,
			ParentID: opts.HoneycombParentID,
			KV:       opts.HoneycombKV,
		},
	})
	if err != nil {
		log.Fatalf("%s", err)
	}
	os.Exit(code)
}

// loadFileConfig applies the $HOME/.capsules.toml / ./Capsule.toml / --file
// precedence chain on top of whatever flags were already parsed from the
// command line and CAPSULE_ARGS. Flags set explicitly on the command line
// are never overwritten: a file only fills in what wasn't already given.
// --file overrides which directory config file is read; absent that flag,
// ./Capsule.toml in the current directory is consulted by default, exactly
// like the home file.
func loadFileConfig() error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	var homeSection *configload.Section
	if home != "" {
		homeSection, err = configload.LoadHome(filepath.Join(home, ".capsules.toml"))
		if err != nil {
			return err
		}
	} else {
		homeSection = &configload.Section{}
	}

	fileFlag := opts.File
	if fileFlag == "" {
		fileFlag = "Capsule.toml"
	}

	path, explicitSection, err := configload.SplitFileFlag(fileFlag)
	if err != nil {
		return err
	}
	sections, err := configload.LoadSections(path)
	if err != nil {
		return err
	}
	capsuleID, err := configload.ResolveCapsuleID(opts.CapsuleID, explicitSection, sections)
	if err != nil {
		if opts.Passive || opts.InputsHash {
			applySection(homeSection)
			return nil
		}
		return err
	}
	dirSection := sections[capsuleID]
	applySection(configload.Merge(homeSection, dirSection))
	if opts.CapsuleID == "" {
		opts.CapsuleID = capsuleID
	}
	return nil
}

// applySection fills in flags that weren't set explicitly on the command
// line. List-valued flags accumulate; scalar flags are only filled when
// still at their zero value.
func applySection(s *configload.Section) {
	if s == nil {
		return
	}
	opts.Input = append(opts.Input, s.Inputs...)
	opts.ToolTag = append(opts.ToolTag, s.ToolTags...)
	opts.Output = append(opts.Output, s.Outputs...)
	if opts.CapsuleID == "" {
		opts.CapsuleID = s.CapsuleID
	}
	if !opts.CaptureStdout {
		opts.CaptureStdout = s.CaptureStdout
	}
	if !opts.CaptureStderr {
		opts.CaptureStderr = s.CaptureStderr
	}
	if opts.HoneycombDataset == "" {
		opts.HoneycombDataset = s.HoneycombDataset
	}
	if opts.HoneycombToken == "" {
		opts.HoneycombToken = s.HoneycombToken
	}
}

func newBackend() (cache.Backend, error) {
	switch opts.Backend {
	case "s3":
		return cache.NewS3Backend(cache.S3Config{
			Bucket:           opts.S3Bucket,
			BucketObjects:    opts.S3BucketObjects,
			Endpoint:         opts.S3Endpoint,
			Region:           opts.S3Region,
			UploadEndpoint:   opts.S3UploadEndpoint,
			UploadRegion:     opts.S3UploadRegion,
			DownloadEndpoint: opts.S3DownloadEndpoint,
			DownloadRegion:   opts.S3DownloadRegion,
			UseSSL:           opts.S3UseSSL,
			Timeout:          30 * time.Second,
			ShardPrefixLen:   opts.S3ShardPrefixLen,
		})
	case "local":
		dir := opts.LocalDir
		if strings.HasPrefix(dir, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(home, dir[2:])
		}
		return cache.NewLocalBackend(cache.LocalConfig{
			Dir:            dir,
			CleanFrequency: time.Duration(opts.LocalCleanFrequency),
			HighWaterMark:  uint64(opts.LocalHighWaterMark),
			LowWaterMark:   uint64(opts.LocalLowWaterMark),
		})
	default:
		return cache.NewDummyBackend(), nil
	}
}

func newEmitter() (*observe.Emitter, error) {
	if opts.HoneycombToken == "" && opts.HoneycombDataset == "" {
		return nil, nil
	}
	return observe.New(context.Background(), "capsule", version, observe.Config{
		Dataset: opts.HoneycombDataset,
		APIKey:  opts.HoneycombToken,
	})
}

// hashFuncFor resolves --hash_function to a constructor usable by both the
// path hasher and the inputs-hash aggregator. blake3 is offered as a faster
// opt-in; sha256 remains the default everywhere a capsule isn't configured
// otherwise.
func hashFuncFor(name string) (func() hash.Hash, error) {
	switch name {
	case "", "sha256":
		return sha256.New, nil
	case "blake3":
		return func() hash.Hash { return blake3.New() }, nil
	default:
		return nil, fmt.Errorf("unknown hash function %q", name)
	}
}
