// Package orchestrator implements the decision state machine that composes
// input collection, cache lookup, command execution and publish into one
// capsule invocation, degrading conservatively on any backend failure.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/capsules-build/capsule/src/cache"
	"github.com/capsules-build/capsule/src/capsule"
	"github.com/capsules-build/capsule/src/fs"
	"github.com/capsules-build/capsule/src/observe"
	"github.com/capsules-build/capsule/src/process"
)

var log = logging.MustGetLogger("orchestrator")

// A Mode selects which of the four top-level behaviours an invocation runs.
type Mode int

const (
	// ModeNormal runs the full lookup/restore/execute/publish flow.
	ModeNormal Mode = iota
	// ModePassive skips all cache logic; exec and exit with the child's status.
	ModePassive
	// ModeInputsHashOnly computes and prints the inputs hash, then exits 0.
	ModeInputsHashOnly
	// ModePlacebo always executes, compares against any cached entry, and
	// always publishes.
	ModePlacebo
)

// MaxParallelBlobs bounds how many blob uploads or downloads run
// concurrently within a single invocation.
const MaxParallelBlobs = 8

// Options describes one invocation: what to hash, what to run, what to
// collect afterwards, and which policies govern the decision.
type Options struct {
	CapsuleID     string
	Inputs        []string
	Outputs       []string
	ToolTags      []string
	Argv          []string
	Dir           string
	Mode          Mode
	CacheFailures bool
	InputsHashVar string
	SourceJob     string
	Observe       observe.Config
}

func (o Options) inputsHashVar() string {
	if o.InputsHashVar != "" {
		return o.InputsHashVar
	}
	return process.DefaultInputsHashEnvVar
}

// An Orchestrator wires together the components a capsule invocation needs:
// the input/output collector, the inputs-hash aggregator, a cache backend,
// the child process executor and the observability emitter.
type Orchestrator struct {
	collector  *capsule.Collector
	aggregator *capsule.Aggregator
	backend    cache.Backend
	executor   *process.Executor
	emitter    *observe.Emitter
}

// New returns an Orchestrator wired against the given components. emitter
// may be nil, in which case no observability events are emitted.
func New(collector *capsule.Collector, aggregator *capsule.Aggregator, backend cache.Backend, executor *process.Executor, emitter *observe.Emitter) *Orchestrator {
	return &Orchestrator{collector: collector, aggregator: aggregator, backend: backend, executor: executor, emitter: emitter}
}

// Run executes one invocation and returns the exit code the wrapper should
// exit with. Only three conditions make Run return an error: failure to
// spawn the child process, misconfiguration detected before lookup, and
// failure to expand or hash a declared input. Every
// other failure is absorbed into conservative degradation and reflected
// only in the exit code and the emitted observability event.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (int, error) {
	if opts.Mode == ModePassive {
		return o.runPassive(opts)
	}
	if opts.CapsuleID == "" {
		return 0, fmt.Errorf("capsule_id is required in this mode")
	}

	inputs, err := o.collector.CollectInputs(opts.Inputs)
	if err != nil {
		return 0, fmt.Errorf("collecting declared inputs: %w", err)
	}
	tags := capsule.HashToolTags(opts.ToolTags)
	inputsHash := o.aggregator.Aggregate(opts.CapsuleID, inputs, tags)

	if opts.Mode == ModeInputsHashOnly {
		fmt.Println(inputsHash)
		return 0, nil
	}

	inv := o.beginInvocation(ctx, opts, inputsHash)
	ctx = inv.ctx
	defer inv.finish()

	entry, lookupErr := o.backend.LookupEntry(ctx, inputsHash)
	hit := lookupErr == nil
	if lookupErr != nil && lookupErr != cache.ErrNotFound {
		log.Warning("cache lookup failed, degrading to execute: %s", lookupErr)
	}

	// The cache_failures policy only governs whether a hit is eligible for
	// restore in normal mode. Placebo mode always compares against any hit
	// it finds, regardless of the cached entry's exit code, so that carries
	// forward from the raw lookup result rather than this demoted one.
	restoreEligible := hit
	if restoreEligible && entry.ExitCode != 0 && !opts.CacheFailures {
		log.Debug("cached entry has non-zero exit code %d and cache_failures is off, treating as miss", entry.ExitCode)
		restoreEligible = false
	}

	if restoreEligible && opts.Mode == ModeNormal {
		if restoreErr := o.restore(ctx, entry); restoreErr == nil {
			inv.record(observe.DecisionHit, nil)
			return entry.ExitCode, nil
		} else {
			log.Warning("restore failed, falling back to execute: %s", restoreErr)
		}
	}

	var remembered *capsule.Manifest
	if hit && opts.Mode == ModePlacebo {
		remembered = entry
	}

	env := process.EnvWithInputsHash(os.Environ(), opts.inputsHashVar(), inputsHash)
	code, signaled, runErr := o.executor.Run(opts.Dir, env, opts.Argv)
	if runErr != nil {
		inv.record(observe.DecisionError, runErr)
		return 0, fmt.Errorf("failed to start wrapped command: %w", runErr)
	}
	if signaled {
		log.Debug("execution was interrupted by a forwarded signal, skipping output collection and publish")
		inv.record(observe.DecisionInterrupted, nil)
		return code, nil
	}

	outputs, collectErr := o.collector.CollectOutputs(opts.Outputs)
	if collectErr != nil {
		log.Warning("collecting outputs failed, nothing will be published: %s", collectErr)
		inv.record(observe.DecisionError, collectErr)
		return code, nil
	}

	fresh := &capsule.Manifest{
		InputsHash: inputsHash,
		Outputs:    outputs,
		ExitCode:   code,
		SourceJob:  opts.SourceJob,
		CreatedAt:  time.Now(),
	}

	decision := observe.DecisionMiss
	if remembered != nil {
		if mismatch := compare(remembered, fresh); mismatch != nil {
			log.Warning("placebo mismatch for %s: %s", opts.CapsuleID, mismatch)
			decision = observe.DecisionPlaceboMismatch
		} else {
			decision = observe.DecisionPlaceboMatch
		}
	}

	var publishErr error
	if pubErr := o.publish(ctx, fresh); pubErr != nil {
		log.Warning("publish failed: %s", pubErr)
		publishErr = pubErr
	}
	inv.record(decision, publishErr)
	return code, nil
}

func (o *Orchestrator) runPassive(opts Options) (int, error) {
	// Passive mode never touches the cache regardless of how the child
	// exited, so whether a signal was forwarded doesn't change anything here.
	code, _, err := o.executor.Run(opts.Dir, os.Environ(), opts.Argv)
	if err != nil {
		return 0, fmt.Errorf("failed to start wrapped command: %w", err)
	}
	return code, nil
}

// restore writes every output in entry to its declared path, creating
// parent directories and applying the recorded mode bits. It is best
// effort: files already written on a partial failure are left in place,
// and the orchestrator falls back to executing the command to reproduce
// canonical state.
func (o *Orchestrator) restore(ctx context.Context, entry *capsule.Manifest) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(MaxParallelBlobs)
	var mu sync.Mutex
	var errs *multierror.Error
	for _, out := range entry.Outputs {
		out := out
		group.Go(func() error {
			if err := o.restoreOne(ctx, out); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()
	return errs.ErrorOrNil()
}

func (o *Orchestrator) restoreOne(ctx context.Context, out capsule.Output) error {
	r, err := o.backend.FetchBlob(ctx, out.ContentHash)
	if err != nil {
		return fmt.Errorf("fetching blob for %s: %w", out.Path, err)
	}
	defer r.Close()
	if err := fs.WriteFile(r, out.Path, os.FileMode(out.FileMode)); err != nil {
		return fmt.Errorf("writing restored output %s: %w", out.Path, err)
	}
	return nil
}

// publish uploads every blob in the manifest before publishing the entry
// itself, guaranteeing that a published entry never references a blob that
// isn't already in the store.
func (o *Orchestrator) publish(ctx context.Context, manifest *capsule.Manifest) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(MaxParallelBlobs)
	var mu sync.Mutex
	var errs *multierror.Error
	for _, out := range manifest.Outputs {
		out := out
		group.Go(func() error {
			if err := o.publishOne(ctx, out); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	group.Wait()
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	return o.backend.PutEntry(ctx, manifest)
}

func (o *Orchestrator) publishOne(ctx context.Context, out capsule.Output) error {
	f, err := os.Open(out.Path)
	if err != nil {
		return fmt.Errorf("opening output %s: %w", out.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("statting output %s: %w", out.Path, err)
	}
	if err := o.backend.PutBlob(ctx, out.ContentHash, info.Size(), f); err != nil {
		return fmt.Errorf("publishing blob for %s: %w", out.Path, err)
	}
	return nil
}

// invocation tracks the bookkeeping needed to emit exactly one
// observability event per capsule invocation, regardless of which state
// the machine exits through.
type invocation struct {
	emitter    *observe.Emitter
	ctx        context.Context
	span       trace.Span
	start      time.Time
	inputsHash string
	sourceJob  string
	recorded   bool
}

func (o *Orchestrator) beginInvocation(ctx context.Context, opts Options, inputsHash string) *invocation {
	inv := &invocation{emitter: o.emitter, ctx: ctx, start: time.Now(), inputsHash: inputsHash, sourceJob: opts.SourceJob}
	if o.emitter != nil {
		inv.ctx, inv.span = o.emitter.StartInvocation(ctx, opts.CapsuleID, opts.Observe)
	}
	return inv
}

func (inv *invocation) record(decision observe.Decision, err error) {
	if inv.emitter == nil || inv.recorded {
		return
	}
	inv.recorded = true
	inv.emitter.EndInvocation(inv.span, inv.inputsHash, inv.sourceJob, decision, time.Since(inv.start), err)
}

// finish emits an error event for any exit path after beginInvocation that
// didn't already call record, so every invocation that reaches lookup
// produces exactly one event. Failures detected before beginInvocation
// (missing capsule id, input collection) and inputs-hash-only runs emit no
// event.
func (inv *invocation) finish() {
	inv.record(observe.DecisionError, nil)
}
