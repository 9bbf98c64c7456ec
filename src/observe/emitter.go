// Package observe emits the single structured event each capsule invocation
// produces, backed by an OpenTelemetry trace exported to Honeycomb.
package observe

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	hnyotel "github.com/honeycombio/honeycomb-opentelemetry-go"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("observe")

// A Decision is the outcome recorded on the single event an invocation
// emits.
type Decision string

const (
	DecisionHit             Decision = "hit"
	DecisionMiss            Decision = "miss"
	DecisionPlaceboMatch    Decision = "placebo-match"
	DecisionPlaceboMismatch Decision = "placebo-mismatch"
	DecisionPassive         Decision = "passive"
	DecisionInterrupted     Decision = "interrupted"
	DecisionError           Decision = "error"
)

// Config configures the Honeycomb-backed emitter.
type Config struct {
	Dataset  string
	APIKey   string
	TraceID  string
	ParentID string
	KV       map[string]string
}

// An Emitter starts and ends the one span an invocation produces. Emission
// failures are swallowed: observability must never fail the build.
type Emitter struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// New configures OpenTelemetry export to Honeycomb and returns an Emitter.
// If cfg.APIKey is empty, tracing is configured with a no-op exporter so
// spans are still created (and can still be inspected in tests) but nothing
// is sent over the network.
func New(ctx context.Context, serviceName, version string, cfg Config) (*Emitter, error) {
	opts := []otelconfig.Option{
		otelconfig.WithServiceName(serviceName),
		otelconfig.WithSpanProcessor(hnyotel.NewBaggageSpanProcessor()),
	}
	if cfg.APIKey != "" {
		headers := map[string]string{"x-honeycomb-team": cfg.APIKey}
		if cfg.Dataset != "" {
			headers["x-honeycomb-dataset"] = cfg.Dataset
		}
		opts = append(opts,
			otelconfig.WithExporterEndpoint("api.honeycomb.io:443"),
			otelconfig.WithHeaders(headers),
		)
	}
	shutdown, err := otelconfig.ConfigureOpenTelemetry(opts...)
	if err != nil {
		return nil, err
	}
	return &Emitter{
		tracer:   otel.Tracer(serviceName + "/" + version),
		shutdown: func(ctx context.Context) error { shutdown(); return nil },
	}, nil
}

// StartInvocation begins the span for one capsule invocation. When
// cfg.TraceID and cfg.ParentID are both set to valid hex ids they are
// treated as a remote parent, letting a CI system stitch this invocation's
// span into a larger pipeline trace; an invalid or missing parent id is
// logged and the span is started without a remote parent. When the caller
// didn't supply --honeycomb_trace_id, a fresh trace id and parent span id are
// minted here (cfg.ParentID is then ignored) instead of leaving them to the
// SDK's default generator.
func (e *Emitter) StartInvocation(ctx context.Context, capsuleID string, cfg Config) (context.Context, trace.Span) {
	traceID, parentID := traceParent(cfg)
	if sc, ok := remoteSpanContext(traceID, parentID); ok {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	ctx, span := e.tracer.Start(ctx, "capsule.invoke", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("capsule.id", capsuleID))
	for k, v := range cfg.KV {
		span.SetAttributes(attribute.String("capsule.kv."+k, v))
	}
	return ctx, span
}

// EndInvocation records the outcome of the invocation and closes the span.
// It never panics and never returns an error: a failure to export the event
// must not fail the build.
func (e *Emitter) EndInvocation(span trace.Span, inputsHash, sourceJob string, decision Decision, duration time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warning("recovered from panic while emitting observability event: %v", r)
		}
	}()
	span.SetAttributes(
		attribute.String("capsule.inputs_hash", inputsHash),
		attribute.String("capsule.decision", string(decision)),
		attribute.String("capsule.source_job", sourceJob),
		attribute.Int64("capsule.duration_ms", duration.Milliseconds()),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes any buffered spans. Errors are logged, not returned:
// callers should treat shutdown as best-effort.
func (e *Emitter) Shutdown(ctx context.Context) {
	if e.shutdown == nil {
		return
	}
	if err := e.shutdown(ctx); err != nil {
		log.Warning("failed to shut down observability emitter: %s", err)
	}
}

// NewTraceID returns a fresh random trace id for invocations where the
// caller didn't supply --honeycomb_trace_id.
func NewTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// newSpanID returns a fresh random span id, used as the synthetic parent
// StartInvocation roots a self-generated trace id under.
func newSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// traceParent resolves the (trace id, parent span id) pair StartInvocation
// should root its span under: the caller's explicit --honeycomb_trace_id
// when given, otherwise a freshly minted one so every invocation still
// carries a trace id, not just ones launched from a CI system that already
// has a trace to stitch into.
func traceParent(cfg Config) (traceID, parentID string) {
	if cfg.TraceID != "" {
		return cfg.TraceID, cfg.ParentID
	}
	return NewTraceID(), newSpanID()
}

func remoteSpanContext(traceIDHex, parentIDHex string) (trace.SpanContext, bool) {
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		log.Warning("invalid honeycomb trace id %q: %s", traceIDHex, err)
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(parentIDHex)
	if err != nil {
		log.Warning("invalid honeycomb parent id %q: %s", parentIDHex, err)
		return trace.SpanContext{}, false
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		Remote:     true,
		TraceFlags: trace.FlagsSampled,
	}), true
}
