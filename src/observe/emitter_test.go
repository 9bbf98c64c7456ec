package observe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func testEmitter() *Emitter {
	// The global TracerProvider is a no-op implementation until something
	// registers a real one, which suits a test that only checks the emitter
	// doesn't panic and sets the attributes it means to.
	return &Emitter{tracer: otel.Tracer("capsule-test")}
}

func TestNewTraceIDIsHex32(t *testing.T) {
	id := NewTraceID()
	assert.Len(t, id, 32)
	_, err := trace.TraceIDFromHex(id)
	assert.NoError(t, err)
}

func TestNewTraceIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}

func TestRemoteSpanContextValid(t *testing.T) {
	traceID := NewTraceID()
	spanID := "0123456789abcdef"
	sc, ok := remoteSpanContext(traceID, spanID)
	assert.True(t, ok)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, traceID, sc.TraceID().String())
}

func TestRemoteSpanContextInvalidTraceID(t *testing.T) {
	_, ok := remoteSpanContext("not-hex", "0123456789abcdef")
	assert.False(t, ok)
}

func TestRemoteSpanContextInvalidParentID(t *testing.T) {
	_, ok := remoteSpanContext(NewTraceID(), "not-hex")
	assert.False(t, ok)
}

func TestTraceParentMintsTraceIDWhenNoneSupplied(t *testing.T) {
	traceID, parentID := traceParent(Config{})
	assert.Len(t, traceID, 32)
	assert.Len(t, parentID, 16)
	_, err := trace.TraceIDFromHex(traceID)
	assert.NoError(t, err)
	_, err = trace.SpanIDFromHex(parentID)
	assert.NoError(t, err)
}

func TestTraceParentKeepsExplicitTraceID(t *testing.T) {
	traceID, parentID := traceParent(Config{TraceID: "abcdefabcdefabcdefabcdefabcdefab", ParentID: "0123456789abcdef"})
	assert.Equal(t, "abcdefabcdefabcdefabcdefabcdefab", traceID)
	assert.Equal(t, "0123456789abcdef", parentID)
}

func TestStartAndEndInvocationDoesNotPanic(t *testing.T) {
	e := testEmitter()
	ctx, span := e.StartInvocation(context.Background(), "//src/foo:bar", Config{
		KV: map[string]string{"ci": "true"},
	})
	assert.NotNil(t, ctx)
	e.EndInvocation(span, "inputshash", "//src/foo:bar", DecisionHit, time.Millisecond, nil)
}

func TestEndInvocationWithErrorDoesNotPanic(t *testing.T) {
	e := testEmitter()
	_, span := e.StartInvocation(context.Background(), "//src/foo:bar", Config{})
	e.EndInvocation(span, "inputshash", "//src/foo:bar", DecisionError, time.Millisecond, assert.AnError)
}

func TestShutdownNilIsNoop(t *testing.T) {
	e := &Emitter{}
	e.Shutdown(context.Background())
}
