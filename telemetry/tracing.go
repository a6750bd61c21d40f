// OpenTelemetry tracing support for cross-process task coordination.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by all coordinator spans.
const (
	AttrKey       = attribute.Key("dedup.key")
	AttrNode      = attribute.Key("dedup.node")
	AttrRole      = attribute.Key("dedup.role")
	AttrAck       = attribute.Key("dedup.ack")
	AttrOutcome   = attribute.Key("dedup.outcome")
	AttrClaimedAt = attribute.Key("dedup.claimed_at")
	AttrReason    = attribute.Key("dedup.reason")
)

// Tracer wraps OpenTelemetry tracing with coordinator-specific helpers.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	debug      bool // When true, include failure reasons in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewTracerFromProvider(noop.NewTracerProvider(), "", false)
	}
	return globalTracer
}

// NewTracer creates a tracer from the global OpenTelemetry provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer:     otel.Tracer(name),
		propagator: defaultPropagator(),
		debug:      debug,
	}
}

// NewTracerFromProvider creates a tracer bound to an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer:     tp.Tracer(name),
		propagator: defaultPropagator(),
		debug:      debug,
	}
}

func defaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// SetDebug enables or disables debug mode (reasons in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Request Spans ---

// RequestSpanOptions describes how a remote start request was answered.
type RequestSpanOptions struct {
	Ack    string // startack or inprogress
	Reason string // failure reason, only included if debug=true
}

// StartRequestSpan starts a span covering a remote start request.
func (t *Tracer) StartRequestSpan(ctx context.Context, key, node string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dedup.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(AttrKey.String(key), AttrNode.String(node))
	return ctx, span
}

// EndRequestSpan ends a request span.
func (t *Tracer) EndRequestSpan(span trace.Span, opts RequestSpanOptions, err error) {
	if opts.Ack != "" {
		span.SetAttributes(AttrAck.String(opts.Ack))
	}
	t.endSpan(span, opts.Reason, err)
}

// --- Claim Spans ---

// ClaimSpanOptions describes the outcome of a claim.
type ClaimSpanOptions struct {
	ClaimedAt int64
	Outcome   string // owner, follower, stepped_down
}

// StartClaimSpan starts a span for a claim made by this node. The parent
// context usually carries the requester's trace extracted from a start message.
func (t *Tracer) StartClaimSpan(ctx context.Context, key, node string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dedup.claim", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(AttrKey.String(key), AttrNode.String(node))
	return ctx, span
}

// EndClaimSpan ends a claim span.
func (t *Tracer) EndClaimSpan(span trace.Span, opts ClaimSpanOptions, err error) {
	span.SetAttributes(
		AttrClaimedAt.Int64(opts.ClaimedAt),
		AttrOutcome.String(opts.Outcome),
	)
	t.endSpan(span, "", err)
}

// --- Execute Spans ---

// StartExecuteSpan starts a span for running the work of a key.
func (t *Tracer) StartExecuteSpan(ctx context.Context, key, role string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dedup.execute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(AttrKey.String(key), AttrRole.String(role))
	return ctx, span
}

// EndExecuteSpan ends an execute span.
func (t *Tracer) EndExecuteSpan(span trace.Span, err error) {
	outcome := "success"
	reason := ""
	if err != nil {
		outcome = "failure"
		reason = err.Error()
	}
	span.SetAttributes(AttrOutcome.String(outcome))
	t.endSpan(span, reason, err)
}

func (t *Tracer) endSpan(span trace.Span, reason string, err error) {
	if t.debug && reason != "" {
		span.SetAttributes(AttrReason.String(truncate(reason, 1000)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// Inject returns the trace context of ctx as a map suitable for embedding in
// a protocol message. Returns nil when ctx carries no trace.
func (t *Tracer) Inject(ctx context.Context) MapCarrier {
	carrier := MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract returns ctx enriched with the trace context found in carrier.
func (t *Tracer) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, MapCarrier(carrier))
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
