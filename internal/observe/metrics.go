// Package observe provides application-wide observability primitives for
// duplex: OpenTelemetry metrics, distributed tracing, trace-aware logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// [*Metrics] implements [realtime.Recorder], so it can be handed to a session
// directly with [realtime.WithRecorder].
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/realtime"
)

// meterName is the instrumentation scope name used for all duplex metrics.
const meterName = "github.com/MrWong99/duplex"

var _ realtime.Recorder = (*Metrics)(nil)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// CaptureChunks counts microphone chunks streamed to the model.
	CaptureChunks metric.Int64Counter

	// CaptureBytes counts wire bytes of streamed microphone audio.
	CaptureBytes metric.Int64Counter

	// --- Playback ---

	// PlaybackItems counts buffers appended to the playback queue.
	PlaybackItems metric.Int64Counter

	// PlaybackQueueDepth tracks the number of queued playback buffers.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- Errors ---

	// ConversionErrors counts dropped buffers. Attributes:
	//   attribute.String("direction", "capture"|"playback"), attribute.String("reason", ...)
	ConversionErrors metric.Int64Counter

	// DecodeErrors counts undecodable inbound frames and audio.
	DecodeErrors metric.Int64Counter

	// ServerErrors counts error events sent by the server. Attribute:
	//   attribute.String("code", ...)
	ServerErrors metric.Int64Counter

	// --- Responses and turns ---

	// ResponseDuration tracks response.created → response.done. Attribute:
	//   attribute.String("status", ...)
	ResponseDuration metric.Float64Histogram

	// MicTransitions counts turn state changes by the entered state.
	MicTransitions metric.Int64Counter

	// ActiveSessions tracks connected realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Tools ---

	// ToolCalls counts tool invocations. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolDuration tracks tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for tool
// calls and HTTP requests.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// responseBuckets covers spoken responses, which run for seconds.
var responseBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture and playback.
	if met.CaptureChunks, err = m.Int64Counter("duplex.capture.chunks",
		metric.WithDescription("Microphone chunks streamed to the model."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Counter("duplex.capture.bytes",
		metric.WithDescription("Wire bytes of streamed microphone audio."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("duplex.playback.items",
		metric.WithDescription("Buffers appended to the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("duplex.playback.queue_depth",
		metric.WithDescription("Buffers waiting in or playing from the playback queue."),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.ConversionErrors, err = m.Int64Counter("duplex.conversion.errors",
		metric.WithDescription("Audio buffers dropped by format conversion, by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("duplex.decode.errors",
		metric.WithDescription("Inbound frames or audio payloads that could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.ServerErrors, err = m.Int64Counter("duplex.server.errors",
		metric.WithDescription("Error events reported by the realtime server, by code."),
	); err != nil {
		return nil, err
	}

	// Responses and turns.
	if met.ResponseDuration, err = m.Float64Histogram("duplex.response.duration",
		metric.WithDescription("Time from response.created to response.done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(responseBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MicTransitions, err = m.Int64Counter("duplex.mic.transitions",
		metric.WithDescription("Turn state changes by entered state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplex.active_sessions",
		metric.WithDescription("Number of connected realtime sessions."),
	); err != nil {
		return nil, err
	}

	// Tools.
	if met.ToolCalls, err = m.Int64Counter("duplex.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("duplex.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplex.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// ── realtime.Recorder ─────────────────────────────────────────────────────────

// CaptureChunk records one streamed microphone chunk of n wire bytes.
func (m *Metrics) CaptureChunk(ctx context.Context, n int) {
	m.CaptureChunks.Add(ctx, 1)
	m.CaptureBytes.Add(ctx, int64(n))
}

// ConversionError records a dropped buffer.
func (m *Metrics) ConversionError(ctx context.Context, direction string, err error) {
	m.ConversionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", conversionReason(err)),
		),
	)
}

// DecodeError records a frame or audio payload that failed to decode.
func (m *Metrics) DecodeError(ctx context.Context) {
	m.DecodeErrors.Add(ctx, 1)
}

// ServerError records an error event from the server.
func (m *Metrics) ServerError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.ServerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// ResponseDone records the duration of a finished response.
func (m *Metrics) ResponseDone(ctx context.Context, status string, d time.Duration) {
	m.ResponseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// StateChange records a turn state transition.
func (m *Metrics) StateChange(ctx context.Context, _, to realtime.TurnState) {
	m.MicTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to.String())))
}

// ── Other recorders ───────────────────────────────────────────────────────────

// ObserveQueueDepth has the shape of the callback taken by
// [audio.WithDepthObserver]. It may be called from audio goroutines.
func (m *Metrics) ObserveQueueDepth(delta int) {
	ctx := context.Background()
	m.PlaybackQueueDepth.Add(ctx, int64(delta))
	if delta > 0 {
		m.PlaybackItems.Add(ctx, int64(delta))
	}
}

// RecordToolCall records a tool invocation with its outcome and latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// SessionStarted and SessionEnded maintain [Metrics.ActiveSessions].
func (m *Metrics) SessionStarted(ctx context.Context) { m.ActiveSessions.Add(ctx, 1) }

// SessionEnded is the counterpart of [Metrics.SessionStarted].
func (m *Metrics) SessionEnded(ctx context.Context) { m.ActiveSessions.Add(ctx, -1) }

func conversionReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, audio.ErrAllocationFailed):
		return "allocation"
	default:
		return "other"
	}
}
