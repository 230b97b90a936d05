// Package observe provides observability primitives for Tessera:
// OpenTelemetry metrics with a Prometheus exporter bridge so the pipeline can
// be scraped via the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Tessera metrics.
const meterName = "github.com/tessera-audio/tessera"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VADDuration tracks voice-activity detection latency per audio chunk.
	VADDuration metric.Float64Histogram

	// EmbedDuration tracks speaker-embedding extraction latency per segment.
	EmbedDuration metric.Float64Histogram

	// ASRFirstPassDuration tracks first-pass transcription latency.
	ASRFirstPassDuration metric.Float64Histogram

	// ASRSecondPassDuration tracks second-pass refinement latency.
	ASRSecondPassDuration metric.Float64Histogram

	// MergeDuration tracks transcript and speaker-turn merge latency.
	MergeDuration metric.Float64Histogram

	// RealTimeFactor tracks processing time divided by audio time per
	// segment. Values above 1 mean the pipeline is falling behind.
	RealTimeFactor metric.Float64Histogram

	// --- Counters ---

	// Segments counts speech segments emitted by the segmenter. Use with
	// attribute: attribute.Bool("overlap", ...)
	Segments metric.Int64Counter

	// Embeddings counts extracted speaker embeddings. Use with attribute:
	//   attribute.String("quality", "ok"|"low")
	Embeddings metric.Int64Counter

	// QueueDrops counts audio frames or segments dropped because a bounded
	// queue was full. Use with attribute: attribute.String("queue", ...)
	QueueDrops metric.Int64Counter

	// Refinements counts second-pass refinements by outcome. Use with
	// attribute: attribute.String("status", "ok"|"error")
	Refinements metric.Int64Counter

	// TierChanges counts ASR tier switches. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TierChanges metric.Int64Counter

	// PipelineErrors counts errors by pipeline stage. Use with attribute:
	//   attribute.String("stage", ...)
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueBacklog tracks the number of segments waiting for inference.
	QueueBacklog metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// on-device inference latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// rtfBuckets defines bucket boundaries for the real-time factor histogram.
var rtfBuckets = []float64{
	0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1, 1.5, 2, 4,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VADDuration, err = m.Float64Histogram("tessera.vad.duration",
		metric.WithDescription("Latency of voice-activity detection per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("tessera.embed.duration",
		metric.WithDescription("Latency of speaker-embedding extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ASRFirstPassDuration, err = m.Float64Histogram("tessera.asr.pass1.duration",
		metric.WithDescription("Latency of first-pass transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ASRSecondPassDuration, err = m.Float64Histogram("tessera.asr.pass2.duration",
		metric.WithDescription("Latency of second-pass transcription refinement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MergeDuration, err = m.Float64Histogram("tessera.merge.duration",
		metric.WithDescription("Latency of transcript and speaker-turn merging."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RealTimeFactor, err = m.Float64Histogram("tessera.rtf",
		metric.WithDescription("Processing time divided by audio time per segment."),
		metric.WithExplicitBucketBoundaries(rtfBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("tessera.segments",
		metric.WithDescription("Total speech segments emitted by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.Embeddings, err = m.Int64Counter("tessera.embeddings",
		metric.WithDescription("Total extracted speaker embeddings by quality."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("tessera.queue.drops",
		metric.WithDescription("Total items dropped from bounded queues by queue name."),
	); err != nil {
		return nil, err
	}
	if met.Refinements, err = m.Int64Counter("tessera.refinements",
		metric.WithDescription("Total second-pass refinements by status."),
	); err != nil {
		return nil, err
	}
	if met.TierChanges, err = m.Int64Counter("tessera.tier.changes",
		metric.WithDescription("Total ASR tier switches by from and to tier."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("tessera.pipeline.errors",
		metric.WithDescription("Total pipeline errors by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tessera.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueBacklog, err = m.Int64UpDownCounter("tessera.queue.backlog",
		metric.WithDescription("Number of segments waiting for inference."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordSegment records one emitted speech segment.
func (m *Metrics) RecordSegment(ctx context.Context, overlap bool) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("overlap", overlap)),
	)
}

// RecordEmbedding records one extracted embedding, labelled by quality.
func (m *Metrics) RecordEmbedding(ctx context.Context, lowQuality bool) {
	quality := "ok"
	if lowQuality {
		quality = "low"
	}
	m.Embeddings.Add(ctx, 1,
		metric.WithAttributes(attribute.String("quality", quality)),
	)
}

// RecordQueueDrop records one item dropped from the named queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.QueueDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordRefinement records one second-pass refinement outcome.
func (m *Metrics) RecordRefinement(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Refinements.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTierChange records one ASR tier switch.
func (m *Metrics) RecordTierChange(ctx context.Context, from, to string) {
	m.TierChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordPipelineError records one error attributed to a pipeline stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, stage string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
