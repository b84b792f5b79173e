// Package observe provides the observability primitives of the annotator:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. [DefaultMetrics] returns a package-level
// instance bound to the global meter provider; tests should use [NewMetrics]
// with their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every annotator metric.
const meterName = "github.com/nikolaiotsu/kanji-learning-app-sub003"

// Metrics holds all metric instruments. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency ---

	// PipelineDuration tracks end-to-end invocation latency. Attributes:
	//   attribute.String("language", ...), attribute.String("outcome", ...)
	PipelineDuration metric.Float64Histogram

	// LLMDuration tracks single provider call latency, retries excluded.
	// Attribute: attribute.String("purpose", "initial"|"correction")
	LLMDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Quality ---

	// AccuracyScore records the validator score of every returned result.
	// Attribute: attribute.String("language", ...)
	AccuracyScore metric.Int64Histogram

	// ValidationIssues counts issues found in returned results. Attributes:
	//   attribute.String("language", ...), attribute.String("kind", ...)
	ValidationIssues metric.Int64Counter

	// Corrections counts correction rounds. Attributes:
	//   attribute.String("language", ...), attribute.String("result", "accepted"|"rejected"|"failed")
	Corrections metric.Int64Counter

	// ExtractStages counts which extractor stage recovered a reply.
	// Attribute: attribute.String("stage", ...)
	ExtractStages metric.Int64Counter

	// --- Provider ---

	// ProviderRequests counts provider calls. Attributes:
	//   attribute.String("purpose", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderRetries counts backoff sleeps after an overload.
	ProviderRetries metric.Int64Counter

	// --- Errors and load ---

	// PipelineErrors counts failed invocations. Attribute:
	//   attribute.String("kind", ...)
	PipelineErrors metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ActiveRequests tracks invocations in flight.
	ActiveRequests metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds. LLM round trips with a
// correction pass routinely take tens of seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80,
}

var scoreBuckets = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 99, 100}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PipelineDuration, err = m.Float64Histogram("annotator.pipeline.duration",
		metric.WithDescription("End-to-end latency of one annotation invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("annotator.llm.duration",
		metric.WithDescription("Latency of a single LLM call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("annotator.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.AccuracyScore, err = m.Int64Histogram("annotator.validation.score",
		metric.WithDescription("Accuracy score of returned annotations."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ValidationIssues, err = m.Int64Counter("annotator.validation.issues",
		metric.WithDescription("Validation issues in returned annotations by language and kind."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("annotator.corrections",
		metric.WithDescription("Correction rounds by language and result."),
	); err != nil {
		return nil, err
	}
	if met.ExtractStages, err = m.Int64Counter("annotator.extract.stages",
		metric.WithDescription("Replies recovered per extractor stage."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("annotator.provider.requests",
		metric.WithDescription("LLM provider calls by purpose and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRetries, err = m.Int64Counter("annotator.provider.retries",
		metric.WithDescription("Backoff retries after provider overload."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("annotator.pipeline.errors",
		metric.WithDescription("Failed invocations by error kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("annotator.tool.calls",
		metric.WithDescription("MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveRequests, err = m.Int64UpDownCounter("annotator.active_requests",
		metric.WithDescription("Annotation invocations in flight."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the Prometheus exporter.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPipeline records the duration and outcome of one invocation. kind is
// empty on success.
func (m *Metrics) RecordPipeline(ctx context.Context, language, kind string, d time.Duration) {
	outcome := "success"
	if kind != "" {
		outcome = "error"
		m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
	}
	m.PipelineDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("language", language), Attr("outcome", outcome)),
	)
}

// RecordProviderCall records one provider call. status is "ok" or an error
// kind.
func (m *Metrics) RecordProviderCall(ctx context.Context, purpose, status string, d time.Duration) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(Attr("purpose", purpose), Attr("status", status)),
	)
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("purpose", purpose)))
}

// RecordValidation records the score and issue kinds of a returned result.
func (m *Metrics) RecordValidation(ctx context.Context, language string, score int, kinds []string) {
	m.AccuracyScore.Record(ctx, int64(score), metric.WithAttributes(Attr("language", language)))
	for _, k := range kinds {
		m.ValidationIssues.Add(ctx, 1,
			metric.WithAttributes(Attr("language", language), Attr("kind", k)),
		)
	}
}

// RecordCorrection records one correction round.
func (m *Metrics) RecordCorrection(ctx context.Context, language, result string) {
	m.Corrections.Add(ctx, 1,
		metric.WithAttributes(Attr("language", language), Attr("result", result)),
	)
}

// RecordExtractStage records which extractor stage recovered a reply.
func (m *Metrics) RecordExtractStage(ctx context.Context, stage string) {
	m.ExtractStages.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordToolCall records one MCP tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(Attr("tool", tool), Attr("status", status)),
	)
}
