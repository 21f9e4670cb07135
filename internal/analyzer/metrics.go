package analyzer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("anr.analyzer")

var (
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anr_resolutions_total",
			Help: "Completed target resolutions by outcome",
		},
		[]string{"outcome"},
	)

	resolveErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anr_resolve_errors_total",
			Help: "Targets that could not be resolved, by error category",
		},
		[]string{"category"},
	)

	chainHops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anr_chain_hops",
			Help:    "Number of thread blocks visited per resolution",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 32},
		},
	)

	traceRescansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anr_trace_rescans_total",
			Help: "Full passes over a trace file, by purpose",
		},
		[]string{"kind"},
	)

	resolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anr_resolve_duration_seconds",
			Help:    "Wall time of one target resolution",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func startResolveSpan(ctx context.Context, target Target) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Resolver.Resolve",
		trace.WithAttributes(
			attribute.String("anr.process", target.ProcessName),
			attribute.String("anr.pid", target.Pid),
			attribute.String("anr.tid", target.Tid),
			attribute.String("anr.time", target.Time),
		),
	)
}

// finishResolve records the result of one resolution on its span and in the
// prometheus collectors.
func finishResolve(span trace.Span, res *Resolution, err error, started time.Time) {
	defer span.End()
	resolveDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		category := CategoryOf(err)
		if category == "" {
			category = "canceled"
		}
		resolveErrorsTotal.WithLabelValues(string(category)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	resolutionsTotal.WithLabelValues(string(res.Outcome)).Inc()
	chainHops.Observe(float64(len(res.Hops)))
	span.SetAttributes(
		attribute.String("anr.outcome", string(res.Outcome)),
		attribute.Int("anr.hops", len(res.Hops)),
		attribute.String("anr.resolution_id", res.ID),
	)
}
