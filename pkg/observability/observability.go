// Package observability wires OpenTelemetry tracing and Prometheus metrics
// for the runtime. Both are optional: when disabled the helpers return
// no-op implementations so call sites never branch.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/lacehq/lace"

// Config controls tracing and metrics for the process.
type Config struct {
	TracingEnabled bool   `yaml:"tracing_enabled" json:"tracing_enabled"`
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr"`
	ServiceName    string `yaml:"service_name" json:"service_name"`
}

func (c *Config) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "lace"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "localhost:9464"
	}
}

// Observability holds the process tracer and metric instruments.
type Observability struct {
	tracer  trace.Tracer
	tp      *sdktrace.TracerProvider
	metrics *Metrics
	server  *http.Server
}

// Metrics are the runtime's Prometheus instruments.
type Metrics struct {
	TurnsTotal         *prometheus.CounterVec
	TurnDuration       *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	ToolCallsTotal     *prometheus.CounterVec
	ProviderRetries    *prometheus.CounterVec
	EventsAppended     prometheus.Counter
	ActiveSessions     prometheus.Gauge
	ApprovalsRequested *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_turns_total",
			Help: "Completed agent turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lace_turn_duration_seconds",
			Help:    "Wall-clock duration of agent turns.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"provider"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_tokens_total",
			Help: "Tokens consumed by direction (in/out).",
		}, []string{"provider", "direction"}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_tool_calls_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ProviderRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_provider_retries_total",
			Help: "Provider request retries by provider type.",
		}, []string{"provider"}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "lace_thread_events_appended_total",
			Help: "Events appended to the thread event log.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lace_active_sessions",
			Help: "Sessions currently registered in memory.",
		}),
		ApprovalsRequested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_approvals_total",
			Help: "Tool approval requests by decision.",
		}, []string{"decision"}),
	}
}

// New builds the process observability from config. Disabled subsystems get
// no-op implementations.
func New(cfg Config) (*Observability, error) {
	cfg.SetDefaults()

	o := &Observability{tracer: noop.NewTracerProvider().Tracer(tracerName)}

	if cfg.TracingEnabled {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to build trace resource: %w", err)
		}
		o.tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		otel.SetTracerProvider(o.tp)
		o.tracer = o.tp.Tracer(tracerName)
	}

	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		o.metrics = newMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		o.server = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = o.server.ListenAndServe()
		}()
	} else {
		// Unregistered instruments: observations are recorded and discarded.
		o.metrics = newMetrics(prometheus.NewRegistry())
	}

	return o, nil
}

// Tracer returns the process tracer (noop when tracing is disabled).
func (o *Observability) Tracer() trace.Tracer {
	return o.tracer
}

// Metrics returns the metric instruments. Never nil.
func (o *Observability) Metrics() *Metrics {
	return o.metrics
}

// StartSpan begins a span with the given attributes.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes traces and stops the metrics listener.
func (o *Observability) Shutdown(ctx context.Context) error {
	var firstErr error
	if o.tp != nil {
		if err := o.tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if o.server != nil {
		if err := o.server.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
