package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED metrics for the control surface.
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Download pipeline metrics.
	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	downloadBytes    metric.Int64Counter
	queueDepth       metric.Int64Gauge
	storageUsed      metric.Int64Gauge
	auditRepairs     metric.Int64Counter

	// Store metrics.
	storeOperationsTotal   metric.Int64Counter
	storeOperationDuration metric.Float64Histogram

	notificationsTotal metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint switches metric export from the Prometheus scrape
	// endpoint to OTLP gRPC push when set.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled instance is non-nil and
// safe to call; every recording method no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	var (
		reader   sdkmetric.Reader
		exporter *prometheus.Exporter
	)

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		reader = sdkmetric.NewPeriodicReader(otlpExporter)
	} else {
		promExporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		reader = promExporter
		exporter = promExporter
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration")); err != nil {
		return err
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("In-flight HTTP requests")); err != nil {
		return err
	}

	if t.downloadsTotal, err = t.meter.Int64Counter("downloads_total",
		metric.WithDescription("Downloads finished, by outcome")); err != nil {
		return err
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter("downloads_active",
		metric.WithDescription("Transfers currently holding a concurrency slot")); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram("download_duration_seconds",
		metric.WithDescription("Transfer duration, by outcome")); err != nil {
		return err
	}

	if t.downloadBytes, err = t.meter.Int64Counter("download_bytes_total",
		metric.WithDescription("Bytes written by completed transfers")); err != nil {
		return err
	}

	if t.queueDepth, err = t.meter.Int64Gauge("download_queue_depth",
		metric.WithDescription("Items waiting for a concurrency slot")); err != nil {
		return err
	}

	if t.storageUsed, err = t.meter.Int64Gauge("download_storage_used_bytes",
		metric.WithDescription("Bytes held by completed cache-resident downloads")); err != nil {
		return err
	}

	if t.auditRepairs, err = t.meter.Int64Counter("audit_repairs_total",
		metric.WithDescription("State repairs applied by the consistency auditor")); err != nil {
		return err
	}

	if t.storeOperationsTotal, err = t.meter.Int64Counter("store_operations_total",
		metric.WithDescription("Persistent store operations")); err != nil {
		return err
	}

	if t.storeOperationDuration, err = t.meter.Float64Histogram("store_operation_duration_seconds",
		metric.WithDescription("Persistent store operation duration")); err != nil {
		return err
	}

	if t.notificationsTotal, err = t.meter.Int64Counter("notifications_total",
		metric.WithDescription("Notifications dispatched, by kind")); err != nil {
		return err
	}

	return nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// PrometheusHandler returns the /metrics scrape handler, or nil when metrics
// are exported over OTLP or disabled.
func (t *Telemetry) PrometheusHandler() http.Handler {
	if t == nil || t.exporter == nil {
		return nil
	}

	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDownload records the outcome of one transfer attempt.
func (t *Telemetry) RecordDownload(outcome string, bytes int64, duration time.Duration) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	t.downloadsTotal.Add(context.Background(), 1, attrs)
	t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)

	if bytes > 0 {
		t.downloadBytes.Add(context.Background(), bytes)
	}
}

// IncrementActiveDownloads increments the active-transfer counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the active-transfer counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordQueueDepth records the number of pending items.
func (t *Telemetry) RecordQueueDepth(depth int64) {
	if t != nil && t.queueDepth != nil {
		t.queueDepth.Record(context.Background(), depth)
	}
}

// RecordStorageUsed records the cache-resident storage gauge.
func (t *Telemetry) RecordStorageUsed(bytes int64) {
	if t != nil && t.storageUsed != nil {
		t.storageUsed.Record(context.Background(), bytes)
	}
}

// RecordAuditRepairs counts repairs applied by one auditor sweep.
func (t *Telemetry) RecordAuditRepairs(repairs int64, kind string) {
	if t != nil && t.auditRepairs != nil && repairs > 0 {
		t.auditRepairs.Add(context.Background(), repairs,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordStoreOperation records store-operation metrics.
func (t *Telemetry) RecordStoreOperation(operation, status string, duration time.Duration) {
	if t == nil || t.storeOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.storeOperationsTotal.Add(context.Background(), 1, attrs)
	t.storeOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordNotification counts dispatched notifications.
func (t *Telemetry) RecordNotification(kind, status string) {
	if t != nil && t.notificationsTotal != nil {
		t.notificationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("status", status),
			),
		)
	}
}
