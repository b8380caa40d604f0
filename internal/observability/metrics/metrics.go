package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	deviceCalls        metric.Int64Counter
	provisioningResult metric.Int64Counter
	jobTriggers        metric.Int64Counter
	webhookEvents      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "staykey"
	}
	meter := provider.Meter(name)

	deviceCalls, err := meter.Int64Counter("staykey_device_calls_total")
	if err != nil {
		return nil, err
	}
	provisioningResult, err := meter.Int64Counter("staykey_provisioning_results_total")
	if err != nil {
		return nil, err
	}
	jobTriggers, err := meter.Int64Counter("staykey_job_triggers_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("staykey_webhook_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deviceCalls:        deviceCalls,
		provisioningResult: provisioningResult,
		jobTriggers:        jobTriggers,
		webhookEvents:      webhookEvents,
	}, nil
}

// RecordDeviceCall counts gateway calls by operation and outcome class.
func (m *Metrics) RecordDeviceCall(ctx context.Context, operation, keyType, errorKind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("key_type", strings.TrimSpace(keyType)),
		attribute.String("error_kind", strings.TrimSpace(errorKind)),
	)
	m.deviceCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProvisioningResult counts orchestrator results by status and trigger source.
func (m *Metrics) RecordProvisioningResult(ctx context.Context, status, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("source", strings.TrimSpace(source)),
	)
	m.provisioningResult.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJobTrigger counts HTTP job triggers, including rejected ones.
func (m *Metrics) RecordJobTrigger(ctx context.Context, job, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("job", strings.TrimSpace(job)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.jobTriggers.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent counts payment webhook deliveries by event type.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":   {},
	"key_type":    {},
	"error_kind":  {},
	"status":      {},
	"status_code": {},
	"source":      {},
	"job":         {},
	"route":       {},
	"method":      {},
	"provider":    {},
	"event_type":  {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
