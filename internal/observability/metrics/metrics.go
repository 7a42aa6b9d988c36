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
	transitions         metric.Int64Counter
	transitionsRejected metric.Int64Counter
	webhookEvents       metric.Int64Counter
	deployments         metric.Int64Counter
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
		name = "siteforge"
	}
	meter := provider.Meter(name)

	transitions, err := meter.Int64Counter("siteforge_project_transitions_total")
	if err != nil {
		return nil, err
	}
	transitionsRejected, err := meter.Int64Counter("siteforge_project_transitions_rejected_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("siteforge_webhook_events_total")
	if err != nil {
		return nil, err
	}
	deployments, err := meter.Int64Counter("siteforge_deployments_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions:         transitions,
		transitionsRejected: transitionsRejected,
		webhookEvents:       webhookEvents,
		deployments:         deployments,
	}, nil
}

// RecordTransition increments committed transition counts.
func (m *Metrics) RecordTransition(ctx context.Context, command, toStatus string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("command", strings.TrimSpace(command)),
		attribute.String("status", strings.TrimSpace(toStatus)),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransitionRejected increments rejected transition counts.
func (m *Metrics) RecordTransitionRejected(ctx context.Context, command, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("command", strings.TrimSpace(command)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.transitionsRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments webhook ingestion counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, source, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeployment increments deployment outcome counts.
func (m *Metrics) RecordDeployment(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.deployments.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"command":     {},
	"status":      {},
	"status_code": {},
	"reason":      {},
	"source":      {},
	"result":      {},
	"provider":    {},
	"outcome":     {},
	"endpoint":    {},
}

// FilterAttributes drops attribute keys that are not on the allow list so
// high-cardinality values never reach the exporter.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if strings.TrimSpace(attr.Value.Emit()) == "" {
			continue
		}
		out = append(out, attr)
	}
	return out
}
