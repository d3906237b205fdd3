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
	"go.opentelemetry.io/otel/sdk/resource"
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
	deductions    metric.Int64Counter
	grants        metric.Int64Counter
	priceChanges  metric.Int64Counter
	tierUpgrades  metric.Int64Counter
	ledgerEntries metric.Int64Counter
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

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
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
		name = "metering"
	}
	meter := provider.Meter(name)

	deductions, err := meter.Int64Counter("metering_deductions_total")
	if err != nil {
		return nil, err
	}
	grants, err := meter.Int64Counter("metering_grants_total")
	if err != nil {
		return nil, err
	}
	priceChanges, err := meter.Int64Counter("metering_price_changes_total")
	if err != nil {
		return nil, err
	}
	tierUpgrades, err := meter.Int64Counter("metering_tier_credit_upgrades_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("metering_ledger_entries_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deductions:    deductions,
		grants:        grants,
		priceChanges:  priceChanges,
		tierUpgrades:  tierUpgrades,
		ledgerEntries: ledgerEntries,
	}, nil
}

// RecordDeduction increments deduction counts by outcome.
func (m *Metrics) RecordDeduction(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(filterAttributes(attribute.String("reason", "api_completion"))...))
}

// RecordGrant increments grant counts by reason.
func (m *Metrics) RecordGrant(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.grants.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPriceChange increments vendor price change counts.
func (m *Metrics) RecordPriceChange(ctx context.Context, provider string, alerted bool) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.Bool("alerted", alerted),
	)
	m.priceChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTierUpgrade increments applied tier credit upgrade counts.
func (m *Metrics) RecordTierUpgrade(ctx context.Context, tierName, status string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("tier", strings.TrimSpace(tierName)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.tierUpgrades.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"outcome":  {},
	"reason":   {},
	"provider": {},
	"alerted":  {},
	"tier":     {},
	"status":   {},
}

// filterAttributes keeps label cardinality bounded to a known key set.
func filterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		out = append(out, attr)
	}
	return out
}
