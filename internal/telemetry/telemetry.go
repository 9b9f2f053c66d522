// Package telemetry sets up OTLP metric export for the long-running service.
package telemetry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/sells-group/ident-sync/internal/config"
)

const defaultInterval = 30 * time.Second

// Provider owns the meter provider. The zero export state is a no-op meter.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
}

// Init creates the meter provider. With no endpoint configured it returns a
// Provider whose meter records nothing.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "ident-sync"
	}
	if cfg.OTLPEndpoint == "" {
		return &Provider{meter: noop.NewMeterProvider().Meter(name)}, nil
	}

	interval := defaultInterval
	if cfg.ExportIntervalSecs > 0 {
		interval = time.Duration(cfg.ExportIntervalSecs) * time.Second
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create otlp metric exporter")
	}

	res := resource.NewSchemaless(attribute.String("service.name", name))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	zap.L().Info("otlp metric export enabled",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Duration("interval", interval),
	)
	return &Provider{meterProvider: mp, meter: mp.Meter(name)}, nil
}

// Meter returns the meter instruments register on.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool { return p.meterProvider != nil }

// Shutdown flushes pending metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return eris.Wrap(err, "telemetry: shutdown meter provider")
	}
	return nil
}
