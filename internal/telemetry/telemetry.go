// Package telemetry — счётчики shim (шаги, freeze, ошибки) через OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/shiwa/timestep/internal/config"
)

const meterName = "github.com/shiwa/timestep"

// Provider владеет MeterProvider; при выключенной телеметрии используется глобальный (noop).
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// NewProvider создаёт провайдер с экспортом OTLP/HTTP, если cfg.Enabled.
func NewProvider(ctx context.Context, cfg config.TelemetryConfig, service string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", service)),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.ExportInterval()),
		)),
	)
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp}, nil
}

// Meter возвращает meter timestep.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meterProvider == nil {
		return otel.Meter(meterName)
	}
	return p.meterProvider.Meter(meterName)
}

// Shutdown сбрасывает накопленные метрики и останавливает экспорт.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// Instruments — счётчики shim.
type Instruments struct {
	StepsRequested  metric.Int64Counter
	StepsCompleted  metric.Int64Counter
	FreezeToggles   metric.Int64Counter
	ReloadFailures  metric.Int64Counter
	NotifyFailures  metric.Int64Counter
	InterceptedCall metric.Int64Counter
}

// NewInstruments регистрирует счётчики на meter. nil meter — глобальный.
func NewInstruments(m metric.Meter) (*Instruments, error) {
	if m == nil {
		m = otel.Meter(meterName)
	}
	var (
		in  Instruments
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&in.StepsRequested, "timestep.steps.requested", "Step requests received from the driver"},
		{&in.StepsCompleted, "timestep.steps.completed", "Step batches fully drained"},
		{&in.FreezeToggles, "timestep.freeze.toggles", "Freeze toggle requests applied"},
		{&in.ReloadFailures, "timestep.params.reload_failures", "Driver parameter reads that failed"},
		{&in.NotifyFailures, "timestep.notify.failures", "Step-complete notifications that could not be sent"},
		{&in.InterceptedCall, "timestep.calls", "Intercepted clock reads"},
	}
	for _, c := range counters {
		*c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
	}
	return &in, nil
}
