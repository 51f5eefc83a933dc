package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/shiwa/timestep/internal/config"
)

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	in, err := NewInstruments(mp.Meter(meterName))
	require.NoError(t, err)

	ctx := context.Background()
	in.StepsRequested.Add(ctx, 3)
	in.StepsCompleted.Add(ctx, 1)
	in.FreezeToggles.Add(ctx, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(3), sumOf(t, rm, "timestep.steps.requested"))
	assert.Equal(t, int64(1), sumOf(t, rm, "timestep.steps.completed"))
	assert.Equal(t, int64(2), sumOf(t, rm, "timestep.freeze.toggles"))
	assert.Zero(t, sumOf(t, rm, "timestep.notify.failures"))
}

func TestProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TelemetryConfig{}, "timestep-test")
	require.NoError(t, err)
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))

	in, err := NewInstruments(nil)
	require.NoError(t, err)
	in.InterceptedCall.Add(context.Background(), 1)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
