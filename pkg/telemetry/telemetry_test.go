package telemetry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRedisHook_RecordsCommands(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	hook, err := NewRedisHook(provider.Meter("test"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	client.AddHook(hook)

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	_, err = client.Get(ctx, "missing").Result()
	require.ErrorIs(t, err, redis.Nil)
	require.Error(t, client.Incr(ctx, "k").Err())

	metrics := collect(t, reader)

	duration, ok := metrics["redis.command.duration"]
	require.True(t, ok)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(3), total)

	errs, ok := metrics["redis.command.errors"]
	require.True(t, ok)
	sum, ok := errs.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}

func TestBusinessMetrics_Register(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewBusinessMetrics(provider.Meter("business"))
	require.NoError(t, err)

	Inc(context.Background(), m.SessionsCreated)
	Inc(context.Background(), m.SessionsCreated)

	metrics := collect(t, reader)
	created, ok := metrics["session.created.total"]
	require.True(t, ok)
	sum := created.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestNewNoopMetrics(t *testing.T) {
	m := NewNoopMetrics()
	require.NotNil(t, m)
	assert.NotPanics(t, func() {
		Inc(context.Background(), m.BackendRequestsTotal)
		m.BackendRequestDuration.Record(context.Background(), 12)
	})
}
