package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider)
	require.NoError(t, err)
	return m, reader
}

// sum returns the total of an Int64 sum instrument across all attribute sets.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsDeliveryCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAttempt(ctx, 1, nil)
	m.RecordAttempt(ctx, 2, errors.New("down"))
	m.RecordAttempt(ctx, 3, nil)
	m.RecordAckTimeout(ctx, 1)
	m.RecordStateChange(ctx, "delivered")

	assert.Equal(t, int64(3), sum(t, reader, "toxrelay.delivery.attempts.total"))
	assert.Equal(t, int64(2), sum(t, reader, "toxrelay.delivery.retries.total"))
	assert.Equal(t, int64(1), sum(t, reader, "toxrelay.delivery.ack_timeouts.total"))
	assert.Equal(t, int64(1), sum(t, reader, "toxrelay.messages.state_changes.total"))
}

func TestMetricsTransportAndReconcileCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGap(ctx, "primaryActive", "fallbackActive")
	m.RecordReceived(ctx, "polling")
	m.RecordMalformed(ctx, "streaming")
	m.RecordReconciliation(ctx, 4, nil)
	m.RecordReconciliation(ctx, 0, errors.New("down"))

	assert.Equal(t, int64(1), sum(t, reader, "toxrelay.transport.gaps.total"))
	assert.Equal(t, int64(1), sum(t, reader, "toxrelay.messages.received.total"))
	assert.Equal(t, int64(1), sum(t, reader, "toxrelay.transport.malformed.total"))
	assert.Equal(t, int64(2), sum(t, reader, "toxrelay.reconcile.runs.total"))
	assert.Equal(t, int64(4), sum(t, reader, "toxrelay.reconcile.messages.total"))
}

func TestNewMetricsGlobalProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.RecordAttempt(context.Background(), 1, nil)
}
