package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestParseHeaders(t *testing.T) {
	got := parseHeaders(" signoz-ingestion-key = abc , x-team=core,broken")
	assert.Equal(t, map[string]string{"signoz-ingestion-key": "abc", "x-team": "core"}, got)
	assert.Empty(t, parseHeaders(""))
}

func TestRecordTransitionExports(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewAppMetrics(provider.Meter("test"), "marketplace-test")
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordTransition(ctx, "pending", "cancelled", "reaper")
	m.RecordDBQuery(ctx, "sqlite", "SELECT", "offers", "SELECT 1", time.Now(), true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			if md.Name != "purchase_status_transitions_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, int64(1), sum.DataPoints[0].Value)
			v, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("service.name"))
			require.True(t, ok)
			assert.Equal(t, "marketplace-test", v.AsString())
		}
	}
	assert.True(t, found["purchase_status_transitions_total"])
	assert.True(t, found["db.client.queries.count"])
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoopMetrics()
	require.NotNil(t, m)
	m.Add(context.Background(), m.UnitsReserved, 3)
}
