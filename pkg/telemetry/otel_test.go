package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestSetup_ServesMetricsFromRegistry(t *testing.T) {
	tel, err := Setup(Options{Service: "gridmaker-test", Version: "1.0.0", Bots: []string{"alpha"}, SampleRatio: 0.5})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defer func() { assert.NoError(t, tel.Shutdown(ctx)) }()

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, GetTracer("test-tracer"))

	ticks, err := GetMeter("test-meter").Int64Counter("gridmaker_test_ticks")
	require.NoError(t, err)
	ticks.Add(ctx, 3)

	server := httptest.NewServer(tel.MetricsHandler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gridmaker_test_ticks_total")
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), `service_name="gridmaker-test"`)
}

func TestGridMetrics_ObservableGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewGridMetrics("alpha", provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.FillsProcessed.Add(ctx, 2, m.Attrs())
	m.SetActiveOrders("buy", 3)
	m.SetQueueDepth(5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
		}
	}
	assert.True(t, found[MetricFillsProcessedTotal])
	assert.True(t, found[MetricActiveOrders])
	assert.True(t, found[MetricFillQueueDepth])
	assert.Equal(t, int64(3), m.GetActiveOrders()["buy"])
}
