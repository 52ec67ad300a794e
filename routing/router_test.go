package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/metarouter/classify"
	"github.com/itsneelabh/metarouter/core"
	"github.com/itsneelabh/metarouter/intent"
	"github.com/itsneelabh/metarouter/registry"
)

func newTestRouter(t *testing.T, forward bool, descriptors []registry.ServiceDescriptor) *Router {
	t.Helper()
	bundle := intent.DefaultBundle()
	require.NoError(t, bundle.Compile())

	reg := registry.New(descriptors, nil)
	engine := intent.NewEngine(bundle, core.NewMemoryStore(), classify.NewChain(nil, nil), reg, nil, nil)
	return NewRouter(engine, reg, forward, nil)
}

func TestRouteSimulated(t *testing.T) {
	router := newTestRouter(t, false, registry.DefaultDescriptors())

	result, err := router.Route(context.Background(), &intent.Request{
		Text: "please refund the invoice payment",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "application/json", result.Headers["Content-Type"])
	require.NotNil(t, result.Intent)
	assert.Equal(t, "payment-processing-service", result.Intent.Routing.TargetService)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Body, &body))
	assert.Equal(t, true, body["simulated"])
	assert.Equal(t, "payment-processing-service", body["targetService"])
	assert.Equal(t, true, body["targetKnown"])
}

func TestRouteUnknownTargetSimulatedEvenWhenForwarding(t *testing.T) {
	// Registry without the payment service: forward mode still simulates
	router := newTestRouter(t, true, []registry.ServiceDescriptor{
		{Name: "api-gateway-service", URL: "http://gateway.internal", TimeoutMillis: 1000},
	})

	result, err := router.Route(context.Background(), &intent.Request{
		Text: "please refund the invoice payment",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.Status)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Body, &body))
	assert.Equal(t, true, body["simulated"])
	assert.Equal(t, false, body["targetKnown"])
}

func TestRouteForwardsToDownstream(t *testing.T) {
	var gotMethod, gotPath, gotHeader string
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Request-Id")
		w.Header().Set("X-Downstream", "payments")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"refundId":"rf-1"}`))
	}))
	defer downstream.Close()

	router := newTestRouter(t, true, []registry.ServiceDescriptor{
		{Name: "payment-processing-service", URL: downstream.URL, TimeoutMillis: 2000},
	})

	result, err := router.Route(context.Background(), &intent.Request{
		Text:    "please refund the invoice payment",
		Path:    "/payments/123/refund",
		Method:  "post",
		Headers: map[string]string{"X-Request-Id": "req-42"},
		Body:    `{"amount":10}`,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, `{"refundId":"rf-1"}`, string(result.Body))
	assert.Equal(t, "payments", result.Headers["X-Downstream"])
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/payments/123/refund", gotPath)
	assert.Equal(t, "req-42", gotHeader)
}

func TestRouteForwardFailureReturnsGatewayTimeout(t *testing.T) {
	router := newTestRouter(t, true, []registry.ServiceDescriptor{
		{Name: "payment-processing-service", URL: "http://127.0.0.1:1", TimeoutMillis: 500},
	})

	result, err := router.Route(context.Background(), &intent.Request{
		Text: "please refund the invoice payment",
	})
	require.Error(t, err, "forward failures must surface so a wrapping breaker counts them")
	assert.True(t, errors.Is(err, core.ErrUpstream))

	require.NotNil(t, result)
	assert.Equal(t, http.StatusGatewayTimeout, result.Status)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Body, &body))
	assert.Equal(t, "upstream unavailable", body["error"])
	assert.Equal(t, "payment-processing-service", body["targetService"])
}

func TestGetMetricsRollup(t *testing.T) {
	router := newTestRouter(t, false, registry.DefaultDescriptors())

	requests := []*intent.Request{
		{Text: "please refund the invoice payment"},
		{Text: "reset my password"},
		{Text: "please refund the invoice payment"}, // cache hit
	}
	for _, req := range requests {
		_, err := router.Route(context.Background(), req)
		require.NoError(t, err)
	}

	metrics := router.GetMetrics()
	assert.Equal(t, uint64(3), metrics.TotalRequests)
	assert.Equal(t, uint64(2), metrics.RequestsByService["payment-processing-service"])
	assert.Equal(t, uint64(1), metrics.RequestsByService["user-authentication-service"])
	assert.GreaterOrEqual(t, metrics.AverageLatencyMillis, 0.0)

	var bucketed uint64
	for _, n := range metrics.ConfidenceDistribution {
		bucketed += n
	}
	assert.Equal(t, uint64(3), bucketed)

	// Two misses and one hit
	assert.InDelta(t, 1.0/3.0, metrics.CacheHitRate, 1e-9)
}

func TestGetMetricsSyntheticHitRateBeforeTraffic(t *testing.T) {
	router := newTestRouter(t, false, registry.DefaultDescriptors())

	metrics := router.GetMetrics()
	assert.GreaterOrEqual(t, metrics.CacheHitRate, 0.2)
	assert.LessOrEqual(t, metrics.CacheHitRate, 0.8)
	assert.Zero(t, metrics.TotalRequests)
}
