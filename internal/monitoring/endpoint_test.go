package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func endpointServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(25 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/dropped", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func endpointConfig(baseURL string, names ...string) EndpointConfig {
	cfg := EndpointConfig{BaseURL: baseURL, Timeout: 5 * time.Second, UserAgent: "qmoi-test"}
	for _, n := range names {
		cfg.Endpoints = append(cfg.Endpoints, Endpoint{Name: n, Path: "/" + n})
	}
	return cfg
}

func metricMap(ms []Metric) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Name] = m.Value
	}
	return out
}

func TestEndpointSamplerMixedHealth(t *testing.T) {
	srv := endpointServer(t)
	s := NewEndpointSampler(endpointConfig(srv.URL, "ok", "slow", "broken", "dropped"), nil)

	ms, err := s.Sample(context.Background())
	require.Error(t, err)
	var sampleErrs SampleErrors
	require.True(t, errors.As(err, &sampleErrs))
	assert.Len(t, sampleErrs, 2)
	assert.ErrorContains(t, sampleErrs["endpoint.broken.up"], "returned 500")
	assert.Contains(t, sampleErrs, "endpoint.dropped.up")

	got := metricMap(ms)
	assert.Equal(t, 1.0, got["endpoint.ok.up"])
	assert.Equal(t, 1.0, got["endpoint.slow.up"])
	assert.Equal(t, 0.0, got["endpoint.broken.up"])
	assert.Equal(t, 0.0, got["endpoint.dropped.up"])
	assert.NotContains(t, got, "endpoint.broken.latency_ms")
	assert.Equal(t, 50.0, got[MetricAvailability])

	fast, slow := got["endpoint.ok.latency_ms"], got["endpoint.slow.latency_ms"]
	assert.GreaterOrEqual(t, slow, 25.0)
	assert.InDelta(t, (fast+slow)/2, got[MetricLatencyMean], 1e-9)
	assert.Greater(t, got[MetricLatencyStdDev], 0.0)
	assert.Equal(t, slow, got[MetricLatencyP95], "p95 of two samples is the larger one")
}

func TestEndpointSamplerAllDown(t *testing.T) {
	srv := endpointServer(t)
	s := NewEndpointSampler(endpointConfig(srv.URL, "broken"), nil)

	ms, err := s.Sample(context.Background())
	require.Error(t, err)
	got := metricMap(ms)
	assert.Equal(t, 0.0, got[MetricAvailability])
	assert.NotContains(t, got, MetricLatencyMean)
	assert.NotContains(t, got, MetricLatencyP95)
}

func TestEndpointSamplerRateLimit(t *testing.T) {
	srv := endpointServer(t)
	cfg := endpointConfig(srv.URL, "ok", "ok", "ok", "ok")
	cfg.RateLimit = 20
	s := NewEndpointSampler(cfg, nil)

	start := time.Now()
	_, err := s.Sample(context.Background())
	require.NoError(t, err)
	// Burst of one, then one request every 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestEndpointMonitorRaisesEndpointDown(t *testing.T) {
	srv := endpointServer(t)
	sink := &recordingSink{}
	m := New(zaptest.NewLogger(t), KindEndpoints,
		[]Sampler{NewEndpointSampler(endpointConfig(srv.URL, "ok", "broken"), nil)},
		DefaultThresholds(),
		WithAlertSink(sink),
	)

	snap, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 50.0, snap.Metrics[MetricAvailability])
	assert.Contains(t, snap.Errors["endpoint.broken.up"], "returned 500")
	assert.False(t, snap.Healthy())

	require.Len(t, snap.Alerts, 1)
	alert := snap.Alerts[0]
	assert.Equal(t, "endpoint_down", alert.Type)
	assert.Equal(t, SeverityWarning, alert.Severity)
	assert.Equal(t, 99.5, alert.Threshold)
	assert.True(t, alert.Dispatched)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "endpoint_down", sink.types[0])
}
