package monitoring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"
)

// Endpoint is one HTTP probe target.
type Endpoint struct {
	Name   string `mapstructure:"name" yaml:"name" json:"name"`
	Path   string `mapstructure:"path" yaml:"path" json:"path"`
	Method string `mapstructure:"method" yaml:"method" json:"method"`
}

// EndpointConfig configures the HTTP probe sampler.
type EndpointConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"` // requests per second
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
	Endpoints []Endpoint    `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"`
}

// DefaultEndpointConfig returns probe defaults against the local API.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		BaseURL:   "http://localhost:3000",
		Timeout:   30 * time.Second,
		RateLimit: 10,
		UserAgent: "QMOI-API-Monitor/1.0",
		Endpoints: []Endpoint{
			{Name: "qmoi_status", Path: "/api/qmoi/status", Method: http.MethodGet},
			{Name: "ai_health", Path: "/api/ai/health", Method: http.MethodGet},
			{Name: "automation_status", Path: "/api/automation/status", Method: http.MethodGet},
			{Name: "deploy_status", Path: "/api/deploy/status", Method: http.MethodGet},
			{Name: "monitor_status", Path: "/api/monitor/status", Method: http.MethodGet},
			{Name: "version", Path: "/api/version", Method: http.MethodGet},
		},
	}
}

// EndpointSampler probes HTTP endpoints and derives availability and latency
// statistics.
type EndpointSampler struct {
	config  EndpointConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewEndpointSampler creates a probe sampler. A nil client gets one with the
// configured timeout.
func NewEndpointSampler(config EndpointConfig, client *http.Client) *EndpointSampler {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	return &EndpointSampler{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (s *EndpointSampler) Name() string { return "endpoints" }

// Sample implements Sampler. Each endpoint yields endpoint.<name>.up and, when
// reachable, endpoint.<name>.latency_ms.
func (s *EndpointSampler) Sample(ctx context.Context) ([]Metric, error) {
	var (
		out       []Metric
		latencies []float64
		up        int
	)
	errs := SampleErrors{}

	for _, ep := range s.config.Endpoints {
		upName := fmt.Sprintf("endpoint.%s.up", ep.Name)

		latency, err := s.probe(ctx, ep)
		if err != nil {
			errs[upName] = err
			out = append(out, Metric{Name: upName, Value: 0})
			continue
		}
		up++
		latencies = append(latencies, latency)
		out = append(out,
			Metric{Name: upName, Value: 1},
			Metric{Name: fmt.Sprintf("endpoint.%s.latency_ms", ep.Name), Value: latency, Unit: "ms"},
		)
	}

	if total := len(s.config.Endpoints); total > 0 {
		out = append(out, Metric{Name: MetricAvailability, Value: float64(up) / float64(total) * 100, Unit: "%"})
	}
	out = append(out, latencyStats(latencies)...)

	return out, errs.orNil()
}

func (s *EndpointSampler) probe(ctx context.Context, ep Endpoint) (float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut {
		body = strings.NewReader("{}")
	}

	url := strings.TrimRight(s.config.BaseURL, "/") + ep.Path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	latency := float64(time.Since(start).Microseconds()) / 1000

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("%s %s returned %d", method, ep.Path, resp.StatusCode)
	}
	return latency, nil
}

// latencyStats returns mean, standard deviation and p95 of the reachable
// endpoints' latencies.
func latencyStats(latencies []float64) []Metric {
	if len(latencies) == 0 {
		return nil
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		std = 0
	}
	return []Metric{
		{Name: MetricLatencyMean, Value: mean, Unit: "ms"},
		{Name: MetricLatencyStdDev, Value: std, Unit: "ms"},
		{Name: MetricLatencyP95, Value: stat.Quantile(0.95, stat.Empirical, sorted, nil), Unit: "ms"},
	}
}
