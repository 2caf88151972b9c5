// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// pathIDRe canonicalizes UUID-like or purely numeric path segments to
// ":id" to bound endpoint label cardinality.
var pathIDRe = regexp.MustCompile(`/[0-9a-f]{8,}(?:-[0-9a-f]{4,}){0,4}|/\d+`)

// NormalizeEndpoint replaces cardinality-producing path segments with ":id".
func NormalizeEndpoint(path string) string {
	return pathIDRe.ReplaceAllString(path, "/:id")
}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{method,endpoint,status_code}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{method,endpoint}
	httpDuration *prometheus.HistogramVec

	// llm_total_token_usage / llm_prompt_token_usage / llm_completion_token_usage
	// {type,name,group_id,model}
	totalTokens      *prometheus.CounterVec
	promptTokens     *prometheus.CounterVec
	completionTokens *prometheus.CounterVec

	// gateway_circuit_breaker_state{provider} — 0=closed, 1=open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// gateway_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds a Registry with its own private prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "endpoint"},
		),

		totalTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_total_token_usage",
				Help: "Total tokens (prompt + completion) observed per request",
			},
			[]string{"type", "name", "group_id", "model"},
		),
		promptTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_prompt_token_usage",
				Help: "Prompt tokens observed per request",
			},
			[]string{"type", "name", "group_id", "model"},
		),
		completionTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_completion_token_usage",
				Help: "Completion tokens observed per request",
			},
			[]string{"type", "name", "group_id", "model"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=open)",
			},
			[]string{"provider"},
		),
		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Requests rejected because a provider's breaker was open",
			},
			[]string{"provider"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Upstream provider errors by kind",
			},
			[]string{"provider", "error_type"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build metadata, value is always 1",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight, r.httpRequestsTotal, r.httpDuration,
		r.totalTokens, r.promptTokens, r.completionTokens,
		r.circuitBreakerState, r.cbRejections, r.providerErrors, r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

// Handler returns the fasthttp handler serving the Prometheus text
// exposition format for GET /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying *prometheus.Registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry {
	return r.reg
}

// IncInFlight / DecInFlight track concurrently in-flight requests.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one HTTP request's outcome. Callers skip this
// entirely for multipart/chunked POST requests (spec.md §4.11).
func (r *Registry) ObserveHTTP(method, path string, status int, durationSeconds float64) {
	endpoint := NormalizeEndpoint(path)
	r.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// IsMultipartOrChunkedPost reports whether an HTTP-metrics-skipping POST is
// in progress, per spec.md §4.11's exact skip condition.
func IsMultipartOrChunkedPost(method, contentType, transferEncoding string) bool {
	if !strings.EqualFold(method, "POST") {
		return false
	}
	if strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		return true
	}
	if strings.Contains(strings.ToLower(transferEncoding), "chunked") {
		return true
	}
	return false
}

// Usage is the token-count triple extracted from an upstream response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// RecordTokenUsage emits the three token counters labelled
// {type,name,group_id,model}, "name" fixed to "proxy" as the emitting
// component identifier, per spec.md Testable Property #7.
func (r *Registry) RecordTokenUsage(groupID, model string, u Usage) {
	r.promptTokens.WithLabelValues("prompt", "proxy", groupID, model).Add(float64(u.PromptTokens))
	r.completionTokens.WithLabelValues("completion", "proxy", groupID, model).Add(float64(u.CompletionTokens))
	r.totalTokens.WithLabelValues("total", "proxy", groupID, model).Add(float64(u.TotalTokens))
}

// SetCircuitBreaker records the current breaker state for provider.
func (r *Registry) SetCircuitBreaker(provider string, isOpen bool) {
	v := 0.0
	if isOpen {
		v = 1.0
	}
	r.circuitBreakerState.WithLabelValues(provider).Set(v)
}

// RecordCircuitBreakerRejection counts a request denied by an open breaker.
func (r *Registry) RecordCircuitBreakerRejection(provider string) {
	r.cbRejections.WithLabelValues(provider).Inc()
}

// RecordError counts an upstream provider error by kind (e.g. "timeout",
// "http_500", "unknown").
func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetBuildInfo publishes the running binary's version as a gauge of 1.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}
