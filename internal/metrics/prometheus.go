// Package metrics provides the Prometheus instrumentation for the gateway.
//
// Everything registers against a private registry rather than the global
// default, so an embedding process keeps its own metric namespace clean. The
// scrape endpoint is served through Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// latencyBuckets spans sub-millisecond gateway overhead up to minute-long
// streamed upstream calls.
var latencyBuckets = []float64{
	0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1, 2, 5, 10, 20, 30, 60,
}

// Registry holds every metric family the gateway exports.
type Registry struct {
	reg *prometheus.Registry

	inFlight          prometheus.Gauge
	httpRequestsTotal *prometheus.CounterVec // route, status
	httpDuration      *prometheus.HistogramVec
	requestsTotal     *prometheus.CounterVec // provider, status
	requestDuration   *prometheus.HistogramVec
	upstreamAttempts  *prometheus.CounterVec // provider, route, outcome
	upstreamDuration  *prometheus.HistogramVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheOps    *prometheus.CounterVec // op, result

	providerErrors      *prometheus.CounterVec // provider, error_type
	circuitBreakerState *prometheus.GaugeVec   // 0=closed, 1=open, 2=half-open
	cbTransitions       *prometheus.CounterVec
	cbRejections        *prometheus.CounterVec
	failoverEvents      *prometheus.CounterVec // primary, from, to, reason
	failoverSuccess     *prometheus.CounterVec
	failoverExhausted   *prometheus.CounterVec

	rateLimitTotal *prometheus.CounterVec // allowed / limited / degraded
	tokensTotal    *prometheus.CounterVec // provider, route, direction, cache

	debitsTotal  *prometheus.CounterVec // ok / insufficient_funds / contention / error / abandoned
	debitRetries prometheus.Counter
	creditsTotal prometheus.Counter
	revenueUSD   prometheus.Counter

	providerHealth *prometheus.GaugeVec
	buildInfo      *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),
	}

	r.inFlight = f.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_inflight_requests",
		Help: "In-flight HTTP requests",
	})
	r.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "HTTP requests handled",
	}, []string{"route", "status"})
	r.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "End-to-end HTTP request duration, cache and upstream included",
		Buckets: latencyBuckets,
	}, []string{"route"})
	r.requestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Metered requests by serving provider and status",
	}, []string{"provider", "status"})
	r.requestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Request duration from the gateway's perspective",
		Buckets: latencyBuckets,
	}, []string{"provider", "route", "cache"})
	r.upstreamAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_attempts_total",
		Help: "Upstream provider attempts, failovers included",
	}, []string{"provider", "route", "outcome"})
	r.upstreamDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_upstream_attempt_duration_seconds",
		Help:    "Duration of a single upstream attempt",
		Buckets: latencyBuckets,
	}, []string{"provider", "route", "outcome"})

	r.cacheHits = f.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Response cache hits",
	})
	r.cacheMisses = f.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Response cache misses",
	})
	r.cacheOps = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_operations_total",
		Help: "Cache operations by type and result",
	}, []string{"op", "result"})

	r.providerErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_errors_total",
		Help: "Upstream errors by category",
	}, []string{"provider", "error_type"})
	r.circuitBreakerState = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Breaker state per provider (0=closed,1=open,2=half-open)",
	}, []string{"provider"})
	r.cbTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_circuit_breaker_transitions_total",
		Help: "Breaker state transitions",
	}, []string{"provider", "to_state"})
	r.cbRejections = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_circuit_breaker_rejections_total",
		Help: "Requests short-circuited by an open or probing breaker",
	}, []string{"provider", "state"})
	r.failoverEvents = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_failover_events_total",
		Help: "Switches from a failed provider to the next candidate",
	}, []string{"primary", "from", "to", "reason"})
	r.failoverSuccess = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_failover_success_total",
		Help: "Requests served by a non-primary provider",
	}, []string{"primary", "to"})
	r.failoverExhausted = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_failover_exhausted_total",
		Help: "Requests that ran out of failover candidates",
	}, []string{"primary"})

	r.rateLimitTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ratelimit_total",
		Help: "Rate limit admission decisions",
	}, []string{"result"})
	r.tokensTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tokens_total",
		Help: "Token counts taken from upstream usage fields",
	}, []string{"provider", "route", "direction", "cache"})

	r.debitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_debits_total",
		Help: "Balance debit outcomes",
	}, []string{"result"})
	r.debitRetries = f.NewCounter(prometheus.CounterOpts{
		Name: "gateway_debit_retries_total",
		Help: "Debit attempts retried after losing a conditional update",
	})
	r.creditsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "gateway_credits_total",
		Help: "Balance credits applied",
	})
	r.revenueUSD = f.NewCounter(prometheus.CounterOpts{
		Name: "gateway_revenue_usd_total",
		Help: "Sum of successfully debited request cost in USD",
	})

	r.providerHealth = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_provider_health",
		Help: "Provider probe result (1=ok, 0=degraded)",
	}, []string{"provider"})
	r.buildInfo = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_build_info",
		Help: "Build information",
	}, []string{"version"})

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

func (r *Registry) RecordRequest(provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) ObserveGatewayRequest(provider, route, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, route, cache).Observe(dur.Seconds())
}

func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

func (r *Registry) AddTokens(provider, route string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

// RecordDebit counts a debit outcome; a successful debit's cost accrues to
// the revenue counter.
func (r *Registry) RecordDebit(result string, costUSD float64) {
	r.debitsTotal.WithLabelValues(result).Inc()
	if result == "ok" && costUSD > 0 {
		r.revenueUSD.Add(costUSD)
	}
}

func (r *Registry) RecordDebitRetry() { r.debitRetries.Inc() }
func (r *Registry) RecordCredit()     { r.creditsTotal.Inc() }

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// RecordCircuitBreakerRejection counts a request short-circuited by an open
// or probing breaker.
func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

// SetCircuitBreaker updates the state gauge and counts a transition when the
// observed state differs from the last one recorded for that provider.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	if prev, seen := r.lastCBState[provider]; !seen || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.cbTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
