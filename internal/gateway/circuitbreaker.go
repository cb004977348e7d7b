package gateway

import (
	"sync"
	"time"

	"github.com/chargegate/chargegate/internal/providers"
)

// cbState is the lifecycle state of a single provider's breaker.
type cbState int

const (
	cbClosed   cbState = iota // healthy, requests flow
	cbOpen                    // tripped, requests rejected until the cool-off elapses
	cbHalfOpen                // cool-off elapsed, exactly one probe admitted
)

// CBConfig tunes the per-provider breakers. Zero fields use the defaults
// from the providers package.
type CBConfig struct {
	ErrorThreshold  int           // failures inside TimeWindow that trip the breaker
	TimeWindow      time.Duration // rolling failure-count window
	HalfOpenTimeout time.Duration // open duration before a probe is admitted
}

func (c CBConfig) withDefaults() CBConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = providers.CBErrorThreshold
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = providers.CBTimeWindow
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = providers.CBHalfOpenTimeout
	}
	return c
}

// providerCB is one provider's breaker. All fields are guarded by mu.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker tracks upstream health per provider and short-circuits
// requests to providers that keep failing. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker builds breakers with default thresholds for every name
// in providers.DefaultFallbackOrder.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig is NewCircuitBreaker with explicit thresholds,
// typically from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB, len(providers.DefaultFallbackOrder)),
		cfg:      cfg.withDefaults(),
	}
	for _, name := range providers.DefaultFallbackOrder {
		cb.breakers[name] = &providerCB{windowStart: time.Now()}
	}
	return cb
}

// Allow reports whether provider may receive the next request. Closed always
// admits; open admits nothing until HalfOpenTimeout has passed, then flips to
// half-open and admits a single probe; half-open rejects everything while a
// probe is in flight. Names the breaker does not track are admitted.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbOpen:
		if time.Since(pcb.openedAt) < cb.cfg.HalfOpenTimeout {
			return false
		}
		pcb.state = cbHalfOpen
		pcb.probeInflight = true
		return true
	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker for provider and zeroes its failure count,
// whatever state it was in.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
	pcb.mu.Unlock()
}

// RecordFailure counts a failure against provider. A failed half-open probe
// reopens immediately via the same threshold path (the count carried over
// from before the trip still meets it). Counts older than TimeWindow expire.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()
	if now.Sub(pcb.windowStart) > cb.cfg.TimeWindow {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.ErrorThreshold {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns provider's current breaker state. Untracked names read as
// closed.
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel is State rendered for metric labels.
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}
