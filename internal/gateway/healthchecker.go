package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/chargegate/chargegate/internal/metrics"
	"github.com/chargegate/chargegate/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// probeState is the latest result of one component's probe, readable while
// the next probe runs.
type probeState struct {
	mu   sync.RWMutex
	last string // "ok" | "degraded" | "down"
}

func (p *probeState) set(v string) {
	p.mu.Lock()
	p.last = v
	p.mu.Unlock()
}

func (p *probeState) get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == "" {
		return "unknown"
	}
	return p.last
}

// HealthChecker probes the upstream providers, the cache backend and the
// durable account store on an interval and serves the latest results to the
// /health and /readiness handlers.
type HealthChecker struct {
	providers  map[string]providers.Provider
	cacheReady func() bool
	dbReady    func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	providerStatuses map[string]*probeState
	cacheStatus      probeState
	dbStatus         probeState

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker starts the probe loop. The first probe runs synchronously
// so the checker never reports "unknown" after construction. A nil cacheReady
// or dbReady means that component is not configured and reads as ok.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	cacheReady func() bool,
	dbReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers:        provs,
		cacheReady:       cacheReady,
		dbReady:          dbReady,
		baseCtx:          ctx,
		metrics:          met,
		providerStatuses: make(map[string]*probeState, len(provs)),
		startTime:        time.Now(),
		done:             make(chan struct{}),
	}
	for name := range provs {
		hc.providerStatuses[name] = &probeState{}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.loop()
	return hc
}

// HealthSnapshot is the JSON body served by GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Accounts      string            `json:"accounts"`
}

// Snapshot assembles the latest probe results. Overall status degrades when
// any provider is unhealthy or the account store is unreachable; a degraded
// cache alone does not (the gateway runs cacheless).
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     make(map[string]string, len(hc.providerStatuses)),
		Cache:         hc.cacheStatus.get(),
		Accounts:      hc.dbStatus.get(),
	}
	for name, p := range hc.providerStatuses {
		st := p.get()
		snap.Providers[name] = st
		if st != "ok" {
			snap.Status = "degraded"
		}
	}
	if snap.Accounts == "down" {
		snap.Status = "degraded"
	}
	return snap
}

// ReadinessOK gates GET /readiness: the gateway cannot authenticate new keys
// without the durable account store.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the probe loop and waits for it to exit.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()
	tick := time.NewTicker(healthProbeInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prov := range hc.providers {
		wg.Add(1)
		go func(name string, prov providers.Provider) {
			defer wg.Done()
			healthy := prov.HealthCheck(ctx) == nil
			if healthy {
				hc.providerStatuses[name].set("ok")
			} else {
				hc.providerStatuses[name].set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, healthy)
			}
		}(name, prov)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()
	go func() {
		defer wg.Done()
		if hc.dbReady == nil || hc.dbReady() {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}
