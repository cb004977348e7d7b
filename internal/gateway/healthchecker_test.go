package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/chargegate/chargegate/internal/providers"
)

// probeProvider answers health checks with a fixed error.
type probeProvider struct {
	name string
	err  error
}

func (p *probeProvider) Name() string { return p.name }
func (p *probeProvider) Request(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, nil
}
func (p *probeProvider) HealthCheck(_ context.Context) error { return p.err }

func healthyProvider(name string) *probeProvider { return &probeProvider{name: name} }
func failingHealthProvider(name string) *probeProvider {
	return &probeProvider{name: name, err: fmt.Errorf("probe failed")}
}

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("nil context must panic")
		}
	}()
	NewHealthChecker(nil, nil, nil, nil, nil)
}

func TestNewHealthChecker_RunsInitialProbe(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai": healthyProvider("openai"),
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Providers["openai"] != "ok" {
		t.Errorf("expected openai=ok after initial probe, got %s", snap.Providers["openai"])
	}
}

func TestSnapshot_AllHealthy(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai":    healthyProvider("openai"),
		"anthropic": healthyProvider("anthropic"),
	}
	hc := NewHealthChecker(context.Background(), provs,
		func() bool { return true }, func() bool { return true }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.Cache != "ok" {
		t.Errorf("expected cache=ok, got %s", snap.Cache)
	}
	if snap.Accounts != "ok" {
		t.Errorf("expected accounts=ok, got %s", snap.Accounts)
	}
	if snap.UptimeSeconds < 0 {
		t.Error("uptime should be non-negative")
	}
}

func TestSnapshot_DegradedProvider(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai":    healthyProvider("openai"),
		"anthropic": failingHealthProvider("anthropic"),
	}
	hc := NewHealthChecker(context.Background(), provs, nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
	if snap.Providers["anthropic"] != "degraded" {
		t.Errorf("expected anthropic=degraded, got %s", snap.Providers["anthropic"])
	}
	if snap.Providers["openai"] != "ok" {
		t.Errorf("expected openai=ok, got %s", snap.Providers["openai"])
	}
}

func TestReadiness_TracksAccountStore(t *testing.T) {
	up := true
	hc := NewHealthChecker(context.Background(), nil, nil, func() bool { return up }, nil)
	defer hc.Close()

	if !hc.ReadinessOK() {
		t.Error("expected ready while the store probe passes")
	}

	up = false
	hc.probe()
	if hc.ReadinessOK() {
		t.Error("expected not ready once the store probe fails")
	}

	snap := hc.Snapshot()
	if snap.Accounts != "down" {
		t.Errorf("expected accounts=down, got %s", snap.Accounts)
	}
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
}
