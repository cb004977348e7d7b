// Package app assembles the gateway's subsystems and owns their lifecycle.
//
// Initialization runs in four steps: infra (Redis and the SQLite account
// store), providers (upstream LLM clients), services (cache, request logger,
// metrics), then the gateway itself with its management routes. Close
// releases everything in reverse.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chargegate/chargegate/internal/account"
	cgCache "github.com/chargegate/chargegate/internal/cache"
	"github.com/chargegate/chargegate/internal/config"
	"github.com/chargegate/chargegate/internal/gateway"
	"github.com/chargegate/chargegate/internal/logger"
	"github.com/chargegate/chargegate/internal/metrics"
	"github.com/chargegate/chargegate/internal/providers"
	anthropicprov "github.com/chargegate/chargegate/internal/providers/anthropic"
	geminiprov "github.com/chargegate/chargegate/internal/providers/gemini"
	openaiprov "github.com/chargegate/chargegate/internal/providers/openai"
	openaicompatprov "github.com/chargegate/chargegate/internal/providers/openaicompat"
)

// App holds every long-lived resource of a running gateway process.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb      *redis.Client
	accounts account.Store

	reqLogger *logger.Logger
	memCache  *cgCache.MemoryCache

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *gateway.ManagementRoutes
	gw    *gateway.Gateway
}

// New brings up every subsystem. On any init failure the resources already
// allocated are closed before the error is returned.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	init := func(phase string, fn func(context.Context) error) error {
		if err := fn(ctx); err != nil {
			a.Close()
			return fmt.Errorf("app: init %s: %w", phase, err)
		}
		return nil
	}

	if err := init("infra", a.initInfra); err != nil {
		return nil, err
	}
	if err := init("providers", a.initProviders); err != nil {
		return nil, err
	}
	if err := init("services", a.initServices); err != nil {
		return nil, err
	}
	if err := init("gateway", a.initGateway); err != nil {
		return nil, err
	}

	return a, nil
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts the
// app down.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close tears resources down in reverse-init order. Repeated calls are no-ops
// because each field is nilled after closing.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.accounts != nil {
		if err := a.accounts.Close(); err != nil {
			a.log.Error("account store close error", slog.String("error", err.Error()))
		}
		a.accounts = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis dials the URL and confirms the connection with a PING before
// handing the client out.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// redisPinger adapts the shared client into a health-checker probe.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// storePinger adapts the durable account store into a readiness probe.
func storePinger(ctx context.Context, st account.Store) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return st.Ping(pingCtx) == nil
	}
}

// buildProviders creates a provider map from non-empty API keys.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provs["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
	}

	// OpenAI-compatible providers share one client implementation.
	type ocEntry struct {
		cfg     config.ProviderConfig
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.Mistral, "mistral", "https://api.mistral.ai/v1"},
		{cfg.XAI, "xai", "https://api.x.ai/v1"},
		{cfg.DeepSeek, "deepseek", "https://api.deepseek.com/v1"},
		{cfg.Groq, "groq", "https://api.groq.com/openai/v1"},
	}
	for _, e := range ocProviders {
		if e.cfg.APIKey == "" {
			continue
		}
		baseURL := e.baseURL
		if e.cfg.BaseURL != "" {
			baseURL = e.cfg.BaseURL
		}
		provs[e.name] = openaicompatprov.New(e.name, e.cfg.APIKey, baseURL)
	}

	return provs
}

// redactURL strips credentials out of a connection URL before it
// reaches the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
