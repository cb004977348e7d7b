package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chargegate/chargegate/internal/account"
	cgCache "github.com/chargegate/chargegate/internal/cache"
	"github.com/chargegate/chargegate/internal/gateway"
	"github.com/chargegate/chargegate/internal/ledger"
	"github.com/chargegate/chargegate/internal/logger"
	"github.com/chargegate/chargegate/internal/metrics"
	"github.com/chargegate/chargegate/internal/pricing"
	"github.com/chargegate/chargegate/internal/ratelimit"
)

// initInfra establishes the external connections: Redis (ledger, rate
// limiter, cache) and the SQLite account store.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	st, err := account.NewSQLiteStore(a.cfg.Accounts.DSN)
	if err != nil {
		return fmt.Errorf("account store: %w", err)
	}
	a.accounts = st
	a.log.Info("account store opened", slog.String("dsn", a.cfg.Accounts.DSN))

	return nil
}

// initProviders builds the provider map from the configured API keys.
// Config validation already guarantees at least one key is set.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, the async request logger, and the
// Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = cgCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// Request log sink: ClickHouse when configured, slog otherwise.
	var sink logger.Sink
	if dsn := a.cfg.RequestLog.ClickHouseDSN; dsn != "" {
		chSink, err := logger.NewClickHouseSink(ctx, dsn)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		sink = chSink
		a.log.Info("request log sink: clickhouse")
	}

	reqLogger, err := logger.New(ctx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway assembles the dispatcher from everything built so far.
func (a *App) initGateway(_ context.Context) error {
	var cacheImpl cgCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = cgCache.NewRedisCache(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	led := ledger.New(a.rdb, a.accounts, a.log,
		ledger.WithRetry(a.cfg.Ledger.MaxAttempts, a.cfg.Ledger.RetryBackoff),
		ledger.WithRetryHook(a.prom.RecordDebitRetry))

	prices := pricing.NewTable(a.cfg.Pricing.DefaultModel, a.cfg.Pricing.Overrides)

	opts := gateway.Options{
		Logger:          a.log,
		MaxRetries:      a.cfg.Failover.MaxRetries,
		ProviderTimeout: a.cfg.Failover.ProviderTimeout,
		StreamTimeout:   a.cfg.Failover.StreamTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
		Metrics:         a.prom,
		CBConfig: gateway.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := gateway.New(a.baseCtx, a.provs, cacheImpl, led, prices, opts)

	// Rate limiting — 0 ceiling disables it.
	if a.cfg.RateLimit.Ceiling > 0 {
		gw.SetRateLimiter(ratelimit.New(a.rdb, a.cfg.RateLimit.Ceiling, a.cfg.RateLimit.Window))
		a.log.Info("rate limiting enabled",
			slog.Int("ceiling", a.cfg.RateLimit.Ceiling),
			slog.Duration("window", a.cfg.RateLimit.Window),
		)
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cgCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// Management API: key self-service and billing credits.
	gw.SetManagement(a.accounts,
		account.NewStaticVerifier(a.cfg.IdentityTokens),
		a.cfg.AdminTokens)

	gw.SetHealthProbes(cacheReady, storePinger(a.baseCtx, a.accounts))

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
