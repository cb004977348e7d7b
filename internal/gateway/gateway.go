// Package gateway is the metered LLM request dispatcher.
//
// The Gateway authenticates the caller's API key against the balance
// ledger, applies sliding-window rate limiting, consults the response
// cache, and forwards the request to the resolved provider — falling back
// to alternatives when the primary is unavailable. Every served response,
// cached or upstream, is priced from its token usage and debited from the
// caller's prepaid balance before the response is finalized.
//
// Key design constraints:
//   - Gateway overhead < 2 ms P50. No blocking I/O on the hot path beyond
//     the Redis round trips the billing semantics require.
//   - Logger, cache, and rate limiter are optional and nil-safe; the
//     ledger is mandatory.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/chargegate/chargegate/internal/account"
	"github.com/chargegate/chargegate/internal/cache"
	"github.com/chargegate/chargegate/internal/fingerprint"
	"github.com/chargegate/chargegate/internal/ledger"
	"github.com/chargegate/chargegate/internal/logger"
	"github.com/chargegate/chargegate/internal/metrics"
	"github.com/chargegate/chargegate/internal/pricing"
	"github.com/chargegate/chargegate/internal/providers"
	"github.com/chargegate/chargegate/internal/ratelimit"
	"github.com/chargegate/chargegate/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// Options are the tunables of a Gateway. Every field may be left zero;
// defaults come from the providers package constants.
type Options struct {
	// Logger receives request events and failover diagnostics.
	// slog.Default() when nil.
	Logger *slog.Logger

	// MaxRetries caps provider attempts per request, the first attempt
	// included. Values below 1 fall back to providers.MaxRetries.
	MaxRetries int

	// ProviderTimeout bounds a single unary upstream call.
	ProviderTimeout time.Duration

	// StreamTimeout bounds the whole lifetime of a streamed response.
	StreamTimeout time.Duration

	// CBConfig tunes the per-provider circuit breakers.
	CBConfig CBConfig

	// Metrics enables Prometheus collection; nil disables it.
	Metrics *metrics.Registry

	// CacheTTL is the expiry applied to stored responses. Default 1h.
	CacheTTL time.Duration
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	ledger    *ledger.Ledger
	pricing   *pricing.Table
	cb        *CircuitBreaker
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	// Configurable failover parameters (set from Options).
	maxRetries      int
	providerTimeout time.Duration
	streamTimeout   time.Duration
	cacheTTL        time.Duration

	// Optional collaborators, nil when not configured.
	limiter         *ratelimit.Limiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// Management API collaborators (see admin.go).
	accounts    account.Store
	verifier    account.Verifier
	adminTokens map[string]struct{}

	// Allowed CORS origins; empty or ["*"] opens the gateway to any origin.
	corsOrigins []string
}

// New creates a fully configured Gateway.
func New(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	led *ledger.Ledger,
	prices *pricing.Table,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if led == nil {
		panic("gateway: ledger must not be nil")
	}
	if prices == nil {
		prices = pricing.NewTable("", nil)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	streamTimeout := opts.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = providers.StreamTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		providers:       provs,
		cache:           c,
		ledger:          led,
		pricing:         prices,
		cb:              NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		maxRetries:      maxRetries,
		providerTimeout: providerTimeout,
		streamTimeout:   streamTimeout,
		cacheTTL:        cacheTTL,
		metrics:         opts.Metrics,
	}

	// Seed the breaker gauges so every provider exports a closed state from
	// the first scrape.
	if gw.metrics != nil && gw.cb != nil {
		for _, name := range providers.DefaultFallbackOrder {
			gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
		}
	}

	return gw
}

// SetRateLimiter injects the sliding-window limiter.
func (g *Gateway) SetRateLimiter(l *ratelimit.Limiter) {
	g.limiter = l
}

// SetLogger injects the async request logger (slog or ClickHouse sink).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// SetManagement injects the collaborators behind the management endpoints:
// the durable store, the identity verifier for key self-service, and the
// operator tokens gating the billing credit hook.
func (g *Gateway) SetManagement(st account.Store, v account.Verifier, adminTokens []string) {
	g.accounts = st
	g.verifier = v
	g.adminTokens = make(map[string]struct{}, len(adminTokens))
	for _, t := range adminTokens {
		if t != "" {
			g.adminTokens[t] = struct{}{}
		}
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetHealthProbes starts the background health checker with the given
// cache and account store probes.
func (g *Gateway) SetHealthProbes(cacheReady, dbReady func() bool) {
	if len(g.providers) > 0 || cacheReady != nil || dbReady != nil {
		g.health = NewHealthChecker(g.baseCtx, g.providers, cacheReady, dbReady, g.metrics)
	}
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`

		// Billing figures are attached per request at send time; the
		// cached form of the envelope never carries them.
		Cost             string `json:"cost,omitempty"`
		RemainingBalance string `json:"remaining_balance,omitempty"`
	}
)

// callerIdentity is the authenticated request principal.
type callerIdentity struct {
	apiKey  string
	userID  string
	balance decimal.Decimal
}

// authenticate resolves the Authorization bearer token to an account and
// its current fast-store balance. It writes the error response itself and
// returns false when the request must not proceed.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (callerIdentity, bool) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	token := parseBearerToken(raw)
	if token == "" {
		apierr.WriteUnauthorized(ctx, "")
		return callerIdentity{}, false
	}

	userID, bal, err := g.ledger.Balance(ctx, token)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownKey) {
			apierr.WriteUnauthorized(ctx, "")
			return callerIdentity{}, false
		}
		g.log.ErrorContext(ctx, "balance_lookup_failed",
			slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"balance lookup failed", apierr.TypeServerError, apierr.CodeInternalError)
		return callerIdentity{}, false
	}

	return callerIdentity{apiKey: token, userID: userID, balance: bal}, true
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// admitRateLimit runs the sliding-window check for the caller. It writes
// the 429 response itself and returns false when the request is rejected.
func (g *Gateway) admitRateLimit(ctx *fasthttp.RequestCtx, ident callerIdentity, reqID string) bool {
	if g.limiter == nil {
		return true
	}

	// The window is keyed by identity, not API key: an account with
	// several live keys shares one ceiling.
	res := g.limiter.Admit(ctx, ident.userID)

	if res.Degraded {
		// Limiter backend is unreachable: fail open but mark the response.
		ctx.Response.Header.Set("X-Degraded", "true")
		if g.metrics != nil {
			g.metrics.RecordRateLimit("degraded")
		}
		g.log.WarnContext(ctx, "rate_limiter_degraded",
			slog.String("request_id", reqID))
		return true
	}

	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}

	if !res.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("user_id", ident.userID),
		)
		apierr.WriteRateLimit(ctx)
		return false
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}
	return true
}

// settleDebit prices the usage and debits the caller. It writes the error
// response itself and returns false when billing failed. On success the
// cost and remaining balance are exposed as response headers.
func (g *Gateway) settleDebit(
	ctx *fasthttp.RequestCtx,
	ident callerIdentity,
	model string,
	usage providers.Usage,
	reqID string,
) (decimal.Decimal, decimal.Decimal, bool) {
	cost := g.pricing.Cost(model, usage.Total())

	remaining, err := g.ledger.Debit(ctx, ident.apiKey, cost)
	switch {
	case err == nil:
		if g.metrics != nil {
			costF, _ := cost.Float64()
			g.metrics.RecordDebit("ok", costF)
		}
		ctx.Response.Header.Set("X-Cost-USD", cost.String())
		ctx.Response.Header.Set("X-Balance-USD", remaining.String())
		return cost, remaining, true

	case errors.Is(err, ledger.ErrInsufficientFunds):
		if g.metrics != nil {
			g.metrics.RecordDebit("insufficient_funds", 0)
		}
		g.log.WarnContext(ctx, "insufficient_funds",
			slog.String("request_id", reqID),
			slog.String("user_id", ident.userID),
			slog.String("cost", cost.String()),
			slog.String("balance", remaining.String()),
		)
		apierr.WriteInsufficientFunds(ctx, fmt.Sprintf(
			"request cost %s exceeds balance %s", cost.String(), remaining.String()))
		return cost, remaining, false

	case errors.Is(err, ledger.ErrContention):
		if g.metrics != nil {
			g.metrics.RecordDebit("contention", 0)
		}
		apierr.WriteLedgerContention(ctx)
		return cost, decimal.Zero, false

	default:
		if g.metrics != nil {
			g.metrics.RecordDebit("error", 0)
		}
		g.log.ErrorContext(ctx, "debit_failed",
			slog.String("request_id", reqID),
			slog.String("user_id", ident.userID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"billing failed", apierr.TypeServerError, apierr.CodeInternalError)
		return cost, decimal.Zero, false
	}
}

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur)
		g.metrics.RecordRequest(servedProvider, status)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate: the bearer token must resolve to a funded account.
	ident, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	// 2. Rate limit check (sliding window, per API key).
	if !g.admitRateLimit(ctx, ident, reqID) {
		return
	}

	// 3. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 4. Route to provider based on model name.
	providerName, known := resolveProvider(req.Model)
	if !known {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("unknown model %q", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeInvalidModel)
		return
	}
	servedProvider = providerName

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("user_id", ident.userID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 5. Reject callers whose balance is already exhausted before any
	// upstream spend. The exact cost is only known after the response, so
	// a positive balance may still go negative on the final debit.
	if ident.balance.Sign() <= 0 {
		apierr.WriteInsufficientFunds(ctx, "")
		if g.metrics != nil {
			g.metrics.RecordDebit("insufficient_funds", 0)
		}
		return
	}

	// 6. Build the normalized ChatRequest.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	chatReq := &providers.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	// 7. Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}

	digest := ""
	if cacheEligible {
		digest = requestDigest(chatReq)
		if body, usage, ok := g.cacheLookup(ctx, digest); ok {
			cacheLabel = "hit"
			cached = true
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}

			// Hits are billed exactly like upstream responses, at the
			// prices in force now.
			cost, balance, ok := g.settleDebit(ctx, ident, req.Model, usage, reqID)
			if !ok {
				g.logRequest(reqID, ident.userID, providerName, req.Model,
					usage, cost, decimal.Zero, time.Since(start), ctx.Response.StatusCode(), true, false)
				return
			}

			inputTokens = usage.InputTokens
			outputTokens = usage.OutputTokens

			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
				slog.String("cost", cost.String()),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(withBilling(body, cost, balance))

			g.logRequest(reqID, ident.userID, providerName, req.Model,
				usage, cost, balance, time.Since(start), fasthttp.StatusOK, true, false)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 8a. Streaming — SSE pass-through with billing at end-of-stream.
	if req.Stream {
		streaming = true
		g.dispatchStream(ctx, chatReq, ident, providerName, route, reqID, start)
		return
	}

	// 8b. Unary — call provider with automatic failover.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, usedProvider, err := g.requestWithFailover(provCtx, chatReq, providerName, route)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		g.logRequest(reqID, ident.userID, providerName, req.Model,
			providers.Usage{}, decimal.Zero, decimal.Zero,
			time.Since(start), ctx.Response.StatusCode(), false, false)
		return
	}
	servedProvider = usedProvider

	// 9. Price the usage and debit before replying. The upstream call
	// already happened, so an uncovered cost still returns 402 without a
	// debit; the shortfall is absorbed, not billed.
	cost, balance, ok := g.settleDebit(ctx, ident, req.Model, resp.Usage, reqID)
	if !ok {
		g.logRequest(reqID, ident.userID, usedProvider, resp.Model,
			resp.Usage, cost, decimal.Zero, time.Since(start), ctx.Response.StatusCode(), false, false)
		return
	}

	// 10. Build an OpenAI-compatible response envelope.
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.Total(),
		},
	}

	cacheBody, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 11. Populate cache for future identical requests. The stored payload
	// holds no billing fields: hits are re-priced at lookup time.
	if cacheEligible {
		if err := g.cache.Put(ctx, digest, cacheBody, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.logRequest(reqID, ident.userID, usedProvider, resp.Model,
		resp.Usage, cost, balance, time.Since(start), fasthttp.StatusOK, false, false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", usedProvider),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("cost", cost.String()),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(withBilling(cacheBody, cost, balance))
}

// withBilling attaches the billing figures to a serialized response
// envelope. The stored cache entry never carries them; they are computed
// per request.
func withBilling(body []byte, cost, balance decimal.Decimal) []byte {
	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return body
	}
	out.Cost = cost.String()
	out.RemainingBalance = balance.String()
	augmented, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return augmented
}

// cacheLookup fetches and validates a cached payload. Corrupt entries are
// evicted and reported as a miss so the request falls through to upstream.
func (g *Gateway) cacheLookup(ctx *fasthttp.RequestCtx, digest string) ([]byte, providers.Usage, bool) {
	body, ok := g.cache.Get(ctx, digest)
	if !ok {
		return nil, providers.Usage{}, false
	}

	var cu struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &cu); err != nil {
		g.log.WarnContext(ctx, "cache_entry_corrupt",
			slog.String("digest", digest),
			slog.String("error", err.Error()))
		_ = g.cache.Delete(ctx, digest)
		return nil, providers.Usage{}, false
	}

	return body, providers.Usage{
		InputTokens:  cu.Usage.PromptTokens,
		OutputTokens: cu.Usage.CompletionTokens,
	}, true
}

// requestDigest returns the deterministic fingerprint for a request. The
// caller identity is deliberately NOT part of the digest: identical
// requests share one cache entry across users, and each hit is billed to
// whoever made it.
func requestDigest(req *providers.ChatRequest) string {
	msgs := make([]fingerprint.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = fingerprint.Message{Role: m.Role, Content: m.Content}
	}
	return fingerprint.Digest(req.Model, msgs, req.Temperature, req.MaxTokens)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, userID, provider, model string,
	usage providers.Usage,
	cost, balance decimal.Decimal,
	latency time.Duration,
	status int,
	isCached, isStreamed bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		UserID:       userID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(usage.InputTokens),
		OutputTokens: uint32(usage.OutputTokens),
		CostUSD:      cost.String(),
		BalanceUSD:   balance.String(),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		Streamed:     isStreamed,
		CreatedAt:    time.Now(),
	})
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	statusCoder (providers that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                       → 504 Gateway Timeout
//	all other errors                               → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}
