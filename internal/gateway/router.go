package gateway

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler aliases the fasthttp handler type for route tables.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes carries handlers that are mounted next to the dispatch
// routes when provided.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start serves on addr (e.g. ":8080") in dispatch-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes serves on addr with the management routes mounted.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := g.server(mgmt)
	return srv.ListenAndServe(addr)
}

// server builds the configured fasthttp.Server. Split out so tests can
// serve it over an in-memory listener.
func (g *Gateway) server(mgmt *ManagementRoutes) *fasthttp.Server {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	// Account management: key lifecycle and billing. Registered only when
	// a durable store has been injected.
	if g.accounts != nil {
		r.POST("/v1/keys", g.handleIssueKey)
		r.GET("/v1/keys", g.handleListKeys)
		r.DELETE("/v1/keys/{key}", g.handleRevokeKey)
		r.GET("/v1/balance", g.handleBalance)
		r.POST("/v1/billing/credits", g.handleCredit)
	}

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler: handler,
		// Streamed completions can run for minutes; WriteTimeout must
		// cover the full stream lifetime, not a single write.
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       g.streamTimeout + time.Minute,
		StreamRequestBody:  false,
		MaxRequestBodySize: 4 << 20,
	}
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
