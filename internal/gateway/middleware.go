package gateway

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// middleware wraps a fasthttp handler with cross-cutting behaviour.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// applyMiddleware chains mws around h, first element outermost:
// applyMiddleware(h, a, b) runs a, then b, then h.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// recovery turns a handler panic into a 500 error envelope instead of a
// dropped connection. The panic value and route are logged.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			slog.Error("handler_panic",
				slog.Any("panic", rec),
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
			)
			ctx.ResetBody()
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
		}()
		next(ctx)
	}
}

// requestID guarantees an X-Request-ID on every response, preserving a
// client-supplied one. The ID is stashed in the request user values under
// "request_id" so handlers and the request logger can correlate.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		rid := string(ctx.Request.Header.Peek("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		ctx.SetUserValue("request_id", rid)
		ctx.Response.Header.Set("X-Request-ID", rid)
		next(ctx)
	}
}

// timing reports wall-clock handler time via X-Response-Time.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		began := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(began).String())
	}
}

// securityHeaders sets the usual hardening headers. This is a JSON API, so
// the CSP denies everything and XSS protection is disabled in favour of it.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		hdr := &ctx.Response.Header
		hdr.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("X-XSS-Protection", "0")
		hdr.Set("Content-Security-Policy", "default-src 'none'")
		hdr.Set("Referrer-Policy", "no-referrer")
		hdr.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler builds the CORS middleware for the configured origins. An
// empty list, or the single entry "*", allows any origin. OPTIONS preflights
// are answered directly with 204.
func corsHandler(origins []string) middleware {
	allowed := "*"
	if len(origins) > 0 && (len(origins) != 1 || origins[0] != "*") {
		allowed = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
