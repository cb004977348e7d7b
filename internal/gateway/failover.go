package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chargegate/chargegate/internal/providers"
)

// requestWithFailover dispatches req to the primary provider and, when the
// error is retryable, walks the remaining fallback order until a provider
// answers, the attempt budget runs out, or a non-retryable error appears.
// Providers with an open circuit breaker are skipped without consuming an
// attempt. Returns the response and the name of the provider that served it.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ChatRequest,
	primary string,
	route string,
) (*providers.ChatResponse, string, error) {

	var (
		lastErr    error
		failedFrom string // provider of the most recent failed attempt
		failReason string
		attempts   int
	)

	for _, name := range buildCandidateList(primary) {
		if attempts >= g.maxRetries {
			break
		}

		prov, configured := g.providers[name]
		if !configured {
			continue
		}

		if g.cb != nil && !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			}
			continue
		}

		// Crossing from a failed provider to the next candidate.
		if failedFrom != "" && failedFrom != name && g.metrics != nil {
			g.metrics.RecordFailover(primary, failedFrom, name, failReason)
		}

		began := time.Now()
		resp, err := prov.Request(ctx, req)
		elapsed := time.Since(began)
		attempts++

		if err == nil {
			g.noteUpstreamSuccess(ctx, req.RequestID, name, primary, route, elapsed)
			return resp, name, nil
		}

		failReason = classifyError(err)
		g.noteUpstreamFailure(ctx, req.RequestID, name, primary, route, failReason, elapsed, err)
		lastErr = err
		failedFrom = name

		// A 4xx means the request itself is bad; no other provider will
		// answer it differently.
		if !isRetryable(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", fmt.Errorf("failover: all providers failed after %d attempt(s): %w", attempts, lastErr)
}

func (g *Gateway) noteUpstreamSuccess(ctx context.Context, reqID, name, primary, route string, elapsed time.Duration) {
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(name, route, "success", elapsed)
	}
	if g.cb != nil {
		g.cb.RecordSuccess(name)
		if g.metrics != nil {
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
		}
	}
	if name != primary {
		g.log.InfoContext(ctx, "failover_success",
			slog.String("request_id", reqID),
			slog.String("from", primary),
			slog.String("to", name),
			slog.Int64("latency_ms", elapsed.Milliseconds()),
		)
		if g.metrics != nil {
			g.metrics.RecordFailoverSuccess(primary, name)
		}
	}
}

func (g *Gateway) noteUpstreamFailure(ctx context.Context, reqID, name, primary, route, reason string, elapsed time.Duration, err error) {
	if g.cb != nil {
		g.cb.RecordFailure(name)
		if g.metrics != nil {
			g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
		}
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(name, route, reason, elapsed)
		g.metrics.RecordError(name, reason)
	}
	g.log.WarnContext(ctx, "provider_attempt_failed",
		slog.String("request_id", reqID),
		slog.String("from", primary),
		slog.String("to", name),
		slog.String("reason", reason),
		slog.Int64("latency_ms", elapsed.Milliseconds()),
		slog.String("error", err.Error()),
	)
}

// buildCandidateList puts primary first, then the rest of the fallback order
// with primary deduplicated out.
func buildCandidateList(primary string) []string {
	out := make([]string, 1, len(providers.DefaultFallbackOrder)+1)
	out[0] = primary
	for _, name := range providers.DefaultFallbackOrder {
		if name != primary {
			out = append(out, name)
		}
	}
	return out
}

// isRetryable decides whether an upstream error justifies trying another
// provider: timeouts and 5xx do, 4xx never does, and anything unclassified
// is retried on the assumption it was transport-level.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError maps an upstream error to the short category used in log
// fields and metric labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
