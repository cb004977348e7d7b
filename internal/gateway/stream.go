package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/chargegate/chargegate/internal/ledger"
	"github.com/chargegate/chargegate/internal/providers"
)

// settleTimeout bounds the end-of-stream debit. The client is still
// waiting for the [DONE] frame while this runs, so it must stay short.
const settleTimeout = 5 * time.Second

// dispatchStream serves a streamed completion as Server-Sent Events.
//
// Billing happens at end-of-stream: chunks are relayed as they arrive,
// the provider's usage frame is retained, and the caller is debited
// before the terminating [DONE] frame is written. A client that
// disconnects mid-stream cancels the upstream request and is not billed —
// usage is only known once the stream drains.
func (g *Gateway) dispatchStream(
	ctx *fasthttp.RequestCtx,
	req *providers.ChatRequest,
	ident callerIdentity,
	primary, route, reqID string,
	start time.Time,
) {
	// The stream outlives the handler, so it hangs off the gateway's base
	// context rather than the request context fasthttp reuses.
	provCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)

	resp, usedProvider, err := g.requestWithFailover(provCtx, req, primary, route)
	if err != nil {
		cancel()
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", primary),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
			g.metrics.RecordRequest(primary, ctx.Response.StatusCode())
		}
		g.logRequest(reqID, ident.userID, primary, req.Model,
			providers.Usage{}, decimal.Zero, decimal.Zero,
			time.Since(start), ctx.Response.StatusCode(), false, true)
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	model := req.Model
	respID := resp.ID
	if respID == "" {
		respID = "chatcmpl-" + reqID
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var usage providers.Usage
		haveUsage := false
		disconnected := false

		for chunk := range resp.Stream {
			if chunk.Usage != nil {
				usage = *chunk.Usage
				haveUsage = true
			}
			if disconnected {
				continue // keep draining so the provider goroutine exits
			}
			if chunk.Content == "" && chunk.FinishReason == "" {
				continue
			}

			if err := writeSSEChunk(w, respID, model, chunk); err != nil {
				// Client went away: stop the upstream and drain the rest.
				disconnected = true
				cancel()
			}
		}

		status := fasthttp.StatusOK
		cost, balance := decimal.Zero, decimal.Zero

		if disconnected {
			status = fasthttp.StatusOK // headers already sent
			g.log.WarnContext(g.baseCtx, "stream_client_disconnect",
				slog.String("request_id", reqID),
				slog.String("user_id", ident.userID),
				slog.String("provider", usedProvider),
			)
			if g.metrics != nil {
				g.metrics.RecordDebit("abandoned", 0)
			}
		} else if haveUsage {
			cost, balance = g.settleStream(ident, model, usage, reqID)
		} else {
			// Provider closed the stream without a usage frame. Nothing to
			// bill against; the transcript is logged with zero cost.
			g.log.WarnContext(g.baseCtx, "stream_missing_usage",
				slog.String("request_id", reqID),
				slog.String("provider", usedProvider),
				slog.String("model", model),
			)
		}

		if !disconnected {
			if haveUsage {
				writeSSEUsage(w, respID, model, usage) //nolint:errcheck
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		if g.metrics != nil {
			dur := time.Since(start)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, status, dur)
			g.metrics.RecordRequest(usedProvider, status)
			g.metrics.ObserveGatewayRequest(usedProvider, route, "bypass", dur)
			g.metrics.AddTokens(usedProvider, route, usage.InputTokens, usage.OutputTokens, false)
		}

		g.logRequest(reqID, ident.userID, usedProvider, model,
			usage, cost, balance, time.Since(start), status, false, true)
	})
}

// settleStream debits the caller for a drained stream. The SSE headers are
// long gone by now, so a failed debit cannot surface as an HTTP error; it
// is logged and counted, and the stream still terminates cleanly.
func (g *Gateway) settleStream(
	ident callerIdentity,
	model string,
	usage providers.Usage,
	reqID string,
) (decimal.Decimal, decimal.Decimal) {
	cost := g.pricing.Cost(model, usage.Total())

	debitCtx, cancel := context.WithTimeout(g.baseCtx, settleTimeout)
	defer cancel()

	remaining, err := g.ledger.Debit(debitCtx, ident.apiKey, cost)
	switch {
	case err == nil:
		if g.metrics != nil {
			costF, _ := cost.Float64()
			g.metrics.RecordDebit("ok", costF)
		}
		return cost, remaining

	case errors.Is(err, ledger.ErrInsufficientFunds):
		// The tokens were already streamed; the shortfall is absorbed and
		// the next request is blocked by the pre-dispatch balance guard.
		if g.metrics != nil {
			g.metrics.RecordDebit("insufficient_funds", 0)
		}
		g.log.WarnContext(g.baseCtx, "stream_insufficient_funds",
			slog.String("request_id", reqID),
			slog.String("user_id", ident.userID),
			slog.String("cost", cost.String()),
			slog.String("balance", remaining.String()),
		)
		return cost, remaining

	default:
		if g.metrics != nil {
			g.metrics.RecordDebit("error", 0)
		}
		g.log.ErrorContext(g.baseCtx, "stream_debit_failed",
			slog.String("request_id", reqID),
			slog.String("user_id", ident.userID),
			slog.String("error", err.Error()),
		)
		return cost, decimal.Zero
	}
}

// streamDelta is the OpenAI chat.completion.chunk wire shape.
type streamDelta struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []streamDeltaChoice `json:"choices"`
	Usage   *outboundUsage      `json:"usage,omitempty"`
}

type streamDeltaChoice struct {
	Index        int               `json:"index"`
	Delta        map[string]string `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

func writeSSEChunk(w *bufio.Writer, id, model string, chunk providers.StreamChunk) error {
	choice := streamDeltaChoice{Delta: map[string]string{}}
	if chunk.Content != "" {
		choice.Delta["content"] = chunk.Content
	}
	if chunk.FinishReason != "" {
		fr := chunk.FinishReason
		choice.FinishReason = &fr
	}

	data, err := json.Marshal(streamDelta{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []streamDeltaChoice{choice},
	})
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// writeSSEUsage emits a final choice-less frame carrying the stream's token
// usage, the shape OpenAI uses with stream_options.include_usage.
func writeSSEUsage(w *bufio.Writer, id, model string, usage providers.Usage) error {
	data, err := json.Marshal(streamDelta{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []streamDeltaChoice{},
		Usage: &outboundUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.Total(),
		},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
