// Package apierr renders client-facing errors in the OpenAI error-envelope
// format, including the billing failure modes.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error type vocabulary, matching the OpenAI API.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeBillingError      = "billing_error"
	TypeServerError       = "server_error"
)

// Machine-readable error codes.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInvalidModel      = "invalid_model"
	CodeInsufficientFunds = "insufficient_funds"
	CodeLedgerContention  = "ledger_contention"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error body returned to clients, nested under
// an "error" key per the OpenAI convention.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type envelope struct {
	Error APIError `json:"error"`
}

// Write serializes the error envelope onto the response with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for a missing or unknown API key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "missing or invalid API key"
	}
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRateLimit answers 429 with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInsufficientFunds writes a 402 when the balance does not cover the cost.
func WriteInsufficientFunds(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "insufficient balance for this request"
	}
	Write(ctx, fasthttp.StatusPaymentRequired, msg, TypeBillingError, CodeInsufficientFunds)
}

// WriteLedgerContention writes a 409 after debit retries are exhausted.
// No debit was committed, so the request is safe to retry.
func WriteLedgerContention(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusConflict,
		"balance update contention, please retry", TypeBillingError, CodeLedgerContention)
}

// WriteProviderError translates an upstream HTTP status into a gateway
// response: upstream 429 passes through with a Retry-After hint, every
// other upstream failure surfaces as a 502.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	if providerStatus == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
}

// WriteTimeout answers 504 after an upstream deadline expires.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}
