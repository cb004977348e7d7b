package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/chargegate/chargegate/internal/account"
	"github.com/chargegate/chargegate/internal/ledger"
	"github.com/chargegate/chargegate/pkg/apierr"
)

// Management API handlers.
//
// Key self-service (/v1/keys) authenticates with an identity bearer token
// exchanged through account.Verifier. Balance lookup (/v1/balance)
// authenticates with an API key, same as the dispatch endpoints. The
// billing credit hook (/v1/billing/credits) is gated by operator tokens
// from configuration.

// verifyIdentity exchanges the Authorization bearer token for a user ID.
// Writes the 401 itself when the token is missing or unknown.
func (g *Gateway) verifyIdentity(ctx *fasthttp.RequestCtx) (string, bool) {
	token := parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))
	if token == "" || g.verifier == nil {
		apierr.WriteUnauthorized(ctx, "")
		return "", false
	}

	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, account.ErrBadToken) {
			g.log.ErrorContext(ctx, "identity_verify_failed",
				slog.String("error", err.Error()))
		}
		apierr.WriteUnauthorized(ctx, "")
		return "", false
	}
	return userID, true
}

type issuedKeyResponse struct {
	Key       string    `json:"key"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleIssueKey(ctx *fasthttp.RequestCtx) {
	userID, ok := g.verifyIdentity(ctx)
	if !ok {
		return
	}

	key, err := g.accounts.IssueKey(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, account.ErrKeyLimit):
		apierr.Write(ctx, fasthttp.StatusConflict,
			"live key limit reached; revoke a key first",
			apierr.TypeInvalidRequest, "key_limit_reached")
		return
	case errors.Is(err, account.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"no account for identity", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	default:
		g.log.ErrorContext(ctx, "issue_key_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"key issuance failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.InfoContext(ctx, "key_issued", slog.String("user_id", userID))

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, issuedKeyResponse{
		Key:       key.Key,
		UserID:    key.UserID,
		CreatedAt: key.CreatedAt,
	})
}

type listedKey struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleListKeys(ctx *fasthttp.RequestCtx) {
	userID, ok := g.verifyIdentity(ctx)
	if !ok {
		return
	}

	keys, err := g.accounts.ListKeys(ctx, userID)
	if err != nil {
		g.log.ErrorContext(ctx, "list_keys_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"key listing failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	out := make([]listedKey, len(keys))
	for i, k := range keys {
		out[i] = listedKey{Key: redactKey(k.Key), CreatedAt: k.CreatedAt}
	}
	writeJSON(ctx, map[string]any{"user_id": userID, "keys": out})
}

// redactKey keeps enough of the key for the owner to recognise it. The
// full key is never echoed back, however short.
func redactKey(key string) string {
	if len(key) <= 12 {
		if len(key) <= 2 {
			return "..."
		}
		return key[:2] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func (g *Gateway) handleRevokeKey(ctx *fasthttp.RequestCtx) {
	userID, ok := g.verifyIdentity(ctx)
	if !ok {
		return
	}

	key, _ := ctx.UserValue("key").(string)
	if key == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"key path parameter is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// A key can only be revoked by its owner. Unknown keys and keys owned
	// by someone else look the same from outside.
	acct, err := g.accounts.Load(ctx, key)
	if err != nil || acct.UserID != userID {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if err := g.accounts.RevokeKey(ctx, key); err != nil {
		g.log.ErrorContext(ctx, "revoke_key_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"key revocation failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// Drop the fast-store mapping so the key stops authenticating now
	// rather than when its cache entry expires.
	if err := g.ledger.Invalidate(ctx, key); err != nil {
		g.log.WarnContext(ctx, "key_invalidate_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}

	g.log.InfoContext(ctx, "key_revoked", slog.String("user_id", userID))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleBalance(ctx *fasthttp.RequestCtx) {
	ident, ok := g.authenticate(ctx)
	if !ok {
		return
	}
	writeJSON(ctx, map[string]string{
		"user_id": ident.userID,
		"balance": ident.balance.String(),
	})
}

type creditRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

// handleCredit applies a payment credit to an identity's balance. Called by
// the payment system after a top-up clears; idempotency is the caller's
// responsibility.
func (g *Gateway) handleCredit(ctx *fasthttp.RequestCtx) {
	token := parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))
	if _, ok := g.adminTokens[token]; !ok || token == "" {
		apierr.WriteUnauthorized(ctx, "")
		return
	}

	var req creditRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.UserID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'user_id' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'amount' must be a positive decimal string",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	balance, err := g.ledger.Credit(ctx, req.UserID, amount)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrUnknownKey):
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"unknown identity", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	default:
		g.log.ErrorContext(ctx, "credit_failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"credit failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if g.metrics != nil {
		g.metrics.RecordCredit()
	}
	g.log.InfoContext(ctx, "credit_applied",
		slog.String("user_id", req.UserID),
		slog.String("amount", amount.String()),
		slog.String("balance", balance.String()),
	)

	writeJSON(ctx, map[string]string{
		"user_id": req.UserID,
		"balance": balance.String(),
	})
}
