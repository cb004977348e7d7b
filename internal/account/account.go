// Package account defines the durable account store and the identity
// verification capability consumed by the gateway.
//
// The gateway treats both as external collaborators: the ledger reads
// accounts lazily and writes deltas back asynchronously, and the management
// API exchanges bearer tokens for identities through Verifier. The SQLite
// implementation in this package is the record of truth for balances and
// issued API keys.
package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MaxLiveKeys is the maximum number of unrevoked API keys per identity.
const MaxLiveKeys = 2

var (
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("account: not found")
	// ErrKeyLimit is returned when an identity already holds MaxLiveKeys keys.
	ErrKeyLimit = errors.New("account: live key limit reached")
	// ErrBadToken is returned by Verifier for an unknown bearer token.
	ErrBadToken = errors.New("account: invalid token")
)

// Account is the durable record for one identity.
type Account struct {
	UserID  string
	Balance decimal.Decimal
}

// Key is an issued API key.
type Key struct {
	Key       string
	UserID    string
	CreatedAt time.Time
}

// Store is the durable account store contract.
type Store interface {
	// Load resolves an API key to its owning account.
	// Returns ErrNotFound for unknown or revoked keys.
	Load(ctx context.Context, apiKey string) (Account, error)

	// ApplyDelta adds delta (negative for debits) to the identity's durable
	// balance and returns the updated record. Returns ErrNotFound for an
	// unknown identity.
	ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal) (Account, error)

	// CreateAccount registers a new identity with an opening balance.
	CreateAccount(ctx context.Context, userID string, opening decimal.Decimal) error

	// IssueKey mints a new API key for userID, enforcing MaxLiveKeys.
	IssueKey(ctx context.Context, userID string) (Key, error)

	// ListKeys returns the identity's live keys.
	ListKeys(ctx context.Context, userID string) ([]Key, error)

	// RevokeKey retires an API key. Revoking an unknown key is ErrNotFound.
	RevokeKey(ctx context.Context, apiKey string) error

	// Ping reports store reachability for readiness probes.
	Ping(ctx context.Context) error

	Close() error
}

// Verifier exchanges a caller-supplied bearer credential for an identity.
// The gateway never inspects tokens itself.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (userID string, err error)
}

// StaticVerifier is a Verifier over a fixed token → identity map, loaded from
// configuration. Suitable for single-tenant and test deployments; production
// installs plug in an external identity service behind the same interface.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticVerifier builds a StaticVerifier from a token → userID map.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	m := make(map[string]string, len(tokens))
	for tok, uid := range tokens {
		if tok != "" && uid != "" {
			m[tok] = uid
		}
	}
	return &StaticVerifier{tokens: m}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, bearerToken string) (string, error) {
	v.mu.RLock()
	uid, ok := v.tokens[bearerToken]
	v.mu.RUnlock()
	if !ok {
		return "", ErrBadToken
	}
	return uid, nil
}
