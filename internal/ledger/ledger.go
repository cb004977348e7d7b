// Package ledger maintains per-identity prepaid balances in Redis and
// settles every successful request against them. The Redis copy is the
// authoritative fast store for admission decisions; the durable account
// store is updated asynchronously after each debit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/chargegate/chargegate/internal/account"
)

const (
	keyPrefix     = "ledger:key:"
	balancePrefix = "ledger:bal:"

	// A missing balance entry is reloaded from the durable store and
	// cached for this long.
	entryTTL = 24 * time.Hour
)

var (
	// ErrInsufficientFunds is returned when the balance cannot cover the
	// requested debit. The balance is left untouched.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrContention is returned when the conditional update kept losing
	// to concurrent writers after all retry attempts.
	ErrContention = errors.New("ledger: balance contention")

	// ErrUnknownKey is returned when the API key resolves to no account.
	ErrUnknownKey = errors.New("ledger: unknown api key")
)

// Ledger fronts the durable account store with Redis-held balances and
// performs compare-and-set debits against them.
type Ledger struct {
	rdb      redis.UniversalClient
	accounts account.Store
	log      *slog.Logger

	maxAttempts int
	backoff     time.Duration
	onRetry     func()
}

// Option adjusts Ledger construction.
type Option func(*Ledger)

// WithRetry overrides the debit retry policy.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if attempts > 0 {
			l.maxAttempts = attempts
		}
		if backoff >= 0 {
			l.backoff = backoff
		}
	}
}

// WithRetryHook registers a callback invoked each time a debit loses its
// conditional-update race and is retried.
func WithRetryHook(fn func()) Option {
	return func(l *Ledger) { l.onRetry = fn }
}

func New(rdb redis.UniversalClient, accounts account.Store, log *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		rdb:         rdb,
		accounts:    accounts,
		log:         log,
		maxAttempts: 3,
		backoff:     100 * time.Millisecond,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

func balanceKey(userID string) string { return balancePrefix + userID }
func apiKeyKey(apiKey string) string  { return keyPrefix + apiKey }

// Resolve maps an API key to its owning identity, populating the fast
// store from the durable one on first sight. Unknown and revoked keys
// return ErrUnknownKey.
func (l *Ledger) Resolve(ctx context.Context, apiKey string) (string, error) {
	userID, err := l.rdb.Get(ctx, apiKeyKey(apiKey)).Result()
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("ledger: resolve key: %w", err)
	}
	return l.loadFromDurable(ctx, apiKey)
}

// Balance returns the current fast-store balance for an API key, lazily
// loading it from the durable store when absent.
func (l *Ledger) Balance(ctx context.Context, apiKey string) (string, decimal.Decimal, error) {
	userID, err := l.Resolve(ctx, apiKey)
	if err != nil {
		return "", decimal.Zero, err
	}

	raw, err := l.rdb.Get(ctx, balanceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		if _, err := l.loadFromDurable(ctx, apiKey); err != nil {
			return "", decimal.Zero, err
		}
		raw, err = l.rdb.Get(ctx, balanceKey(userID)).Result()
		if err != nil {
			return "", decimal.Zero, fmt.Errorf("ledger: read balance: %w", err)
		}
	} else if err != nil {
		return "", decimal.Zero, fmt.Errorf("ledger: read balance: %w", err)
	}

	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("ledger: corrupt balance for %s: %w", userID, err)
	}
	return userID, bal, nil
}

// loadFromDurable copies the key mapping and opening balance for apiKey
// into the fast store. The balance entry is only written when absent so
// a concurrent debit is never clobbered by a stale durable read.
func (l *Ledger) loadFromDurable(ctx context.Context, apiKey string) (string, error) {
	acct, err := l.accounts.Load(ctx, apiKey)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return "", ErrUnknownKey
		}
		return "", fmt.Errorf("ledger: durable load: %w", err)
	}

	pipe := l.rdb.Pipeline()
	pipe.Set(ctx, apiKeyKey(apiKey), acct.UserID, entryTTL)
	pipe.SetNX(ctx, balanceKey(acct.UserID), acct.Balance.String(), entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("ledger: populate fast store: %w", err)
	}
	return acct.UserID, nil
}

// Debit atomically subtracts amount from the balance behind apiKey. The
// read-check-write runs under a conditional update: when a concurrent
// writer changes the balance between read and write the attempt is
// retried, up to maxAttempts times with a fixed backoff. A balance that
// cannot cover the amount fails with ErrInsufficientFunds and is never
// modified. The durable store is reconciled asynchronously.
func (l *Ledger) Debit(ctx context.Context, apiKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		_, bal, err := l.Balance(ctx, apiKey)
		return bal, err
	}

	userID, _, err := l.Balance(ctx, apiKey)
	if err != nil {
		return decimal.Zero, err
	}
	key := balanceKey(userID)

	var remaining decimal.Decimal
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		err = l.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err != nil {
				return err
			}
			bal, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("ledger: corrupt balance for %s: %w", userID, err)
			}
			if bal.LessThan(amount) {
				remaining = bal
				return ErrInsufficientFunds
			}
			remaining = bal.Sub(amount)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, remaining.String(), entryTTL)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			l.settle(userID, amount)
			return remaining, nil
		case errors.Is(err, ErrInsufficientFunds):
			return remaining, ErrInsufficientFunds
		case errors.Is(err, redis.TxFailedErr):
			if l.onRetry != nil {
				l.onRetry()
			}
			l.log.Debug("ledger debit lost cas race",
				slog.String("user_id", userID),
				slog.Int("attempt", attempt))
			if attempt < l.maxAttempts {
				select {
				case <-time.After(l.backoff):
				case <-ctx.Done():
					return decimal.Zero, ctx.Err()
				}
			}
		default:
			return decimal.Zero, fmt.Errorf("ledger: debit: %w", err)
		}
	}

	l.log.Warn("ledger debit exhausted retries",
		slog.String("user_id", userID),
		slog.String("amount", amount.String()),
		slog.Int("attempts", l.maxAttempts))
	return decimal.Zero, ErrContention
}

// settle pushes a completed debit to the durable store without blocking
// the request path. Failures are logged; the fast store already holds
// the authoritative balance and a later reload would be corrected by a
// reconciliation job.
func (l *Ledger) settle(userID string, amount decimal.Decimal) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.accounts.ApplyDelta(ctx, userID, amount.Neg()); err != nil {
			l.log.Error("ledger durable settle failed",
				slog.String("user_id", userID),
				slog.String("amount", amount.String()),
				slog.String("error", err.Error()))
		}
	}()
}

// Credit adds funds to an identity in the durable store and applies the
// same delta to the fast-store copy so the new balance is visible
// immediately. The fast store is updated with the same conditional write
// as Debit: the durable balance may lag in-flight settles, so writing a
// durable read over the fast value would erase committed debits.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("ledger: credit amount must be positive")
	}
	acct, err := l.accounts.ApplyDelta(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return decimal.Zero, ErrUnknownKey
		}
		return decimal.Zero, fmt.Errorf("ledger: credit: %w", err)
	}

	key := balanceKey(userID)
	var updated decimal.Decimal
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		err = l.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				// No fast copy yet: seed from the post-credit durable
				// balance, but never over a concurrent writer's value.
				updated = acct.Balance
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.SetNX(ctx, key, acct.Balance.String(), entryTTL)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			bal, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("ledger: corrupt balance for %s: %w", userID, err)
			}
			updated = bal.Add(amount)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated.String(), entryTTL)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			if attempt < l.maxAttempts {
				select {
				case <-time.After(l.backoff):
				case <-ctx.Done():
					return acct.Balance, ctx.Err()
				}
			}
		default:
			// The durable credit is committed; a missed fast-store update
			// only surfaces as staleness until the next reload.
			l.log.Warn("ledger fast-store refresh failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			return acct.Balance, nil
		}
	}

	l.log.Warn("ledger credit refresh exhausted retries",
		slog.String("user_id", userID),
		slog.String("amount", amount.String()),
		slog.Int("attempts", l.maxAttempts))
	return acct.Balance, nil
}

// Invalidate drops the fast-store key mapping for an API key so the
// next request re-checks the durable store. The balance entry stays put
// because other live keys of the same identity may still be settling
// against it.
func (l *Ledger) Invalidate(ctx context.Context, apiKey string) error {
	if err := l.rdb.Del(ctx, apiKeyKey(apiKey)).Err(); err != nil {
		return fmt.Errorf("ledger: invalidate: %w", err)
	}
	return nil
}
