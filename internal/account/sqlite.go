package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database (pure-Go driver,
// no cgo). Balances are stored as decimal strings so no precision is lost.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initialises) the database at dsn.
// Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("account: open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent ApplyDelta calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	balance    TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
	key        TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES accounts(user_id),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	revoked_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("account: apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, apiKey string) (Account, error) {
	var (
		userID  string
		balance string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT a.user_id, a.balance
FROM api_keys k
JOIN accounts a ON a.user_id = k.user_id
WHERE k.key = ? AND k.revoked_at IS NULL`, apiKey).Scan(&userID, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("account: load key: %w", err)
	}

	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return Account{}, fmt.Errorf("account: corrupt balance for %s: %w", userID, err)
	}
	return Account{UserID: userID, Balance: bal}, nil
}

// ApplyDelta implements Store. The read-modify-write runs inside a
// transaction; SQLite serialises writers so the update is atomic.
func (s *SQLiteStore) ApplyDelta(ctx context.Context, userID string, delta decimal.Decimal) (Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("account: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("account: read balance: %w", err)
	}

	bal, err := decimal.NewFromString(stored)
	if err != nil {
		return Account{}, fmt.Errorf("account: corrupt balance for %s: %w", userID, err)
	}
	updated := bal.Add(delta)

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ? WHERE user_id = ?`,
		updated.String(), userID); err != nil {
		return Account{}, fmt.Errorf("account: write balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("account: commit: %w", err)
	}
	return Account{UserID: userID, Balance: updated}, nil
}

// CreateAccount implements Store.
func (s *SQLiteStore) CreateAccount(ctx context.Context, userID string, opening decimal.Decimal) error {
	if userID == "" {
		return fmt.Errorf("account: user id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(user_id, balance) VALUES(?, ?)`,
		userID, opening.String())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("account: %s already exists", userID)
		}
		return fmt.Errorf("account: create: %w", err)
	}
	return nil
}

// IssueKey implements Store, enforcing the MaxLiveKeys ceiling per identity.
func (s *SQLiteStore) IssueKey(ctx context.Context, userID string) (Key, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Key{}, fmt.Errorf("account: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE user_id = ?`, userID).Scan(&exists)
	if err != nil {
		return Key{}, fmt.Errorf("account: check identity: %w", err)
	}
	if exists == 0 {
		return Key{}, ErrNotFound
	}

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE user_id = ? AND revoked_at IS NULL`,
		userID).Scan(&live)
	if err != nil {
		return Key{}, fmt.Errorf("account: count keys: %w", err)
	}
	if live >= MaxLiveKeys {
		return Key{}, ErrKeyLimit
	}

	k := Key{
		Key:       "cg-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys(key, user_id, created_at) VALUES(?, ?, ?)`,
		k.Key, k.UserID, k.CreatedAt); err != nil {
		return Key{}, fmt.Errorf("account: insert key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Key{}, fmt.Errorf("account: commit: %w", err)
	}
	return k, nil
}

// ListKeys implements Store.
func (s *SQLiteStore) ListKeys(ctx context.Context, userID string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, user_id, created_at
FROM api_keys
WHERE user_id = ? AND revoked_at IS NULL
ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("account: list keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Key, &k.UserID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("account: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey implements Store.
func (s *SQLiteStore) RevokeKey(ctx context.Context, apiKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE key = ? AND revoked_at IS NULL`,
		time.Now().UTC(), apiKey)
	if err != nil {
		return fmt.Errorf("account: revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("account: revoke key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
