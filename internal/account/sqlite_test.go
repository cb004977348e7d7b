package account

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *SQLiteStore, userID, opening string) {
	t.Helper()
	if err := s.CreateAccount(context.Background(), userID, decimal.RequireFromString(opening)); err != nil {
		t.Fatalf("CreateAccount(%s): %v", userID, err)
	}
}

func TestLoad_ResolvesKeyToAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "user-1", "10.00")

	k, err := s.IssueKey(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueKey: %v", err)
	}

	acct, err := s.Load(ctx, k.Key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if acct.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", acct.UserID)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("Balance = %s, want 10.00", acct.Balance)
	}
}

func TestLoad_UnknownAndRevokedKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "user-1", "1")

	if _, err := s.Load(ctx, "cg-nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown key: err = %v, want ErrNotFound", err)
	}

	k, err := s.IssueKey(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueKey: %v", err)
	}
	if err := s.RevokeKey(ctx, k.Key); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := s.Load(ctx, k.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked key: err = %v, want ErrNotFound", err)
	}
}

func TestApplyDelta_DebitAndCredit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "user-1", "5.00")

	acct, err := s.ApplyDelta(ctx, "user-1", decimal.RequireFromString("-1.25"))
	if err != nil {
		t.Fatalf("ApplyDelta debit: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("3.75")) {
		t.Errorf("after debit = %s, want 3.75", acct.Balance)
	}

	acct, err = s.ApplyDelta(ctx, "user-1", decimal.RequireFromString("10"))
	if err != nil {
		t.Fatalf("ApplyDelta credit: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("13.75")) {
		t.Errorf("after credit = %s, want 13.75", acct.Balance)
	}

	if _, err := s.ApplyDelta(ctx, "ghost", decimal.NewFromInt(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown identity: err = %v, want ErrNotFound", err)
	}
}

func TestIssueKey_EnforcesLiveKeyCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "user-1", "0")

	k1, err := s.IssueKey(ctx, "user-1")
	if err != nil {
		t.Fatalf("first key: %v", err)
	}
	if _, err := s.IssueKey(ctx, "user-1"); err != nil {
		t.Fatalf("second key: %v", err)
	}
	if _, err := s.IssueKey(ctx, "user-1"); !errors.Is(err, ErrKeyLimit) {
		t.Fatalf("third key: err = %v, want ErrKeyLimit", err)
	}

	// Revoking frees a slot.
	if err := s.RevokeKey(ctx, k1.Key); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := s.IssueKey(ctx, "user-1"); err != nil {
		t.Fatalf("key after revoke: %v", err)
	}

	keys, err := s.ListKeys(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("live keys = %d, want 2", len(keys))
	}
}

func TestIssueKey_UnknownIdentity(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.IssueKey(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]string{"tok-1": "user-1"})

	uid, err := v.Verify(context.Background(), "tok-1")
	if err != nil || uid != "user-1" {
		t.Fatalf("Verify = %q/%v, want user-1/nil", uid, err)
	}
	if _, err := v.Verify(context.Background(), "tok-2"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("err = %v, want ErrBadToken", err)
	}
}
