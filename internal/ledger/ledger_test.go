package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/chargegate/chargegate/internal/account"
)

// stubStore is an in-memory account.Store for exercising the ledger
// without SQLite.
type stubStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal // userID -> balance
	keys     map[string]string          // apiKey -> userID
	deltas   []decimal.Decimal

	// When set, negative deltas block until the channel closes, holding
	// a debit's async settle in flight.
	settleGate chan struct{}
}

func newStubStore() *stubStore {
	return &stubStore{
		balances: make(map[string]decimal.Decimal),
		keys:     make(map[string]string),
	}
}

func (s *stubStore) Load(_ context.Context, apiKey string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.keys[apiKey]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return account.Account{UserID: uid, Balance: s.balances[uid]}, nil
}

func (s *stubStore) ApplyDelta(_ context.Context, userID string, delta decimal.Decimal) (account.Account, error) {
	s.mu.Lock()
	gate := s.settleGate
	s.mu.Unlock()
	if gate != nil && delta.Sign() < 0 {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[userID]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	bal = bal.Add(delta)
	s.balances[userID] = bal
	s.deltas = append(s.deltas, delta)
	return account.Account{UserID: userID, Balance: bal}, nil
}

func (s *stubStore) CreateAccount(_ context.Context, userID string, opening decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = opening
	return nil
}

func (s *stubStore) IssueKey(context.Context, string) (account.Key, error) {
	return account.Key{}, errors.New("not implemented")
}

func (s *stubStore) ListKeys(context.Context, string) ([]account.Key, error) { return nil, nil }
func (s *stubStore) RevokeKey(context.Context, string) error                 { return nil }
func (s *stubStore) Ping(context.Context) error                              { return nil }
func (s *stubStore) Close() error                                            { return nil }

func (s *stubStore) addKey(apiKey, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[apiKey] = userID
}

func (s *stubStore) balance(userID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *stubStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := newStubStore()
	return New(rdb, st, discardLogger(), opts...), st
}

func seed(t *testing.T, st *stubStore, apiKey, userID, balance string) {
	t.Helper()
	if err := st.CreateAccount(context.Background(), userID, decimal.RequireFromString(balance)); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	st.addKey(apiKey, userID)
}

func TestBalance_LazyLoadsFromDurableStore(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "12.50")

	uid, bal, err := l.Balance(context.Background(), "cg-abc")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if uid != "user-1" {
		t.Errorf("userID = %q, want user-1", uid)
	}
	if !bal.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("balance = %s, want 12.50", bal)
	}

	// Second call is served from the fast store even after the durable
	// record changes underneath.
	st.mu.Lock()
	st.balances["user-1"] = decimal.Zero
	st.mu.Unlock()

	_, bal, err = l.Balance(context.Background(), "cg-abc")
	if err != nil {
		t.Fatalf("Balance (cached): %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("cached balance = %s, want 12.50", bal)
	}
}

func TestBalance_UnknownKey(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, _, err := l.Balance(context.Background(), "cg-nope"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestDebit_SequentialUntilExhausted(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "1.00")
	ctx := context.Background()
	cost := decimal.RequireFromString("0.40")

	rem, err := l.Debit(ctx, "cg-abc", cost)
	if err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if !rem.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("after first = %s, want 0.6", rem)
	}

	rem, err = l.Debit(ctx, "cg-abc", cost)
	if err != nil {
		t.Fatalf("second debit: %v", err)
	}
	if !rem.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("after second = %s, want 0.2", rem)
	}

	rem, err = l.Debit(ctx, "cg-abc", cost)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("third debit: err = %v, want ErrInsufficientFunds", err)
	}
	if !rem.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("rejected debit reported balance %s, want 0.2", rem)
	}

	// The failed attempt must not have touched the balance.
	_, bal, err := l.Balance(ctx, "cg-abc")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("final balance = %s, want 0.2", bal)
	}
}

func TestDebit_ConcurrentNoLostUpdates(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "1.00")

	const workers = 10
	cost := decimal.RequireFromString("0.02")

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(context.Background(), "cg-abc", cost); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	var contended int
	for err := range errs {
		if errors.Is(err, ErrContention) {
			contended++
			continue
		}
		t.Fatalf("unexpected debit error: %v", err)
	}

	// Every debit that reported success must be reflected exactly once.
	succeeded := workers - contended
	want := decimal.RequireFromString("1.00").
		Sub(cost.Mul(decimal.NewFromInt(int64(succeeded))))
	_, bal, err := l.Balance(context.Background(), "cg-abc")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(want) {
		t.Errorf("balance = %s, want %s (%d succeeded)", bal, want, succeeded)
	}
}

// casRaceClient fails the first n conditional updates before delegating,
// simulating a concurrent writer touching the watched key.
type casRaceClient struct {
	redis.UniversalClient
	mu    sync.Mutex
	races int
}

func (c *casRaceClient) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	c.mu.Lock()
	race := c.races > 0
	if race {
		c.races--
	}
	c.mu.Unlock()
	if race {
		return redis.TxFailedErr
	}
	return c.UniversalClient.Watch(ctx, fn, keys...)
}

func TestDebit_RetryHookFiresOnLostRace(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := newStubStore()

	retries := 0
	l := New(&casRaceClient{UniversalClient: rdb, races: 1}, st, discardLogger(),
		WithRetry(3, 0), WithRetryHook(func() { retries++ }))
	seed(t, st, "cg-abc", "user-1", "1.00")

	rem, err := l.Debit(context.Background(), "cg-abc", decimal.RequireFromString("0.40"))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !rem.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("remaining = %s, want 0.6", rem)
	}
	if retries != 1 {
		t.Errorf("retry hook fired %d times, want 1", retries)
	}
}

func TestDebit_SettlesDurableStoreAsync(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "1.00")

	if _, err := l.Debit(context.Background(), "cg-abc", decimal.RequireFromString("0.25")); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	want := decimal.RequireFromString("0.75")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.balance("user-1").Equal(want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("durable balance = %s, want %s", st.balance("user-1"), want)
}

func TestCredit_RefreshesFastStore(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "1.00")
	ctx := context.Background()

	// Prime the fast store.
	if _, _, err := l.Balance(ctx, "cg-abc"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	bal, err := l.Credit(ctx, "user-1", decimal.RequireFromString("5.00"))
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("6.00")) {
		t.Errorf("credited balance = %s, want 6.00", bal)
	}

	_, fast, err := l.Balance(ctx, "cg-abc")
	if err != nil {
		t.Fatalf("Balance after credit: %v", err)
	}
	if !fast.Equal(decimal.RequireFromString("6.00")) {
		t.Errorf("fast-store balance = %s, want 6.00", fast)
	}
}

func TestCredit_DoesNotClobberUnsettledDebit(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "10")
	ctx := context.Background()

	// Hold the debit's durable settle in flight so the durable balance
	// stays at the pre-debit value.
	gate := make(chan struct{})
	st.mu.Lock()
	st.settleGate = gate
	st.mu.Unlock()

	rem, err := l.Debit(ctx, "cg-abc", decimal.RequireFromString("5"))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !rem.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("after debit = %s, want 5", rem)
	}

	// Credit lands while the durable store still reads 10. The fast copy
	// must end at 5+3, not at the stale durable 10+3.
	bal, err := l.Credit(ctx, "user-1", decimal.RequireFromString("3"))
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("8")) {
		t.Errorf("credited balance = %s, want 8", bal)
	}

	_, fast, err := l.Balance(ctx, "cg-abc")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !fast.Equal(decimal.RequireFromString("8")) {
		t.Errorf("fast-store balance = %s, want 8 (committed debit lost)", fast)
	}

	// Release the settle; both stores converge on 8.
	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.balance("user-1").Equal(decimal.RequireFromString("8")) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("durable balance = %s, want 8", st.balance("user-1"))
}

func TestCredit_SeedsAbsentFastEntry(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "2")
	ctx := context.Background()

	// No prior Balance call: the fast store has no entry for user-1.
	bal, err := l.Credit(ctx, "user-1", decimal.RequireFromString("3"))
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("5")) {
		t.Errorf("credited balance = %s, want 5", bal)
	}

	_, fast, err := l.Balance(ctx, "cg-abc")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !fast.Equal(decimal.RequireFromString("5")) {
		t.Errorf("fast-store balance = %s, want 5", fast)
	}
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "1.00")

	if _, err := l.Credit(context.Background(), "user-1", decimal.Zero); err == nil {
		t.Fatal("expected error for zero credit")
	}
}

func TestInvalidate_DropsKeyMapping(t *testing.T) {
	l, st := newTestLedger(t)
	seed(t, st, "cg-abc", "user-1", "1.00")
	ctx := context.Background()

	if _, _, err := l.Balance(ctx, "cg-abc"); err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if err := l.Invalidate(ctx, "cg-abc"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	// Key is gone from the durable store too: the reload must now fail.
	st.mu.Lock()
	delete(st.keys, "cg-abc")
	st.mu.Unlock()

	if _, _, err := l.Balance(ctx, "cg-abc"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}
