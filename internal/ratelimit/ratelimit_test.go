package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, ceiling int, window time.Duration) (*Limiter, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, ceiling, window), rdb
}

// fixedClock returns a now func pinned to base plus a movable offset.
func fixedClock(base time.Time, offset *time.Duration) func() time.Time {
	return func() time.Time { return base.Add(*offset) }
}

func TestAdmit_UnderCeiling(t *testing.T) {
	l, _ := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.Admit(ctx, "user-1")
		if !res.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i)
		}
		if res.Degraded {
			t.Fatalf("request %d unexpectedly degraded", i)
		}
		if want := 5 - i - 1; res.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, want)
		}
	}
}

func TestAdmit_RejectsOverCeilingWithoutRecording(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	l.Admit(ctx, "user-1")
	l.Admit(ctx, "user-1")

	// Rejected requests must not be recorded: every further attempt is
	// rejected by the same two surviving timestamps, not by its precursors.
	for i := 0; i < 3; i++ {
		res := l.Admit(ctx, "user-1")
		if res.Allowed {
			t.Fatalf("attempt %d over ceiling was admitted", i)
		}
		if res.Remaining != 0 {
			t.Errorf("rejected attempt reported remaining = %d, want 0", res.Remaining)
		}
	}
}

func TestAdmit_IdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if !l.Admit(ctx, "user-a").Allowed {
		t.Fatal("user-a first request rejected")
	}
	if l.Admit(ctx, "user-a").Allowed {
		t.Fatal("user-a second request admitted over ceiling")
	}
	if !l.Admit(ctx, "user-b").Allowed {
		t.Fatal("user-b must not be affected by user-a's window")
	}
}

// Scenario from the admission contract: ceiling 2 per 10s window.
// Requests at t=0 and t=1 are admitted, t=2 is rejected with resetAt ≈ t=10,
// and t=11 is admitted again.
func TestAdmit_WindowSlides(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 10*time.Second)
	ctx := context.Background()

	base := time.Now()
	offset := time.Duration(0)
	l.now = fixedClock(base, &offset)

	offset = 0
	if !l.Admit(ctx, "u").Allowed {
		t.Fatal("t=0 rejected")
	}
	offset = time.Second
	if !l.Admit(ctx, "u").Allowed {
		t.Fatal("t=1 rejected")
	}

	offset = 2 * time.Second
	res := l.Admit(ctx, "u")
	if res.Allowed {
		t.Fatal("t=2 admitted over ceiling")
	}
	wantReset := base.Add(10 * time.Second)
	if d := res.ResetAt.Sub(wantReset); d < -time.Second || d > time.Second {
		t.Errorf("resetAt = %v, want ≈ %v", res.ResetAt, wantReset)
	}

	offset = 11 * time.Second
	if !l.Admit(ctx, "u").Allowed {
		t.Fatal("t=11 rejected after window elapsed")
	}
}

func TestAdmit_FailsOpenWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := New(rdb, 3, time.Minute)

	mr.Close()

	res := l.Admit(context.Background(), "user-1")
	if !res.Allowed {
		t.Fatal("expected fail-open admission when the store is unreachable")
	}
	if !res.Degraded {
		t.Fatal("expected degraded marker on fail-open admission")
	}
}
