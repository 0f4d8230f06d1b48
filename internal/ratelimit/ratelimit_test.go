package ratelimit

import (
	"testing"
	"time"

	"github.com/cm-proxy/gateway/internal/config"
)

func TestIsLimited_WindowSaturation(t *testing.T) {
	l := New([]config.RateLimitWindow{{DurationSeconds: 10, MaxRequests: 2}})
	base := time.Unix(1_700_000_000, 0)

	if l.IsLimited(base) {
		t.Fatalf("fresh limiter should not be limited")
	}

	l.Record(base)
	l.Record(base.Add(1 * time.Second))

	if !l.IsLimited(base.Add(2 * time.Second)) {
		t.Fatalf("expected limiter to be saturated after 2 requests in a max-2 window")
	}
}

func TestIsLimited_ExactWindowEdgeIsExclusive(t *testing.T) {
	l := New([]config.RateLimitWindow{{DurationSeconds: 10, MaxRequests: 1}})
	base := time.Unix(1_700_000_000, 0)

	l.Record(base)

	// A sample at exactly now-duration is outside the window (strict >).
	now := base.Add(10 * time.Second)
	if l.IsLimited(now) {
		t.Fatalf("sample at exactly now-duration must not count toward the window")
	}
}

func TestIsLimited_WindowExpires(t *testing.T) {
	l := New([]config.RateLimitWindow{{DurationSeconds: 10, MaxRequests: 1}})
	base := time.Unix(1_700_000_000, 0)

	l.Record(base)
	if !l.IsLimited(base.Add(5 * time.Second)) {
		t.Fatalf("expected saturation within the window")
	}
	if l.IsLimited(base.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("expected the window to have expired")
	}
}

func TestMarkExternal_CombinesWithOR(t *testing.T) {
	l := New([]config.RateLimitWindow{{DurationSeconds: 10, MaxRequests: 1000}})
	base := time.Unix(1_700_000_000, 0)

	l.MarkExternal(base, 60*time.Second)
	if !l.IsLimited(base.Add(30 * time.Second)) {
		t.Fatalf("expected external rate limit to still be in effect")
	}
	if l.IsLimited(base.Add(61 * time.Second)) {
		t.Fatalf("expected external rate limit to have expired")
	}
}

func TestMarkExternal_OnlyExtendsDeadline(t *testing.T) {
	l := New(nil)
	base := time.Unix(1_700_000_000, 0)

	l.MarkExternal(base, 60*time.Second)
	l.MarkExternal(base.Add(1*time.Second), 5*time.Second) // would be an earlier deadline

	if !l.IsLimited(base.Add(30 * time.Second)) {
		t.Fatalf("a shorter external mark must not shrink the existing deadline")
	}
}

func TestMultipleWindowsEvaluatedInOrder(t *testing.T) {
	l := New([]config.RateLimitWindow{
		{DurationSeconds: 10, MaxRequests: 2},
		{DurationSeconds: 60, MaxRequests: 3},
	})
	base := time.Unix(1_700_000_000, 0)

	l.Record(base)
	l.Record(base.Add(1 * time.Second))
	l.Record(base.Add(2 * time.Second))

	// Within 10s: 3 requests trips the (10,2) window.
	if !l.IsLimited(base.Add(3 * time.Second)) {
		t.Fatalf("expected the tighter window to trip first")
	}
}

func TestPruneBoundsMemory(t *testing.T) {
	l := New([]config.RateLimitWindow{{DurationSeconds: 10, MaxRequests: 1000}})
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 100; i++ {
		l.Record(base.Add(time.Duration(i) * time.Millisecond))
	}
	l.IsLimited(base.Add(time.Hour))

	l.mu.Lock()
	n := len(l.timestamps)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected all stale timestamps pruned, got %d remaining", n)
	}
}
