// Package ratelimit implements the multi-window sliding rate limiter that
// gates admission of requests against a single account.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cm-proxy/gateway/internal/config"
)

// Limiter is a per-account sliding-window admission gate. It also tracks an
// externally-imposed deadline (set after an upstream 429) that is OR'd with
// the window check.
//
// All methods are safe for concurrent use; record, is-limited, and the
// external deadline are serialized by a single mutex.
type Limiter struct {
	mu                sync.Mutex
	windows           []config.RateLimitWindow
	timestamps        []time.Time
	rateLimitedUntil  time.Time
	maxWindowDuration time.Duration
}

// New builds a Limiter for the given windows, evaluated in the order given.
// If windows is empty, config.DefaultRateLimitWindows is used.
func New(windows []config.RateLimitWindow) *Limiter {
	if len(windows) == 0 {
		windows = config.DefaultRateLimitWindows
	}
	var maxDur time.Duration
	for _, w := range windows {
		d := time.Duration(w.DurationSeconds) * time.Second
		if d > maxDur {
			maxDur = d
		}
	}
	return &Limiter{windows: windows, maxWindowDuration: maxDur}
}

// Record appends now to the timestamp sequence and prunes anything older than
// the largest configured window.
func (l *Limiter) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps = append(l.timestamps, now)
	l.prune(now)
}

// IsLimited reports whether the account is currently inadmissible: either an
// external deadline is still in the future, or some configured window is
// saturated. Windows are evaluated in configuration order and a sample at
// exactly now-duration is treated as outside the window (strict >).
func (l *Limiter) IsLimited(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rateLimitedUntil.After(now) {
		return true
	}

	l.prune(now)
	for _, w := range l.windows {
		cutoff := now.Add(-time.Duration(w.DurationSeconds) * time.Second)
		count := 0
		for _, ts := range l.timestamps {
			if ts.After(cutoff) {
				count++
			}
			if count >= w.MaxRequests {
				return true
			}
		}
	}
	return false
}

// MarkExternal records an upstream-imposed rate limit, extending the external
// deadline if the new one is later than any deadline already in effect.
func (l *Limiter) MarkExternal(now time.Time, duration time.Duration) {
	if duration <= 0 {
		duration = config.DefaultExternalRateLimitDuration
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := now.Add(duration)
	if until.After(l.rateLimitedUntil) {
		l.rateLimitedUntil = until
	}
}

// prune drops timestamps older than the largest configured window. Callers
// must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	if l.maxWindowDuration <= 0 || len(l.timestamps) == 0 {
		return
	}
	cutoff := now.Add(-l.maxWindowDuration)
	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept
}
