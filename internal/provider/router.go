package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// ErrExhausted is the sentinel every ExhaustedError matches via errors.Is;
// it means every enabled, available provider declined or failed the
// request.
var ErrExhausted = errors.New("provider: exhausted all providers")

// dispatchRetryBudget bounds a chat-completion dispatch at three attempts.
// It also bounds pre-first-byte failover for streaming requests: until
// Execute has returned a stream handle, nothing has been promised to the
// client, so the same budget applies.
const dispatchRetryBudget = 3

// ExhaustedError reports how a dispatch ran out of providers, so the caller
// can answer 429 (providers were tried and declined on rate limits), 503
// (nothing was ever usable), or relay the last upstream failure.
type ExhaustedError struct {
	// Attempts is how many Execute calls were made before giving up.
	Attempts int
	// RateLimited is true when at least one attempt was declined with a
	// rate-limit signal.
	RateLimited bool
	// Last is the error from the final failed acquire or execute, if any.
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("provider: exhausted all providers after %d attempts (rate_limited=%v)", e.Attempts, e.RateLimited)
}

// Is makes errors.Is(err, ErrExhausted) hold for every ExhaustedError.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Router holds providers sorted ascending by priority and dispatches a
// request across them with failover.
type Router struct {
	providers []Provider
}

// NewRouter builds a router, pre-sorting providers by ascending priority.
func NewRouter(providers []Provider) *Router {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Router{providers: sorted}
}

// Providers returns the router's providers in dispatch order, for
// diagnostics (e.g. the models endpoint).
func (r *Router) Providers() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Dispatch iterates enabled, available providers in priority order,
// acquiring and executing until one succeeds or the retry
// budget is spent. The provider list is walked repeatedly, not once: a
// Copilot provider whose first account was just benched with a 429 stays
// available through its remaining accounts, and the next pass picks the next
// account in round-robin order. Streaming success returns immediately with
// no further retries once the first byte has been promised.
func (r *Router) Dispatch(ctx context.Context, body []byte, endpoint string, accept string, stream bool) (*Result, *StreamResult, error) {
	attempts := 0
	sawRateLimit := false
	var lastErr error

	for attempts < dispatchRetryBudget {
		progressed := false
		for _, p := range r.providers {
			if attempts >= dispatchRetryBudget {
				break
			}
			if !p.Enabled() || !p.Available() {
				continue
			}

			handle, err := p.Acquire(ctx)
			if err != nil {
				lastErr = err
				log.Debugf("provider router: %s: acquire failed: %v", p.Name(), err)
				continue
			}

			attempts++
			progressed = true
			result, streamResult, err := p.Execute(ctx, handle, body, endpoint, accept, stream)
			if err == nil {
				return result, streamResult, nil
			}
			lastErr = err

			var rateErr *RateLimitedError
			if errors.As(err, &rateErr) {
				sawRateLimit = true
				p.OnRateLimit(handle)
				log.Warnf("provider router: %s: rate limited, failing over", p.Name())
				continue
			}

			var upstreamErr *UpstreamError
			if errors.As(err, &upstreamErr) {
				p.OnFailure(handle, err)
				log.Warnf("provider router: %s: upstream error %d, failing over", p.Name(), upstreamErr.Status)
				continue
			}

			p.OnFailure(handle, err)
			log.Warnf("provider router: %s: failed, failing over: %v", p.Name(), err)
		}
		if !progressed {
			break
		}
	}
	return nil, nil, &ExhaustedError{Attempts: attempts, RateLimited: sawRateLimit, Last: lastErr}
}
