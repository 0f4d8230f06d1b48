// Package account owns the GitHub Copilot account lifecycle: minting and
// caching short-lived access tokens from a long-lived refresh token, and the
// per-account sliding-window rate limiter that gates its use.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cm-proxy/gateway/internal/config"
	"github.com/cm-proxy/gateway/internal/ratelimit"
	"github.com/cm-proxy/gateway/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// GitHubTokenURL is GitHub's Copilot access-token minting endpoint. It is a
// var, not a const, so tests can point it at an httptest server.
var GitHubTokenURL = "https://api.github.com/copilot_internal/v2/token"

// SafetySkew is subtracted from an access token's expiry when judging
// validity, so callers never hand out a token that is about to expire
// mid-request.
const SafetySkew = 60 * time.Second

// Sentinel errors returned by GetAccessToken.
var (
	ErrNoToken        = errors.New("account: no access token available")
	ErrBadCredentials = errors.New("account: bad credentials")
)

// RefreshFailedError wraps a non-200, non-401 refresh response.
type RefreshFailedError struct {
	StatusCode int
	Body       string
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("account: refresh failed: status %d: %s", e.StatusCode, e.Body)
}

// AccessToken is an opaque short-lived Copilot bearer credential. It is
// replaced, never mutated, on every successful refresh.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// IsValid reports whether the token has more than SafetySkew left before it
// expires.
func (t *AccessToken) IsValid(now time.Time) bool {
	if t == nil {
		return false
	}
	return now.Add(SafetySkew).Before(t.ExpiresAt)
}

// Account is one identity's refresh credential plus its rate-limit state.
// An upstream-imposed rate-limit deadline lives on the account's Limiter
// rather than on the token, so there is exactly one source of truth for
// "is this account currently rate limited" across token replacements.
type Account struct {
	ID           string
	RefreshToken string
	Proxy        *config.SOCKS5Proxy

	limiter *ratelimit.Limiter

	mu             sync.RWMutex
	token          *AccessToken
	badCredentials bool

	refreshGroup singleflight.Group
}

// New builds an Account from its configuration row.
func New(cfg config.AccountConfig, windows []config.RateLimitWindow) *Account {
	return &Account{
		ID:           cfg.ID,
		RefreshToken: cfg.Token,
		Proxy:        cfg.Proxy,
		limiter:      ratelimit.New(windows),
	}
}

// IsUsable reports whether the account can serve: its credentials are good
// and it is not currently rate limited. An absent access token still counts
// as usable; it is minted lazily.
func (a *Account) IsUsable(now time.Time) bool {
	a.mu.RLock()
	bad := a.badCredentials
	a.mu.RUnlock()
	if bad {
		return false
	}
	return !a.limiter.IsLimited(now)
}

// RecordRequest registers one admitted request against the rate limiter.
func (a *Account) RecordRequest(now time.Time) {
	a.limiter.Record(now)
}

// MarkRateLimited benches the account for duration (default 60s) after an
// upstream 429 or rate-flavored error.
func (a *Account) MarkRateLimited(duration time.Duration) {
	now := time.Now()
	a.limiter.MarkExternal(now, duration)
	log.Warnf("account %s: marked rate limited for %s", a.ID, duration)
}

// GetAccessToken returns a valid, non-rate-limited access token, refreshing
// from GitHub if the cached one is absent, expired, or the account is
// currently rate limited. Concurrent callers share a single in-flight
// refresh via singleflight.
func (a *Account) GetAccessToken(ctx context.Context, requestTimeout time.Duration) (*AccessToken, error) {
	now := time.Now()
	a.mu.RLock()
	bad := a.badCredentials
	cached := a.token
	a.mu.RUnlock()
	if bad {
		return nil, ErrBadCredentials
	}
	if cached.IsValid(now) && !a.limiter.IsLimited(now) {
		return cached, nil
	}

	v, err, _ := a.refreshGroup.Do(a.ID, func() (any, error) {
		return a.refresh(ctx, requestTimeout)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AccessToken), nil
}

func (a *Account) refresh(ctx context.Context, requestTimeout time.Duration) (*AccessToken, error) {
	client, err := util.NewHTTPClient(a.Proxy, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("account %s: build http client: %w", a.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, GitHubTokenURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+a.RefreshToken)
	req.Header.Set("Accept", "application/json")

	log.Debugf("account %s: refreshing access token via proxy=%s", a.ID, a.Proxy.String())
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("account %s: refresh request: %w", a.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("account %s: read refresh response: %w", a.ID, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || strings.Contains(string(body), "Bad credentials") {
		a.mu.Lock()
		a.badCredentials = true
		a.mu.Unlock()
		log.Errorf("account %s: bad credentials, permanently removed from rotation", a.ID)
		return nil, ErrBadCredentials
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshFailedError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("account %s: parse refresh response: %w", a.ID, err)
	}
	if parsed.Token == "" {
		return nil, fmt.Errorf("account %s: refresh response carried an empty token: %w", a.ID, ErrNoToken)
	}

	token := &AccessToken{Token: parsed.Token, ExpiresAt: time.Unix(parsed.ExpiresAt, 0)}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	log.Infof("account %s: access token refreshed, expires at %s", a.ID, token.ExpiresAt.Format(time.RFC3339))
	return token, nil
}
