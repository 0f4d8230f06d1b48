package account

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cm-proxy/gateway/internal/config"
)

func withTokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	orig := GitHubTokenURL
	GitHubTokenURL = srv.URL
	t.Cleanup(func() { GitHubTokenURL = orig })
	return srv
}

func newTestAccount() *Account {
	return New(config.AccountConfig{ID: "acct-1", Token: "refresh-token-abc"}, nil)
}

func TestGetAccessToken_RefreshesWhenMissing(t *testing.T) {
	expiresAt := time.Now().Add(1 * time.Hour).Unix()
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token refresh-token-abc" {
			t.Errorf("unexpected Authorization header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"minted-access-token","expires_at":` + strconv.FormatInt(expiresAt, 10) + `}`))
	})

	a := newTestAccount()
	tok, err := a.GetAccessToken(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Token != "minted-access-token" {
		t.Fatalf("unexpected token: %q", tok.Token)
	}
}

func TestGetAccessToken_CachesValidToken(t *testing.T) {
	var calls int32
	expiresAt := time.Now().Add(1 * time.Hour).Unix()
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"token":"cached-token","expires_at":` + strconv.FormatInt(expiresAt, 10) + `}`))
	})

	a := newTestAccount()
	ctx := context.Background()
	if _, err := a.GetAccessToken(ctx, time.Second); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := a.GetAccessToken(ctx, time.Second); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
}

func TestGetAccessToken_BadCredentialsIsPermanent(t *testing.T) {
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	})

	a := newTestAccount()
	ctx := context.Background()
	if _, err := a.GetAccessToken(ctx, time.Second); err != ErrBadCredentials {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	if a.IsUsable(time.Now()) {
		t.Fatalf("account with bad credentials must never be usable again")
	}
	// A subsequent call must short-circuit without hitting the network again.
	if _, err := a.GetAccessToken(ctx, time.Second); err != ErrBadCredentials {
		t.Fatalf("expected ErrBadCredentials on retry, got %v", err)
	}
}

func TestGetAccessToken_RefreshFailureSurfacesStatus(t *testing.T) {
	withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`upstream exploded`))
	})

	a := newTestAccount()
	_, err := a.GetAccessToken(context.Background(), time.Second)
	if err == nil {
		t.Fatalf("expected an error")
	}
	rf, ok := err.(*RefreshFailedError)
	if !ok {
		t.Fatalf("expected *RefreshFailedError, got %T: %v", err, err)
	}
	if rf.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status code: %d", rf.StatusCode)
	}
}

func TestIsUsable_RespectsRateLimit(t *testing.T) {
	a := newTestAccount()
	now := time.Now()
	if !a.IsUsable(now) {
		t.Fatalf("fresh account should be usable")
	}
	a.MarkRateLimited(time.Minute)
	if a.IsUsable(now) {
		t.Fatalf("account marked rate limited should not be usable")
	}
}

