// Package util holds small cross-cutting helpers shared by the provider and
// account packages, chiefly SOCKS5-aware HTTP client construction.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cm-proxy/gateway/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewHTTPClient builds an HTTP client scoped to a single request-response
// pair. When proxyCfg is nil the client dials directly; otherwise every
// outbound connection is tunneled through the given SOCKS5 proxy.
//
// Callers create a client on entry to Provider.Execute (and to an account's
// access-token refresh) and let it
// go out of scope on every exit path, including error returns — there is no
// cross-request cache here, deliberately, so that a request can never reuse a
// different account's proxy identity.
func NewHTTPClient(proxyCfg *config.SOCKS5Proxy, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if proxyCfg == nil || proxyCfg.Host == "" {
		return client, nil
	}

	var auth *proxy.Auth
	if proxyCfg.Username != "" {
		auth = &proxy.Auth{User: proxyCfg.Username, Password: proxyCfg.Password}
	}

	addr := fmt.Sprintf("%s:%d", proxyCfg.Host, proxyCfg.Port)
	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("util: create SOCKS5 dialer for %s: %w", addr, err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		// proxy.SOCKS5 always returns a context-aware dialer; this guards
		// against a future change in golang.org/x/net/proxy silently losing
		// context cancellation.
		log.Warnf("util: SOCKS5 dialer for %s does not support context cancellation", addr)
		client.Transport = &http.Transport{
			DialContext: func(_ context.Context, network, address string) (net.Conn, error) {
				return dialer.Dial(network, address)
			},
		}
		return client, nil
	}

	client.Transport = &http.Transport{DialContext: contextDialer.DialContext}
	return client, nil
}
