package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cm-proxy/gateway/internal/account"
	"github.com/cm-proxy/gateway/internal/config"
	"github.com/cm-proxy/gateway/internal/logging"
	"github.com/cm-proxy/gateway/internal/util"
	log "github.com/sirupsen/logrus"
)

// Upstream endpoints and the editor-impersonation headers GitHub Copilot
// expects. These are vars, not consts, so tests can point them at an
// httptest server the same way account.GitHubTokenURL is overridden.
var (
	CopilotChatCompletionsEndpoint = "https://api.individual.githubcopilot.com/chat/completions"
	CopilotModelsEndpoint          = "https://api.individual.githubcopilot.com/models"
)

const (
	copilotEditorVersion       = "vscode/1.95.3"
	copilotEditorPluginVersion = "github.copilot/1.277.0"
	copilotUserAgent           = "GithubCopilot/1.155.0"
)

// resolveCopilotEndpoint maps the logical path the router dispatches on to
// Copilot's own absolute upstream URL.
func resolveCopilotEndpoint(logicalPath string) (url string, method string) {
	if logicalPath == ModelsPath {
		return CopilotModelsEndpoint, http.MethodGet
	}
	return CopilotChatCompletionsEndpoint, http.MethodPost
}

// copilotHandle is the AuthHandle acquired for one Copilot call: the account
// chosen by the pool and its freshly-validated access token.
type copilotHandle struct {
	account *account.Account
	token   *account.AccessToken
}

// CopilotProvider dispatches to GitHub Copilot through a rotating pool of
// accounts, each with its own refresh token, rate-limit window, and optional
// SOCKS5 proxy.
type CopilotProvider struct {
	pool           *account.Pool
	priority       int
	enabled        bool
	requestTimeout time.Duration
}

// NewCopilotProvider builds a provider from its configuration row, minting
// one Account per entry.
func NewCopilotProvider(cfg config.ProviderConfig, requestTimeout time.Duration) *CopilotProvider {
	pool := account.NewPool()
	for _, accCfg := range cfg.Accounts {
		pool.Add(account.New(accCfg, cfg.RateLimits))
	}
	return &CopilotProvider{
		pool:           pool,
		priority:       cfg.Priority,
		enabled:        cfg.Enabled,
		requestTimeout: requestTimeout,
	}
}

func (p *CopilotProvider) Name() string  { return "github-copilot" }
func (p *CopilotProvider) Priority() int { return p.priority }
func (p *CopilotProvider) Enabled() bool { return p.enabled }

// Available reports true iff the pool has at least one usable account.
func (p *CopilotProvider) Available() bool {
	now := time.Now()
	for _, a := range p.pool.All() {
		if a.IsUsable(now) {
			return true
		}
	}
	return false
}

// Acquire picks the next usable account, mints/refreshes its access token,
// and records one admitted request against its rate limiter.
func (p *CopilotProvider) Acquire(ctx context.Context) (AuthHandle, error) {
	now := time.Now()
	a, ok := p.pool.NextUsable(now)
	if !ok {
		return nil, fmt.Errorf("provider copilot: no usable account")
	}
	token, err := a.GetAccessToken(ctx, p.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("provider copilot: acquire account %s: %w", a.ID, err)
	}
	a.RecordRequest(now)
	return &copilotHandle{account: a, token: token}, nil
}

// Execute issues the impersonated Copilot request and interprets the
// response by status code.
func (p *CopilotProvider) Execute(ctx context.Context, handle AuthHandle, body []byte, endpoint string, accept string, stream bool) (*Result, *StreamResult, error) {
	h, ok := handle.(*copilotHandle)
	if !ok || h == nil {
		return nil, nil, fmt.Errorf("provider copilot: invalid auth handle")
	}

	client, err := util.NewHTTPClient(h.account.Proxy, p.requestTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("provider copilot: build http client: %w", err)
	}

	headers := map[string]string{
		"Authorization":         "Bearer " + h.token.Token,
		"Content-Type":          "application/json",
		"Accept":                buildAcceptHeader(accept),
		"editor-version":        copilotEditorVersion,
		"editor-plugin-version": copilotEditorPluginVersion,
		"user-agent":            copilotUserAgent,
	}

	url, method := resolveCopilotEndpoint(endpoint)
	reqBody := body
	if method == http.MethodGet {
		reqBody = nil
	}
	resp, err := doRequest(ctx, client, method, url, reqBody, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("provider copilot: request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		return nil, nil, &RateLimitedError{Status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if logging.VerboseEnabled() {
			log.Debugf("provider copilot: account %s: upstream %d: %s", h.account.ID, resp.StatusCode, snippet(respBody))
		}
		if isRateFlavored(respBody) {
			return nil, nil, &RateLimitedError{Status: resp.StatusCode}
		}
		return nil, nil, &UpstreamError{Status: resp.StatusCode, Body: respBody}
	}

	if stream {
		return nil, &StreamResult{Body: resp.Body}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("provider copilot: read response: %w", err)
	}
	return &Result{Body: respBody, TotalTokens: totalTokensFromJSON(respBody)}, nil, nil
}

// OnRateLimit benches the account that served this call for 60 seconds.
func (p *CopilotProvider) OnRateLimit(handle AuthHandle) {
	h, ok := handle.(*copilotHandle)
	if !ok || h == nil {
		return
	}
	h.account.MarkRateLimited(config.DefaultExternalRateLimitDuration)
}

// OnFailure logs a non-rate upstream failure. The account stays in rotation;
// only bad credentials or rate limiting remove it.
func (p *CopilotProvider) OnFailure(handle AuthHandle, err error) {
	h, ok := handle.(*copilotHandle)
	if !ok || h == nil {
		log.Warnf("provider copilot: failure with no account context: %v", err)
		return
	}
	log.Warnf("provider copilot: account %s failed: %v", h.account.ID, err)
}
