package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cm-proxy/gateway/internal/config"
	"github.com/cm-proxy/gateway/internal/logging"
	"github.com/cm-proxy/gateway/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// openAIHandle carries nothing beyond a marker; a static-key provider has no
// per-call acquisition state.
type openAIHandle struct{}

// OpenAICompatibleProvider dispatches to any backend speaking the OpenAI
// chat-completions wire format behind a single static bearer key. Its
// rate-limit state is a single externally-imposed deadline rather than a
// per-account pool.
type OpenAICompatibleProvider struct {
	priority       int
	enabled        bool
	requestTimeout time.Duration

	baseURL      string
	apiKey       string
	modelMapping map[string]string

	mu               sync.RWMutex
	rateLimitedUntil time.Time
}

// NewOpenAICompatibleProvider builds a provider from its configuration row.
func NewOpenAICompatibleProvider(cfg config.ProviderConfig, requestTimeout time.Duration) *OpenAICompatibleProvider {
	return &OpenAICompatibleProvider{
		priority:       cfg.Priority,
		enabled:        cfg.Enabled,
		requestTimeout: requestTimeout,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		modelMapping:   cfg.ModelMapping,
	}
}

func (p *OpenAICompatibleProvider) Name() string  { return "openai-compatible" }
func (p *OpenAICompatibleProvider) Priority() int { return p.priority }
func (p *OpenAICompatibleProvider) Enabled() bool { return p.enabled }

// Available reports true iff the base URL and the static key are configured
// and no external rate-limit deadline is currently in effect.
func (p *OpenAICompatibleProvider) Available() bool {
	if strings.TrimSpace(p.baseURL) == "" || strings.TrimSpace(p.apiKey) == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.rateLimitedUntil.After(time.Now())
}

// Acquire has no per-call state to mint for a static-key provider.
func (p *OpenAICompatibleProvider) Acquire(ctx context.Context) (AuthHandle, error) {
	return &openAIHandle{}, nil
}

// remapModel rewrites the request body's "model" field per the configured
// model_mapping, leaving it untouched when no mapping applies.
func (p *OpenAICompatibleProvider) remapModel(body []byte) []byte {
	if len(p.modelMapping) == 0 {
		return body
	}
	requested := gjsonString(body, "model")
	mapped, ok := p.modelMapping[requested]
	if !ok {
		return body
	}
	out, err := sjson.SetBytes(body, "model", mapped)
	if err != nil {
		return body
	}
	return out
}

func (p *OpenAICompatibleProvider) Execute(ctx context.Context, handle AuthHandle, body []byte, endpoint string, accept string, stream bool) (*Result, *StreamResult, error) {
	client, err := util.NewHTTPClient(nil, p.requestTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("provider openai-compatible: build http client: %w", err)
	}

	url := p.baseURL + endpoint
	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
		"Content-Type":  "application/json",
		"Accept":        buildAcceptHeader(accept),
	}

	method := http.MethodPost
	reqBody := p.remapModel(body)
	if endpoint == ModelsPath {
		method = http.MethodGet
		reqBody = nil
	}

	resp, err := doRequest(ctx, client, method, url, reqBody, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("provider openai-compatible: request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		return nil, nil, &RateLimitedError{Status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if logging.VerboseEnabled() {
			log.Debugf("provider openai-compatible: upstream %d: %s", resp.StatusCode, snippet(respBody))
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
		return nil, nil, fmt.Errorf("provider openai-compatible: read response: %w", err)
	}
	return &Result{Body: respBody, TotalTokens: totalTokensFromJSON(respBody)}, nil, nil
}

// OnRateLimit sets this provider's single external deadline.
func (p *OpenAICompatibleProvider) OnRateLimit(handle AuthHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := time.Now().Add(config.DefaultExternalRateLimitDuration)
	if until.After(p.rateLimitedUntil) {
		p.rateLimitedUntil = until
	}
}

// OnFailure logs a non-rate upstream failure.
func (p *OpenAICompatibleProvider) OnFailure(handle AuthHandle, err error) {
	log.Warnf("provider openai-compatible: request failed: %v", err)
}
