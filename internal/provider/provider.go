// Package provider implements the upstream-backend abstraction: a closed set
// of two variants (GitHub Copilot, any OpenAI-compatible HTTP API) behind one
// capability interface, plus the priority-ordered router that dispatches a
// request across them with failover.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Result is the outcome of a successful, non-streaming Execute call.
type Result struct {
	Body        []byte
	TotalTokens int
}

// StreamResult is the outcome of a successful streaming Execute call: a
// lazily-read handle over the upstream response body. The caller (executor
// package) owns closing Body.
type StreamResult struct {
	Body io.ReadCloser
}

// RateLimitedError is returned when the upstream itself reports 429, or a
// non-200 body containing the substring "rate" (case-insensitive).
type RateLimitedError struct {
	Status int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider: rate limited (status %d)", e.Status)
}

// UpstreamError wraps any other non-200 response.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider: upstream error: status %d: %s", e.Status, string(e.Body))
}

// AuthHandle is an opaque acquisition receipt. Providers type-assert it back
// to their own concrete type inside Execute; callers never inspect it.
type AuthHandle any

// Provider is the capability interface common to every upstream backend
// variant.
//
// endpoint is a logical path ("/chat/completions" or "/models", see the
// Path constants below), not a literal upstream URL: CopilotProvider maps
// it to its own absolute endpoint constants, while
// OpenAICompatibleProvider appends it to its configured base_url. This is
// what lets Router try both variants against the same logical request.
type Provider interface {
	Name() string
	Available() bool
	Acquire(ctx context.Context) (AuthHandle, error)
	Execute(ctx context.Context, handle AuthHandle, body []byte, endpoint string, accept string, stream bool) (*Result, *StreamResult, error)
	OnRateLimit(handle AuthHandle)
	OnFailure(handle AuthHandle, err error)
	Priority() int
	Enabled() bool
}

// ChatCompletionsPath and ModelsPath are the two logical endpoints a request
// can target; every Provider variant resolves them to its own upstream URL.
const (
	ChatCompletionsPath = "/chat/completions"
	ModelsPath          = "/models"
)

// isRateFlavored reports whether a non-200 response body looks like a rate
// limit in disguise: any body containing "rate" (case-insensitive) is
// treated as a 429.
func isRateFlavored(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("rate"))
}

// totalTokensFromJSON implements the non-streaming token accounting: the
// authoritative usage.total_tokens field if present, else the sum of
// choices[i].message.content.length/4 (integer division) across choices.
func totalTokensFromJSON(body []byte) int {
	if usage := gjson.GetBytes(body, "usage.total_tokens"); usage.Exists() {
		return int(usage.Int())
	}
	total := 0
	for _, choice := range gjson.GetBytes(body, "choices").Array() {
		content := choice.Get("message.content").String()
		total += len(content) / 4
	}
	return total
}

func gjsonString(body []byte, path string) string {
	return gjson.GetBytes(body, path).String()
}

func doRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

// buildAcceptHeader defaults to application/json when the caller did not
// specify one.
func buildAcceptHeader(accept string) string {
	if strings.TrimSpace(accept) == "" {
		return "application/json"
	}
	return accept
}

// snippet truncates an upstream body for verbose logging.
func snippet(body []byte) string {
	const max = 512
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
