// Package executor runs a chat-completion or model-listing request against
// the provider router, translating its outcomes into the status-code
// taxonomy the HTTP frontend answers with, and implements the token-usage
// accounting rules: an authoritative usage.total_tokens when upstream
// supplies one, else the four-characters-per-token heuristic over message
// content.
package executor

import (
	"context"
	"errors"
	"math"

	"github.com/cm-proxy/gateway/internal/apierror"
	"github.com/cm-proxy/gateway/internal/provider"
	"github.com/tidwall/gjson"
)

// Executor wraps the provider router. It holds no timeout and no mutable
// state of its own; callers bound requests through the context they pass,
// and all state lives in the router and the accounts/providers it
// dispatches across.
type Executor struct {
	router *provider.Router
}

// New builds an Executor over the given router.
func New(router *provider.Router) *Executor {
	return &Executor{router: router}
}

// EstimateRequestTokens computes the pre-request token estimate:
// ceil(sum of message content length / 4) + max_tokens. It reads the raw
// JSON body with gjson rather than a full unmarshal.
func EstimateRequestTokens(body []byte) int64 {
	var contentChars int64
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		content := msg.Get("content")
		if content.Type == gjson.String {
			contentChars += int64(len(content.Str))
			continue
		}
		// Multi-part content: sum any text parts, matching the
		// BadRequest-on-non-text-part validation in ValidateMessages below,
		// which runs before estimation is relied upon for billing.
		for _, part := range content.Array() {
			if part.Get("type").String() == "text" {
				contentChars += int64(len(part.Get("text").String()))
			}
		}
	}
	estimate := int64(math.Ceil(float64(contentChars) / 4))
	if maxTokens := gjson.GetBytes(body, "max_tokens"); maxTokens.Exists() {
		estimate += maxTokens.Int()
	}
	return estimate
}

// ValidateMessages rejects malformed message content: it
// must be a string or an array of text-only parts. Images, tool
// results, and other non-text parts are rejected; sanitizing their
// substance is the frontend's job, this is only a shape check.
func ValidateMessages(body []byte) *apierror.Error {
	messages := gjson.GetBytes(body, "messages")
	if !messages.Exists() || !messages.IsArray() || len(messages.Array()) == 0 {
		return apierror.BadRequest("request must include a non-empty messages array")
	}
	for _, msg := range messages.Array() {
		content := msg.Get("content")
		switch content.Type {
		case gjson.String:
			continue
		case gjson.JSON:
			if !content.IsArray() {
				return apierror.BadRequest("message content must be a string or an array of parts")
			}
			for _, part := range content.Array() {
				if part.Get("type").String() != "text" {
					return apierror.BadRequest("non-text message content parts are not supported")
				}
			}
		default:
			return apierror.BadRequest("message content must be a string or an array of parts")
		}
	}
	return nil
}

// TotalTokensFromResponse implements the non-streaming accounting: the
// authoritative usage.total_tokens field when present, else the sum of
// choices[i].message.content.length/4 (integer division) across choices.
// Exported so the HTTP layer can log/report it without re-deriving from the
// provider package.
func TotalTokensFromResponse(body []byte) int64 {
	if usage := gjson.GetBytes(body, "usage.total_tokens"); usage.Exists() {
		return usage.Int()
	}
	var total int64
	for _, choice := range gjson.GetBytes(body, "choices").Array() {
		total += int64(len(choice.Get("message.content").String())) / 4
	}
	return total
}

// Dispatch runs the request across the router and translates its outcome
// into the apierror taxonomy: exhaustion after rate-limit declines
// becomes RateLimited (429), exhaustion with zero attempts becomes
// Unavailable (503, nothing was ever usable), and exhaustion on a non-rate
// upstream failure relays that upstream's status and body.
func (e *Executor) Dispatch(ctx context.Context, body []byte, endpoint string, accept string, stream bool) (*provider.Result, *provider.StreamResult, *apierror.Error) {
	result, streamResult, err := e.router.Dispatch(ctx, body, endpoint, accept, stream)
	if err == nil {
		return result, streamResult, nil
	}

	var exhausted *provider.ExhaustedError
	if !errors.As(err, &exhausted) {
		return nil, nil, apierror.Internal(err.Error())
	}
	if exhausted.Attempts == 0 {
		return nil, nil, apierror.Unavailable("no provider is currently usable")
	}
	if exhausted.RateLimited {
		return nil, nil, apierror.RateLimited("all providers declined the request")
	}
	var upstream *provider.UpstreamError
	if errors.As(exhausted.Last, &upstream) {
		return nil, nil, apierror.Upstream(upstream.Status, string(upstream.Body))
	}
	return nil, nil, apierror.Internal("all providers failed: " + exhausted.Error())
}
