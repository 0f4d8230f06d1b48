package server

import (
	"context"
	"io"
	"net/http"

	"github.com/cm-proxy/gateway/internal/apierror"
	"github.com/cm-proxy/gateway/internal/executor"
	"github.com/cm-proxy/gateway/internal/provider"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// maxRequestBodyBytes bounds a chat-completion body so a malicious or
// misbehaving client can't exhaust memory before the estimate/validate
// step even runs.
const maxRequestBodyBytes = 10 << 20 // 10MiB

// handleChatCompletions implements POST /chat/completions:
// admission via the credit ledger, dispatch via the provider router, and either
// a direct JSON relay or an SSE stream relay depending on the request's
// "stream" flag.
func (s *Server) handleChatCompletions(c *gin.Context) {
	apiKey := c.GetString(apiKeyContextKey)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeError(c, apierror.BadRequest("failed to read request body"))
		return
	}
	if len(body) > maxRequestBodyBytes {
		writeError(c, apierror.BadRequest("request body too large"))
		return
	}

	if apiErr := executor.ValidateMessages(body); apiErr != nil {
		writeError(c, apiErr)
		return
	}

	estimate := executor.EstimateRequestTokens(body)
	if err := s.Ledger.Validate(apiKey, estimate); err != nil {
		writeError(c, mapLedgerErr(err))
		return
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	accept := "application/json"
	if stream {
		accept = "text/event-stream"
	}

	ctx := c.Request.Context()
	cancel := func() {}
	if s.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
	}
	defer cancel()

	result, streamResult, apiErr := s.Executor.Dispatch(ctx, body, provider.ChatCompletionsPath, accept, stream)
	if apiErr != nil {
		requestLogger(c).Warnf("chat completions: dispatch failed: %s", apiErr.Message)
		writeError(c, apiErr)
		return
	}

	if stream {
		s.relayStreamingChatCompletion(c, apiKey, estimate, streamResult)
		return
	}

	// Non-streaming: debit the actual observed or heuristic usage. Each
	// mode has exactly one debit point; streams bill their estimate up
	// front instead.
	if err := s.Ledger.Debit(apiKey, int64(result.TotalTokens)); err != nil {
		requestLogger(c).Warnf("chat completions: post-hoc debit failed for %s: %v", apiKey, err)
	}
	c.Data(http.StatusOK, "application/json", result.Body)
}

// relayStreamingChatCompletion debits the pre-request estimate once the
// provider has committed to streaming a response, then relays SSE chunks
// through StreamRelay. A mid-stream fault never bubbles up as an HTTP
// status; StreamRelay converts it to an in-band SSE error frame.
func (s *Server) relayStreamingChatCompletion(c *gin.Context, apiKey string, estimate int64, streamResult *provider.StreamResult) {
	if err := s.Ledger.Debit(apiKey, estimate); err != nil {
		// Credits were already validated moments ago; losing the race is
		// rare (a concurrent request on the same key) and not worth
		// failing an already-committed upstream stream over.
		requestLogger(c).Warnf("chat completions: stream estimate debit failed for %s: %v", apiKey, err)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		log.Error("chat completions: response writer does not support flushing")
		return
	}

	tokens, err := s.Relay.Relay(c.Request.Context(), &ginFlusher{c.Writer, flusher}, streamResult.Body)
	if err != nil {
		requestLogger(c).Warnf("chat completions: stream relay error: %v", err)
	}
	requestLogger(c).Debugf("chat completions: stream finished, heuristic content tokens=%d", tokens)
}

// ginFlusher adapts gin's ResponseWriter + http.Flusher pair to
// executor.Flusher.
type ginFlusher struct {
	io.Writer
	f http.Flusher
}

func (g *ginFlusher) Flush() { g.f.Flush() }
