package server

import (
	"context"
	"net/http"

	"github.com/cm-proxy/gateway/internal/provider"
	"github.com/gin-gonic/gin"
)

// handleModels implements GET /models: dispatch a model-listing request
// through the router and relay whichever provider answers first. Listing
// models carries no token cost, so the key is validated against a zero
// estimate — unknown and disabled keys are still rejected, but no credit
// is required and nothing is debited.
func (s *Server) handleModels(c *gin.Context) {
	apiKey := c.GetString(apiKeyContextKey)
	if err := s.Ledger.Validate(apiKey, 0); err != nil {
		writeError(c, mapLedgerErr(err))
		return
	}

	ctx := c.Request.Context()
	cancel := func() {}
	if s.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
	}
	defer cancel()

	result, _, apiErr := s.Executor.Dispatch(ctx, nil, provider.ModelsPath, "application/json", false)
	if apiErr != nil {
		requestLogger(c).Warnf("models: dispatch failed: %s", apiErr.Message)
		writeError(c, apiErr)
		return
	}
	c.Data(http.StatusOK, "application/json", result.Body)
}
