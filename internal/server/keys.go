package server

import (
	"net/http"

	"github.com/cm-proxy/gateway/internal/apierror"
	"github.com/cm-proxy/gateway/internal/ledger"
	"github.com/gin-gonic/gin"
)

// createAPIKeyRequest is the operator-facing key-provisioning body.
type createAPIKeyRequest struct {
	UserID         string  `json:"user_id"`
	InitialCredits float64 `json:"initial_credits"`
}

// addCreditsRequest is the positive-only top-up body for /v1/add-credits.
type addCreditsRequest struct {
	Amount float64 `json:"amount"`
}

// handleCreateAPIKey implements POST /v1/api-keys. It carries no bearer
// auth; provisioning is an operator-trusted surface.
func (s *Server) handleCreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.BadRequest("invalid request body"))
		return
	}
	if req.InitialCredits < 0 {
		writeError(c, apierror.BadRequest("initial_credits must not be negative"))
		return
	}
	key, err := s.Ledger.Create(req.UserID, req.InitialCredits)
	if err != nil {
		writeError(c, apierror.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, apiKeyResponse(key))
}

// handleBalance implements GET /v1/balance: the caller's own credit and
// usage snapshot, including user_id and created_at.
func (s *Server) handleBalance(c *gin.Context) {
	apiKey := c.GetString(apiKeyContextKey)
	entry, err := s.Ledger.Balance(apiKey)
	if err != nil {
		writeError(c, mapLedgerErr(err))
		return
	}
	c.JSON(http.StatusOK, apiKeyResponse(entry))
}

// handleAddCredits implements POST /v1/add-credits: a positive-only top-up
// against the caller's own key.
func (s *Server) handleAddCredits(c *gin.Context) {
	apiKey := c.GetString(apiKeyContextKey)
	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.BadRequest("invalid request body"))
		return
	}
	if req.Amount <= 0 {
		writeError(c, apierror.BadRequest("amount must be positive"))
		return
	}
	if err := s.Ledger.AddCredits(apiKey, req.Amount); err != nil {
		writeError(c, mapLedgerErr(err))
		return
	}
	entry, err := s.Ledger.Balance(apiKey)
	if err != nil {
		writeError(c, mapLedgerErr(err))
		return
	}
	c.JSON(http.StatusOK, apiKeyResponse(entry))
}

// handleDisable implements POST /v1/disable: the caller deactivates its own
// key. Subsequent Validate calls on it return Forbidden.
func (s *Server) handleDisable(c *gin.Context) {
	s.toggleEnabled(c, false)
}

// handleEnable implements POST /v1/enable: re-activates the caller's key.
func (s *Server) handleEnable(c *gin.Context) {
	s.toggleEnabled(c, true)
}

func (s *Server) toggleEnabled(c *gin.Context, enabled bool) {
	apiKey := c.GetString(apiKeyContextKey)
	var err error
	if enabled {
		err = s.Ledger.Enable(apiKey)
	} else {
		err = s.Ledger.Disable(apiKey)
	}
	if err != nil {
		writeError(c, mapLedgerErr(err))
		return
	}
	entry, err := s.Ledger.Balance(apiKey)
	if err != nil {
		writeError(c, mapLedgerErr(err))
		return
	}
	c.JSON(http.StatusOK, apiKeyResponse(entry))
}

func apiKeyResponse(entry *ledger.APIKey) gin.H {
	return gin.H{
		"key":               entry.Key,
		"user_id":           entry.UserID,
		"credits":           entry.Credits,
		"total_tokens_used": entry.TotalTokensUsed,
		"enabled":           entry.Enabled,
		"created_at":        entry.CreatedAt.Unix(),
	}
}
