package server

import (
	"errors"

	"github.com/cm-proxy/gateway/internal/apierror"
	"github.com/cm-proxy/gateway/internal/ledger"
	"github.com/gin-gonic/gin"
)

func apiErrUnauthenticated(msg string) *apierror.Error { return apierror.Unauthenticated(msg) }

// mapLedgerErr translates a ledger sentinel into the API error taxonomy.
func mapLedgerErr(err error) *apierror.Error {
	switch {
	case errors.Is(err, ledger.ErrKeyNotFound):
		return apierror.Unauthenticated("unknown API key")
	case errors.Is(err, ledger.ErrKeyDisabled):
		return apierror.Forbidden("API key is disabled")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return apierror.PaymentRequired("insufficient credits")
	default:
		return apierror.Internal(err.Error())
	}
}

// writeError renders the OpenAI-compatible error envelope.
func writeError(c *gin.Context, apiErr *apierror.Error) {
	c.AbortWithStatusJSON(apiErr.Status, gin.H{
		"error": gin.H{
			"message": apiErr.Message,
			"type":    apiErr.Code,
		},
	})
}
