// Package server wires the core dispatch engine (account pool, provider
// router, credit ledger) to gin's HTTP frontend: request-id and CORS
// middleware, API-key authentication, and the public routes. This is
// deliberately thin — deep JSON shape validation, string sanitization, and
// key-admin bookkeeping are the frontend's concern, not the dispatch
// engine's.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/cm-proxy/gateway/internal/executor"
	"github.com/cm-proxy/gateway/internal/ledger"
	"github.com/cm-proxy/gateway/internal/provider"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const apiKeyContextKey = "cm.apiKey"

// Server holds the process-wide singletons the HTTP handlers
// dispatch against.
type Server struct {
	Router         *provider.Router
	Executor       *executor.Executor
	Ledger         *ledger.Ledger
	Relay          *executor.StreamRelay
	RequestTimeout time.Duration
}

// New builds a Server and its dependent executor/relay.
func New(router *provider.Router, ledgerStore *ledger.Ledger, requestTimeout time.Duration) *Server {
	return &Server{
		Router:         router,
		Executor:       executor.New(router),
		Ledger:         ledgerStore,
		Relay:          executor.NewStreamRelay(),
		RequestTimeout: requestTimeout,
	}
}

// Engine builds the gin engine and registers every public route.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware())

	r.POST("/chat/completions", s.requireAPIKey(), s.handleChatCompletions)
	r.GET("/models", s.requireAPIKey(), s.handleModels)

	v1 := r.Group("/v1")
	v1.POST("/api-keys", s.handleCreateAPIKey)
	v1.GET("/balance", s.requireAPIKey(), s.handleBalance)
	v1.POST("/add-credits", s.requireAPIKey(), s.handleAddCredits)
	v1.POST("/disable", s.requireAPIKey(), s.handleDisable)
	v1.POST("/enable", s.requireAPIKey(), s.handleEnable)

	return r
}

// requestIDMiddleware attaches a per-request correlation id to the gin
// context and every log line it emits.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if strings.TrimSpace(id) == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// corsMiddleware applies the permissive CORS policy of the client-facing
// surface.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireAPIKey extracts the Bearer API key and stores it on the context.
// It only checks the header shape; whether the key exists/is enabled/has
// credit is validated downstream by each handler against the ledger, so
// Unauthenticated, Forbidden, and PaymentRequired stay distinct outcomes.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := bearerAPIKey(c)
		if !ok {
			writeError(c, apiErrUnauthenticated("missing or malformed Authorization header"))
			return
		}
		c.Set(apiKeyContextKey, key)
		c.Next()
	}
}

func bearerAPIKey(c *gin.Context) (string, bool) {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	key := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if key == "" {
		return "", false
	}
	return key, true
}

func requestLogger(c *gin.Context) *log.Entry {
	return log.WithField("request_id", c.GetString("requestID"))
}
