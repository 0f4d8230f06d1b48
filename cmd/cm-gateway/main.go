// Command cm-gateway runs the multi-tenant reverse-proxy gateway: it loads
// the provider/account configuration, builds the dispatch engine (account
// pools, provider router, credit ledger), and serves the HTTP frontend
// until an interrupt or termination signal arrives.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cm-proxy/gateway/internal/config"
	"github.com/cm-proxy/gateway/internal/ledger"
	"github.com/cm-proxy/gateway/internal/logging"
	"github.com/cm-proxy/gateway/internal/provider"
	"github.com/cm-proxy/gateway/internal/server"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the gateway's JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("cm-gateway: %v", err)
	}

	logging.Configure(logging.Options{Debug: cfg.Debug, LogFile: cfg.LogFile})
	logging.SetVerboseEnabled(cfg.Debug)

	providers := buildProviders(cfg)
	router := provider.NewRouter(providers)
	creditLedger := ledger.New()

	srv := server.New(router, creditLedger, cfg.RequestTimeout())
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout() + 30*time.Second, // headroom for streaming responses
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("cm-gateway: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("cm-gateway: server failed: %v", err)
		}
	}()

	<-done
	log.Info("cm-gateway: shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("cm-gateway: graceful shutdown failed: %v", err)
	} else {
		log.Info("cm-gateway: stopped gracefully")
	}
}

// buildProviders constructs one Provider per configured entry, in document
// order; the router re-sorts them by priority.
func buildProviders(cfg *config.Config) []provider.Provider {
	timeout := cfg.RequestTimeout()
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch strings.ToLower(p.Type) {
		case config.ProviderTypeCopilot:
			providers = append(providers, provider.NewCopilotProvider(p, timeout))
		case config.ProviderTypeOpenAICompatible:
			providers = append(providers, provider.NewOpenAICompatibleProvider(p, timeout))
		default:
			log.Warnf("cm-gateway: skipping providers entry with unknown type %q", p.Type)
		}
	}
	return providers
}
