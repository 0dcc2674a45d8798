package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/journaline/internal/agent"
	"github.com/antoniostano/journaline/internal/calllog"
	"github.com/antoniostano/journaline/internal/config"
	"github.com/antoniostano/journaline/internal/httpapi"
	"github.com/antoniostano/journaline/internal/journal"
	"github.com/antoniostano/journaline/internal/observability"
	"github.com/antoniostano/journaline/internal/relay"
	"github.com/antoniostano/journaline/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	agentClient, err := agent.NewClient(agent.Config{
		AgentID:   cfg.ElevenLabsAgentID,
		WSBaseURL: cfg.ElevenLabsWSBaseURL,
	})
	if err != nil {
		log.Fatalf("agent client init failed: %v", err)
	}

	twilioClient, err := telephony.NewClient(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioPhoneNumber,
		BaseURL:    cfg.TwilioAPIBaseURL,
	})
	if err != nil {
		log.Fatalf("telephony client init failed: %v", err)
	}

	var journalSvc httpapi.JournalService
	if cfg.JournalEnabled() {
		store, err := calllog.NewStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("call log init failed: %v", err)
		}
		defer store.Close()

		conversations, err := agent.NewConversationsClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsAPIBaseURL)
		if err != nil {
			log.Fatalf("conversations client init failed: %v", err)
		}
		summarizer, err := journal.NewPerplexityClient(journal.PerplexityConfig{
			APIKey:  cfg.PerplexityAPIKey,
			BaseURL: cfg.PerplexityBaseURL,
			Model:   cfg.PerplexityModel,
		})
		if err != nil {
			log.Fatalf("summarizer init failed: %v", err)
		}
		journalSvc = journal.NewService(conversations, summarizer, store)
		log.Printf("journal pipeline enabled")
	} else {
		log.Printf("journal pipeline disabled (missing ELEVENLABS_API_KEY or PERPLEXITY_API_KEY)")
	}

	calls := relay.NewRegistry()
	dialer := httpapi.AgentDialerFunc(func(ctx context.Context) (httpapi.AgentConn, error) {
		return agentClient.StartConversation(ctx)
	})

	api := httpapi.New(cfg, calls, dialer, twilioClient, journalSvc, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	// Shutdown only stops the listener; live media streams are hijacked
	// connections and must be torn down explicitly.
	calls.CloseAll()

	log.Printf("shutdown complete")
}
