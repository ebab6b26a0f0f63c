package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pbryant/counselor/backend/internal/config"
	"github.com/pbryant/counselor/backend/internal/handler"
	"github.com/pbryant/counselor/backend/internal/ollama"
	aiservice "github.com/pbryant/counselor/backend/internal/service/ai"
	chatservice "github.com/pbryant/counselor/backend/internal/service/chat"
	"github.com/pbryant/counselor/backend/internal/service/conversation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize the session store and its lifecycle janitor
	store := chatservice.NewStore()
	lifecycle := chatservice.NewLifecycle(store, cfg.Session.SweepInterval, cfg.Session.IdleTTL)
	lifecycle.Start(ctx)
	defer lifecycle.Stop()

	// Initialize the generation client against the local Ollama server
	chatModel := ollama.NewChatModel(ollama.Config{
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})

	// The probe is diagnostic only: a cold Ollama can still come up later,
	// and every exchange degrades to the fallback reply until it does.
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := chatModel.Probe(probeCtx); err != nil {
		log.Printf("warning: ollama probe failed: %v", err)
		log.Println("continuing; exchanges will return the fallback reply until the backend is reachable")
	} else {
		log.Printf("ollama reachable at %s, model %s ready", cfg.LLM.Endpoint, cfg.LLM.Model)
	}
	cancel()

	aiService, err := aiservice.NewService(ctx, chatModel, aiservice.Config{
		StreamResponse: cfg.LLM.StreamResponse,
		HistoryLimit:   cfg.Session.HistoryLimit,
	})
	if err != nil {
		log.Fatalf("failed to initialize AI service: %v", err)
	}

	mediator := conversation.New(store, aiService)

	router := handler.NewRouter(mediator, lifecycle, aiService)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Counselor backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
