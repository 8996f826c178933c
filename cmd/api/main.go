// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/therepai/companion/internal/auth"
	"github.com/therepai/companion/internal/config"
	"github.com/therepai/companion/internal/handler"
	"github.com/therepai/companion/internal/llm"
	"github.com/therepai/companion/internal/middleware"
	natsclient "github.com/therepai/companion/internal/nats"
	"github.com/therepai/companion/internal/prompt"
	"github.com/therepai/companion/internal/safety"
	"github.com/therepai/companion/internal/service"
	"github.com/therepai/companion/internal/store"
	"github.com/therepai/companion/pkg/logger"
	"github.com/therepai/companion/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server",
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.Bool("auth_enabled", cfg.AuthEnabled),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "therepai-companion", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS when a component needs it
	var natsClient *natsclient.Client
	if cfg.UsesNATS() {
		natsClient, err = natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()
	}

	backend, closeBackend, err := openBackend(ctx, cfg, natsClient)
	if err != nil {
		log.Fatal("failed to open storage backend", zap.Error(err))
	}
	defer closeBackend()

	var events service.EventPublisher
	if cfg.NATSEventsEnabled {
		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		events = streamManager
	}

	policy := safety.DefaultPolicy()
	if cfg.CrisisPolicyFile != "" {
		policy, err = safety.LoadPolicy(cfg.CrisisPolicyFile)
		if err != nil {
			log.Fatal("failed to load crisis policy", zap.Error(err))
		}
	}
	log.Info("crisis policy loaded",
		zap.String("policy_version", policy.Version),
		zap.Int("phrases", len(policy.Phrases)),
	)

	// Initialize LLM client
	var llmClient llm.Client
	builder := prompt.NewBuilder()
	builder.Window = cfg.ContextWindow
	builder.Temperature = cfg.Temperature
	builder.MaxTokens = cfg.MaxTokens
	switch llm.Provider(cfg.LLMProvider) {
	case llm.ProviderAnthropic:
		llmClient, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		builder.Model = llm.DefaultAnthropicModel
	default:
		if cfg.OpenAIBaseURL != "" {
			llmClient, err = llm.NewOpenAIClientWithBaseURL(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		} else {
			llmClient, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		}
		builder.Model = llm.DefaultOpenAIModel
	}
	if err != nil {
		log.Fatal("failed to create LLM client", zap.Error(err))
	}
	if cfg.LLMModel != "" {
		builder.Model = cfg.LLMModel
	}

	// Initialize services
	conversationSvc := service.NewConversationService(backend, log)
	router := service.NewMessageRouter(conversationSvc, llmClient, service.RouterOptions{
		Policy:  policy,
		Builder: builder,
		Timeout: cfg.CompletionTimeout,
		Events:  events,
	}, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(router, conversationSvc, log)
	streamHandler := handler.NewStreamHandler(router, cfg.TypingDelay, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		identify := middleware.LocalUser
		if cfg.AuthEnabled {
			provider, err := auth.NewLocalProvider(cfg.JWTSecret, cfg.JWTExpiration)
			if err != nil {
				log.Fatal("failed to create auth provider", zap.Error(err))
			}
			authHandler := handler.NewAuthHandler(provider, conversationSvc, log)
			identify = middleware.Auth(cfg.JWTSecret)

			r.Post("/auth/signup", authHandler.SignUp)
			r.Post("/auth/login", authHandler.Login)
			r.With(identify, middleware.TrackUser).Post("/auth/logout", authHandler.Logout)
		}

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Use(identify)
			r.Use(middleware.TrackUser)

			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)
			r.Get("/active", conversationHandler.Active)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Rename)
				r.Delete("/", conversationHandler.Delete)
				r.Post("/select", conversationHandler.Select)

				// Messages
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)

				// Streaming
				r.Post("/stream", streamHandler.StreamWithMessage)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// openBackend selects the thread store. The returned func releases it.
func openBackend(ctx context.Context, cfg *config.Config, nc *natsclient.Client) (store.Backend, func(), error) {
	noop := func() {}

	switch cfg.StorageBackend {
	case config.StorageMemory:
		return store.NewMemory(), noop, nil
	case config.StorageFile:
		b, err := store.NewFile(cfg.DataDir)
		return b, noop, err
	case config.StorageSQLite:
		b, err := store.OpenSQLite(filepath.Join(cfg.DataDir, "therepai.db"))
		if err != nil {
			return nil, noop, err
		}
		return b, func() { b.Close() }, nil
	case config.StorageNATS:
		b, err := natsclient.NewKVBackend(ctx, nc, cfg.NATSBucket)
		return b, noop, err
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
