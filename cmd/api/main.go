// Package main is the entry point for the chat relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/assistant"
	"github.com/nutrimed/chat-relay/internal/config"
	"github.com/nutrimed/chat-relay/internal/handler"
	"github.com/nutrimed/chat-relay/internal/history"
	"github.com/nutrimed/chat-relay/internal/llm"
	"github.com/nutrimed/chat-relay/internal/metering"
	natsclient "github.com/nutrimed/chat-relay/internal/nats"
	"github.com/nutrimed/chat-relay/internal/relay"
	"github.com/nutrimed/chat-relay/internal/retry"
	"github.com/nutrimed/chat-relay/internal/service"
	"github.com/nutrimed/chat-relay/internal/storage"
	"github.com/nutrimed/chat-relay/pkg/logger"
	"github.com/nutrimed/chat-relay/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "chat-relay",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("relay server failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("starting relay server",
		zap.String("assistant_backend", cfg.AssistantBackend),
		zap.String("ledger_backend", cfg.LedgerBackend),
		zap.String("history_backend", cfg.HistoryBackend),
	)

	ctx := context.Background()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	checks := map[string]handler.Checker{}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		client, err := storage.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		redisClient = client
		checks["redis"] = handler.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	// Credit ledger
	var ledger metering.Ledger
	switch cfg.LedgerBackend {
	case config.BackendRedis:
		ledger = metering.NewRedisLedger(redisClient, cfg.DefaultCredits, metering.DefaultChargeTTL)
	case config.BackendPostgres:
		pool, err := storage.NewPostgres(ctx, storage.PostgresConfig{DSN: cfg.DatabaseURL})
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		pg := metering.NewPostgresLedger(pool, cfg.DefaultCredits)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
		ledger = pg
		checks["postgres"] = handler.CheckerFunc(pool.Ping)
	default:
		log.Warn("using in-memory credit ledger; balances reset on restart")
		ledger = metering.NewMemoryLedger(cfg.DefaultCredits)
	}

	// Turn history
	var store history.Store
	switch cfg.HistoryBackend {
	case config.BackendNATS:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()

		turns := natsclient.NewTurnStore(natsClient, log)
		if err := turns.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure history stream: %w", err)
		}
		store = turns
		checks["nats"] = handler.CheckerFunc(natsClient.Ping)
	default:
		store = history.NewMemoryStore()
	}

	// Upstream assistant
	connector, err := newConnector(cfg, redisClient, log)
	if err != nil {
		return err
	}

	// Initialize services
	gate := metering.NewGate(ledger, log)
	historyWriter := history.NewWriter(store, retry.Policy{
		MaxAttempts: cfg.PersistMaxAttempts,
		BaseDelay:   cfg.PersistBaseDelay,
		MaxDelay:    5 * time.Second,
	}, log)
	chatSvc := service.NewChatService(
		relay.New(connector, relay.Config{KeepAliveInterval: cfg.KeepAliveInterval}, log),
		gate,
		historyWriter,
		service.ChatConfig{AllowedAssistants: cfg.AllowedAssistants},
		log,
	)

	router := handler.NewRouter(handler.RouterConfig{
		Logger:            log,
		Chat:              handler.NewChatHandler(chatSvc, log),
		Threads:           handler.NewThreadHandler(historyWriter, log),
		Credits:           handler.NewCreditHandler(gate, log),
		Health:            handler.NewHealthHandler(checks),
		AuthEnabled:       cfg.AuthEnabled,
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigins:       cfg.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Let in-flight history appends land before closing the stores.
	historyWriter.Wait()

	log.Info("server stopped")
	return nil
}

func newConnector(cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (assistant.Connector, error) {
	if cfg.AssistantBackend == config.AssistantBackendAssistants {
		c, err := assistant.NewAssistantsConnector(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("create assistants connector: %w", err)
		}
		return c, nil
	}

	provider, apiKey, baseURL := llm.ProviderOpenAI, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL
	if cfg.AssistantBackend == config.AssistantBackendAnthropic {
		provider, apiKey, baseURL = llm.ProviderAnthropic, cfg.AnthropicAPIKey, ""
	}

	client, err := llm.NewClient(provider, apiKey, baseURL)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}

	var threads assistant.ThreadStore
	if cfg.ThreadStore == config.BackendRedis {
		threads = assistant.NewRedisThreadStore(redisClient, cfg.ThreadTTL)
	} else {
		log.Warn("using in-memory thread store; threads reset on restart")
		threads = assistant.NewMemoryThreadStore()
	}

	return assistant.NewCompletionsConnector(client, threads, assistant.CompletionsConfig{
		Model:        cfg.DefaultModel,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
	}, log), nil
}
