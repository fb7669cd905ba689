// MoodChat - companion chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/moodchat/internal/api"
	"github.com/ashureev/moodchat/internal/attachment"
	"github.com/ashureev/moodchat/internal/chat"
	"github.com/ashureev/moodchat/internal/config"
	"github.com/ashureev/moodchat/internal/credentials"
	"github.com/ashureev/moodchat/internal/domain"
	"github.com/ashureev/moodchat/internal/health"
	"github.com/ashureev/moodchat/internal/identity"
	"github.com/ashureev/moodchat/internal/llm"
	"github.com/ashureev/moodchat/internal/metrics"
	"github.com/ashureev/moodchat/internal/middleware"
	"github.com/ashureev/moodchat/internal/realtime"
	"github.com/ashureev/moodchat/internal/speech"
	"github.com/ashureev/moodchat/internal/store"
	"github.com/ashureev/moodchat/web"
)

// Shared fallback keys, injected at build time:
//
//	go build -ldflags "-X main.sharedCompletionKey=... -X main.sharedSpeechKey=... -X main.sharedSpeechSecret=..."
var (
	sharedCompletionKey string
	sharedSpeechKey     string
	sharedSpeechSecret  string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Backend)

	// Storage.
	repo, err := store.Open(cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	settings, err := store.Sync(context.Background(), repo)
	if err != nil {
		slog.Error("Failed to reconcile conversation list", "error", err)
		os.Exit(1)
	}
	slog.Info("Store ready", "conversations", len(settings.Conversations), "mode", settings.Mode)

	m := metrics.New()

	// Credentials.
	creds, err := credentials.NewManager(credentials.Options{
		SecretsPath: cfg.Credentials.SecretsPath,
		GuidePath:   cfg.Credentials.GuidePath,
		Default: domain.CredentialSet{
			CompletionKey: sharedCompletionKey,
			SpeechKey:     sharedSpeechKey,
			SpeechSecret:  sharedSpeechSecret,
		},
		Logger:   logger,
		OnChange: func(source credentials.Source) { m.SetDegraded(source == credentials.SourceDefault) },
	})
	if errors.Is(err, credentials.ErrNoCredentials) {
		slog.Error("No API keys configured and no shared keys built in",
			"env", []string{credentials.EnvCompletionKey, credentials.EnvSpeechKey, credentials.EnvSpeechSecret},
			"secrets_path", cfg.Credentials.SecretsPath)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to resolve credentials", "error", err)
		os.Exit(1)
	}
	m.SetDegraded(creds.Degraded())

	// Upstream clients.
	prompts, err := llm.LoadPrompts(cfg.LLM.PromptsFile)
	if err != nil {
		slog.Error("Failed to load prompts", "path", cfg.LLM.PromptsFile, "error", err)
		os.Exit(1)
	}

	completions := llm.New(llm.Options{
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		RequestTimeout: cfg.LLM.RequestTimeout,
		StreamTimeout:  cfg.LLM.StreamTimeout,
		Keys:           creds,
		Pacer:          llm.NewPacer(cfg.LLM.RateInterval, creds.Degraded, m),
		Prompts:        prompts,
		Metrics:        m,
		Logger:         logger,
	})

	transcriber := speech.New(speech.Options{
		TokenURL:       cfg.Speech.TokenURL,
		ASRURL:         cfg.Speech.ASRURL,
		ModelID:        cfg.Speech.ModelID,
		ClientID:       cfg.Speech.ClientID,
		RequestTimeout: cfg.Speech.RequestTimeout,
		Keys:           creds,
		Metrics:        m,
		Logger:         logger,
	})

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Services.
	svc := chat.NewService(chat.Options{
		Repo:        repo,
		Gates:       completions,
		Completer:   completions,
		Attachments: attachment.NewProcessor(transcriber, logger),
		Log:         conversationLogger,
		Metrics:     m,
		Logger:      logger,
	})

	// Handlers.
	chatHandler := chat.NewHandler(svc, chat.HandlerConfig{
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
	}, m)
	apiHandler := api.NewHandler(svc, creds)
	healthHandler := health.NewHandler(repo, creds)
	sm := realtime.NewSessionManager()
	wsHandler := realtime.NewWebSocketHandler(svc, sm, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)
	apiHandler.RegisterRoutes(r)

	r.Get("/ws/chat", wsHandler.ServeHTTP)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", m.Handler())
	}

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE responses stream for as long as a reply takes, so there is
	// no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		sm.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// Upgraded sockets are not tracked by Shutdown; let their turns
		// finish before the logger and repository close.
		if err := wsHandler.Wait(shutdownCtx); err != nil {
			slog.Warn("WebSocket turns still running at shutdown", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		return svc.Run(gctx)
	})

	if cfg.Credentials.Watch {
		g.Go(func() error {
			if err := creds.Watch(gctx); err != nil {
				// Hot reload is optional; keys still resolve at startup.
				slog.Warn("Secrets watcher stopped", "error", err)
			}
			return nil
		})
	}

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "port", cfg.GRPCHealthPort, "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return healthHandler.Serve(gctx, lis)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic // exitAfterDefer
	}

	slog.Info("Server stopped successfully")
}
