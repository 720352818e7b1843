package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/config"
	"github.com/oobauth/server/internal/db"
	httphandler "github.com/oobauth/server/internal/http"
	"github.com/oobauth/server/internal/http/handlers"
	"github.com/oobauth/server/internal/middleware"
	"github.com/oobauth/server/internal/notify/telegram"
	"github.com/oobauth/server/internal/observability"
	"github.com/oobauth/server/internal/repo"
	"github.com/oobauth/server/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const serviceName = "oobauth-server"

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		log.Printf("Sentry disabled: %v", err)
	}
	defer observability.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	// Open database connection
	database, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := db.RunMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	userRepo := repo.NewUserRepo(database)
	profileRepo := repo.NewProfileRepo(database)
	attemptRepo := repo.NewAttemptRepo(database)
	codeRepo := repo.NewCodeRepo(database)
	blockRepo := repo.NewBlockRepo(database)
	counterRepo := repo.NewCounterRepo(database)

	// Initialize the side channel and auth services
	botClient := telegram.NewClient(cfg.TelegramAPIURL)
	notifier := telegram.NewNotifier(botClient)

	twofa := auth.NewTwoFactor(auth.Stores{
		Profiles: profileRepo,
		Attempts: attemptRepo,
		Codes:    codeRepo,
		Blocks:   blockRepo,
		Tx:       repo.NewTransactor(database),
	}, notifier, logger, auth.TwoFactorConfig{
		CodeTTL:          cfg.CodeTTL,
		BlockDuration:    cfg.BlockDuration,
		FallbackBotToken: cfg.TelegramBotToken,
	})

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.SessionTTL)
	loginService := auth.NewLoginService(
		auth.NewCredentialVerifier(userRepo),
		twofa,
		jwtService,
		userRepo,
		profileRepo,
		blockRepo,
		counterRepo,
		logger,
		cfg.LoginFailureWindow,
	)

	var loginLimiter middleware.Limiter
	if cfg.RateLimitBackend == "memory" {
		memLimiter := middleware.NewRateLimiter(cfg.LoginRateWindow, cfg.LoginRateLimit)
		defer memLimiter.Close()
		loginLimiter = memLimiter
	} else {
		loginLimiter = middleware.NewStoreLimiter(counterRepo, cfg.LoginRateWindow, cfg.LoginRateLimit)
	}

	// Pick the inbound reply listener
	var listener telegram.InboundReplyListener
	var webhook http.Handler
	if cfg.TelegramBotToken != "" && cfg.TelegramMode != config.TelegramModeOff {
		replies := telegram.NewReplyHandler(twofa, botClient, cfg.TelegramBotToken, logger)
		switch cfg.TelegramMode {
		case config.TelegramModePolling:
			listener = telegram.NewPoller(botClient, cfg.TelegramBotToken, replies, logger)
		case config.TelegramModeWebhook:
			wh := telegram.NewWebhookHandler(replies, botClient, cfg.TelegramBotToken, cfg.TelegramWebhookURL, cfg.TelegramWebhookSecret, logger)
			listener, webhook = wh, wh
		}
	} else {
		logger.Warn("telegram_listener_disabled", map[string]any{"mode": cfg.TelegramMode})
	}

	// Create router
	router := httphandler.NewRouter(httphandler.Deps{
		Login: handlers.NewLoginHandler(loginService, handlers.CookieConfig{
			Secure:     cfg.CookieSecure,
			SessionTTL: cfg.SessionTTL,
			PendingTTL: cfg.CodeTTL,
		}, logger),
		Status:       handlers.NewStatusHandler(twofa, logger, cfg.PushInterval),
		Security:     handlers.NewSecurityHandler(blockRepo, profileRepo, botClient, cfg.TelegramBotToken, logger),
		Health:       handlers.NewHealthHandler(database),
		Webhook:      webhook,
		JWT:          jwtService,
		Users:        userRepo,
		LoginLimiter: loginLimiter,
		Logger:       logger,

		TrustedProxies: cfg.TrustedProxies,
	})

	// Create HTTP server with timeouts. No WriteTimeout: status websockets stay open
	// for the whole confirmation window.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if listener != nil {
		g.Go(func() error {
			return listener.Listen(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_stopped", map[string]any{"error": err})
		observability.CaptureError(err, map[string]string{"component": "main"})
		observability.FlushSentry()
		log.Fatalf("Server failed: %v", err)
	}

	log.Println("Server exited")
}
