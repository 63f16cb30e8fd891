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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/api"
	"go.pilab.hu/nucleus/config"
	"go.pilab.hu/nucleus/internal/audit"
	"go.pilab.hu/nucleus/internal/auth"
	"go.pilab.hu/nucleus/internal/metrics"
	"go.pilab.hu/nucleus/internal/server"
	"go.pilab.hu/nucleus/log"
	"go.pilab.hu/nucleus/storage"
	"go.pilab.hu/nucleus/tracing"
)

func main() {
	// Load configuration first
	cfg, err := config.LoadConfig(os.Getenv("NUCLEUS_CONFIG"))
	if err != nil {
		stdLog := zerolog.New(os.Stdout).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := log.ParseLevel(cfg.LogLevel)
	appLogger := log.NewZerologAdapter(logLevel, cfg.LogPretty)
	ctx := context.Background()
	if parseErr != nil {
		appLogger.Warn(ctx, "Invalid LOG_LEVEL configured, defaulting to 'info'", map[string]interface{}{
			"configured_log_level": cfg.LogLevel,
		})
	}

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal(ctx, "Invalid configuration", err)
	}

	appLogger.Info(ctx, "Starting nucleus auth server", map[string]interface{}{
		"http_port":      cfg.HTTPPort,
		"issuer":         cfg.Issuer,
		"storage_driver": cfg.StorageDriver,
		"verify_mode":    cfg.VerifyMode,
		"log_level":      logLevel.String(),
		"otel_exporter":  cfg.OtelExporter,
	})

	tracerProvider, err := tracing.InitTracerProvider(ctx, cfg.OtelServiceName, cfg.OtelExporter, cfg.OtelExporterEndpoint)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
	}

	// --- Initialize Dependencies ---
	keys, err := loadKeys(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to load signing key", err)
	}

	tokenOpts := []nucleus.TokenEngineOption{}
	if cfg.VerifyMode == config.VerifyModeRemote {
		httpClient := &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		resolver, err := nucleus.NewRemoteKeyResolver(ctx, cfg.JWKSURL, httpClient)
		if err != nil {
			appLogger.Fatal(ctx, "Failed to create remote key resolver", err)
		}
		tokenOpts = append(tokenOpts, nucleus.WithKeyResolver(resolver))
	}
	tokens := nucleus.NewTokenEngine(keys, tokenOpts...)

	storageCfg, err := cfg.Storage()
	if err != nil {
		appLogger.Fatal(ctx, "Invalid storage configuration", err)
	}
	store, err := storage.Open(ctx, storageCfg, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to open storage", err, map[string]interface{}{"driver": storageCfg.Driver})
	}

	sessions, err := nucleus.NewSessionSigner([]byte(cfg.SessionSecret))
	if err != nil {
		appLogger.Fatal(ctx, "Failed to create session signer", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	provider := cfg.Provider()
	oauthSvc := nucleus.NewOAuthService(provider, store, store, tokens, sessions,
		nucleus.WithLogger(appLogger),
		nucleus.WithMetrics(m),
	)

	accounts := nucleus.NewAccountService(store, auth.NewPasswordHasher(), sessions, appLogger, m)
	accounts.SetPasswordMinLength(cfg.PasswordMinLength)

	janitor := nucleus.NewJanitor(store, cfg.SweepInterval, appLogger, m)

	if cfg.AdminToken == "" {
		appLogger.Warn(ctx, "ADMIN_TOKEN is not set, /admin routes are unauthenticated")
	}

	oauthAPI := api.NewOAuth2API(api.Options{
		OAuth:        oauthSvc,
		Accounts:     accounts,
		Janitor:      janitor,
		Store:        store,
		Logger:       appLogger,
		Audit:        audit.New(os.Stdout, cfg.OtelServiceName),
		CookieSecure: cfg.SessionCookieSecure,
		AdminToken:   cfg.AdminToken,
		Gatherer:     registry,
	})
	// --- End Dependency Initialization ---

	runCtx, stopJanitor := context.WithCancel(ctx)
	go janitor.Run(runCtx)

	httpServer := server.NewHTTPServer(cfg, appLogger, oauthAPI)
	go func() {
		appLogger.Info(ctx, fmt.Sprintf("HTTP server listening on port %s", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(ctx, "Failed to start HTTP server", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit

	appLogger.Info(ctx, fmt.Sprintf("Received signal: %v. Shutting down server...", receivedSignal))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	stopJanitor()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", err)
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err)
	}

	if err := store.Close(); err != nil {
		appLogger.Error(shutdownCtx, "Storage close error", err)
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}

// loadKeys reads the signing key from SIGNING_KEY_PATH, or generates an
// ephemeral one when no path is configured.
func loadKeys(ctx context.Context, cfg *config.ServerConfig, appLogger log.Logger) (*nucleus.KeyProvider, error) {
	if cfg.SigningKeyPath != "" {
		keys, err := nucleus.LoadKeyProvider(cfg.SigningKeyPath, cfg.KeyID)
		if err != nil {
			return nil, err
		}
		appLogger.Info(ctx, "Signing key loaded", map[string]interface{}{"kid": keys.KeyID()})
		return keys, nil
	}

	appLogger.Warn(ctx, "SIGNING_KEY_PATH is not set, generating an ephemeral signing key; tokens will not survive a restart")
	return nucleus.GenerateKeyProvider(nucleus.DefaultKeyBits, cfg.KeyID)
}
