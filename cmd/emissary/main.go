package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/emissary-hq/emissary/pkg/audit"
	"github.com/emissary-hq/emissary/pkg/auth"
	"github.com/emissary-hq/emissary/pkg/config"
	"github.com/emissary-hq/emissary/pkg/middleware"
	"github.com/emissary-hq/emissary/pkg/observability"
	"github.com/emissary-hq/emissary/pkg/sso"
	"github.com/emissary-hq/emissary/pkg/storage"
	"github.com/emissary-hq/emissary/pkg/storage/postgres"
)

// store is the combined persistence surface the server needs.
type store interface {
	auth.Store
	audit.Store
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "emissary: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	metrics := observability.NewMetrics()

	db, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens := auth.NewTokenService(cfg.Auth.SigningSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	auditLog := audit.NewLogger(db, logger)
	sessions := auth.NewSessionManager(tokens, db, auditLog, logger, cfg.CookiesSecure(), cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	ssoConfig, err := buildSSOConfig(cfg, db)
	if err != nil {
		return err
	}

	oidcFlow, err := sso.NewOIDCFlow(tokens, cfg.Server.BaseURL)
	if err != nil {
		return err
	}
	samlFlow := sso.NewSAMLFlow(tokens, cfg.Server.BaseURL)
	provisioner := sso.NewProvisioner(db, logger)

	ssoHandlers := sso.NewHandlers(sso.HandlersConfig{
		Config:        ssoConfig,
		OIDC:          oidcFlow,
		SAML:          samlFlow,
		Provisioner:   provisioner,
		Sessions:      sessions,
		Audit:         auditLog,
		Logger:        logger,
		Metrics:       metrics,
		SecureCookies: cfg.CookiesSecure(),
	})

	authHandlers := auth.NewHandlers(auth.HandlersConfig{
		Store:     db,
		Sessions:  sessions,
		Tokens:    tokens,
		Audit:     auditLog,
		Logger:    logger,
		Metrics:   metrics,
		Providers: ssoHandlers.ProviderInfos,
		OnSetupComplete: func() {
			logger.Info("first-run setup completed")
		},
	})

	router := mux.NewRouter()
	router.Use(middleware.RequestLogging(logger))
	router.Use(middleware.CSRF("/auth/login", "/auth/bootstrap", "/auth/refresh"))

	authHandlers.RegisterRoutes(router)
	ssoHandlers.RegisterRoutes(router)

	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func openStore(cfg *config.Config, logger *observability.Logger) (store, func(), error) {
	if cfg.PostgresURL == "" {
		logger.Warn("no postgres url configured, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pg, err := postgres.NewStore(postgres.Config{URL: cfg.PostgresURL})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	if err := pg.EnsureSchema(context.Background()); err != nil {
		pg.Close()
		return nil, nil, err
	}
	logger.Info("connected to postgres")
	return pg, func() { pg.Close() }, nil
}

// buildSSOConfig layers store-managed provider settings over any static
// settings supplied through the environment.
func buildSSOConfig(cfg *config.Config, db store) (sso.ConfigProvider, error) {
	static := &sso.StaticProvider{}
	if cfg.SSO.SAMLSettingsJSON != "" {
		settings := &sso.SAMLSettings{}
		if err := json.Unmarshal([]byte(cfg.SSO.SAMLSettingsJSON), settings); err != nil {
			return nil, fmt.Errorf("invalid EMISSARY_SAML_SETTINGS: %w", err)
		}
		static.SAMLSettings = settings
	}
	if cfg.SSO.OIDCSettingsJSON != "" {
		settings := &sso.OIDCSettings{}
		if err := json.Unmarshal([]byte(cfg.SSO.OIDCSettingsJSON), settings); err != nil {
			return nil, fmt.Errorf("invalid EMISSARY_OIDC_SETTINGS: %w", err)
		}
		static.OIDCSettings = settings
	}

	return &sso.FallbackProvider{
		Primary:   sso.NewStoreProvider(db),
		Secondary: static,
	}, nil
}
