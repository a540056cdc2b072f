// Command trove serves a structured-data catalog over HTTP.
//
// Configuration comes from TROVE_* environment variables; see
// pkg/config. The process runs the API server and the background
// maintenance scheduler, and shuts both down cleanly on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/beamline/trove/pkg/auth"
	"github.com/beamline/trove/pkg/cache"
	"github.com/beamline/trove/pkg/catalog"
	"github.com/beamline/trove/pkg/config"
	"github.com/beamline/trove/pkg/observability"
	"github.com/beamline/trove/pkg/policy"
	"github.com/beamline/trove/pkg/scheduler"
	"github.com/beamline/trove/pkg/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := catalog.Open(ctx, catalog.Options{
		DatabaseURI:     cfg.Catalog.DatabaseURI,
		WritableStorage: cfg.Catalog.WritableStorage,
		ReadableStorage: cfg.Catalog.ReadableStorage,
		InitIfMissing:   cfg.Catalog.InitIfMissing,
		Logger:          logger,
	})
	if err != nil {
		var uninit *catalog.ErrUninitializedDatabase
		if errors.As(err, &uninit) {
			return fmt.Errorf("%w (set TROVE_INIT_IF_MISSING=true to initialize an empty database)", err)
		}
		return err
	}
	defer store.Close()

	authn, err := buildAuthenticator(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	pol, err := policy.New(ctx, policy.Options{
		ConfigPath:    cfg.Policy.ConfigPath,
		ScopeUniverse: cfg.Policy.ScopeUniverse,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if cfg.Policy.WatchConfig {
		go func() {
			if err := pol.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("policy watcher stopped")
			}
		}()
	}

	objCache, err := buildCache(cfg, metrics, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Store:                store,
		Policy:               pol,
		Auth:                 authn,
		Cache:                objCache,
		Logger:               logger,
		Metrics:              metrics,
		AllowAnonymous:       cfg.Server.AllowAnonymous,
		CompressionThreshold: cfg.Server.CompressionThreshold,
		MaxBodyBytes:         cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(logger)
	registerMaintenance(sched, cfg, authn.Store(), pol, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		sched.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	// Tasks may hold database connections; stop them before the store
	// closes.
	sched.Stop()
	return nil
}

// buildAuthenticator wires the identity store (sharing the catalog's
// database) with the configured providers.
func buildAuthenticator(ctx context.Context, cfg *config.Config, store *catalog.Store, logger *observability.Logger) (*auth.Authenticator, error) {
	authStore, err := auth.NewStore(ctx, store.DB(), store.DialectName(), logger)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewTokenIssuer(cfg.Auth.SigningKeyBytes(),
		cfg.Auth.AccessTokenLifetime, cfg.Auth.RefreshTokenLifetime)
	if err != nil {
		return nil, err
	}

	var providers []auth.Provider
	if users, err := parseStaticUsers(cfg.Auth.StaticUsers); err != nil {
		return nil, err
	} else if len(users) > 0 {
		providers = append(providers, &auth.StaticPasswordProvider{
			ProviderName: "password",
			Users:        users,
		})
	}
	if cfg.Auth.OIDCIssuer != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCOptions{
			Name:         "oidc",
			IssuerURL:    cfg.Auth.OIDCIssuer,
			ClientID:     cfg.Auth.OIDCClientID,
			ClientSecret: cfg.Auth.OIDCClientSecret,
			RedirectURL:  cfg.Auth.OIDCRedirectURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure OIDC provider: %w", err)
		}
		providers = append(providers, oidcProvider)
	}
	if len(providers) == 0 {
		logger.Warn("no authentication providers configured; only existing API keys can authenticate")
	}

	return auth.New(auth.Options{
		Store:         authStore,
		Issuer:        issuer,
		Providers:     providers,
		DefaultRole:   cfg.Auth.DefaultRole,
		SessionMaxAge: cfg.Auth.SessionMaxAge,
		Logger:        logger,
	})
}

// parseStaticUsers splits "username:password" entries.
func parseStaticUsers(entries []string) (map[string][32]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	users := make(map[string][32]byte, len(entries))
	for _, entry := range entries {
		name, password, ok := strings.Cut(entry, ":")
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("malformed static user entry %q, want username:password", entry)
		}
		users[name] = auth.HashPassword(password)
	}
	return users, nil
}

func buildCache(cfg *config.Config, metrics *observability.Metrics, logger *observability.Logger) (*cache.Cache, error) {
	opts := cache.Options{
		ByteBudget: cfg.Cache.ByteBudget,
		RedisTTL:   cfg.Cache.RedisTTL,
		Metrics:    metrics,
		Logger:     logger,
	}
	if cfg.Cache.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts.Redis = redis.NewClient(redisOpts)
	}
	return cache.New(opts)
}

// registerMaintenance installs the periodic background tasks: session
// and API key expiry sweeps plus the two-cadence policy refresh.
func registerMaintenance(sched *scheduler.Scheduler, cfg *config.Config, authStore *auth.Store, pol *policy.Policy, logger *observability.Logger) {
	sched.Register("purge-expired-sessions", 60, func(ctx context.Context) error {
		n, err := authStore.PurgeExpiredSessions(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.WithField("count", n).Info("purged expired sessions")
		}
		return nil
	})
	sched.Register("purge-expired-api-keys", 60, func(ctx context.Context) error {
		n, err := authStore.PurgeExpiredAPIKeys(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.WithField("count", n).Info("purged expired API keys")
		}
		return nil
	})
	sched.Register("policy-partial-refresh", cfg.Policy.PartialRefreshMinutes, func(ctx context.Context) error {
		return pol.PartialRefresh(ctx)
	})
	sched.Register("policy-full-reload", cfg.Policy.FullReloadMinutes, func(ctx context.Context) error {
		return pol.Reload(ctx)
	})
}
