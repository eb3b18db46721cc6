package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tourwatch.org/internal/backend"
	"tourwatch.org/internal/config"
	"tourwatch.org/internal/credstore"
	"tourwatch.org/internal/httpapi"
	"tourwatch.org/internal/migrate"
	"tourwatch.org/internal/obs"
	"tourwatch.org/internal/session"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type storage struct {
	kv     credstore.KV
	ping   httpapi.Pinger
	closer io.Closer
}

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "Path to the YAML config file")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("dashboard stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	if st.closer != nil {
		defer func() { _ = st.closer.Close() }()
	}

	authenticator, issuer, err := newBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}

	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("surfaces: %w", err)
	}

	store := session.NewStore(cfg.Session, authenticator,
		credstore.NewCredentials(st.kv, cfg.Storage.Key),
		session.WithLogger(logger.Named("session")))
	defer func() { _ = store.Close() }()

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	store.InitializeAuth(initCtx)
	cancel()
	if snap := store.Snapshot(); snap.IsAuthenticated {
		logger.Info("session restored", zap.String("user_id", snap.User.ID), zap.Time("expires_at", snap.ExpiresAt))
	}

	ready := httpapi.ReadyProbe{}
	if st.ping != nil {
		ready.Checks = append(ready.Checks, st.ping)
	}
	api := httpapi.New(httpapi.Options{
		Version:        version,
		Ready:          ready,
		Store:          store,
		Surfaces:       registry,
		Issuer:         issuer,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	logger.Info("starting tourwatch dashboard",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("backend", cfg.Backend.Mode))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	// Closing the store first ends the SSE streams so Shutdown can drain.
	_ = store.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage, error) {
	switch cfg.Driver {
	case config.StoragePostgres:
		pg, err := credstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return storage{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.AutoMigrate {
			migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			applied, err := migrate.NewManager(pg.DB(), nil).Up(migCtx)
			cancel()
			if err != nil {
				_ = pg.Close()
				return storage{}, fmt.Errorf("migrate: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("migrations applied", zap.Strings("names", applied))
			}
		}
		return storage{kv: pg, ping: pg, closer: pg}, nil
	case config.StorageRedis:
		rd, err := credstore.NewRedis(ctx, credstore.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return storage{}, err
		}
		return storage{kv: rd, ping: rd, closer: rd}, nil
	default:
		logger.Warn("using in-memory credential storage; sessions will not survive a restart")
		return storage{kv: credstore.NewMemory()}, nil
	}
}

func newBackend(cfg config.BackendConfig, logger *zap.Logger) (session.Authenticator, httpapi.Issuer, error) {
	if cfg.Mode == config.BackendRemote {
		remote, err := backend.NewRemote(cfg.RemoteURL, nil)
		if err != nil {
			return nil, nil, err
		}
		return remote, nil, nil
	}
	local, err := backend.NewLocal(cfg.JWTSecret, cfg.Accounts,
		backend.WithIssuer(cfg.Issuer),
		backend.WithAccessTTL(cfg.TokenTTL),
		backend.WithRefreshTTL(cfg.RefreshTTL),
		backend.WithLogger(logger.Named("backend")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("local backend: %w", err)
	}
	if len(cfg.Accounts) == 0 {
		logger.Warn("local backend has no accounts; every login will fail")
	}
	return local, local, nil
}
