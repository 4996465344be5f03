// Command server runs the outcome exchange: HTTP API, websocket feed, one
// engine goroutine per pool, and the proposal deadline sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"outcome-exchange/internal/api"
	"outcome-exchange/internal/archive"
	"outcome-exchange/internal/cache"
	"outcome-exchange/internal/config"
	"outcome-exchange/internal/db"
	"outcome-exchange/internal/db/memdb"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/governance"
	"outcome-exchange/internal/metrics"
	"outcome-exchange/internal/oracle"
	"outcome-exchange/internal/ws"
)

// backend is what both the Postgres and the in-memory store provide.
type backend interface {
	engine.Store
	governance.Store
	api.Store
}

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", *configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := oracle.NewRegistry(cfg.Oracle.Trusted)
	if err != nil {
		return fmt.Errorf("oracle registry: %w", err)
	}

	var archiver engine.Archiver
	if cfg.S3.Bucket != "" {
		s3a, err := archive.NewS3(ctx, cfg.ArchiveConfig())
		if err != nil {
			return fmt.Errorf("s3 archive: %w", err)
		}
		archiver = s3a
		logger.Info("settlement archive enabled", slog.String("bucket", cfg.S3.Bucket))
	}

	var idem cache.Idempotency = cache.NewMemory()
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisConfig())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		idem = rc
		logger.Info("redis idempotency store enabled", slog.String("addr", cfg.Redis.Addr))
	}

	pm := metrics.New()
	hub := ws.NewHub(logger)
	hub.OnDrop(pm.RecordWSDrop)
	defer hub.Close()

	mgr := engine.NewManager(store, cfg.EngineConfig(), engine.Deps{
		Publish: hub.Publish,
		Auth:    registry,
		Archive: archiver,
		Metrics: pm,
		Logger:  logger,
	})
	defer mgr.Close()
	if err := mgr.Boot(ctx); err != nil {
		return fmt.Errorf("engine boot: %w", err)
	}

	ledger := governance.NewLedger(store, mgr, cfg.GovernanceConfig(), governance.Deps{
		Publish: hub.Publish,
		Logger:  logger,
	})
	if err := ledger.Boot(ctx); err != nil {
		return fmt.Errorf("ledger boot: %w", err)
	}

	usdt, bet := cfg.SignupGrant()
	srv := api.NewServer(api.Config{
		JWTSecret:      cfg.Auth.JWTSecret,
		TokenTTL:       cfg.Auth.TokenTTL.Duration,
		IdempotencyTTL: cfg.Server.IdempotencyTTL.Duration,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		CORSOrigins:    cfg.Server.CORSOrigins,
		SignupUSDT:     usdt,
		SignupBET:      bet,
		IsAdmin:        cfg.IsAdminEmail,
	}, api.Deps{
		Store:   store,
		Manager: mgr,
		Ledger:  ledger,
		Hub:     hub,
		Metrics: pm,
		Idem:    idem,
		Logger:  logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		logger.Info("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sweep(ctx, ledger, pm, cfg.Server.SweepInterval.Duration, logger)
	})

	return g.Wait()
}

func openStore(cfg *config.Config, logger *slog.Logger) (backend, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database dsn configured, running on the in-memory store")
		return memdb.New(), func() {}, nil
	}
	store, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	logger.Info("connected to database")
	if cfg.Database.RunMigrations {
		if err := store.Migrate(); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return store, func() { store.Close() }, nil
}

// sweep finalizes proposals whose voting period has ended.
func sweep(ctx context.Context, ledger *governance.Ledger, pm *metrics.PoolMetrics, every time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := ledger.FinalizeExpired(ctx)
			if n > 0 {
				pm.RecordFinalized("ok", n)
				logger.Info("finalized expired proposals", slog.Int("count", n))
			}
			if err != nil && ctx.Err() == nil {
				pm.RecordFinalized("error", 1)
				logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
