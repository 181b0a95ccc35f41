// Package main is the entry point for the authflow attempt engine server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veltis/authflow/internal/attempt"
	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/internal/directory"
	"github.com/veltis/authflow/internal/notify"
	"github.com/veltis/authflow/internal/observability"
	"github.com/veltis/authflow/internal/session"
	"github.com/veltis/authflow/internal/transport"
	"github.com/veltis/authflow/internal/verify"
	"github.com/veltis/authflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// stores bundles everything persistence-backed so wiring and readiness
// checks come from one place.
type stores struct {
	attempts   attempt.Store
	sessions   session.Store
	challenges verify.ChallengeStore
	users      interface {
		attempt.IdentityResolver
		verify.CredentialSource
		observability.Pinger
	}
	close func()
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "authflowd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Deployment auth settings drive plan resolution for every attempt.
	settings := catalog.NewRegistry()
	if err := settings.LoadFile(cfg.Deployments.SettingsFile); err != nil {
		logger.Error("deployment settings load failed", zap.Error(err))
		return 1
	}
	cat := catalog.New(settings, cfg.Flows)

	st, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	validators := verify.NewDefaultRegistry(st.challenges, st.users, cfg.Challenges)

	policy := model.SessionPolicy(cfg.Sessions.Policy)
	binder := session.NewBinder(st.sessions, policy, logger)

	webhook := notify.NewWebhookDispatcher(cfg.Notifier, logger)
	dispatcher := notify.NewInstrumentedDispatcher(webhook, metrics)

	engine := attempt.NewEngine(cat, st.attempts, validators, binder, dispatcher, st.users, metrics, logger)
	engine.SetRetryBudget(cfg.Flows.SubmitRetryBudget)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		SettingsLoaded: func() bool { return settings.Len() > 0 },
		AttemptStore:   st.attempts,
		SessionStore:   st.sessions,
		ChallengeStore: st.challenges,
		Notifier: observability.PingFunc(func(context.Context) error {
			if webhook.BreakerState() == notify.BreakerOpen {
				return fmt.Errorf("notifier circuit breaker is open")
			}
			return nil
		}),
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Binder:       binder,
		Metrics:      metrics,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Sweep.Enabled {
		go runSweeper(bgCtx, engine, cfg.Sweep.Interval, logger)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("deployments", settings.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the attempt, session, challenge, and directory stores
// from configuration.
func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	st := &stores{close: func() {}}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := connectPostgres(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		st.attempts = attempt.NewPgStore(pool)
		st.sessions = session.NewPgStore(pool)
		st.users = directory.NewPgDirectory(pool)
		st.close = pool.Close
	case "memory", "":
		logger.Info("using in-memory attempt and session stores")
		st.attempts = attempt.NewMemoryStore()
		st.sessions = session.NewMemoryStore()
		dir := directory.NewMemoryDirectory()
		if cfg.Deployments.UsersFile != "" {
			if err := dir.LoadFile(cfg.Deployments.UsersFile); err != nil {
				return nil, err
			}
		}
		st.users = dir
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}

	switch cfg.Challenges.Driver {
	case "redis":
		addr := os.Getenv(cfg.Challenges.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("challenge store: %s environment variable not set", cfg.Challenges.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Challenges.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("challenge store: ping: %w", err)
		}
		st.challenges = verify.NewRedisChallengeStore(client)
	case "memory", "":
		logger.Info("using in-memory challenge store")
		st.challenges = verify.NewMemoryChallengeStore()
	default:
		return nil, fmt.Errorf("unsupported challenge store driver: %q", cfg.Challenges.Driver)
	}

	return st, nil
}

// connectPostgres builds a pgx pool from the configured DSN environment
// variable and verifies connectivity.
func connectPostgres(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// runSweeper periodically marks expired pending attempts. Reads project
// expiry lazily, so the sweep only bounds storage growth and releases
// identifier uniqueness.
func runSweeper(ctx context.Context, engine *attempt.Engine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.SweepExpired(ctx); err != nil {
				logger.Error("attempt sweep failed", zap.Error(err))
			}
		}
	}
}
