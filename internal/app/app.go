// Package app wires every collaborator into the three runtime modes
// ("api" serves the HTTP surface and runs the scheduler; "worker" runs only
// the scheduler; "migrate" applies migrations and exits), following the
// teacher's Run(ctx, cfg) entry point (internal/app/app.go).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awspricing "github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetswitch/internal/api"
	"github.com/wisbric/fleetswitch/internal/audit"
	"github.com/wisbric/fleetswitch/internal/authtenant"
	"github.com/wisbric/fleetswitch/internal/config"
	"github.com/wisbric/fleetswitch/internal/decision"
	"github.com/wisbric/fleetswitch/internal/dispatch"
	"github.com/wisbric/fleetswitch/internal/emergency"
	"github.com/wisbric/fleetswitch/internal/eventbus"
	"github.com/wisbric/fleetswitch/internal/httpserver"
	"github.com/wisbric/fleetswitch/internal/ingest"
	"github.com/wisbric/fleetswitch/internal/obs"
	"github.com/wisbric/fleetswitch/internal/platform"
	"github.com/wisbric/fleetswitch/internal/pricing"
	"github.com/wisbric/fleetswitch/internal/safety"
	"github.com/wisbric/fleetswitch/internal/scheduler"
	"github.com/wisbric/fleetswitch/internal/store"
)

const (
	tenantLimiterRPS   = 50
	tenantLimiterBurst = 100
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode named by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetswitch",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := obs.NewMetricsRegistry()

	st := store.New(db)

	// Pricing backfill provider. Disabled by default: the pipeline then
	// relies on agent-reported samples and gap interpolation alone.
	var priceHistory pricing.ProviderPriceHistory = pricing.NullProviderPriceHistory{}
	if cfg.AWSPricingEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSPricingRegion))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		priceHistory = pricing.NewAWSPricingProvider(awspricing.NewFromConfig(awsCfg))
		logger.Info("AWS pricing backfill enabled", "region", cfg.AWSPricingRegion)
	} else {
		logger.Info("AWS pricing backfill disabled (AWS_PRICING_ENABLED not set)")
	}

	events := eventbus.New(logger)
	auditWriter := audit.NewWriter(st, logger)
	auditWriter.Subscribe(events,
		"agent.offline",
		"emergency.rebalance.no_pool",
		"emergency.rebalance.replica_requested",
		"emergency.termination.promoted",
		"emergency.termination.fallback_pool",
		"emergency.termination.replica_requested",
	)
	auditWriter.Start(ctx)
	defer auditWriter.Close()
	registry := decision.NewRegistry()
	harness := decision.NewHarness(registry, st)
	enforcer := safety.NewEnforcer(st)
	dispatcher := dispatch.NewDispatcher(st, rdb, logger)
	orchestrator := emergency.NewOrchestrator(st, st, st, dispatcher, events, logger)
	pipeline := pricing.New(st, priceHistory, rdb, logger)
	priceBuffer := ingest.New(ctx, st, logger)

	sched, err := scheduler.New(cfg, st, st, st, pipeline, events, logger)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, st, dispatcher, orchestrator, harness, enforcer, priceBuffer, events, sched)
	case "worker":
		return runWorker(ctx, logger, sched)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	st *store.Store,
	dispatcher *dispatch.Dispatcher,
	orchestrator *emergency.Orchestrator,
	harness *decision.Harness,
	enforcer *safety.Enforcer,
	priceBuffer *ingest.Buffer,
	events *eventbus.Bus,
	sched *scheduler.Scheduler,
) error {
	tenantAuth := authtenant.NewAuthenticator(st)
	limiter := api.NewTenantLimiter(tenantLimiterRPS, tenantLimiterBurst)
	apiHandler := api.NewHandler(st, dispatcher, orchestrator, harness, enforcer, priceBuffer, events, limiter, logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, tenantAuth)
	srv.APIRouter.Mount("/", apiHandler.Routes())

	// Scheduler runs in the background alongside the HTTP server so a single
	// "api" mode deployment doesn't need a separate worker process.
	schedErrCh := make(chan error, 1)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			schedErrCh <- fmt.Errorf("scheduler: %w", err)
			return
		}
		schedErrCh <- nil
	}()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
			return
		}
		httpErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return <-schedErrCh
	case err := <-httpErrCh:
		return err
	case err := <-schedErrCh:
		return err
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, sched *scheduler.Scheduler) error {
	logger.Info("worker started")
	return sched.Run(ctx)
}
