// Package control wires the orchestrator together: storage, claims,
// credentials, telemetry, the execution engine, its reconciler, and the
// HTTP API.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/pressly/goose/v3"

	"github.com/drwave/drwave/internal/api"
	"github.com/drwave/drwave/internal/capacity"
	"github.com/drwave/drwave/internal/conflict"
	"github.com/drwave/drwave/internal/core/config"
	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/engine"
	"github.com/drwave/drwave/internal/infra/account"
	"github.com/drwave/drwave/internal/infra/claims"
	"github.com/drwave/drwave/internal/infra/drs"
	"github.com/drwave/drwave/internal/infra/storage"
	"github.com/drwave/drwave/internal/infra/storage/memory"
	"github.com/drwave/drwave/internal/infra/storage/postgres"
	"github.com/drwave/drwave/internal/notify"
	"github.com/drwave/drwave/internal/ratelimit"
	"github.com/drwave/drwave/internal/retry"
	"github.com/drwave/drwave/internal/telemetry"
)

// Orchestrator is the main application struct managing component
// lifecycle.
type Orchestrator struct {
	cfg *config.AppConfig

	engine     *engine.Engine
	reconciler *engine.Reconciler
	apiServer  *api.Server
	telemetry  *telemetry.Queue

	db          *postgres.DB
	redisClaims *claims.Redis

	log *slog.Logger

	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator with all dependencies
// initialized.
func NewOrchestrator(ctx context.Context, cfg *config.AppConfig) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, log: slog.Default()}

	// 1. Storage
	var (
		groupRepo storage.GroupRepository
		planRepo  storage.PlanRepository
		execRepo  storage.ExecutionRepository
	)
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		o.db = db

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		groupRepo = postgres.NewGroupRepo(db)
		planRepo = postgres.NewPlanRepo(db)
		execRepo = postgres.NewExecutionRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewStore()
		groupRepo = memory.NewGroupRepo(store)
		planRepo = memory.NewPlanRepo(store)
		execRepo = memory.NewExecutionRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Server claims
	var registry claims.Registry
	if cfg.Redis.URL != "" {
		redisClaims, err := claims.NewRedis(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis claims: %w", err)
		}
		o.redisClaims = redisClaims
		registry = redisClaims
		slog.Info("Using Redis server claims")
	} else {
		registry = claims.NewMemory()
		slog.Info("Using Memory server claims")
	}

	// 3. AWS credentials and the recovery API factory
	baseCfg, err := account.LoadBaseConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, err
	}
	resolver := account.NewResolver(baseCfg, cfg.AWS.SessionName)
	factory := drs.Factory(func(ctx context.Context, acct domain.AccountContext) (drs.API, error) {
		awsCfg, err := resolver.Config(ctx, acct)
		if err != nil {
			return nil, err
		}
		return drs.NewClient(awsCfg), nil
	})

	// 4. Telemetry and escalation
	var emitter telemetry.Emitter = telemetry.Nop{}
	if cfg.Telemetry.Enabled {
		publisher := telemetry.NewCloudWatchPublisher(
			cloudwatch.NewFromConfig(baseCfg), cfg.Telemetry.Namespace)
		o.telemetry = telemetry.NewQueue(cfg.Telemetry.Queue, publisher)
		emitter = o.telemetry
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.SNS.TopicARN != "" {
		notifier = notify.NewSNS(sns.NewFromConfig(baseCfg), cfg.SNS.TopicARN)
	}

	// 5. Shared backpressure components
	limiter := ratelimit.NewRegistry(cfg.RateLimit.BurstCapacity, cfg.RateLimit.RefillRate)
	retrier := retry.NewExecutor(emitter)
	detector := conflict.New()

	// 6. Engine and reconciler
	o.engine = engine.New(cfg.Engine, engine.Deps{
		Groups:     groupRepo,
		Plans:      planRepo,
		Executions: execRepo,
		Claims:     registry,
		Detector:   detector,
		Limiter:    limiter,
		Retrier:    retrier,
		Jobs:       factory,
		Notifier:   notifier,
		Telemetry:  emitter,
	})
	o.reconciler = engine.NewReconciler(o.engine, cfg.Engine.PollInterval)

	// 7. Capacity aggregation and the HTTP API
	aggregator := capacity.New(cfg.Capacity, factory, limiter, retrier, cfg.Engine.Retry)

	accounts := make([]domain.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, a.Account())
	}

	health := func(ctx context.Context) error {
		if o.db != nil {
			return o.db.Health(ctx)
		}
		return nil
	}
	o.apiServer = api.NewServer(api.Deps{
		Engine:     o.engine,
		Groups:     groupRepo,
		Plans:      planRepo,
		Executions: execRepo,
		Aggregator: aggregator,
		Accounts:   accounts,
		Resolver:   resolver,
		Health:     health,
	}, cfg.Server.Port)

	return o, nil
}

// Engine exposes the execution engine, mainly for the CLI.
func (o *Orchestrator) Engine() *engine.Engine { return o.engine }

// Start starts the orchestrator and all its components.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	go func() {
		if err := o.apiServer.Start(); err != nil {
			o.log.Error("API server failed", "error", err)
		}
	}()

	if o.telemetry != nil {
		o.telemetry.Start(ctx)
	}
	if o.db != nil {
		o.db.StartMetricsCollector(ctx)
	}

	o.engine.Start(ctx)
	if err := o.engine.ResumeActive(ctx); err != nil {
		o.log.Warn("Failed to resume active executions", "error", err)
	}

	go o.reconciler.Run(ctx)

	return nil
}

// Stop stops the orchestrator.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.log.Info("Stopping orchestrator...")

	if o.cancel != nil {
		o.cancel()
	}
	o.engine.Stop()

	if o.telemetry != nil {
		o.telemetry.Close()
	}
	if o.redisClaims != nil {
		if err := o.redisClaims.Close(); err != nil {
			o.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if o.db != nil {
		o.db.Close()
	}

	return o.apiServer.Stop(ctx)
}
