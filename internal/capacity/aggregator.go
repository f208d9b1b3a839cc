// Package capacity queries replication capacity across accounts and
// regions concurrently and classifies utilisation against the per-region
// replicating-server limit.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/drs"
	"github.com/drwave/drwave/internal/metrics"
	"github.com/drwave/drwave/internal/ratelimit"
	"github.com/drwave/drwave/internal/retry"
)

// Config controls aggregation behaviour.
type Config struct {
	// ReplicatingServerLimit is the per-region replicating-server limit
	// utilisation is measured against.
	ReplicatingServerLimit int `yaml:"replicating_server_limit"`
	// WorkerPoolSize bounds concurrent (account, region) queries.
	WorkerPoolSize int `yaml:"worker_pool_size"`
	// QueryTimeout bounds one region query.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultConfig matches the service's published replication limit.
func DefaultConfig() Config {
	return Config{
		ReplicatingServerLimit: 300,
		WorkerPoolSize:         8,
		QueryTimeout:           30 * time.Second,
	}
}

// Aggregator fans out one query per (account, region) pair through the
// shared rate limiter and retry executor.
type Aggregator struct {
	cfg      Config
	factory  drs.Factory
	limiter  *ratelimit.Registry
	retrier  *retry.Executor
	retryCfg retry.Config
	log      *slog.Logger
}

// New creates an aggregator sharing the engine's limiter and retrier.
func New(
	cfg Config,
	factory drs.Factory,
	limiter *ratelimit.Registry,
	retrier *retry.Executor,
	retryCfg retry.Config,
) *Aggregator {
	if cfg.ReplicatingServerLimit <= 0 {
		cfg.ReplicatingServerLimit = DefaultConfig().ReplicatingServerLimit
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &Aggregator{
		cfg:      cfg,
		factory:  factory,
		limiter:  limiter,
		retrier:  retrier,
		retryCfg: retryCfg,
		log:      slog.Default(),
	}
}

// Aggregate queries every (account, region) pair concurrently and returns
// one snapshot per account. A failed pair contributes zero to aggregates
// and is flagged on its region entry; aggregation itself never retries
// beyond the per-call retry policy.
func (a *Aggregator) Aggregate(ctx context.Context, accounts []domain.Account) ([]domain.AccountCapacitySnapshot, error) {
	if len(accounts) == 0 {
		return nil, nil
	}

	type key struct{ account, region string }
	results := make(map[key]domain.RegionCapacity)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.WorkerPoolSize)

	for _, acct := range accounts {
		for _, region := range acct.Regions {
			acct, region := acct, region
			g.Go(func() error {
				rc := a.queryRegion(gctx, acct, region)
				mu.Lock()
				results[key{acct.ID, region}] = rc
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshots := make([]domain.AccountCapacitySnapshot, 0, len(accounts))
	for _, acct := range accounts {
		snap := domain.AccountCapacitySnapshot{
			AccountID:   acct.ID,
			AccountType: acct.Type,
			TakenAt:     time.Now().UTC(),
			Status:      domain.CapacityOK,
		}
		totalReplicating := 0
		regionsCounted := 0
		for _, region := range acct.Regions {
			rc := results[key{acct.ID, region}]
			snap.Regions = append(snap.Regions, rc)
			if rc.QueryFailed {
				snap.Warnings = append(snap.Warnings,
					fmt.Sprintf("capacity query failed for %s/%s: %s", acct.ID, region, rc.Error))
				continue
			}
			totalReplicating += rc.ActiveReplicatingServers
			regionsCounted++
			if severity(rc.Status) > severity(snap.Status) {
				snap.Status = rc.Status
			}
			if rc.Status != domain.CapacityOK {
				snap.Warnings = append(snap.Warnings,
					fmt.Sprintf("%s/%s at %.1f%% of replication limit", acct.ID, region, rc.PercentUsed))
			}
		}
		if regionsCounted > 0 {
			snap.PercentUsed = percentUsed(totalReplicating, regionsCounted*a.cfg.ReplicatingServerLimit)
		}
		sort.Slice(snap.Regions, func(i, j int) bool { return snap.Regions[i].Region < snap.Regions[j].Region })
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (a *Aggregator) queryRegion(ctx context.Context, acct domain.Account, region string) domain.RegionCapacity {
	rc := domain.RegionCapacity{Region: region, Status: domain.CapacityOK}

	queryCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	if !a.limiter.Acquire(queryCtx, region, a.cfg.QueryTimeout) {
		metrics.CapacityQueryFailures.WithLabelValues(acct.ID, region).Inc()
		rc.QueryFailed = true
		rc.Error = "rate limiter timeout"
		return rc
	}

	api, err := a.factory(queryCtx, acct.Context(region))
	if err != nil {
		metrics.CapacityQueryFailures.WithLabelValues(acct.ID, region).Inc()
		rc.QueryFailed = true
		rc.Error = err.Error()
		return rc
	}

	var servers []drs.SourceServer
	err = a.retrier.Do(queryCtx, "DescribeSourceServers", region, a.retryCfg, retry.ClassifyAWS,
		func(ctx context.Context) error {
			var err error
			servers, err = api.ListSourceServers(ctx)
			return err
		})
	if err != nil {
		a.log.Warn("Capacity query failed", "account", acct.ID, "region", region, "error", err)
		metrics.CapacityQueryFailures.WithLabelValues(acct.ID, region).Inc()
		rc.QueryFailed = true
		rc.Error = err.Error()
		return rc
	}

	rc.TotalServers = len(servers)
	for _, s := range servers {
		if s.Replicating {
			rc.ActiveReplicatingServers++
		}
	}
	rc.PercentUsed = percentUsed(rc.ActiveReplicatingServers, a.cfg.ReplicatingServerLimit)
	rc.Status = StatusFor(rc.ActiveReplicatingServers, a.cfg.ReplicatingServerLimit)
	return rc
}

func percentUsed(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func severity(s domain.CapacityStatus) int {
	switch s {
	case domain.CapacityInfo:
		return 1
	case domain.CapacityWarning:
		return 2
	case domain.CapacityCritical:
		return 3
	case domain.CapacityHyperCritical:
		return 4
	}
	return 0
}
