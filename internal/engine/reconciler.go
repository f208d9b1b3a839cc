package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/drs"
	"github.com/drwave/drwave/internal/metrics"
	"github.com/drwave/drwave/internal/retry"
)

// Reconciler periodically folds external job status into stored
// executions. Workers observe the updates through the store; the
// reconciler never touches wave sequencing itself.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
}

// NewReconciler creates a reconciler ticking at the given interval.
func NewReconciler(engine *Engine, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = engine.cfg.PollInterval
	}
	return &Reconciler{engine: engine, interval: interval}
}

// Run polls every active execution until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := r.engine.deps.Executions.ListActive(ctx)
		if err != nil {
			r.engine.log.Error("Failed to list active executions", "error", err)
			continue
		}
		for _, e := range active {
			if err := r.engine.ReconcileExecution(ctx, e.ID); err != nil {
				r.engine.log.Warn("Reconcile failed", "execution", e.ID, "error", err)
			}
		}
	}
}

// ReconcileExecution refreshes the in-flight wave of one execution from
// the external job API. Updates apply under optimistic concurrency; a
// terminal launch status never regresses.
func (en *Engine) ReconcileExecution(ctx context.Context, id string) error {
	e, err := en.deps.Executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.State.Terminal() {
		return nil
	}

	wave := activeWave(e)
	if wave == nil || wave.JobID == "" {
		return nil
	}

	timer := prometheus.NewTimer(metrics.ReconcileLatency.WithLabelValues(wave.Region))
	defer timer.ObserveDuration()

	// Polls share the region budget with submissions. A missed token just
	// delays this cycle, never the wave itself.
	if !en.deps.Limiter.Acquire(ctx, wave.Region, 10*time.Second) {
		metrics.RateLimiterTimeouts.WithLabelValues(wave.Region).Inc()
		return nil
	}

	api, err := en.deps.Jobs(ctx, e.Account)
	if err != nil {
		return err
	}

	var job *drs.Job
	err = en.deps.Retrier.Do(ctx, "DescribeJobs", wave.Region, en.cfg.Retry, retry.ClassifyAWS,
		func(ctx context.Context) error {
			var err error
			job, err = api.DescribeJob(ctx, wave.JobID)
			return err
		})
	if err != nil {
		return err
	}

	var instances []drs.RecoveryInstance
	if job.EndedAt != nil {
		if launched := launchedServers(job); len(launched) > 0 {
			instances, err = api.DescribeRecoveryInstances(ctx, launched)
			if err != nil {
				en.log.Warn("Failed to describe recovery instances", "execution", id, "error", err)
			}
		}
	}

	_, err = en.mutate(ctx, id, func(e *domain.Execution) error {
		applyJob(e.Wave(wave.Number), job, instances)
		return nil
	})
	return err
}

// activeWave returns the wave currently tracking an external job.
func activeWave(e *domain.Execution) *domain.WaveExecution {
	for _, w := range e.Waves {
		if w.Status == domain.WaveStarted || w.Status == domain.WavePolling {
			return w
		}
	}
	return nil
}

func launchedServers(job *drs.Job) []string {
	var out []string
	for _, s := range job.Servers {
		if s.LaunchStatus == domain.LaunchLaunched {
			out = append(out, s.SourceServerID)
		}
	}
	return out
}

// applyJob folds one job snapshot into the wave. The job's JOB_END event
// is the authoritative wave completion signal; per-server statuses alone
// never complete a wave.
func applyJob(wave *domain.WaveExecution, job *drs.Job, instances []drs.RecoveryInstance) {
	if wave == nil || wave.Status.Terminal() {
		return
	}
	if wave.Status == domain.WaveStarted {
		wave.Status = domain.WavePolling
	}

	now := time.Now().UTC()
	for _, ps := range job.Servers {
		s := wave.Server(ps.SourceServerID)
		if s == nil {
			continue
		}
		if s.LaunchStatus.Terminal() {
			continue
		}
		if ps.LaunchStatus != "" {
			s.LaunchStatus = ps.LaunchStatus
		}
		if ps.RecoveryInstanceID != "" {
			s.RecoveredInstanceID = ps.RecoveryInstanceID
		}
		if s.LaunchStatus == domain.LaunchLaunched && s.LaunchTime == nil {
			s.LaunchTime = &now
		}
	}

	for _, inst := range instances {
		s := wave.Server(inst.SourceServerID)
		if s == nil {
			continue
		}
		if inst.EC2InstanceID != "" {
			s.RecoveredInstanceID = inst.EC2InstanceID
		}
		if inst.InstanceType != "" {
			s.InstanceType = inst.InstanceType
		}
		if inst.PrivateIP != "" {
			s.PrivateIP = inst.PrivateIP
		}
	}

	if job.EndedAt != nil {
		end := job.EndedAt.UTC()
		wave.EndTime = &end
		// The job ended; anything still not terminal did not launch.
		for _, s := range wave.Servers {
			if !s.LaunchStatus.Terminal() {
				s.LaunchStatus = domain.LaunchFailed
			}
		}
		if len(wave.FailedServers()) == 0 {
			wave.Status = domain.WaveCompleted
		} else {
			wave.Status = domain.WaveFailed
		}
	}
}
