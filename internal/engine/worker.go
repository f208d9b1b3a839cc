package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/drs"
	"github.com/drwave/drwave/internal/metrics"
	"github.com/drwave/drwave/internal/notify"
	"github.com/drwave/drwave/internal/retry"
	"github.com/drwave/drwave/internal/telemetry"
	"github.com/drwave/drwave/internal/throttle"
)

// runWorker drives one execution from PENDING to a terminal state. Waves
// run strictly in order: wave N+1 is not considered until wave N reports
// terminal, regardless of how long the external job takes.
func (en *Engine) runWorker(ctx context.Context, id string, ctl *control) {
	log := en.log.With("execution", id)

	e, err := en.mutate(ctx, id, func(e *domain.Execution) error {
		if e.State == domain.ExecutionPending {
			now := time.Now().UTC()
			e.State = domain.ExecutionInProgress
			e.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		log.Error("Failed to start execution", "error", err)
		return
	}

	// Plan-requested pauses fire once per wave, not again after resume.
	pausedBefore := make(map[int]bool)

	for {
		if ctx.Err() != nil {
			// Process shutdown. Leave state as-is; ResumeActive picks the
			// execution back up on the next start.
			return
		}

		e, err = en.deps.Executions.Get(ctx, id)
		if err != nil {
			log.Error("Failed to load execution", "error", err)
			return
		}

		if ctl.cancelled.Load() {
			en.finishCancelled(ctx, id, e, log)
			return
		}

		wave := e.NextPendingWave()
		if wave == nil {
			en.finish(ctx, id, "", log)
			return
		}

		if ctl.paused.Load() || (!pausedBefore[wave.Number] && en.pauseRequested(e, wave)) {
			pausedBefore[wave.Number] = true
			if !en.awaitResume(ctx, id, wave.Number, ctl, log) {
				if ctl.cancelled.Load() {
					continue
				}
				return
			}
			continue
		}

		failed, fatal := en.runWave(ctx, id, e, wave.Number, ctl, log)
		if fatal {
			return
		}
		if failed && !en.cfg.ContinueOnPartialFailure {
			if _, err := en.mutate(ctx, id, func(e *domain.Execution) error {
				for _, w := range e.Waves {
					if w.Status == domain.WavePending {
						w.Status = domain.WaveCancelled
					}
				}
				return nil
			}); err != nil {
				log.Error("Failed to cancel remaining waves", "error", err)
				return
			}
			en.finish(ctx, id, domain.ExecutionFailed, log)
			return
		}
	}
}

// pauseRequested reports whether the plan asks to pause before this wave.
func (en *Engine) pauseRequested(e *domain.Execution, wave *domain.WaveExecution) bool {
	plan, err := en.deps.Plans.Get(context.Background(), e.PlanID)
	if err != nil {
		return false
	}
	for _, w := range plan.Waves {
		if w.Number == wave.Number {
			return w.PauseBefore
		}
	}
	return false
}

// awaitResume parks the execution in PAUSED until resumed or cancelled.
// Returns true when the worker should re-evaluate the wave.
func (en *Engine) awaitResume(ctx context.Context, id string, waveNumber int, ctl *control, log *slog.Logger) bool {
	ctl.paused.Store(true)
	if _, err := en.mutate(ctx, id, func(e *domain.Execution) error {
		e.State = domain.ExecutionPaused
		return nil
	}); err != nil {
		log.Error("Failed to persist pause", "error", err)
		return false
	}
	log.Info("Execution paused", "before_wave", waveNumber)

	for ctl.paused.Load() && !ctl.cancelled.Load() {
		select {
		case <-ctx.Done():
			return false
		case <-ctl.wake:
		}
	}
	if ctl.cancelled.Load() {
		return false
	}

	if _, err := en.mutate(ctx, id, func(e *domain.Execution) error {
		e.State = domain.ExecutionInProgress
		return nil
	}); err != nil {
		log.Error("Failed to persist resume", "error", err)
		return false
	}
	log.Info("Execution resumed", "wave", waveNumber)
	return true
}

// runWave starts one wave and blocks until the reconciler marks it
// terminal. failed reports a FAILED wave outcome; fatal means the worker
// must exit without finalizing (shutdown or storage failure).
func (en *Engine) runWave(ctx context.Context, id string, e *domain.Execution, waveNumber int, ctl *control, log *slog.Logger) (failed, fatal bool) {
	wave := e.Wave(waveNumber)
	log = log.With("wave", waveNumber, "region", wave.Region)

	// Cancel must abort the limiter, throttler, and retry waits of the
	// start path, not wait for the backoff budget to run out.
	waveCtx, cancelWave := context.WithCancel(ctx)
	defer cancelWave()
	go func() {
		select {
		case <-ctl.stop:
			cancelWave()
		case <-waveCtx.Done():
		}
	}()

	job, startErr := en.startWave(waveCtx, e, wave)
	if startErr != nil {
		if ctl.cancelled.Load() {
			// The loop finalizes the cancellation; nothing was submitted.
			return false, false
		}
		log.Warn("Wave failed to start", "error", startErr)
		en.escalateWaveFailure(ctx, e, wave, startErr)
		if _, err := en.mutate(ctx, id, func(e *domain.Execution) error {
			w := e.Wave(waveNumber)
			now := time.Now().UTC()
			w.Status = domain.WaveFailed
			w.EndTime = &now
			for _, s := range w.Servers {
				if !s.LaunchStatus.Terminal() {
					s.LaunchStatus = domain.LaunchFailed
				}
			}
			e.Errors = append(e.Errors, waveError(wave, startErr))
			return nil
		}); err != nil {
			log.Error("Failed to record wave failure", "error", err)
			return true, true
		}
		return true, false
	}

	now := time.Now().UTC()
	if _, err := en.mutate(ctx, id, func(e *domain.Execution) error {
		w := e.Wave(waveNumber)
		w.Status = domain.WaveStarted
		w.JobID = job.ID
		w.StartTime = &now
		for _, s := range w.Servers {
			s.LaunchStatus = domain.LaunchLaunching
		}
		return nil
	}); err != nil {
		log.Error("Failed to record wave start", "error", err)
		return true, true
	}
	metrics.WavesStarted.WithLabelValues(wave.Region).Inc()
	log.Info("Wave started", "job", job.ID, "servers", len(wave.Servers))

	return en.awaitWave(ctx, id, waveNumber, ctl, log)
}

// startWave acquires a region token, waits for job capacity, then submits
// the job under the retry policy.
func (en *Engine) startWave(ctx context.Context, e *domain.Execution, wave *domain.WaveExecution) (*drs.Job, error) {
	if !en.deps.Limiter.Acquire(ctx, wave.Region, en.cfg.RateLimiterTimeout) {
		metrics.RateLimiterTimeouts.WithLabelValues(wave.Region).Inc()
		return nil, fmt.Errorf("rate limiter: no token for region %s within %s", wave.Region, en.cfg.RateLimiterTimeout)
	}

	api, err := en.deps.Jobs(ctx, e.Account)
	if err != nil {
		return nil, err
	}

	gate := throttle.New(api, wave.Region, en.cfg.Throttle)
	if _, err := gate.WaitForCapacity(ctx); err != nil {
		return nil, err
	}

	serverIDs := make([]string, 0, len(wave.Servers))
	for _, s := range wave.Servers {
		serverIDs = append(serverIDs, s.ServerID)
	}

	var job *drs.Job
	err = en.deps.Retrier.Do(ctx, "StartRecovery", wave.Region, en.cfg.Retry, retry.ClassifyAWS,
		func(ctx context.Context) error {
			var err error
			job, err = api.StartRecovery(ctx, serverIDs, e.Type == domain.ExecutionTypeDrill)
			return err
		})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// awaitWave waits for the reconciler to drive the wave terminal.
func (en *Engine) awaitWave(ctx context.Context, id string, waveNumber int, ctl *control, log *slog.Logger) (failed, fatal bool) {
	for {
		select {
		case <-ctx.Done():
			return false, true
		case <-ctl.wake:
		case <-time.After(en.cfg.PollInterval):
		}

		e, err := en.deps.Executions.Get(ctx, id)
		if err != nil {
			log.Error("Failed to load execution", "error", err)
			return false, true
		}
		wave := e.Wave(waveNumber)

		if ctl.cancelled.Load() {
			// The started job keeps running; we stop tracking it and mark
			// the wave cancelled so the run finalizes.
			return false, false
		}
		if wave.Status.Terminal() {
			if wave.Status == domain.WaveFailed {
				en.escalateWaveFailure(ctx, e, wave,
					fmt.Errorf("servers failed to launch: %v", wave.FailedServers()))
				return true, false
			}
			log.Info("Wave completed", "job", wave.JobID)
			return false, false
		}
	}
}

// finish seals the execution. With override empty the terminal state is
// derived from wave outcomes.
func (en *Engine) finish(ctx context.Context, id string, override domain.ExecutionState, log *slog.Logger) {
	e, err := en.mutate(ctx, id, func(e *domain.Execution) error {
		state := override
		if state == "" {
			state = e.FinalState()
		}
		now := time.Now().UTC()
		e.State = state
		e.EndedAt = &now
		return nil
	})
	if err != nil {
		log.Error("Failed to finalize execution", "error", err)
		return
	}
	en.releaseServers(ctx, e.ServerIDs(), id)
	metrics.ExecutionsTotal.WithLabelValues(string(e.State)).Inc()
	en.deps.Telemetry.Emit(telemetry.Event{
		Name:       "ExecutionFinished",
		Value:      1,
		Dimensions: map[string]string{"State": string(e.State), "Type": string(e.Type)},
	})
	log.Info("Execution finished", "state", e.State)
}

// finishCancelled marks every unfinished wave CANCELLED and, for drills,
// makes a best-effort attempt to tear down instances already launched.
func (en *Engine) finishCancelled(ctx context.Context, id string, e *domain.Execution, log *slog.Logger) {
	if e.Type == domain.ExecutionTypeDrill {
		if err := en.terminateDrillInstances(ctx, e); err != nil {
			log.Warn("Failed to terminate drill instances on cancel", "error", err)
		}
	}

	if _, err := en.mutate(ctx, id, func(e *domain.Execution) error {
		for _, w := range e.Waves {
			if !w.Status.Terminal() {
				w.Status = domain.WaveCancelled
				for _, s := range w.Servers {
					if !s.LaunchStatus.Terminal() {
						s.LaunchStatus = domain.LaunchTerminated
					}
				}
			}
		}
		return nil
	}); err != nil {
		log.Error("Failed to cancel waves", "error", err)
		return
	}
	en.finish(ctx, id, domain.ExecutionCancelled, log)
}

// terminateDrillInstances tears down recovery instances launched by this
// drill so a cancelled drill does not leak capacity.
func (en *Engine) terminateDrillInstances(ctx context.Context, e *domain.Execution) error {
	var launched []string
	for _, w := range e.Waves {
		for _, s := range w.Servers {
			if s.LaunchStatus == domain.LaunchLaunched {
				launched = append(launched, s.ServerID)
			}
		}
	}
	if len(launched) == 0 {
		return nil
	}

	api, err := en.deps.Jobs(ctx, e.Account)
	if err != nil {
		return err
	}
	instances, err := api.DescribeRecoveryInstances(ctx, launched)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	return api.TerminateRecoveryInstances(ctx, ids)
}

// TerminateDrill tears down a completed drill's recovery instances and
// marks the launched servers TERMINATED.
func (en *Engine) TerminateDrill(ctx context.Context, id string) error {
	e, err := en.deps.Executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Type != domain.ExecutionTypeDrill {
		return &domain.ValidationError{Field: "type", Reason: "only drill instances can be terminated"}
	}
	if !e.State.Terminal() {
		return &domain.ValidationError{Field: "state", Reason: "execution is still running"}
	}
	if err := en.terminateDrillInstances(ctx, e); err != nil {
		return err
	}
	_, err = en.mutate(ctx, id, func(e *domain.Execution) error {
		for _, w := range e.Waves {
			for _, s := range w.Servers {
				if s.LaunchStatus == domain.LaunchLaunched {
					s.LaunchStatus = domain.LaunchTerminated
				}
			}
		}
		return nil
	})
	return err
}

func (en *Engine) escalateWaveFailure(ctx context.Context, e *domain.Execution, wave *domain.WaveExecution, cause error) {
	esc := notify.Escalation{
		Reason:      "wave_failed",
		Operation:   "StartRecovery",
		ExecutionID: e.ID,
		Region:      wave.Region,
		AccountID:   e.Account.AccountID,
		Detail:      cause.Error(),
	}
	var exhausted *domain.RetryExhaustedError
	if errors.As(cause, &exhausted) {
		esc.Operation = exhausted.Operation
		esc.Attempts = exhausted.Attempts
	}
	en.deps.Notifier.Escalate(ctx, esc)
}

func waveError(wave *domain.WaveExecution, err error) domain.ExecutionError {
	e := domain.ExecutionError{
		WaveNumber: wave.Number,
		Operation:  "StartRecovery",
		Region:     wave.Region,
		Message:    err.Error(),
	}
	var exhausted *domain.RetryExhaustedError
	if errors.As(err, &exhausted) {
		e.Operation = exhausted.Operation
		e.Attempts = exhausted.Attempts
	}
	return e
}
