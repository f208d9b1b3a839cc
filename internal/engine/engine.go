// Package engine drives recovery plan executions through their state
// machine: admission, wave sequencing, job submission under backpressure,
// and poll-based reconciliation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/drwave/drwave/internal/conflict"
	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/claims"
	"github.com/drwave/drwave/internal/infra/drs"
	"github.com/drwave/drwave/internal/infra/storage"
	"github.com/drwave/drwave/internal/metrics"
	"github.com/drwave/drwave/internal/notify"
	"github.com/drwave/drwave/internal/ratelimit"
	"github.com/drwave/drwave/internal/retry"
	"github.com/drwave/drwave/internal/telemetry"
	"github.com/drwave/drwave/internal/throttle"
)

// Config controls engine behaviour.
type Config struct {
	// ContinueOnPartialFailure lets the run advance past a failed wave,
	// ending PARTIAL instead of aborting.
	ContinueOnPartialFailure bool `yaml:"continue_on_partial_failure"`
	// RateLimiterTimeout bounds waiting for a region token before a wave.
	RateLimiterTimeout time.Duration `yaml:"rate_limiter_timeout"`
	// PollInterval is how often workers re-read execution state while a
	// wave is in flight.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ClaimTTL bounds how long a crashed instance can hold server claims.
	ClaimTTL time.Duration `yaml:"claim_ttl"`

	Retry    retry.Config    `yaml:"retry"`
	Throttle throttle.Config `yaml:"throttle"`

	// DefaultAccount is used when a submission names no account context.
	DefaultAccount domain.AccountContext `yaml:"default_account"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		ContinueOnPartialFailure: true,
		RateLimiterTimeout:       2 * time.Minute,
		PollInterval:             15 * time.Second,
		ClaimTTL:                 12 * time.Hour,
		Retry:                    retry.DefaultConfig(),
		Throttle:                 throttle.DefaultConfig(),
	}
}

// Deps are the engine's collaborators, owned by the composition root.
type Deps struct {
	Groups     storage.GroupRepository
	Plans      storage.PlanRepository
	Executions storage.ExecutionRepository
	Claims     claims.Registry
	Detector   *conflict.Detector
	Limiter    *ratelimit.Registry
	Retrier    *retry.Executor
	Jobs       drs.Factory
	Notifier   notify.Notifier
	Telemetry  telemetry.Emitter
}

// control carries the cooperative pause/cancel state for one running
// worker. Flags are checked before each wave; stop is closed on cancel so
// the limiter, throttler, and retry waits of a wave being started abort
// instead of running out their backoff budget.
type control struct {
	cancelled atomic.Bool
	paused    atomic.Bool
	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

func newControl() *control {
	return &control{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

func (c *control) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *control) cancel() {
	c.cancelled.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })
	c.signal()
}

// Engine owns execution workers and their lifecycle.
type Engine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	controls map[string]*control
	wg       sync.WaitGroup

	// Background context for workers, detached from request contexts.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates an engine. Call Start before submitting.
func New(cfg Config, deps Deps) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.RateLimiterTimeout <= 0 {
		cfg.RateLimiterTimeout = DefaultConfig().RateLimiterTimeout
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultConfig().ClaimTTL
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		log:      slog.Default(),
		controls: make(map[string]*control),
		// Workers spawned before Start run on the background context.
		runCtx: context.Background(),
	}
}

// Start binds workers to ctx. Cancelling ctx stops all workers.
func (en *Engine) Start(ctx context.Context) {
	en.runCtx, en.runCancel = context.WithCancel(ctx)
}

// Stop cancels all workers and waits for them to exit.
func (en *Engine) Stop() {
	if en.runCancel != nil {
		en.runCancel()
	}
	en.wg.Wait()
}

// SubmitRequest describes one execution submission.
type SubmitRequest struct {
	PlanID  string                 `json:"plan_id"`
	Type    domain.ExecutionType   `json:"type"`
	DryRun  bool                   `json:"dry_run"`
	Account *domain.AccountContext `json:"account,omitempty"`
}

// Submit validates and admits an execution of a plan. Admission runs the
// full conflict check and claims every member server; any failure is
// returned before state is created. With DryRun set the validated
// execution is returned without being persisted or started.
func (en *Engine) Submit(ctx context.Context, req SubmitRequest) (*domain.Execution, error) {
	if req.Type != domain.ExecutionTypeDrill && req.Type != domain.ExecutionTypeRecovery {
		return nil, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown execution type %q", req.Type)}
	}

	plan, err := en.deps.Plans.Get(ctx, req.PlanID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &domain.ValidationError{Field: "plan_id", Reason: fmt.Sprintf("plan %s not found", req.PlanID)}
	}
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	acct := en.cfg.DefaultAccount
	if req.Account != nil {
		acct = *req.Account
	}

	groups := make(map[string]*domain.ProtectionGroup, len(plan.Waves))
	for _, w := range plan.Waves {
		g, err := en.deps.Groups.Get(ctx, w.ProtectionGroupID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &domain.ValidationError{
				Field:  "waves",
				Reason: fmt.Sprintf("protection group %s not found", w.ProtectionGroupID),
			}
		}
		if err != nil {
			return nil, err
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		groups[g.ID] = g
	}

	inventory, err := en.loadInventory(ctx, acct, groups)
	if err != nil {
		return nil, err
	}

	if err := en.checkConflicts(ctx, plan, groups, inventory); err != nil {
		return nil, err
	}

	e := en.buildExecution(plan, groups, inventory, req, acct)

	if req.DryRun {
		return e, nil
	}

	claimed, err := en.claimServers(ctx, e)
	if err != nil {
		en.releaseServers(ctx, claimed, e.ID)
		return nil, err
	}

	if err := en.deps.Executions.Create(ctx, e); err != nil {
		en.releaseServers(ctx, e.ServerIDs(), e.ID)
		return nil, err
	}

	en.startWorker(e.ID)
	en.log.Info("Execution admitted", "execution", e.ID, "plan", plan.ID, "type", req.Type, "waves", len(e.Waves))
	return e, nil
}

// loadInventory fetches the live server inventory when any group resolves
// membership by tags.
func (en *Engine) loadInventory(
	ctx context.Context,
	acct domain.AccountContext,
	groups map[string]*domain.ProtectionGroup,
) ([]conflict.InventoryServer, error) {
	needed := false
	for _, g := range groups {
		if g.UsesTagSelection() {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	api, err := en.deps.Jobs(ctx, acct)
	if err != nil {
		return nil, err
	}
	var servers []drs.SourceServer
	err = en.deps.Retrier.Do(ctx, "DescribeSourceServers", acct.Region, en.cfg.Retry, retry.ClassifyAWS,
		func(ctx context.Context) error {
			var err error
			servers, err = api.ListSourceServers(ctx)
			return err
		})
	if err != nil {
		return nil, err
	}

	out := make([]conflict.InventoryServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, conflict.InventoryServer{ID: s.ID, Tags: s.Tags})
	}
	return out, nil
}

// checkConflicts fails admission on server overlap between the plan's
// groups and any other persisted group, and on reference-graph cycles.
func (en *Engine) checkConflicts(
	ctx context.Context,
	plan *domain.RecoveryPlan,
	groups map[string]*domain.ProtectionGroup,
	inventory []conflict.InventoryServer,
) error {
	all, err := en.deps.Groups.List(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if result := en.deps.Detector.CheckServerConflicts(g, all, inventory); !result.OK() {
			return result.Err()
		}
	}

	plans, err := en.deps.Plans.List(ctx)
	if err != nil {
		return err
	}
	if en.deps.Detector.HasCircularDependencies(plans) {
		return &domain.ConflictError{Reason: fmt.Sprintf("plan %s participates in a dependency cycle", plan.ID)}
	}
	return nil
}

func (en *Engine) buildExecution(
	plan *domain.RecoveryPlan,
	groups map[string]*domain.ProtectionGroup,
	inventory []conflict.InventoryServer,
	req SubmitRequest,
	acct domain.AccountContext,
) *domain.Execution {
	e := &domain.Execution{
		ID:      uuid.New().String(),
		PlanID:  plan.ID,
		Type:    req.Type,
		State:   domain.ExecutionPending,
		Account: acct,
	}
	for _, w := range plan.Waves {
		g := groups[w.ProtectionGroupID]
		we := &domain.WaveExecution{
			Number:            w.Number,
			ProtectionGroupID: g.ID,
			Region:            g.Region,
			Status:            domain.WavePending,
		}
		for _, id := range en.deps.Detector.ResolveMembers(g, inventory) {
			we.Servers = append(we.Servers, &domain.ServerExecution{
				ServerID:     id,
				LaunchStatus: domain.LaunchPending,
				Region:       g.Region,
			})
		}
		e.Waves = append(e.Waves, we)
	}
	return e
}

// claimServers claims every member server for this execution. Membership
// is immutable once resolved, so the claim set never changes mid-run.
func (en *Engine) claimServers(ctx context.Context, e *domain.Execution) ([]string, error) {
	var claimed []string
	for _, w := range e.Waves {
		for _, s := range w.Servers {
			ok, owner, err := en.deps.Claims.Claim(ctx, s.ServerID, e.ID, en.cfg.ClaimTTL)
			if err != nil {
				return claimed, err
			}
			if !ok {
				return claimed, &domain.ConflictError{
					Reason:    "server already claimed by an active execution",
					ServerIDs: []string{s.ServerID},
					GroupID:   w.ProtectionGroupID,
					OtherID:   owner,
				}
			}
			claimed = append(claimed, s.ServerID)
		}
	}
	return claimed, nil
}

func (en *Engine) releaseServers(ctx context.Context, serverIDs []string, ownerID string) {
	for _, id := range serverIDs {
		if err := en.deps.Claims.Release(ctx, id, ownerID); err != nil {
			en.log.Warn("Failed to release server claim", "server", id, "owner", ownerID, "error", err)
		}
	}
}

// GetStatus returns the execution, optionally reconciling against the
// external job first.
func (en *Engine) GetStatus(ctx context.Context, id string, realtime bool) (*domain.Execution, error) {
	if realtime {
		if err := en.ReconcileExecution(ctx, id); err != nil {
			en.log.Warn("Realtime reconcile failed", "execution", id, "error", err)
		}
	}
	return en.deps.Executions.Get(ctx, id)
}

// Cancel requests a cooperative cancellation. In-flight external calls
// finish; their logical continuation is suppressed and remaining waves
// are marked CANCELLED without starting.
func (en *Engine) Cancel(ctx context.Context, id string) error {
	e, err := en.deps.Executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.State.Terminal() {
		return &domain.ValidationError{Field: "state", Reason: fmt.Sprintf("execution %s is already %s", id, e.State)}
	}

	en.mu.Lock()
	ctl, running := en.controls[id]
	en.mu.Unlock()
	if running {
		ctl.cancel()
		return nil
	}

	// No worker (e.g. a PENDING execution after restart): finalize here.
	_, err = en.mutate(ctx, id, func(e *domain.Execution) error {
		for _, w := range e.Waves {
			if !w.Status.Terminal() {
				w.Status = domain.WaveCancelled
			}
		}
		now := time.Now().UTC()
		e.State = domain.ExecutionCancelled
		e.EndedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	en.releaseServers(ctx, e.ServerIDs(), id)
	return nil
}

// Pause takes effect before the next wave starts, never mid-wave.
func (en *Engine) Pause(ctx context.Context, id string) error {
	en.mu.Lock()
	ctl, running := en.controls[id]
	en.mu.Unlock()
	if !running {
		return &domain.ValidationError{Field: "state", Reason: fmt.Sprintf("execution %s is not running", id)}
	}
	ctl.paused.Store(true)
	return nil
}

// Resume clears a pause and wakes the worker.
func (en *Engine) Resume(ctx context.Context, id string) error {
	en.mu.Lock()
	ctl, running := en.controls[id]
	en.mu.Unlock()
	if !running {
		return &domain.ValidationError{Field: "state", Reason: fmt.Sprintf("execution %s is not running", id)}
	}
	ctl.paused.Store(false)
	ctl.signal()
	return nil
}

// ResumeActive restarts workers for executions left non-terminal by a
// previous process.
func (en *Engine) ResumeActive(ctx context.Context) error {
	active, err := en.deps.Executions.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, e := range active {
		en.log.Info("Resuming execution worker", "execution", e.ID, "state", e.State)
		en.startWorker(e.ID)
	}
	return nil
}

func (en *Engine) startWorker(id string) {
	ctl := newControl()
	en.mu.Lock()
	en.controls[id] = ctl
	en.mu.Unlock()

	metrics.ExecutionsActive.Inc()
	en.wg.Add(1)
	go func() {
		defer en.wg.Done()
		defer metrics.ExecutionsActive.Dec()
		defer func() {
			en.mu.Lock()
			delete(en.controls, id)
			en.mu.Unlock()
		}()
		en.runWorker(en.runCtx, id, ctl)
	}()
}

// mutate applies fn under optimistic concurrency, reloading and retrying
// on version conflicts.
func (en *Engine) mutate(ctx context.Context, id string, fn func(e *domain.Execution) error) (*domain.Execution, error) {
	for {
		e, err := en.deps.Executions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(e); err != nil {
			return nil, err
		}
		err = en.deps.Executions.Update(ctx, e)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}
