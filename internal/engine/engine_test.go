package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/drwave/drwave/internal/conflict"
	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/claims"
	"github.com/drwave/drwave/internal/infra/drs"
	"github.com/drwave/drwave/internal/infra/storage"
	"github.com/drwave/drwave/internal/infra/storage/memory"
	"github.com/drwave/drwave/internal/notify"
	"github.com/drwave/drwave/internal/ratelimit"
	"github.com/drwave/drwave/internal/retry"
	"github.com/drwave/drwave/internal/telemetry"
	"github.com/drwave/drwave/internal/throttle"
)

// fakeJobAPI is a scriptable recovery-job backend. Jobs complete after
// pollsUntilDone DescribeJob calls; servers listed in failServers come
// back FAILED, everything else LAUNCHED.
type fakeJobAPI struct {
	mu sync.Mutex

	inventory      []drs.SourceServer
	startErr       error
	pollsUntilDone int
	failServers    map[string]bool
	activeJobs     int

	startOrder       []startCall
	startAttempts    int
	jobs             map[string]*fakeJob
	describeJobCalls int
	terminated       []string
	nextJobID        int
}

type startCall struct {
	ServerIDs []string
	Drill     bool
	At        time.Time
}

type fakeJob struct {
	serverIDs []string
	drill     bool
	polls     int
}

func newFakeJobAPI() *fakeJobAPI {
	return &fakeJobAPI{
		pollsUntilDone: 2,
		failServers:    map[string]bool{},
		jobs:           map[string]*fakeJob{},
	}
}

func (f *fakeJobAPI) ListSourceServers(ctx context.Context) ([]drs.SourceServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inventory, nil
}

func (f *fakeJobAPI) StartRecovery(ctx context.Context, serverIDs []string, drill bool) (*drs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startAttempts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextJobID++
	id := fmt.Sprintf("job-%d", f.nextJobID)
	ids := make([]string, len(serverIDs))
	copy(ids, serverIDs)
	f.jobs[id] = &fakeJob{serverIDs: ids, drill: drill}
	f.startOrder = append(f.startOrder, startCall{ServerIDs: ids, Drill: drill, At: time.Now()})
	return &drs.Job{ID: id, Status: drs.JobPending, IsDrill: drill}, nil
}

func (f *fakeJobAPI) DescribeJob(ctx context.Context, jobID string) (*drs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeJobCalls++
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.New("job not found")
	}
	job.polls++

	out := &drs.Job{ID: jobID, Status: drs.JobStarted, IsDrill: job.drill}
	done := job.polls >= f.pollsUntilDone
	for _, id := range job.serverIDs {
		status := domain.LaunchLaunching
		instanceID := ""
		if done {
			if f.failServers[id] {
				status = domain.LaunchFailed
			} else {
				status = domain.LaunchLaunched
				instanceID = "ri-" + id
			}
		}
		out.Servers = append(out.Servers, drs.ParticipatingServer{
			SourceServerID:     id,
			LaunchStatus:       status,
			RecoveryInstanceID: instanceID,
		})
	}
	if done {
		now := time.Now().UTC()
		out.Status = drs.JobCompleted
		out.EndedAt = &now
	}
	return out, nil
}

func (f *fakeJobAPI) CountActiveJobs(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeJobs, nil
}

func (f *fakeJobAPI) DescribeRecoveryInstances(ctx context.Context, sourceServerIDs []string) ([]drs.RecoveryInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]drs.RecoveryInstance, 0, len(sourceServerIDs))
	for _, id := range sourceServerIDs {
		out = append(out, drs.RecoveryInstance{
			ID:             "ri-" + id,
			SourceServerID: id,
			EC2InstanceID:  "i-" + id,
			InstanceType:   "m5.large",
			PrivateIP:      "10.0.0.1",
		})
	}
	return out, nil
}

func (f *fakeJobAPI) TerminateRecoveryInstances(ctx context.Context, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceIDs...)
	return nil
}

func (f *fakeJobAPI) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startAttempts
}

func (f *fakeJobAPI) starts() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]startCall, len(f.startOrder))
	copy(out, f.startOrder)
	return out
}

// harness wires an engine over memory storage and the fake job backend.
type harness struct {
	engine *Engine
	api    *fakeJobAPI
	groups storage.GroupRepository
	plans  storage.PlanRepository
	execs  storage.ExecutionRepository
	claims claims.Registry
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mutateCfg func(*Config)) *harness {
	t.Helper()

	api := newFakeJobAPI()
	store := memory.NewStore()
	registry := claims.NewMemory()

	cfg := Config{
		ContinueOnPartialFailure: true,
		RateLimiterTimeout:       time.Second,
		PollInterval:             2 * time.Millisecond,
		ClaimTTL:                 time.Minute,
		Retry: retry.Config{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   time.Millisecond,
			JitterLow:  1,
			JitterHigh: 1,
		},
		Throttle: throttle.Config{
			MaxConcurrentJobs: 20,
			Threshold:         0.9,
			PollInterval:      time.Millisecond,
			WaitTimeout:       50 * time.Millisecond,
		},
		DefaultAccount: domain.AccountContext{AccountID: "acct-1", Region: "us-east-1"},
	}
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	h := &harness{
		api:    api,
		groups: memory.NewGroupRepo(store),
		plans:  memory.NewPlanRepo(store),
		execs:  memory.NewExecutionRepo(store),
		claims: registry,
	}
	h.engine = New(cfg, Deps{
		Groups:     h.groups,
		Plans:      h.plans,
		Executions: h.execs,
		Claims:     registry,
		Detector:   conflict.New(),
		Limiter:    ratelimit.NewRegistry(1000, 1000),
		Retrier:    retry.NewExecutor(telemetry.Nop{}),
		Jobs: func(ctx context.Context, acct domain.AccountContext) (drs.API, error) {
			return api, nil
		},
		Notifier:  notify.Nop{},
		Telemetry: telemetry.Nop{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.engine.Start(ctx)
	go NewReconciler(h.engine, 2*time.Millisecond).Run(ctx)

	t.Cleanup(func() {
		cancel()
		h.engine.Stop()
	})
	return h
}

func (h *harness) seedGroup(t *testing.T, id string, servers ...string) {
	t.Helper()
	g := &domain.ProtectionGroup{ID: id, Name: id, Region: "us-east-1", ServerIDs: servers}
	if err := h.groups.Save(context.Background(), g); err != nil {
		t.Fatalf("seed group %s: %v", id, err)
	}
}

func (h *harness) seedPlan(t *testing.T, id string, waves ...domain.Wave) {
	t.Helper()
	p := &domain.RecoveryPlan{ID: id, Name: id, Waves: waves}
	if err := h.plans.Save(context.Background(), p); err != nil {
		t.Fatalf("seed plan %s: %v", id, err)
	}
}

// waitTerminal polls until the execution reaches a terminal state.
func (h *harness) waitTerminal(t *testing.T, id string) *domain.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := h.execs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if e.State.Terminal() {
			return e
		}
		time.Sleep(2 * time.Millisecond)
	}
	e, _ := h.execs.Get(context.Background(), id)
	t.Fatalf("execution %s did not finish, state %s", id, e.State)
	return nil
}

func (h *harness) waitState(t *testing.T, id string, state domain.ExecutionState) *domain.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := h.execs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if e.State == state {
			return e
		}
		time.Sleep(2 * time.Millisecond)
	}
	e, _ := h.execs.Get(context.Background(), id)
	t.Fatalf("execution %s never reached %s, state %s", id, state, e.State)
	return nil
}

func TestSubmit_RejectsUnknownType(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Submit(context.Background(), SubmitRequest{PlanID: "p", Type: "REBOOT"})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmit_RejectsMissingPlanAndGroup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "ghost", Type: domain.ExecutionTypeDrill})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("missing plan: expected ValidationError, got %v", err)
	}

	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "ghost-group"})
	_, err = h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
	if !errors.As(err, &validation) {
		t.Fatalf("missing group: expected ValidationError, got %v", err)
	}
}

func TestSubmit_ClaimConflictReleasesPartialClaims(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1", "s-2")
	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "pg-1"})

	// s-2 is owned by another execution.
	if ok, _, err := h.claims.Claim(ctx, "s-2", "other-exec", time.Minute); err != nil || !ok {
		t.Fatalf("pre-claim failed: ok=%v err=%v", ok, err)
	}

	_, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
	var conflictErr *domain.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflictErr.OtherID != "other-exec" {
		t.Errorf("conflict owner = %s, want other-exec", conflictErr.OtherID)
	}

	// The claim taken on s-1 before the conflict must have been released.
	owner, err := h.claims.Owner(ctx, "s-1")
	if err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if owner != "" {
		t.Errorf("s-1 still claimed by %s after failed admission", owner)
	}
}

func TestSubmit_DryRunDoesNotPersistOrClaim(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "pg-1"})

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeRecovery, DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if e.State != domain.ExecutionPending || len(e.Waves) != 1 {
		t.Errorf("dry run execution malformed: %+v", e)
	}

	active, _ := h.execs.ListActive(ctx)
	if len(active) != 0 {
		t.Error("dry run must not persist the execution")
	}
	if owner, _ := h.claims.Owner(ctx, "s-1"); owner != "" {
		t.Error("dry run must not claim servers")
	}
}

func TestSubmit_CycleAcrossPlansRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-a", "s-1")
	h.seedGroup(t, "pg-b", "s-2")
	h.seedPlan(t, "plan-1",
		domain.Wave{Number: 1, ProtectionGroupID: "pg-a"},
		domain.Wave{Number: 2, ProtectionGroupID: "pg-b"})
	h.seedPlan(t, "plan-2",
		domain.Wave{Number: 1, ProtectionGroupID: "pg-b"},
		domain.Wave{Number: 2, ProtectionGroupID: "pg-a"})

	_, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
	var conflictErr *domain.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError for plan cycle, got %v", err)
	}
}

func TestExecution_RunsWavesSequentiallyToCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1", "s-2")
	h.seedGroup(t, "pg-2", "s-3")
	h.seedPlan(t, "plan-1",
		domain.Wave{Number: 1, ProtectionGroupID: "pg-1"},
		domain.Wave{Number: 2, ProtectionGroupID: "pg-2"})

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeRecovery})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionCompleted {
		t.Fatalf("state = %s, want COMPLETED (errors: %+v)", final.State, final.Errors)
	}

	starts := h.api.starts()
	if len(starts) != 2 {
		t.Fatalf("expected 2 job submissions, got %d", len(starts))
	}
	if len(starts[0].ServerIDs) != 2 || len(starts[1].ServerIDs) != 1 {
		t.Errorf("wave batches = %v", starts)
	}

	// Wave 2 must not start before wave 1's job ended.
	wave1 := final.Wave(1)
	if wave1.EndTime == nil {
		t.Fatal("wave 1 has no end time")
	}
	if starts[1].At.Before(wave1.EndTime.Add(-50 * time.Millisecond)) {
		t.Error("wave 2 started before wave 1 completed")
	}

	for _, w := range final.Waves {
		if w.Status != domain.WaveCompleted {
			t.Errorf("wave %d status = %s, want COMPLETED", w.Number, w.Status)
		}
		for _, s := range w.Servers {
			if s.LaunchStatus != domain.LaunchLaunched {
				t.Errorf("server %s status = %s, want LAUNCHED", s.ServerID, s.LaunchStatus)
			}
			if s.RecoveredInstanceID == "" {
				t.Errorf("server %s has no recovered instance", s.ServerID)
			}
		}
	}

	// Claims are released once the run finishes.
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		if owner, _ := h.claims.Owner(ctx, id); owner != "" {
			t.Errorf("server %s still claimed after completion", id)
		}
	}
	if final.StartedAt == nil || final.EndedAt == nil {
		t.Error("expected start and end timestamps")
	}
}

func TestExecution_PartialFailureContinues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedGroup(t, "pg-2", "s-2a", "s-2b", "s-2c", "s-2d", "s-2e")
	h.seedGroup(t, "pg-3", "s-3")
	h.seedPlan(t, "plan-1",
		domain.Wave{Number: 1, ProtectionGroupID: "pg-1"},
		domain.Wave{Number: 2, ProtectionGroupID: "pg-2"},
		domain.Wave{Number: 3, ProtectionGroupID: "pg-3"})

	h.api.mu.Lock()
	h.api.failServers["s-2c"] = true
	h.api.mu.Unlock()

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeRecovery})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionPartial {
		t.Fatalf("state = %s, want PARTIAL", final.State)
	}

	if got := final.Wave(2).Status; got != domain.WaveFailed {
		t.Errorf("wave 2 status = %s, want FAILED", got)
	}
	if got := final.Wave(2).Server("s-2c").LaunchStatus; got != domain.LaunchFailed {
		t.Errorf("s-2c status = %s, want FAILED", got)
	}
	if got := final.Wave(2).Server("s-2a").LaunchStatus; got != domain.LaunchLaunched {
		t.Errorf("s-2a status = %s, want LAUNCHED", got)
	}

	// Wave 3 still ran.
	if got := final.Wave(3).Status; got != domain.WaveCompleted {
		t.Errorf("wave 3 status = %s, want COMPLETED", got)
	}
	if len(h.api.starts()) != 3 {
		t.Errorf("expected 3 job submissions, got %d", len(h.api.starts()))
	}
}

func TestExecution_AbortsWithoutContinuationPolicy(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.ContinueOnPartialFailure = false
	})
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedGroup(t, "pg-2", "s-2")
	h.seedPlan(t, "plan-1",
		domain.Wave{Number: 1, ProtectionGroupID: "pg-1"},
		domain.Wave{Number: 2, ProtectionGroupID: "pg-2"})

	h.api.mu.Lock()
	h.api.failServers["s-1"] = true
	h.api.mu.Unlock()

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeRecovery})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionFailed {
		t.Fatalf("state = %s, want FAILED", final.State)
	}
	if got := final.Wave(2).Status; got != domain.WaveCancelled {
		t.Errorf("wave 2 status = %s, want CANCELLED", got)
	}
	if len(h.api.starts()) != 1 {
		t.Errorf("wave 2 should never have been submitted, got %d starts", len(h.api.starts()))
	}
}

func TestExecution_StartRecoveryExhaustionFailsWave(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "pg-1"})

	h.api.mu.Lock()
	h.api.startErr = errors.New("ThrottlingException: rate exceeded")
	h.api.mu.Unlock()

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeRecovery})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionFailed {
		t.Fatalf("state = %s, want FAILED", final.State)
	}
	if len(final.Errors) == 0 {
		t.Fatal("expected a recorded execution error")
	}
	if final.Errors[0].Operation != "StartRecovery" {
		t.Errorf("error operation = %s, want StartRecovery", final.Errors[0].Operation)
	}
	if final.Errors[0].Attempts != 2 {
		t.Errorf("error attempts = %d, want MaxRetries+1 = 2", final.Errors[0].Attempts)
	}
}

func TestCancel_MarksRemainingWavesCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedGroup(t, "pg-2", "s-2")
	h.seedPlan(t, "plan-1",
		domain.Wave{Number: 1, ProtectionGroupID: "pg-1"},
		domain.Wave{Number: 2, ProtectionGroupID: "pg-2"})

	// Wave 1's job never completes until cancelled.
	h.api.mu.Lock()
	h.api.pollsUntilDone = 1 << 30
	h.api.mu.Unlock()

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	h.waitState(t, e.ID, domain.ExecutionInProgress)

	if err := h.engine.Cancel(ctx, e.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionCancelled {
		t.Fatalf("state = %s, want CANCELLED", final.State)
	}
	for _, w := range final.Waves {
		if w.Status != domain.WaveCancelled {
			t.Errorf("wave %d status = %s, want CANCELLED", w.Number, w.Status)
		}
	}
	if owner, _ := h.claims.Owner(ctx, "s-1"); owner != "" {
		t.Error("claims should be released after cancel")
	}

	// Cancelling a terminal execution is rejected.
	var validation *domain.ValidationError
	if err := h.engine.Cancel(ctx, e.ID); !errors.As(err, &validation) {
		t.Errorf("expected ValidationError on double cancel, got %v", err)
	}
}

func TestPauseBeforeWaveAndResume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedGroup(t, "pg-2", "s-2")
	h.seedPlan(t, "plan-1",
		domain.Wave{Number: 1, ProtectionGroupID: "pg-1"},
		domain.Wave{Number: 2, ProtectionGroupID: "pg-2", PauseBefore: true})

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeRecovery})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	paused := h.waitState(t, e.ID, domain.ExecutionPaused)
	if got := paused.Wave(1).Status; got != domain.WaveCompleted {
		t.Errorf("wave 1 status while paused = %s, want COMPLETED", got)
	}
	if got := paused.Wave(2).Status; got != domain.WavePending {
		t.Errorf("wave 2 status while paused = %s, want PENDING", got)
	}
	if len(h.api.starts()) != 1 {
		t.Errorf("wave 2 must not start while paused, got %d starts", len(h.api.starts()))
	}

	if err := h.engine.Resume(ctx, e.ID); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionCompleted {
		t.Fatalf("state = %s, want COMPLETED", final.State)
	}
}

func TestGetStatus_RealtimeReconciles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "pg-1"})

	h.api.mu.Lock()
	h.api.pollsUntilDone = 1 << 30
	h.api.mu.Unlock()

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	h.waitState(t, e.ID, domain.ExecutionInProgress)

	// Wait until the wave's job is on the wire.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := h.execs.Get(ctx, e.ID)
		if cur.Wave(1).JobID != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got, err := h.engine.GetStatus(ctx, e.ID, true)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if got.Wave(1).Status != domain.WavePolling {
		t.Errorf("wave status = %s, want POLLING after realtime reconcile", got.Wave(1).Status)
	}

	h.engine.Cancel(ctx, e.ID)
	h.waitTerminal(t, e.ID)
}

func TestResolveMembersByTagAtSubmitTime(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.api.mu.Lock()
	h.api.inventory = []drs.SourceServer{
		{ID: "s-gold-1", Tags: map[string]string{"dr-tier": "gold"}, Replicating: true},
		{ID: "s-gold-2", Tags: map[string]string{"dr-tier": "gold"}, Replicating: true},
		{ID: "s-silver", Tags: map[string]string{"dr-tier": "silver"}, Replicating: true},
	}
	h.api.mu.Unlock()

	g := &domain.ProtectionGroup{ID: "pg-tag", Region: "us-east-1", TagKey: "dr-tier", TagValue: "gold"}
	if err := h.groups.Save(ctx, g); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "pg-tag"})

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeRecovery})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if got := len(e.Waves[0].Servers); got != 2 {
		t.Fatalf("expected 2 tag-resolved servers, got %d", got)
	}

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionCompleted {
		t.Errorf("state = %s, want COMPLETED", final.State)
	}
}

func TestWaveSequencingRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 10; trial++ {
		h := newHarness(t, nil)
		ctx := context.Background()

		waveCount := 2 + rng.Intn(4)
		failWave := -1
		if rng.Intn(2) == 0 {
			failWave = 1 + rng.Intn(waveCount)
		}

		waves := make([]domain.Wave, 0, waveCount)
		for n := 1; n <= waveCount; n++ {
			serverID := fmt.Sprintf("s-%d-%d", trial, n)
			h.seedGroup(t, fmt.Sprintf("pg-%d", n), serverID)
			if n == failWave {
				h.api.mu.Lock()
				h.api.failServers[serverID] = true
				h.api.mu.Unlock()
			}
			waves = append(waves, domain.Wave{Number: n, ProtectionGroupID: fmt.Sprintf("pg-%d", n)})
		}
		h.seedPlan(t, "plan-1", waves...)

		e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
		if err != nil {
			t.Fatalf("trial %d: submit failed: %v", trial, err)
		}
		final := h.waitTerminal(t, e.ID)

		starts := h.api.starts()
		if len(starts) != waveCount {
			t.Fatalf("trial %d: %d jobs submitted, want %d", trial, len(starts), waveCount)
		}
		for i := 1; i < waveCount; i++ {
			prev := final.Wave(i)
			if prev.EndTime == nil {
				t.Fatalf("trial %d: wave %d has no end time", trial, i)
			}
			if starts[i].At.Before(prev.EndTime.Add(-50 * time.Millisecond)) {
				t.Errorf("trial %d: wave %d started before wave %d ended", trial, i+1, i)
			}
		}

		want := domain.ExecutionCompleted
		if failWave > 0 {
			want = domain.ExecutionPartial
		}
		if final.State != want {
			t.Errorf("trial %d: state = %s, want %s (failing wave %d)", trial, final.State, want, failWave)
		}

		h.cancel()
		h.engine.Stop()
	}
}

func TestCancelAbortsStartRecoveryRetries(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Retry = retry.Config{
			MaxRetries: 1000,
			BaseDelay:  20 * time.Millisecond,
			MaxDelay:   20 * time.Millisecond,
			JitterLow:  1,
			JitterHigh: 1,
		}
	})
	ctx := context.Background()

	h.api.mu.Lock()
	h.api.startErr = errors.New("throttling: rate exceeded")
	h.api.mu.Unlock()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "pg-1"})

	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Let the retry loop get going before cancelling mid-backoff.
	deadline := time.Now().Add(5 * time.Second)
	for h.api.attempts() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.api.attempts() < 2 {
		t.Fatal("retry loop never started")
	}

	if err := h.engine.Cancel(ctx, e.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	atCancel := h.api.attempts()

	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionCancelled {
		t.Fatalf("state = %s, want CANCELLED", final.State)
	}
	if final.Wave(1).Status != domain.WaveCancelled {
		t.Errorf("wave status = %s, want CANCELLED", final.Wave(1).Status)
	}

	// One attempt may already be past the cancel check; the backoff budget
	// must not keep submitting after that.
	if after := h.api.attempts(); after > atCancel+1 {
		t.Errorf("%d StartRecovery attempts continued after cancel", after-atCancel)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	api := newFakeJobAPI()
	store := memory.NewStore()
	h := &harness{
		api:    api,
		groups: memory.NewGroupRepo(store),
		plans:  memory.NewPlanRepo(store),
		execs:  memory.NewExecutionRepo(store),
		claims: claims.NewMemory(),
	}
	h.engine = New(Config{
		RateLimiterTimeout: time.Second,
		PollInterval:       2 * time.Millisecond,
		ClaimTTL:           time.Minute,
		Retry:              retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterLow: 1, JitterHigh: 1},
		Throttle:           throttle.Config{MaxConcurrentJobs: 20, Threshold: 0.9, PollInterval: time.Millisecond, WaitTimeout: 50 * time.Millisecond},
		DefaultAccount:     domain.AccountContext{AccountID: "acct-1", Region: "us-east-1"},
	}, Deps{
		Groups:     h.groups,
		Plans:      h.plans,
		Executions: h.execs,
		Claims:     h.claims,
		Detector:   conflict.New(),
		Limiter:    ratelimit.NewRegistry(1000, 1000),
		Retrier:    retry.NewExecutor(telemetry.Nop{}),
		Jobs: func(ctx context.Context, acct domain.AccountContext) (drs.API, error) {
			return api, nil
		},
		Notifier:  notify.Nop{},
		Telemetry: telemetry.Nop{},
	})
	t.Cleanup(h.engine.Stop)
	ctx := context.Background()

	h.seedGroup(t, "pg-1", "s-1")
	h.seedPlan(t, "plan-1", domain.Wave{Number: 1, ProtectionGroupID: "pg-1"})

	// Start was never called; the worker must still run, not panic.
	e, err := h.engine.Submit(ctx, SubmitRequest{PlanID: "plan-1", Type: domain.ExecutionTypeDrill})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	h.waitState(t, e.ID, domain.ExecutionInProgress)

	if err := h.engine.Cancel(ctx, e.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	final := h.waitTerminal(t, e.ID)
	if final.State != domain.ExecutionCancelled {
		t.Errorf("state = %s, want CANCELLED", final.State)
	}
}
