package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/storage"
)

func testExecution(id string) *domain.Execution {
	return &domain.Execution{
		ID:     id,
		PlanID: "plan-1",
		Type:   domain.ExecutionTypeDrill,
		State:  domain.ExecutionPending,
		Waves: []*domain.WaveExecution{
			{
				Number: 1, ProtectionGroupID: "pg-1", Region: "us-east-1",
				Status:  domain.WavePending,
				Servers: []*domain.ServerExecution{{ServerID: "s-1", LaunchStatus: domain.LaunchPending}},
			},
		},
	}
}

func TestGroupRepo_GetReturnsCopy(t *testing.T) {
	repo := NewGroupRepo(NewStore())
	ctx := context.Background()

	g := &domain.ProtectionGroup{ID: "pg-1", Region: "us-east-1", ServerIDs: []string{"s-1"}}
	if err := repo.Save(ctx, g); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.Get(ctx, "pg-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.Name = "mutated"

	again, _ := repo.Get(ctx, "pg-1")
	if again.Name == "mutated" {
		t.Error("Get should return a copy, not the stored value")
	}
}

func TestGroupRepo_NotFound(t *testing.T) {
	repo := NewGroupRepo(NewStore())
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecutionRepo_UpdateRequiresCurrentVersion(t *testing.T) {
	repo := NewExecutionRepo(NewStore())
	ctx := context.Background()

	e := testExecution("ex-1")
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.Version != 1 {
		t.Fatalf("Create should set version 1, got %d", e.Version)
	}

	// Two readers load the same version.
	a, _ := repo.Get(ctx, "ex-1")
	b, _ := repo.Get(ctx, "ex-1")

	a.State = domain.ExecutionInProgress
	if err := repo.Update(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("update should bump version to 2, got %d", a.Version)
	}

	b.State = domain.ExecutionCancelled
	if err := repo.Update(ctx, b); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("stale update should fail with ErrVersionConflict, got %v", err)
	}

	// The losing writer's change must not be visible.
	stored, _ := repo.Get(ctx, "ex-1")
	if stored.State != domain.ExecutionInProgress {
		t.Errorf("stored state = %s, want IN_PROGRESS", stored.State)
	}
}

func TestExecutionRepo_UpdateMissing(t *testing.T) {
	repo := NewExecutionRepo(NewStore())
	e := testExecution("ghost")
	e.Version = 1
	if err := repo.Update(context.Background(), e); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExecutionRepo_ListActiveExcludesTerminal(t *testing.T) {
	repo := NewExecutionRepo(NewStore())
	ctx := context.Background()

	running := testExecution("ex-run")
	running.State = domain.ExecutionInProgress
	done := testExecution("ex-done")
	done.State = domain.ExecutionCompleted
	other := testExecution("ex-other")
	other.PlanID = "plan-2"

	for _, e := range []*domain.Execution{running, done, other} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active executions, got %d", len(active))
	}

	byPlan, err := repo.ListActiveByPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ListActiveByPlan failed: %v", err)
	}
	if len(byPlan) != 1 || byPlan[0].ID != "ex-run" {
		t.Errorf("expected only ex-run for plan-1, got %v", byPlan)
	}
}

func TestExecutionRepo_CloneIsolation(t *testing.T) {
	repo := NewExecutionRepo(NewStore())
	ctx := context.Background()

	e := testExecution("ex-1")
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Mutating the caller's waves after Create must not affect the store.
	e.Waves[0].Status = domain.WaveFailed

	stored, _ := repo.Get(ctx, "ex-1")
	if stored.Waves[0].Status != domain.WavePending {
		t.Error("Create should deep-copy waves")
	}
}
