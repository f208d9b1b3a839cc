// Package storage defines the durable state store consumed by the engine.
// The store is the single source of truth for execution state; every
// mutation is a read-modify-write with an optimistic version check.
package storage

import (
	"context"
	"errors"

	"github.com/drwave/drwave/internal/core/domain"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a conditional update lost the
	// race against a concurrent writer. Callers reload and retry.
	ErrVersionConflict = errors.New("version conflict")
)

// GroupRepository stores protection groups.
type GroupRepository interface {
	// Get retrieves a group by ID.
	Get(ctx context.Context, id string) (*domain.ProtectionGroup, error)

	// List retrieves all groups.
	List(ctx context.Context) ([]*domain.ProtectionGroup, error)

	// Save upserts a group.
	Save(ctx context.Context, group *domain.ProtectionGroup) error
}

// PlanRepository stores recovery plans.
type PlanRepository interface {
	// Get retrieves a plan by ID.
	Get(ctx context.Context, id string) (*domain.RecoveryPlan, error)

	// List retrieves all plans.
	List(ctx context.Context) ([]*domain.RecoveryPlan, error)

	// Save upserts a plan.
	Save(ctx context.Context, plan *domain.RecoveryPlan) error
}

// ExecutionRepository stores executions with nested waves and servers.
type ExecutionRepository interface {
	// Create persists a new execution at version 1.
	Create(ctx context.Context, e *domain.Execution) error

	// Get retrieves an execution by ID.
	Get(ctx context.Context, id string) (*domain.Execution, error)

	// Update persists the execution iff the stored version still equals
	// e.Version, then increments e.Version. Returns ErrVersionConflict
	// when a concurrent writer won.
	Update(ctx context.Context, e *domain.Execution) error

	// ListActive retrieves executions in non-terminal states.
	ListActive(ctx context.Context) ([]*domain.Execution, error)

	// ListActiveByPlan retrieves non-terminal executions for one plan.
	ListActiveByPlan(ctx context.Context, planID string) ([]*domain.Execution, error)
}
