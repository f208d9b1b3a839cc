// Package memory is an in-process state store used when no database is
// configured, and by tests.
package memory

import (
	"context"
	"sync"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/storage"
)

// Store holds all entities behind one lock.
type Store struct {
	mu         sync.RWMutex
	groups     map[string]*domain.ProtectionGroup
	plans      map[string]*domain.RecoveryPlan
	executions map[string]*domain.Execution
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		groups:     make(map[string]*domain.ProtectionGroup),
		plans:      make(map[string]*domain.RecoveryPlan),
		executions: make(map[string]*domain.Execution),
	}
}

// -----------------------------------------------------------------------------
// Group Repository
// -----------------------------------------------------------------------------

type GroupRepo struct {
	store *Store
}

func NewGroupRepo(store *Store) *GroupRepo {
	return &GroupRepo{store: store}
}

func (r *GroupRepo) Get(ctx context.Context, id string) (*domain.ProtectionGroup, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	g, ok := r.store.groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *g
	return &out, nil
}

func (r *GroupRepo) List(ctx context.Context) ([]*domain.ProtectionGroup, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.ProtectionGroup, 0, len(r.store.groups))
	for _, g := range r.store.groups {
		copied := *g
		out = append(out, &copied)
	}
	return out, nil
}

func (r *GroupRepo) Save(ctx context.Context, group *domain.ProtectionGroup) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copied := *group
	r.store.groups[group.ID] = &copied
	return nil
}

// -----------------------------------------------------------------------------
// Plan Repository
// -----------------------------------------------------------------------------

type PlanRepo struct {
	store *Store
}

func NewPlanRepo(store *Store) *PlanRepo {
	return &PlanRepo{store: store}
}

func (r *PlanRepo) Get(ctx context.Context, id string) (*domain.RecoveryPlan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.plans[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (r *PlanRepo) List(ctx context.Context) ([]*domain.RecoveryPlan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.RecoveryPlan, 0, len(r.store.plans))
	for _, p := range r.store.plans {
		copied := *p
		out = append(out, &copied)
	}
	return out, nil
}

func (r *PlanRepo) Save(ctx context.Context, plan *domain.RecoveryPlan) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copied := *plan
	r.store.plans[plan.ID] = &copied
	return nil
}

// -----------------------------------------------------------------------------
// Execution Repository
// -----------------------------------------------------------------------------

type ExecutionRepo struct {
	store *Store
}

func NewExecutionRepo(store *Store) *ExecutionRepo {
	return &ExecutionRepo{store: store}
}

func (r *ExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e.Version = 1
	r.store.executions[e.ID] = e.Clone()
	return nil
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (r *ExecutionRepo) Update(ctx context.Context, e *domain.Execution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	stored, ok := r.store.executions[e.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != e.Version {
		return storage.ErrVersionConflict
	}
	e.Version++
	r.store.executions[e.ID] = e.Clone()
	return nil
}

func (r *ExecutionRepo) ListActive(ctx context.Context) ([]*domain.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range r.store.executions {
		if !e.State.Terminal() {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (r *ExecutionRepo) ListActiveByPlan(ctx context.Context, planID string) ([]*domain.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range r.store.executions {
		if e.PlanID == planID && !e.State.Terminal() {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}
