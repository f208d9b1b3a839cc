package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/storage"
)

// PlanRepo implements storage.PlanRepository using PostgreSQL.
type PlanRepo struct {
	db *DB
}

// NewPlanRepo creates a new PostgreSQL plan repository.
func NewPlanRepo(db *DB) *PlanRepo {
	return &PlanRepo{db: db}
}

type planRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Waves     []byte `db:"waves"`
	Version   int64  `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (row planRow) toDomain() (*domain.RecoveryPlan, error) {
	p := &domain.RecoveryPlan{
		ID:        row.ID,
		Name:      row.Name,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Waves, &p.Waves); err != nil {
		return nil, fmt.Errorf("decode waves: %w", err)
	}
	return p, nil
}

// Get retrieves a plan by ID.
func (r *PlanRepo) Get(ctx context.Context, id string) (*domain.RecoveryPlan, error) {
	var row planRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, name, waves, version, created_at, updated_at FROM recovery_plans WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery plan: %w", err)
	}
	return row.toDomain()
}

// List retrieves all plans.
func (r *PlanRepo) List(ctx context.Context) ([]*domain.RecoveryPlan, error) {
	var rows []planRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, name, waves, version, created_at, updated_at FROM recovery_plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list recovery plans: %w", err)
	}
	out := make([]*domain.RecoveryPlan, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Save upserts a plan.
func (r *PlanRepo) Save(ctx context.Context, plan *domain.RecoveryPlan) error {
	waves, err := json.Marshal(plan.Waves)
	if err != nil {
		return fmt.Errorf("encode waves: %w", err)
	}

	now := time.Now().Unix()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO recovery_plans (id, name, waves, version, created_at, updated_at)
		 VALUES ($1, $2, $3, 1, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   waves = EXCLUDED.waves,
		   version = recovery_plans.version + 1,
		   updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.Name, waves, now)
	if err != nil {
		return fmt.Errorf("save recovery plan: %w", err)
	}
	return nil
}
