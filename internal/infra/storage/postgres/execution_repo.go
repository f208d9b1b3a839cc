package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/infra/storage"
)

// ExecutionRepo implements storage.ExecutionRepository using PostgreSQL.
// Waves and servers are stored as one document per execution; concurrent
// writers are serialised by a version column checked on every update.
type ExecutionRepo struct {
	db *DB
}

// NewExecutionRepo creates a new PostgreSQL execution repository.
func NewExecutionRepo(db *DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

type executionRow struct {
	ID        string       `db:"id"`
	PlanID    string       `db:"plan_id"`
	Type      string       `db:"type"`
	State     string       `db:"state"`
	Account   []byte       `db:"account"`
	Waves     []byte       `db:"waves"`
	Errors    []byte       `db:"errors"`
	StartedAt sql.NullTime `db:"started_at"`
	EndedAt   sql.NullTime `db:"ended_at"`
	Version   int64        `db:"version"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

const executionColumns = `id, plan_id, type, state, account, waves, errors, started_at, ended_at, version, created_at, updated_at`

func (row executionRow) toDomain() (*domain.Execution, error) {
	e := &domain.Execution{
		ID:        row.ID,
		PlanID:    row.PlanID,
		Type:      domain.ExecutionType(row.Type),
		State:     domain.ExecutionState(row.State),
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Account, &e.Account); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	if err := json.Unmarshal(row.Waves, &e.Waves); err != nil {
		return nil, fmt.Errorf("decode waves: %w", err)
	}
	if len(row.Errors) > 0 {
		if err := json.Unmarshal(row.Errors, &e.Errors); err != nil {
			return nil, fmt.Errorf("decode errors: %w", err)
		}
	}
	if row.StartedAt.Valid {
		e.StartedAt = &row.StartedAt.Time
	}
	if row.EndedAt.Valid {
		e.EndedAt = &row.EndedAt.Time
	}
	return e, nil
}

func encodeExecution(e *domain.Execution) (account, waves, errs []byte, err error) {
	if account, err = json.Marshal(e.Account); err != nil {
		return nil, nil, nil, fmt.Errorf("encode account: %w", err)
	}
	if waves, err = json.Marshal(e.Waves); err != nil {
		return nil, nil, nil, fmt.Errorf("encode waves: %w", err)
	}
	if errs, err = json.Marshal(e.Errors); err != nil {
		return nil, nil, nil, fmt.Errorf("encode errors: %w", err)
	}
	return account, waves, errs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Create persists a new execution at version 1.
func (r *ExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	account, waves, errs, err := encodeExecution(e)
	if err != nil {
		return err
	}

	e.Version = 1
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.PlanID, string(e.Type), string(e.State),
		account, waves, errs,
		nullTime(e.StartedAt), nullTime(e.EndedAt),
		e.Version, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// Get retrieves an execution by ID.
func (r *ExecutionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return row.toDomain()
}

// Update performs a conditional put: the row is written only when its
// stored version still matches e.Version.
func (r *ExecutionRepo) Update(ctx context.Context, e *domain.Execution) error {
	account, waves, errs, err := encodeExecution(e)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE executions SET
		   state = $1, account = $2, waves = $3, errors = $4,
		   started_at = $5, ended_at = $6,
		   version = version + 1, updated_at = $7
		 WHERE id = $8 AND version = $9`,
		string(e.State), account, waves, errs,
		nullTime(e.StartedAt), nullTime(e.EndedAt),
		now, e.ID, e.Version)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n == 0 {
		// Either the row is gone or a concurrent writer bumped the version.
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, e.ID); err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}

	e.Version++
	e.UpdatedAt = now
	return nil
}

var terminalStates = []string{
	string(domain.ExecutionCompleted),
	string(domain.ExecutionFailed),
	string(domain.ExecutionPartial),
	string(domain.ExecutionCancelled),
}

// ListActive retrieves executions in non-terminal states.
func (r *ExecutionRepo) ListActive(ctx context.Context) ([]*domain.Execution, error) {
	query, args, err := buildActiveQuery("")
	if err != nil {
		return nil, err
	}
	return r.selectExecutions(ctx, query, args...)
}

// ListActiveByPlan retrieves non-terminal executions for one plan.
func (r *ExecutionRepo) ListActiveByPlan(ctx context.Context, planID string) ([]*domain.Execution, error) {
	query, args, err := buildActiveQuery(planID)
	if err != nil {
		return nil, err
	}
	return r.selectExecutions(ctx, query, args...)
}

func buildActiveQuery(planID string) (string, []any, error) {
	base := `SELECT ` + executionColumns + ` FROM executions WHERE state NOT IN (?)`
	args := []any{terminalStates}
	if planID != "" {
		base += ` AND plan_id = ?`
		args = append(args, planID)
	}
	base += ` ORDER BY created_at`

	query, expanded, err := sqlx.In(base, args...)
	if err != nil {
		return "", nil, fmt.Errorf("build active query: %w", err)
	}
	return query, expanded, nil
}

func (r *ExecutionRepo) selectExecutions(ctx context.Context, query string, args ...any) ([]*domain.Execution, error) {
	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*domain.Execution, 0, len(rows))
	for _, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
