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

// GroupRepo implements storage.GroupRepository using PostgreSQL.
type GroupRepo struct {
	db *DB
}

// NewGroupRepo creates a new PostgreSQL group repository.
func NewGroupRepo(db *DB) *GroupRepo {
	return &GroupRepo{db: db}
}

type groupRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Region    string `db:"region"`
	AccountID string `db:"account_id"`
	ServerIDs []byte `db:"server_ids"`
	TagKey    string `db:"tag_key"`
	TagValue  string `db:"tag_value"`
	Launch    []byte `db:"launch"`
	Version   int64  `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (row groupRow) toDomain() (*domain.ProtectionGroup, error) {
	g := &domain.ProtectionGroup{
		ID:        row.ID,
		Name:      row.Name,
		Region:    row.Region,
		AccountID: row.AccountID,
		TagKey:    row.TagKey,
		TagValue:  row.TagValue,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.ServerIDs) > 0 {
		if err := json.Unmarshal(row.ServerIDs, &g.ServerIDs); err != nil {
			return nil, fmt.Errorf("decode server ids: %w", err)
		}
	}
	if len(row.Launch) > 0 {
		if err := json.Unmarshal(row.Launch, &g.Launch); err != nil {
			return nil, fmt.Errorf("decode launch config: %w", err)
		}
	}
	return g, nil
}

// Get retrieves a group by ID.
func (r *GroupRepo) Get(ctx context.Context, id string) (*domain.ProtectionGroup, error) {
	var row groupRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, name, region, account_id, server_ids, tag_key, tag_value, launch, version, created_at, updated_at
		 FROM protection_groups WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get protection group: %w", err)
	}
	return row.toDomain()
}

// List retrieves all groups.
func (r *GroupRepo) List(ctx context.Context) ([]*domain.ProtectionGroup, error) {
	var rows []groupRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, name, region, account_id, server_ids, tag_key, tag_value, launch, version, created_at, updated_at
		 FROM protection_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list protection groups: %w", err)
	}
	out := make([]*domain.ProtectionGroup, 0, len(rows))
	for _, row := range rows {
		g, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Save upserts a group.
func (r *GroupRepo) Save(ctx context.Context, group *domain.ProtectionGroup) error {
	serverIDs, err := json.Marshal(group.ServerIDs)
	if err != nil {
		return fmt.Errorf("encode server ids: %w", err)
	}
	launch, err := json.Marshal(group.Launch)
	if err != nil {
		return fmt.Errorf("encode launch config: %w", err)
	}

	now := time.Now().Unix()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO protection_groups
		   (id, name, region, account_id, server_ids, tag_key, tag_value, launch, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   region = EXCLUDED.region,
		   account_id = EXCLUDED.account_id,
		   server_ids = EXCLUDED.server_ids,
		   tag_key = EXCLUDED.tag_key,
		   tag_value = EXCLUDED.tag_value,
		   launch = EXCLUDED.launch,
		   version = protection_groups.version + 1,
		   updated_at = EXCLUDED.updated_at`,
		group.ID, group.Name, group.Region, group.AccountID,
		serverIDs, group.TagKey, group.TagValue, launch, now)
	if err != nil {
		return fmt.Errorf("save protection group: %w", err)
	}
	return nil
}
