package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

// TransformationRepo stores custom transformation definitions.
type TransformationRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewTransformationRepo creates a TransformationRepo over db.
func NewTransformationRepo(db *sql.DB, cfg RepoConfig) *TransformationRepo {
	return &TransformationRepo{DB: db, clock: cfg.clock()}
}

const transformationColumns = `id, name, description, code, parameters, category, is_active, created_at, updated_at`

func scanTransformation(s rowScanner) (*model.CustomTransformation, error) {
	var (
		def    model.CustomTransformation
		params []byte
	)
	if err := s.Scan(&def.ID, &def.Name, &def.Description, &def.Code, &params, &def.Category,
		&def.IsActive, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &def.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of %s: %w", def.Name, err)
		}
	}
	return &def, nil
}

// Upsert registers def by name, replacing code and metadata of an existing one.
func (r *TransformationRepo) Upsert(ctx context.Context, def *model.CustomTransformation) (*model.CustomTransformation, error) {
	if err := def.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid custom transformation")
	}
	var params any
	if def.Parameters != nil {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		params = raw
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := r.clock.Now()

	out, err := scanTransformation(r.DB.QueryRowContext(ctx, `
		INSERT INTO etl_custom_transformations (id, name, description, code, parameters, category, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			code = EXCLUDED.code,
			parameters = EXCLUDED.parameters,
			category = EXCLUDED.category,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING `+transformationColumns,
		def.ID, def.Name, def.Description, def.Code, params, def.Category, def.IsActive, now))
	if err != nil {
		return nil, fmt.Errorf("upsert custom transformation: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

// GetActiveByName returns the active definition called name.
func (r *TransformationRepo) GetActiveByName(ctx context.Context, name string) (*model.CustomTransformation, error) {
	def, err := scanTransformation(r.DB.QueryRowContext(ctx,
		`SELECT `+transformationColumns+` FROM etl_custom_transformations WHERE name = $1 AND is_active`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("custom transformation %q not found or inactive", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get custom transformation: %w", err)
	}
	return def, nil
}

// List returns definitions ordered by name.
func (r *TransformationRepo) List(ctx context.Context, activeOnly bool) ([]*model.CustomTransformation, error) {
	query := `SELECT ` + transformationColumns + ` FROM etl_custom_transformations`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list custom transformations: %w", err)
	}
	defer rows.Close()

	var out []*model.CustomTransformation
	for rows.Next() {
		def, err := scanTransformation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan custom transformation: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

var _ core.TransformationRepository = (*TransformationRepo)(nil)
