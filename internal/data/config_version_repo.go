package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/pgxutil"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
)

// ConfigVersionRepo reads and publishes named load configurations.
type ConfigVersionRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewConfigVersionRepo creates a ConfigVersionRepo over db.
func NewConfigVersionRepo(db *sql.DB, cfg RepoConfig) *ConfigVersionRepo {
	return &ConfigVersionRepo{DB: db, clock: cfg.clock()}
}

const configVersionColumns = `config_id, name, version, config_data, is_active, created_at`

func scanConfigVersion(s rowScanner) (*model.ConfigVersion, error) {
	var (
		v    model.ConfigVersion
		data []byte
	)
	if err := s.Scan(&v.ConfigID, &v.Name, &v.Version, &data, &v.IsActive, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.ConfigData = cloneJSON(data)
	return &v, nil
}

// GetActive returns the active version of the configuration called name.
func (r *ConfigVersionRepo) GetActive(ctx context.Context, name string) (*model.ConfigVersion, error) {
	v, err := scanConfigVersion(r.DB.QueryRowContext(ctx,
		`SELECT `+configVersionColumns+` FROM etl_config_versions WHERE name = $1 AND is_active`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("no active configuration named %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get active config: %w", err)
	}
	return v, nil
}

// Publish stores data as the next version of name and makes it the only
// active version. The config_id of earlier versions is reused.
func (r *ConfigVersionRepo) Publish(ctx context.Context, name string, data json.RawMessage) (*model.ConfigVersion, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.ValidationField("name", "config name is required")
	}
	if !json.Valid(data) {
		return nil, apperrors.ValidationField("config_data", "config data must be valid JSON")
	}
	// Decoding catches unknown fields before anything is stored.
	if _, err := (&model.ConfigVersion{Name: name, ConfigData: data}).DecodeLoadConfig(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid config data")
	}

	var out *model.ConfigVersion
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			// Serialises concurrent publishes of the same name.
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
				return fmt.Errorf("lock config %s: %w", name, err)
			}
			var (
				configID sql.NullString
				latest   int
			)
			if err := tx.QueryRowContext(ctx, `
				SELECT MAX(config_id::text), COALESCE(MAX(version), 0)
				FROM etl_config_versions WHERE name = $1`, name).Scan(&configID, &latest); err != nil {
				return fmt.Errorf("read latest version: %w", err)
			}
			id := configID.String
			if !configID.Valid {
				id = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE etl_config_versions SET is_active = FALSE WHERE name = $1 AND is_active`, name); err != nil {
				return fmt.Errorf("deactivate versions: %w", err)
			}
			v, err := scanConfigVersion(tx.QueryRowContext(ctx, `
				INSERT INTO etl_config_versions (config_id, name, version, config_data, is_active, created_at)
				VALUES ($1, $2, $3, $4, TRUE, $5)
				RETURNING `+configVersionColumns,
				id, name, latest+1, []byte(data), r.clock.Now()))
			if err != nil {
				return fmt.Errorf("insert config version: %w", err)
			}
			out = v
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ core.ConfigVersionRepository = (*ConfigVersionRepo)(nil)
