package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/pgxutil"
	"github.com/target/etl-loader/internal/domain/model"
)

// FindingRepo stores validation findings. Rows are insert-only.
type FindingRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewFindingRepo creates a FindingRepo over db.
func NewFindingRepo(db *sql.DB, cfg RepoConfig) *FindingRepo {
	return &FindingRepo{DB: db, clock: cfg.clock()}
}

// InsertFindings writes one validation run's findings in a single transaction.
func (r *FindingRepo) InsertFindings(ctx context.Context, findings []model.ValidationFinding) error {
	if len(findings) == 0 {
		return nil
	}
	now := r.clock.Now()
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO etl_validation_findings (session_id, column_name, validation_type, result, severity, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`)
			if err != nil {
				return fmt.Errorf("prepare finding insert: %w", err)
			}
			defer stmt.Close()

			for i := range findings {
				f := &findings[i]
				if f.CreatedAt.IsZero() {
					f.CreatedAt = now
				}
				result, err := json.Marshal(f.Result)
				if err != nil {
					return fmt.Errorf("encode finding result: %w", err)
				}
				if _, err := stmt.ExecContext(ctx,
					f.SessionID, f.ColumnName, string(f.ValidationType), result, string(f.Severity), f.CreatedAt,
				); err != nil {
					return fmt.Errorf("insert finding %s/%s: %w", f.ColumnName, f.ValidationType, err)
				}
			}
			return nil
		},
	})
}

// ListBySession returns the findings of a session in insertion order.
func (r *FindingRepo) ListBySession(ctx context.Context, sessionID string) ([]model.ValidationFinding, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, session_id, column_name, validation_type, result, severity, created_at
		FROM etl_validation_findings
		WHERE session_id = $1
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []model.ValidationFinding
	for rows.Next() {
		var (
			f      model.ValidationFinding
			result []byte
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &f.ColumnName, &f.ValidationType, &result, &f.Severity, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		if err := json.Unmarshal(result, &f.Result); err != nil {
			return nil, fmt.Errorf("decode finding result: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ core.FindingRepository = (*FindingRepo)(nil)
