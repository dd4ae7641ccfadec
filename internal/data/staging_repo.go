package data

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/pgxutil"
	"github.com/target/etl-loader/internal/domain/model"
)

// StagingRepo keeps parsed dataset rows in etl_staging_rows. Row indexes of
// a source_ref are dense and start at 0.
type StagingRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewStagingRepo creates a StagingRepo over db.
func NewStagingRepo(db *sql.DB, cfg RepoConfig) *StagingRepo {
	return &StagingRepo{DB: db, clock: cfg.clock()}
}

// Count returns the number of staged rows for sourceRef.
func (r *StagingRepo) Count(ctx context.Context, sourceRef string) (int64, error) {
	var n int64
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM etl_staging_rows WHERE source_ref = $1`, sourceRef).Scan(&n); err != nil {
		return 0, fmt.Errorf("count staged rows: %w", err)
	}
	return n, nil
}

// Read returns up to limit rows starting at offset, in row order.
func (r *StagingRepo) Read(ctx context.Context, sourceRef string, offset int64, limit int) ([]model.Row, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT data FROM etl_staging_rows
		WHERE source_ref = $1 AND row_index >= $2
		ORDER BY row_index
		LIMIT $3`, sourceRef, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("read staged rows: %w", err)
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan staged row: %w", err)
		}
		row, err := DecodeStagedRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Append writes rows after the existing ones of sourceRef.
func (r *StagingRepo) Append(ctx context.Context, sourceRef string, rows []model.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	now := r.clock.Now()
	var written int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "staging:"+sourceRef); err != nil {
				return fmt.Errorf("lock staging %s: %w", sourceRef, err)
			}
			var next int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(row_index) + 1, 0) FROM etl_staging_rows WHERE source_ref = $1`,
				sourceRef).Scan(&next); err != nil {
				return fmt.Errorf("next row index: %w", err)
			}
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO etl_staging_rows (source_ref, row_index, data, created_at) VALUES ($1, $2, $3, $4)`)
			if err != nil {
				return fmt.Errorf("prepare staging insert: %w", err)
			}
			defer stmt.Close()

			for i, row := range rows {
				raw, err := json.Marshal(row)
				if err != nil {
					return fmt.Errorf("encode row %d: %w", i, err)
				}
				if _, err := stmt.ExecContext(ctx, sourceRef, next+int64(i), raw, now); err != nil {
					return fmt.Errorf("stage row %d: %w", i, err)
				}
				written++
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// DeleteBefore removes up to limit staged rows created before cutoff.
func (r *StagingRepo) DeleteBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return withReaperLock(ctx, r.DB, advisoryLockReaperStagingRows, func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM etl_staging_rows
			WHERE (source_ref, row_index) IN (
				SELECT source_ref, row_index FROM etl_staging_rows
				WHERE created_at < $1
				LIMIT $2
			)`, cutoff, limit)
		if err != nil {
			return 0, fmt.Errorf("delete staged rows: %w", err)
		}
		return pgxutil.RowsAffected(res, "delete staged rows")
	})
}

// DecodeStagedRow decodes one staged JSON object, keeping integers exact.
func DecodeStagedRow(raw []byte) (model.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row model.Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode staged row: %w", err)
	}
	return model.NormalizeNumbers(row), nil
}

var _ core.StagingRepository = (*StagingRepo)(nil)
