package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/target"
)

// errNoMatch marks an update whose key matched no row.
var errNoMatch = apperrors.Validation("no row matched key")

// chunk is the transformed, writable part of one dataset slice.
type chunk struct {
	index   int
	rows    []model.Row
	indexes []int64
	skipped []model.SkippedRow
}

type chunkOutcome struct {
	inserted int64
	updated  int64
	skipped  []model.SkippedRow
	segment  model.SnapshotSegment
}

// writeWithRetry writes c and, when the write fails as a whole, retries it
// once after the configured backoff. Committed chunks are never touched.
func (r *run) writeWithRetry(ctx context.Context, c *chunk) (chunkOutcome, error) {
	out, err := r.writeChunk(ctx, c)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return chunkOutcome{}, err
	}
	r.logger.WarnContext(ctx, "chunk write failed, retrying",
		"chunk", c.index,
		"backoff", r.e.cfg.ChunkRetryBackoff,
		"error", err,
	)

	timer := time.NewTimer(r.e.cfg.ChunkRetryBackoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return chunkOutcome{}, ctx.Err()
	case <-timer.C:
	}

	out, err = r.writeChunk(ctx, c)
	if err != nil {
		return chunkOutcome{}, fmt.Errorf("write chunk %d after retry: %w", c.index, err)
	}
	return out, nil
}

// writeChunk applies c in a single target transaction. Any error from the
// store aborts the whole chunk; the only row-level outcome is an update whose
// key lookup found nothing, which is decided before anything is written.
func (r *run) writeChunk(ctx context.Context, c *chunk) (out chunkOutcome, err error) {
	out.segment = model.SnapshotSegment{HistoryID: r.rec.ID, ChunkIndex: c.index}
	if len(c.rows) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.e.cfg.ChunkTimeout)
	defer cancel()

	tx, err := r.e.store.Begin(ctx)
	if err != nil {
		return chunkOutcome{}, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.WarnContext(ctx, "chunk rollback failed", "chunk", c.index, "error", rbErr)
			}
		}
	}()

	for i, row := range c.rows {
		w, rowErr := r.writeRow(ctx, tx, row)
		switch {
		case errors.Is(rowErr, errNoMatch):
			out.skipped = append(out.skipped, model.SkippedRow{RowIndex: c.indexes[i], Reason: rowErr.Error()})
			continue
		case rowErr != nil:
			err = fmt.Errorf("row %d: %w", c.indexes[i], rowErr)
			return chunkOutcome{}, err
		}

		switch {
		case w.inserted != nil:
			out.inserted++
			out.segment.Inserted = append(out.segment.Inserted, w.inserted)
		case w.preImage != nil:
			out.updated++
			out.segment.PreImages = append(out.segment.PreImages, w.preImage)
		}
	}

	if err = tx.Commit(); err != nil {
		return chunkOutcome{}, err
	}
	return out, nil
}

// rowWrite is what one written row contributes to the snapshot.
type rowWrite struct {
	inserted model.RowImage
	preImage model.RowImage
}

func (r *run) writeRow(ctx context.Context, tx target.ChunkTx, row model.Row) (rowWrite, error) {
	table := r.params.TargetTable
	switch r.params.Mode {
	case model.LoadModeInsert:
		return r.insert(ctx, tx, row)
	case model.LoadModeUpdate, model.LoadModeUpsert:
		key := r.keyOf(row)
		pre, found, err := tx.Fetch(ctx, table, key, nil)
		if err != nil {
			return rowWrite{}, err
		}
		if !found {
			if r.params.Mode == model.LoadModeUpdate {
				return rowWrite{}, errNoMatch
			}
			return r.insert(ctx, tx, row)
		}
		img, err := model.EncodeRow(pre)
		if err != nil {
			return rowWrite{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "capture pre-image")
		}
		n, err := tx.Update(ctx, table, key, row)
		if err != nil {
			return rowWrite{}, err
		}
		// One pre-image covers exactly one row.
		if n != 1 {
			return rowWrite{}, fmt.Errorf("update of %s by %v touched %d rows, want 1", table, key, n)
		}
		return rowWrite{preImage: img}, nil
	default:
		return rowWrite{}, errors.New("unsupported load mode " + string(r.params.Mode))
	}
}

func (r *run) insert(ctx context.Context, tx target.ChunkTx, row model.Row) (rowWrite, error) {
	key, err := tx.Insert(ctx, r.params.TargetTable, row, r.keyCols)
	if err != nil {
		return rowWrite{}, err
	}
	img, err := model.EncodeRow(key)
	if err != nil {
		return rowWrite{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "capture inserted key")
	}
	return rowWrite{inserted: img}, nil
}

func (r *run) keyOf(row model.Row) model.Row {
	key := make(model.Row, len(r.keyCols))
	for _, k := range r.keyCols {
		key[k] = row[k]
	}
	return key
}
