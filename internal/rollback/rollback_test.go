package rollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/config"
	"github.com/target/etl-loader/internal/core"
	"github.com/target/etl-loader/internal/data/memory"
	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/loader"
	"github.com/target/etl-loader/internal/target"
	"github.com/target/etl-loader/internal/target/sqlite"
	"github.com/target/etl-loader/internal/testutil"
)

const productsDDL = `CREATE TABLE products (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	price REAL,
	note TEXT
)`

// countingStore counts transactions so tests can assert nothing was written.
type countingStore struct {
	target.Store
	mu      sync.Mutex
	begins  int
	failing bool
}

func (s *countingStore) Begin(ctx context.Context) (target.ChunkTx, error) {
	s.mu.Lock()
	s.begins++
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return nil, errors.New("target unavailable")
	}
	return s.Store.Begin(ctx)
}

func (s *countingStore) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

type env struct {
	db      *sql.DB
	store   *countingStore
	staging *memory.StagingStore
	history *memory.HistoryStore
	loader  *loader.Executor
	manager *Manager
	events  []model.Event
	loads   int
}

func (e *env) Trigger(_ context.Context, evt model.Event) { e.events = append(e.events, evt) }

// newEnv opens a products table built from ddl, or productsDDL when empty.
func newEnv(t *testing.T, ddl ...string) *env {
	t.Helper()
	if len(ddl) == 0 {
		ddl = []string{productsDDL}
	}
	db := testutil.OpenSQLiteTarget(t, ddl...)
	e := &env{
		db:      db,
		store:   &countingStore{Store: sqlite.New(db)},
		staging: memory.NewStagingStore(nil),
		history: memory.NewHistoryStore(nil),
	}
	var err error
	e.loader, err = loader.New(loader.Options{
		Datasets: e.staging,
		History:  e.history,
		Target:   e.store,
		Config: config.LoaderConfig{
			ChunkSize:         2,
			ChunkRetryBackoff: time.Millisecond,
			ErrorCeilingRate:  1,
			ErrorCeilingScope: model.CeilingScopeCumulative,
		},
	})
	require.NoError(t, err)
	e.manager, err = New(Options{History: e.history, Target: e.store, Events: e, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return e
}

func (e *env) load(t *testing.T, mode model.LoadMode, rows []model.Row, keys ...string) string {
	t.Helper()
	e.loads++
	ref := fmt.Sprintf("ds-%d", e.loads)
	_, err := e.staging.Append(context.Background(), ref, rows)
	require.NoError(t, err)
	summary, err := e.loader.Load(context.Background(), loader.Request{
		Params: &model.LoadParameters{SourceRef: ref, TargetTable: "products", Mode: mode, KeyColumns: keys},
	})
	require.NoError(t, err)
	return summary.HistoryID
}

// dump renders the whole table in key order.
func dump(t *testing.T, db *sql.DB) string {
	t.Helper()
	rows, err := db.Query(`SELECT id, name, price, note FROM products ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var b strings.Builder
	for rows.Next() {
		var id int64
		var name string
		var price sql.NullFloat64
		var note sql.NullString
		require.NoError(t, rows.Scan(&id, &name, &price, &note))
		fmt.Fprintf(&b, "%d|%s|%v|%v\n", id, name, price, note)
	}
	require.NoError(t, rows.Err())
	return b.String()
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO products (id, name, price, note) VALUES
		(1, 'lamp', 19.99, NULL),
		(2, 'desk', 120.5, 'oak'),
		(3, 'chair', 45, 'blue')`)
	require.NoError(t, err)
}

func TestRollback_InsertRestoresTable(t *testing.T) {
	e := newEnv(t)
	seed(t, e.db)
	before := dump(t, e.db)

	id := e.load(t, model.LoadModeInsert, []model.Row{
		{"id": int64(10), "name": "shelf", "price": 30.25},
		{"id": int64(11), "name": "rug"},
		{"id": int64(12), "name": "mirror", "note": "round"},
	})
	require.NotEqual(t, before, dump(t, e.db))

	res, err := e.manager.Rollback(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.DeletedRows)
	assert.Zero(t, res.RestoredRows)
	assert.NotEmpty(t, res.RecordID)
	assert.Equal(t, before, dump(t, e.db))

	rec, err := e.history.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotSpent, rec.SnapshotState())
	require.Len(t, e.history.RollbackRecords(id), 1)
	require.Len(t, e.events, 1)
	assert.Equal(t, model.EventRollbackCompleted, e.events[0].Type)
}

func TestRollback_UpdateRestoresPreImagesOnce(t *testing.T) {
	e := newEnv(t)
	seed(t, e.db)
	before := dump(t, e.db)

	id := e.load(t, model.LoadModeUpdate, []model.Row{
		{"id": int64(1), "name": "lamp v2", "price": 24.0, "note": "led"},
		{"id": int64(2), "name": "desk", "price": nil, "note": nil},
		{"id": int64(3), "name": "stool"},
	})
	require.NotEqual(t, before, dump(t, e.db))

	res, err := e.manager.Rollback(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.RestoredRows)
	assert.Equal(t, before, dump(t, e.db))

	begins := e.store.beginCount()
	_, err = e.manager.Rollback(context.Background(), id)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotRollbackable(err), "second rollback: %v", err)
	assert.Equal(t, begins, e.store.beginCount(), "a rejected rollback writes nothing")
	assert.Equal(t, before, dump(t, e.db))
}

func TestRollback_UpsertDeletesInsertedAndRestoresUpdated(t *testing.T) {
	e := newEnv(t)
	seed(t, e.db)
	before := dump(t, e.db)

	id := e.load(t, model.LoadModeUpsert, []model.Row{
		{"id": int64(2), "name": "standing desk"},
		{"id": int64(7), "name": "lamp shade"},
	})
	res, err := e.manager.Rollback(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeletedRows)
	assert.EqualValues(t, 1, res.RestoredRows)
	assert.Equal(t, before, dump(t, e.db))
}

func TestRollback_ReinsertsRowsDeletedSinceLoad(t *testing.T) {
	e := newEnv(t)
	seed(t, e.db)
	before := dump(t, e.db)

	id := e.load(t, model.LoadModeUpdate, []model.Row{{"id": int64(3), "name": "stool"}})
	_, err := e.db.Exec(`DELETE FROM products WHERE id = 3`)
	require.NoError(t, err)

	_, err = e.manager.Rollback(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before, dump(t, e.db))
}

func TestRollback_SchemaChecks(t *testing.T) {
	t.Run("added column keeps the snapshot usable", func(t *testing.T) {
		e := newEnv(t)
		seed(t, e.db)
		id := e.load(t, model.LoadModeUpdate, []model.Row{{"id": int64(1), "name": "lamp v2"}})
		_, err := e.db.Exec(`ALTER TABLE products ADD COLUMN sku TEXT`)
		require.NoError(t, err)

		_, err = e.manager.Rollback(context.Background(), id)
		require.NoError(t, err)
		var name string
		require.NoError(t, e.db.QueryRow(`SELECT name FROM products WHERE id = 1`).Scan(&name))
		assert.Equal(t, "lamp", name)
	})

	t.Run("dropped captured column is not rollbackable", func(t *testing.T) {
		e := newEnv(t)
		seed(t, e.db)
		id := e.load(t, model.LoadModeUpdate, []model.Row{{"id": int64(1), "name": "lamp v2"}})
		_, err := e.db.Exec(`ALTER TABLE products DROP COLUMN note`)
		require.NoError(t, err)

		_, err = e.manager.Rollback(context.Background(), id)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotRollbackable(err))
		assert.Contains(t, err.Error(), "note")

		rec, err := e.history.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.SnapshotActive, rec.SnapshotState(), "claim is released")
	})
}

func TestRollback_KeyMustStillBeUnique(t *testing.T) {
	t.Run("unique index dropped after the load", func(t *testing.T) {
		e := newEnv(t, productsDDL, `CREATE UNIQUE INDEX products_name ON products (name)`)
		id := e.load(t, model.LoadModeInsert, []model.Row{{"id": int64(1), "name": "dup"}}, "name")

		_, err := e.db.Exec(`DROP INDEX products_name`)
		require.NoError(t, err)
		_, err = e.db.Exec(`INSERT INTO products (id, name) VALUES (100, 'dup')`)
		require.NoError(t, err)
		before := dump(t, e.db)

		_, err = e.manager.Rollback(context.Background(), id)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotRollbackable(err))
		assert.ErrorContains(t, err, "unique")
		assert.Equal(t, before, dump(t, e.db), "both dup rows survive")

		rec, err := e.history.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.SnapshotActive, rec.SnapshotState(), "claim is released")
	})

	t.Run("key matching several rows aborts the transaction", func(t *testing.T) {
		// The index compares bytes but the column compares case-insensitively,
		// so a delete by name reaches both spellings.
		e := newEnv(t, `CREATE TABLE products (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL COLLATE NOCASE,
			price REAL,
			note TEXT
		)`, `CREATE UNIQUE INDEX products_name ON products (name COLLATE BINARY)`)
		_, err := e.db.Exec(`INSERT INTO products (id, name) VALUES (100, 'DUP')`)
		require.NoError(t, err)
		id := e.load(t, model.LoadModeInsert, []model.Row{{"id": int64(1), "name": "dup"}}, "name")
		before := dump(t, e.db)

		_, err = e.manager.Rollback(context.Background(), id)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotRollbackable(err))
		assert.ErrorContains(t, err, "matches 2 rows")
		assert.Equal(t, before, dump(t, e.db))

		rec, err := e.history.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.SnapshotActive, rec.SnapshotState())
	})
}

func TestRollback_StoreFailureReleasesClaim(t *testing.T) {
	e := newEnv(t)
	id := e.load(t, model.LoadModeInsert, []model.Row{{"id": int64(1), "name": "a"}})

	e.store.mu.Lock()
	e.store.failing = true
	e.store.mu.Unlock()
	_, err := e.manager.Rollback(context.Background(), id)
	require.Error(t, err)
	assert.False(t, apperrors.IsNotRollbackable(err))

	e.store.mu.Lock()
	e.store.failing = false
	e.store.mu.Unlock()
	res, err := e.manager.Rollback(context.Background(), id)
	require.NoError(t, err, "a failed attempt leaves the snapshot for a retry")
	assert.EqualValues(t, 1, res.DeletedRows)
}

func TestRollback_RejectsUnfinishedLoads(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	failed := &model.LoadHistoryRecord{TargetTable: "products", Mode: model.LoadModeInsert, SourceRef: "x"}
	require.NoError(t, e.history.Create(ctx, failed))
	msg := "boom"
	require.NoError(t, e.history.Finalize(ctx, core.FinalizeLoadParams{
		ID:           failed.ID,
		Status:       model.LoadStatusFailed,
		ErrorMessage: &msg,
	}))

	_, err := e.manager.Rollback(ctx, failed.ID)
	assert.True(t, apperrors.IsNotRollbackable(err))

	_, err = e.manager.Rollback(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
	assert.Zero(t, e.store.beginCount())
}
