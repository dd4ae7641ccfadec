// Package sqlstore implements target.Store over database/sql. Backends supply
// a Dialect for the parts of SQL that differ between engines.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/target/etl-loader/internal/domain/model"
	apperrors "github.com/target/etl-loader/internal/errors"
	"github.com/target/etl-loader/internal/target"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Dialect captures engine-specific SQL.
type Dialect struct {
	Name string
	// QuoteIdent quotes a possibly schema-qualified identifier.
	QuoteIdent func(ident string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// OutputInserted selects OUTPUT INSERTED instead of RETURNING.
	OutputInserted bool
	// LockHint follows the table name in a locking read.
	LockHint string
	// LockSuffix ends a locking read.
	LockSuffix string
	Describe   func(ctx context.Context, q Querier, table string) (*target.Schema, error)
}

// Store is a target.Store backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// New wraps db. The caller keeps ownership of db; Close is a no-op.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// Open opens driverName with cfg.DSN and checks connectivity.
func Open(ctx context.Context, driverName string, cfg target.Config, d Dialect) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s target: DSN is required", d.Name)
	}
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s target: %w", d.Name, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s target: %w", d.Name, err)
	}
	return &Store{db: db, dialect: d, owned: true}, nil
}

// DB exposes the pool for tests and administration.
func (s *Store) DB() *sql.DB { return s.db }

// Kind names the backend.
func (s *Store) Kind() string { return s.dialect.Name }

// Close releases the pool when the store opened it.
func (s *Store) Close() error {
	if !s.owned || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Describe returns the schema of table.
func (s *Store) Describe(ctx context.Context, table string) (*target.Schema, error) {
	if !model.ValidIdentifier(table) {
		return nil, apperrors.Validationf("invalid table name %q", table)
	}
	schema, err := s.dialect.Describe(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, apperrors.NotFoundf("target table %s not found", table)
	}
	return schema, nil
}

// Begin starts a chunk transaction.
func (s *Store) Begin(ctx context.Context) (target.ChunkTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin %s tx: %w", s.dialect.Name, err)
	}
	return &Tx{tx: tx, d: s.dialect}, nil
}

// Tx is a target.ChunkTx.
type Tx struct {
	tx *sql.Tx
	d  Dialect
}

// Insert writes row and returns its key values.
func (t *Tx) Insert(ctx context.Context, table string, row model.Row, keyCols []string) (model.Row, error) {
	cols := sortedColumns(row)
	if len(cols) == 0 {
		return nil, apperrors.Validation("row has no columns")
	}
	query, args := t.insertSQL(table, cols, row, keyCols)
	if len(keyCols) == 0 {
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("insert into %s: %w", table, err)
		}
		return model.Row{}, nil
	}
	dest := make([]any, len(keyCols))
	ptrs := make([]any, len(keyCols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	key := make(model.Row, len(keyCols))
	for i, k := range keyCols {
		key[k] = dest[i]
	}
	return key, nil
}

func (t *Tx) insertSQL(table string, cols []string, row model.Row, keyCols []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.d.QuoteIdent(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.d.QuoteIdent(c))
	}
	b.WriteString(")")
	if t.d.OutputInserted && len(keyCols) > 0 {
		b.WriteString(" OUTPUT ")
		for i, k := range keyCols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("INSERTED.")
			b.WriteString(t.d.QuoteIdent(k))
		}
	}
	b.WriteString(" VALUES (")
	args := make([]any, len(cols))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.d.Placeholder(i + 1))
		args[i] = argValue(row[c])
	}
	b.WriteString(")")
	if !t.d.OutputInserted && len(keyCols) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(t.quoteList(keyCols))
	}
	return b.String(), args
}

// Fetch reads and locks the row matching key. An empty columns list reads
// every column.
func (t *Tx) Fetch(ctx context.Context, table string, key model.Row, columns []string) (model.Row, bool, error) {
	if hasNullKey(key) {
		return nil, false, nil
	}
	sel := "*"
	if len(columns) > 0 {
		sel = t.quoteList(columns)
	}
	where, args := t.whereKey(key, 1)
	query := fmt.Sprintf("SELECT %s FROM %s%s WHERE %s%s", sel, t.d.QuoteIdent(table), t.d.LockHint, where, t.d.LockSuffix)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("fetch from %s: %w", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, fmt.Errorf("scan %s: %w", table, err)
	}
	out := make(model.Row, len(names))
	for i, n := range names {
		out[n] = vals[i]
	}
	return out, true, rows.Err()
}

// Update sets values on the row matching key. Key columns in values are
// ignored.
func (t *Tx) Update(ctx context.Context, table string, key, values model.Row) (int64, error) {
	cols := make([]string, 0, len(values))
	for _, c := range sortedColumns(values) {
		if _, isKey := key[c]; !isKey {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return t.count(ctx, table, key)
	}
	var b strings.Builder
	args := make([]any, 0, len(cols)+len(key))
	b.WriteString("UPDATE ")
	b.WriteString(t.d.QuoteIdent(table))
	b.WriteString(" SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.d.QuoteIdent(c))
		b.WriteString(" = ")
		b.WriteString(t.d.Placeholder(i + 1))
		args = append(args, argValue(values[c]))
	}
	where, keyArgs := t.whereKey(key, len(cols)+1)
	b.WriteString(" WHERE ")
	b.WriteString(where)
	args = append(args, keyArgs...)

	res, err := t.tx.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (t *Tx) count(ctx context.Context, table string, key model.Row) (int64, error) {
	_, ok, err := t.Fetch(ctx, table, key, sortedColumns(key))
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

// Delete removes the row matching key.
func (t *Tx) Delete(ctx context.Context, table string, key model.Row) (int64, error) {
	if hasNullKey(key) {
		return 0, nil
	}
	where, args := t.whereKey(key, 1)
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", t.d.QuoteIdent(table), where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", t.d.Name, err)
	}
	return nil
}

// Rollback is safe to call after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback %s tx: %w", t.d.Name, err)
	}
	return nil
}

func (t *Tx) whereKey(key model.Row, first int) (string, []any) {
	cols := sortedColumns(key)
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		parts[i] = t.d.QuoteIdent(c) + " = " + t.d.Placeholder(first+i)
		args[i] = argValue(key[c])
	}
	return strings.Join(parts, " AND "), args
}

func (t *Tx) quoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = t.d.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// ScanUniqueKeys reads (index name, column name) rows ordered by index and
// key position into one column list per index.
func ScanUniqueKeys(rows *sql.Rows) ([][]string, error) {
	defer rows.Close()
	var (
		out  [][]string
		last string
	)
	for rows.Next() {
		var index, column string
		if err := rows.Scan(&index, &column); err != nil {
			return nil, fmt.Errorf("scan unique index: %w", err)
		}
		if len(out) == 0 || index != last {
			out = append(out, nil)
			last = index
		}
		out[len(out)-1] = append(out[len(out)-1], column)
	}
	return out, rows.Err()
}

func sortedColumns(row model.Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func hasNullKey(key model.Row) bool {
	if len(key) == 0 {
		return true
	}
	for _, v := range key {
		if v == nil {
			return true
		}
	}
	return false
}

// argValue converts structured values into JSON text.
func argValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case map[string]any, []any:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
	return v
}

var _ target.Store = (*Store)(nil)
var _ target.ChunkTx = (*Tx)(nil)
