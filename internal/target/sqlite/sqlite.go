// Package sqlite registers the SQLite target backend (modernc.org/sqlite,
// no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/target/etl-loader/internal/target"
	"github.com/target/etl-loader/internal/target/sqlstore"
)

// Kind is the registry key of this backend.
const Kind = "sqlite"

func init() {
	target.Register(Kind, Open)
}

// Dialect is the SQLite SQL dialect. The database is locked for the whole
// write transaction, so reads need no lock clause.
var Dialect = sqlstore.Dialect{
	Name:        Kind,
	QuoteIdent:  quoteIdent,
	Placeholder: func(int) string { return "?" },
	Describe:    describe,
}

// Open opens cfg.DSN. SQLite allows one writer, so the pool holds one
// connection.
func Open(ctx context.Context, cfg target.Config) (target.Store, error) {
	cfg.MaxOpenConns = 1
	return sqlstore.Open(ctx, "sqlite", cfg, Dialect)
}

// New wraps an open SQLite database.
func New(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

func quoteIdent(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func describe(ctx context.Context, q sqlstore.Querier, table string) (*target.Schema, error) {
	schema, err := describeColumns(ctx, q, table)
	if err != nil || len(schema.Columns) == 0 {
		return schema, err
	}
	if schema.UniqueKeys, err = uniqueKeys(ctx, q, table); err != nil {
		return nil, err
	}
	return schema, nil
}

func describeColumns(ctx context.Context, q sqlstore.Querier, table string) (*target.Schema, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	schema := &target.Schema{Table: table}
	var pks []pkCol
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		schema.Columns = append(schema.Columns, target.Column{Name: name, Type: typ, Nullable: notNull == 0 && pk == 0})
		if pk > 0 {
			pks = append(pks, pkCol{name: name, pos: pk})
		}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		schema.PrimaryKey = append(schema.PrimaryKey, p.name)
	}
	return schema, rows.Err()
}

// uniqueKeys lists UNIQUE constraints and full unique indexes. Each result
// set is closed before the next PRAGMA runs because the pool may hold a
// single connection.
func uniqueKeys(ctx context.Context, q sqlstore.Querier, table string) ([][]string, error) {
	names, err := uniqueIndexNames(ctx, q, table)
	if err != nil {
		return nil, err
	}
	var out [][]string
	for _, index := range names {
		cols, ok, err := indexColumns(ctx, q, index)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cols)
		}
	}
	return out, nil
}

func uniqueIndexNames(ctx context.Context, q sqlstore.Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", table, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, fmt.Errorf("scan index of %s: %w", table, err)
		}
		if unique == 1 && partial == 0 && origin != "pk" {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// indexColumns returns false for indexes over expressions.
func indexColumns(ctx context.Context, q sqlstore.Querier, index string) ([]string, bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(index)))
	if err != nil {
		return nil, false, fmt.Errorf("describe index %s: %w", index, err)
	}
	defer rows.Close()
	var cols []string
	ok := true
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, false, fmt.Errorf("scan index %s: %w", index, err)
		}
		if !name.Valid {
			ok = false
			continue
		}
		cols = append(cols, name.String)
	}
	return cols, ok && len(cols) > 0, rows.Err()
}
