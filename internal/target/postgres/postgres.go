// Package postgres registers the PostgreSQL target backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/target/etl-loader/internal/data/pgxutil"
	"github.com/target/etl-loader/internal/target"
	"github.com/target/etl-loader/internal/target/sqlstore"
)

// Kind is the registry key of this backend.
const Kind = "postgres"

func init() {
	target.Register(Kind, Open)
}

// Dialect is the PostgreSQL SQL dialect.
var Dialect = sqlstore.Dialect{
	Name:        Kind,
	QuoteIdent:  quoteIdent,
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	LockSuffix:  " FOR UPDATE",
	Describe:    describe,
}

// Open connects to cfg.DSN with the pgx stdlib driver.
func Open(ctx context.Context, cfg target.Config) (target.Store, error) {
	return sqlstore.Open(ctx, pgxutil.DriverName, cfg, Dialect)
}

// New wraps an existing pool, typically the queue database.
func New(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

func quoteIdent(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

const describeColumnsSQL = `
	SELECT column_name, data_type, is_nullable = 'YES'
	FROM information_schema.columns
	WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
	  AND table_name = $2
	ORDER BY ordinal_position`

const describePrimaryKeySQL = `
	SELECT a.attname
	FROM pg_index i
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	WHERE i.indrelid = $1::regclass AND i.indisprimary
	ORDER BY a.attnum`

// Expression and partial indexes cannot back a key.
const describeUniqueKeysSQL = `
	SELECT c.relname, a.attname
	FROM pg_index i
	JOIN pg_class c ON c.oid = i.indexrelid
	JOIN LATERAL unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord) ON true
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
	WHERE i.indrelid = $1::regclass
	  AND i.indisunique AND NOT i.indisprimary
	  AND i.indpred IS NULL AND i.indexprs IS NULL
	ORDER BY c.relname, k.ord`

func describe(ctx context.Context, q sqlstore.Querier, table string) (*target.Schema, error) {
	schemaName, tableName := "", table
	if i := strings.IndexByte(table, '.'); i >= 0 {
		schemaName, tableName = table[:i], table[i+1:]
	}

	schema := &target.Schema{Table: table}
	rows, err := q.QueryContext(ctx, describeColumnsSQL, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c target.Column
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		schema.Columns = append(schema.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return schema, nil
	}

	pk, err := q.QueryContext(ctx, describePrimaryKeySQL, quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("describe primary key of %s: %w", table, err)
	}
	defer pk.Close()
	for pk.Next() {
		var name string
		if err := pk.Scan(&name); err != nil {
			return nil, err
		}
		schema.PrimaryKey = append(schema.PrimaryKey, name)
	}
	if err := pk.Err(); err != nil {
		return nil, err
	}

	uk, err := q.QueryContext(ctx, describeUniqueKeysSQL, quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("describe unique keys of %s: %w", table, err)
	}
	if schema.UniqueKeys, err = sqlstore.ScanUniqueKeys(uk); err != nil {
		return nil, err
	}
	return schema, nil
}
