// Package mssql registers the SQL Server target backend.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver

	"github.com/target/etl-loader/internal/target"
	"github.com/target/etl-loader/internal/target/sqlstore"
)

// Kind is the registry key of this backend.
const Kind = "sqlserver"

func init() {
	target.Register(Kind, Open)
}

// Dialect is the T-SQL dialect. Locking reads use UPDLOCK + ROWLOCK so
// writers on the same key serialize without table locks.
var Dialect = sqlstore.Dialect{
	Name:           Kind,
	QuoteIdent:     quoteIdent,
	Placeholder:    func(n int) string { return "@p" + strconv.Itoa(n) },
	OutputInserted: true,
	LockHint:       " WITH (UPDLOCK, ROWLOCK)",
	Describe:       describe,
}

// Open connects to cfg.DSN with the sqlserver driver.
func Open(ctx context.Context, cfg target.Config) (target.Store, error) {
	return sqlstore.Open(ctx, "sqlserver", cfg, Dialect)
}

// New wraps an existing pool.
func New(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

func quoteIdent(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = "[" + strings.ReplaceAll(p, "]", "]]") + "]"
	}
	return strings.Join(parts, ".")
}

const describeColumnsSQL = `
	SELECT COLUMN_NAME, DATA_TYPE, CASE WHEN IS_NULLABLE = 'YES' THEN 1 ELSE 0 END
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME())
	  AND TABLE_NAME = @p2
	ORDER BY ORDINAL_POSITION`

const describePrimaryKeySQL = `
	SELECT k.COLUMN_NAME
	FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS t
	JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
	  ON k.CONSTRAINT_NAME = t.CONSTRAINT_NAME AND k.TABLE_SCHEMA = t.TABLE_SCHEMA
	WHERE t.CONSTRAINT_TYPE = 'PRIMARY KEY'
	  AND t.TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME())
	  AND t.TABLE_NAME = @p2
	ORDER BY k.ORDINAL_POSITION`

const describeUniqueKeysSQL = `
	SELECT i.name, c.name
	FROM sys.indexes i
	JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
	JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
	WHERE i.object_id = OBJECT_ID(@p1)
	  AND i.is_unique = 1 AND i.is_primary_key = 0 AND i.has_filter = 0
	  AND ic.is_included_column = 0
	ORDER BY i.name, ic.key_ordinal`

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
		var nullable int
		if err := rows.Scan(&c.Name, &c.Type, &nullable); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		c.Nullable = nullable == 1
		schema.Columns = append(schema.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pk, err := q.QueryContext(ctx, describePrimaryKeySQL, schemaName, tableName)
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

	uk, err := q.QueryContext(ctx, describeUniqueKeysSQL, table)
	if err != nil {
		return nil, fmt.Errorf("describe unique keys of %s: %w", table, err)
	}
	if schema.UniqueKeys, err = sqlstore.ScanUniqueKeys(uk); err != nil {
		return nil, err
	}
	return schema, nil
}
