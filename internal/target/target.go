// Package target defines the database a load writes into. Backends register
// themselves by kind and are opened through Open.
package target

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/target/etl-loader/internal/domain/model"
)

// ErrNoKey is returned when a table has no primary key and no key columns
// were given.
var ErrNoKey = errors.New("target table has no key columns")

// Column describes one column of a target table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Schema describes a target table.
type Schema struct {
	Table      string   `json:"table"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key,omitempty"`
	// UniqueKeys lists the column sets of unique constraints and indexes
	// other than the primary key. Partial indexes are left out.
	UniqueKeys [][]string `json:"unique_keys,omitempty"`
}

// Has reports whether the table has column name.
func (s *Schema) Has(name string) bool {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// ColumnNames returns the column names in table order.
func (s *Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Fingerprint hashes the column set. Order and case do not matter; names and
// types do.
func (s *Schema) Fingerprint() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = strings.ToLower(c.Name) + ":" + strings.ToLower(c.Type)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%016x", xxh3.HashString(strings.Join(parts, "\x1f")))
}

// KeyColumns returns explicit when given, otherwise the primary key.
// Explicit columns must be the primary key or a unique key made of NOT NULL
// columns; anything else could match more than one row and the snapshot
// could not undo the load.
func (s *Schema) KeyColumns(explicit []string) ([]string, error) {
	if len(explicit) == 0 {
		if len(s.PrimaryKey) == 0 {
			return nil, ErrNoKey
		}
		return append([]string(nil), s.PrimaryKey...), nil
	}
	for _, k := range explicit {
		if !s.Has(k) {
			return nil, fmt.Errorf("key column %q does not exist in %s", k, s.Table)
		}
	}
	if sameColumns(explicit, s.PrimaryKey) {
		return append([]string(nil), explicit...), nil
	}
	for _, uk := range s.UniqueKeys {
		if sameColumns(explicit, uk) && s.notNull(uk) {
			return append([]string(nil), explicit...), nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no primary key or NOT NULL unique index on (%s)",
		ErrKeyNotUnique, s.Table, strings.Join(explicit, ", "))
}

// ErrKeyNotUnique is returned for key columns no unique constraint covers.
var ErrKeyNotUnique = errors.New("key columns are not unique")

func (s *Schema) notNull(cols []string) bool {
	for _, name := range cols {
		for _, c := range s.Columns {
			if strings.EqualFold(c.Name, name) && c.Nullable {
				return false
			}
		}
	}
	return true
}

// sameColumns compares column sets ignoring order and case.
func sameColumns(a, b []string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	set := make(map[string]int, len(a))
	for _, c := range a {
		set[strings.ToLower(c)]++
	}
	for _, c := range b {
		k := strings.ToLower(c)
		if set[k] == 0 {
			return false
		}
		set[k]--
	}
	return true
}

// Store is a target database.
type Store interface {
	// Describe returns the schema of table.
	Describe(ctx context.Context, table string) (*Schema, error)
	// Begin starts the transaction a chunk or a rollback is written in.
	Begin(ctx context.Context) (ChunkTx, error)
	Kind() string
	Close() error
}

// ChunkTx is one atomic unit of writes.
type ChunkTx interface {
	// Insert writes row and returns the values of keyCols as stored,
	// including generated ones.
	Insert(ctx context.Context, table string, row model.Row, keyCols []string) (model.Row, error)
	// Fetch reads and locks the row matching key. ok is false when no row
	// matches.
	Fetch(ctx context.Context, table string, key model.Row, columns []string) (row model.Row, ok bool, err error)
	// Update sets values on the row matching key.
	Update(ctx context.Context, table string, key, values model.Row) (int64, error)
	// Delete removes the row matching key.
	Delete(ctx context.Context, table string, key model.Row) (int64, error)
	Commit() error
	Rollback() error
}

// Config selects and opens a backend.
type Config struct {
	Kind         string
	DSN          string
	MaxOpenConns int
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. It panics on an empty kind,
// a nil factory or a duplicate registration.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("target: Register called with empty kind")
	}
	if f == nil {
		panic("target: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("target: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists the registered backends.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open constructs the Store registered for cfg.Kind.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, errors.New("target: missing kind")
	}
	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("unsupported target kind %q", cfg.Kind)
	}
	return f(ctx, cfg)
}
