package target

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Fingerprint(t *testing.T) {
	a := &Schema{Table: "t", Columns: []Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "text"}}}
	b := &Schema{Table: "t", Columns: []Column{{Name: "NAME", Type: "TEXT"}, {Name: "id", Type: "INTEGER"}}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "order and case are ignored")
	assert.Len(t, a.Fingerprint(), 16)

	c := &Schema{Table: "t", Columns: []Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "varchar"}}}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "type changes are detected")
}

func TestSchema_KeyColumns(t *testing.T) {
	s := &Schema{
		Table: "t",
		Columns: []Column{
			{Name: "id"},
			{Name: "code"},
			{Name: "region"},
			{Name: "email", Nullable: true},
			{Name: "name", Nullable: true},
		},
		PrimaryKey: []string{"id"},
		UniqueKeys: [][]string{{"region", "code"}, {"email"}},
	}

	keys, err := s.KeyColumns(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, keys)

	keys, err = s.KeyColumns([]string{"ID"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ID"}, keys)

	keys, err = s.KeyColumns([]string{"code", "region"})
	require.NoError(t, err, "unique key in any order")
	assert.Equal(t, []string{"code", "region"}, keys)

	_, err = s.KeyColumns([]string{"code"})
	assert.ErrorIs(t, err, ErrKeyNotUnique, "prefix of a unique key")

	_, err = s.KeyColumns([]string{"name"})
	assert.ErrorIs(t, err, ErrKeyNotUnique)

	_, err = s.KeyColumns([]string{"email"})
	assert.ErrorIs(t, err, ErrKeyNotUnique, "nullable unique columns allow repeated NULLs")

	_, err = s.KeyColumns([]string{"nope"})
	assert.Error(t, err)

	_, err = (&Schema{Table: "t", Columns: []Column{{Name: "a"}}}).KeyColumns(nil)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestRegistry(t *testing.T) {
	Register("test-fake", func(context.Context, Config) (Store, error) { return nil, nil })
	assert.Contains(t, Kinds(), "test-fake")

	assert.Panics(t, func() {
		Register("test-fake", func(context.Context, Config) (Store, error) { return nil, nil })
	})
	assert.Panics(t, func() { Register("", nil) })

	_, err := Open(context.Background(), Config{Kind: "unknown"})
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{})
	assert.Error(t, err)
}
