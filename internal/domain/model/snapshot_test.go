package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC)
	values := []any{
		nil,
		int64(-42),
		3.141592653589793,
		0.1,
		"héllo",
		true,
		ts,
		[]byte{0, 1, 2, 255},
	}

	for _, in := range values {
		enc, err := EncodeValue(in)
		require.NoError(t, err)

		raw, err := json.Marshal(enc)
		require.NoError(t, err)
		var back Value
		require.NoError(t, json.Unmarshal(raw, &back))

		out, err := back.Decode()
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncodeValue_WidensIntegers(t *testing.T) {
	enc, err := EncodeValue(int32(7))
	require.NoError(t, err)
	out, err := enc.Decode()
	require.NoError(t, err)
	assert.Equal(t, int64(7), out)

	enc, err = EncodeValue(json.Number("12"))
	require.NoError(t, err)
	assert.Equal(t, KindInt, enc.T)

	_, err = EncodeValue(struct{}{})
	require.Error(t, err)
}

func TestSnapshot_Plan(t *testing.T) {
	key := []string{"id"}
	img := func(id int64, name string) RowImage {
		r, err := EncodeRow(map[string]any{"id": id, "name": name})
		require.NoError(t, err)
		return r
	}

	segments := []SnapshotSegment{
		{ChunkIndex: 1, Inserted: []RowImage{img(3, "new")}, PreImages: []RowImage{img(1, "second-capture")}},
		{ChunkIndex: 0, PreImages: []RowImage{img(1, "original"), img(2, "two")}},
		{ChunkIndex: 2, PreImages: []RowImage{img(3, "after-insert")}},
	}

	plan := AssembleSnapshot(key, segments).Plan()

	require.Len(t, plan.Deletes, 1)
	assert.Equal(t, RowImage{"id": {T: KindInt, V: "3"}}, plan.Deletes[0])

	require.Len(t, plan.Restores, 2)
	assert.Equal(t, "original", plan.Restores[0]["name"].V)
	assert.Equal(t, "two", plan.Restores[1]["name"].V)
}

func TestSnapshot_Columns(t *testing.T) {
	row, err := EncodeRow(map[string]any{"id": int64(1), "b": "x", "a": nil})
	require.NoError(t, err)
	snap := &Snapshot{KeyColumns: []string{"id"}, PreImages: []RowImage{row}}
	assert.Equal(t, []string{"a", "b", "id"}, snap.Columns())
}
