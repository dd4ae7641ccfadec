package model

import (
	"encoding/json"
	"time"
)

// Row is one dataset row keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StagedRow is a dataset row persisted in the staging area.
type StagedRow struct {
	SourceRef string          `json:"source_ref"`
	RowIndex  int64           `json:"row_index"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// NormalizeNumbers converts json.Number values into int64 or float64 so rows
// decoded with UseNumber carry driver-friendly types.
func NormalizeNumbers(row Row) Row {
	for k, v := range row {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			row[k] = i
			continue
		}
		if f, err := n.Float64(); err == nil {
			row[k] = f
			continue
		}
		row[k] = n.String()
	}
	return row
}
