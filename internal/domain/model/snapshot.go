package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags a stored value so it decodes back to the same Go type.
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
	KindTime   ValueKind = "time"
	KindBytes  ValueKind = "bytes"
)

// Value is an exactly round-tripping encoding of a column value.
type Value struct {
	T ValueKind `json:"t"`
	V string    `json:"v,omitempty"`
}

// EncodeValue converts a driver value into a Value.
func EncodeValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{T: KindNull}, nil
	case int64:
		return Value{T: KindInt, V: strconv.FormatInt(x, 10)}, nil
	case int:
		return Value{T: KindInt, V: strconv.Itoa(x)}, nil
	case int32:
		return Value{T: KindInt, V: strconv.FormatInt(int64(x), 10)}, nil
	case int16:
		return Value{T: KindInt, V: strconv.FormatInt(int64(x), 10)}, nil
	case int8:
		return Value{T: KindInt, V: strconv.FormatInt(int64(x), 10)}, nil
	case uint8:
		return Value{T: KindInt, V: strconv.FormatUint(uint64(x), 10)}, nil
	case uint16:
		return Value{T: KindInt, V: strconv.FormatUint(uint64(x), 10)}, nil
	case uint32:
		return Value{T: KindInt, V: strconv.FormatUint(uint64(x), 10)}, nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("value %d overflows int64", x)
		}
		return Value{T: KindInt, V: strconv.FormatUint(x, 10)}, nil
	case float64:
		return Value{T: KindFloat, V: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case float32:
		return Value{T: KindFloat, V: strconv.FormatFloat(float64(x), 'g', -1, 32)}, nil
	case string:
		return Value{T: KindString, V: x}, nil
	case []byte:
		return Value{T: KindBytes, V: base64.StdEncoding.EncodeToString(x)}, nil
	case bool:
		return Value{T: KindBool, V: strconv.FormatBool(x)}, nil
	case time.Time:
		return Value{T: KindTime, V: x.Format(time.RFC3339Nano)}, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Value{T: KindInt, V: strconv.FormatInt(i, 10)}, nil
		}
		return Value{T: KindFloat, V: x.String()}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// Decode returns the Go value Value was encoded from.
func (v Value) Decode() (any, error) {
	switch v.T {
	case KindNull, "":
		return nil, nil
	case KindInt:
		return strconv.ParseInt(v.V, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(v.V, 64)
	case KindString:
		return v.V, nil
	case KindBool:
		return strconv.ParseBool(v.V)
	case KindTime:
		return time.Parse(time.RFC3339Nano, v.V)
	case KindBytes:
		return base64.StdEncoding.DecodeString(v.V)
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.T)
	}
}

// RowImage is a captured row keyed by column name.
type RowImage map[string]Value

// EncodeRow captures a driver row.
func EncodeRow(row map[string]any) (RowImage, error) {
	img := make(RowImage, len(row))
	for col, v := range row {
		enc, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		img[col] = enc
	}
	return img, nil
}

// DecodeRow converts a captured row back to driver values.
func (img RowImage) DecodeRow() (map[string]any, error) {
	row := make(map[string]any, len(img))
	for col, v := range img {
		dec, err := v.Decode()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		row[col] = dec
	}
	return row, nil
}

// Project keeps only the given columns.
func (img RowImage) Project(cols []string) RowImage {
	out := make(RowImage, len(cols))
	for _, c := range cols {
		out[c] = img[c]
	}
	return out
}

// KeyString renders the key columns of img as a canonical map key.
func (img RowImage) KeyString(keyCols []string) string {
	var b strings.Builder
	for i, c := range keyCols {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		v := img[c]
		b.WriteString(string(v.T))
		b.WriteByte(':')
		b.WriteString(v.V)
	}
	return b.String()
}

// SnapshotSegment is the part of a snapshot captured by one committed chunk.
type SnapshotSegment struct {
	HistoryID  string     `json:"history_id"`
	ChunkIndex int        `json:"chunk_index"`
	Inserted   []RowImage `json:"inserted,omitempty"`
	PreImages  []RowImage `json:"pre_images,omitempty"`
}

// Empty reports whether the segment captured nothing.
func (s SnapshotSegment) Empty() bool {
	return len(s.Inserted) == 0 && len(s.PreImages) == 0
}

// Snapshot is the full rollback information for a load.
type Snapshot struct {
	KeyColumns []string
	Inserted   []RowImage
	PreImages  []RowImage
}

// AssembleSnapshot joins segments in chunk order.
func AssembleSnapshot(keyCols []string, segments []SnapshotSegment) *Snapshot {
	sorted := append([]SnapshotSegment(nil), segments...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	snap := &Snapshot{KeyColumns: keyCols}
	for _, seg := range sorted {
		snap.Inserted = append(snap.Inserted, seg.Inserted...)
		snap.PreImages = append(snap.PreImages, seg.PreImages...)
	}
	return snap
}

// RestorePlan is the set of writes that reverses a load.
type RestorePlan struct {
	Deletes  []RowImage
	Restores []RowImage
}

// Plan derives the reversal. A key inserted by the load is deleted even if a
// later row of the same load updated it. For keys only updated, the first
// captured pre-image is the original row.
func (s *Snapshot) Plan() RestorePlan {
	var plan RestorePlan
	inserted := make(map[string]struct{}, len(s.Inserted))
	for _, img := range s.Inserted {
		k := img.KeyString(s.KeyColumns)
		if _, dup := inserted[k]; dup {
			continue
		}
		inserted[k] = struct{}{}
		plan.Deletes = append(plan.Deletes, img.Project(s.KeyColumns))
	}

	restored := make(map[string]struct{}, len(s.PreImages))
	for _, img := range s.PreImages {
		k := img.KeyString(s.KeyColumns)
		if _, ok := inserted[k]; ok {
			continue
		}
		if _, dup := restored[k]; dup {
			continue
		}
		restored[k] = struct{}{}
		plan.Restores = append(plan.Restores, img)
	}
	return plan
}

// Columns returns every column referenced by the snapshot, sorted.
func (s *Snapshot) Columns() []string {
	set := make(map[string]struct{})
	for _, c := range s.KeyColumns {
		set[c] = struct{}{}
	}
	for _, img := range s.PreImages {
		for c := range img {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
