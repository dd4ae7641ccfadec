package validation

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"

	"github.com/target/etl-loader/internal/domain/model"
)

// IsNull treats nil and blank strings as missing. Spreadsheet sources
// produce empty cells as "".
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

// textOf renders v for pattern matching.
func textOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

// canonical renders v so that values equal for duplicate detection render
// the same. Strings are NFC-normalized and trimmed; integral floats render as
// integers.
func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00null"
	case string:
		return "s:" + norm.NFC.String(strings.TrimSpace(x))
	case float64:
		if x == float64(int64(x)) {
			return "n:" + strconv.FormatInt(int64(x), 10)
		}
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	case int64, int, int32:
		return "n:" + textOf(x)
	case bool:
		return "b:" + strconv.FormatBool(x)
	}
	return "x:" + textOf(v)
}

// valueHash hashes the canonical form of v.
func valueHash(v any) uint64 {
	return xxh3.HashString(canonical(v))
}

// rowHash hashes a row over cols in order. Each value is length-prefixed so
// adjacent values cannot run together.
func rowHash(row model.Row, cols []string) uint64 {
	h := xxh3.New()
	var lenBuf [8]byte
	for _, c := range cols {
		s := canonical(row[c])
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.WriteString(s)
	}
	return h.Sum64()
}

// columnsOf returns the declared column names, or every column seen in
// sample sorted by name when none are declared.
func columnsOf(specs []model.ColumnSpec, sample []model.Row) []string {
	if len(specs) > 0 {
		out := make([]string, 0, len(specs))
		for _, s := range specs {
			out = append(out, s.Name)
		}
		return out
	}
	set := make(map[string]struct{})
	for _, row := range sample {
		for c := range row {
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
