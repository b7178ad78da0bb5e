package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

// Normalize converts a value from either side of the migration into a
// canonical comparable form for the column's kind. Source rows carry Go
// types produced by the transformer; target rows carry what pgx scans for
// SelectExpr.
func Normalize(c Column, v any) any {
	if v == nil {
		return nil
	}
	switch c.Kind {
	case KindInt:
		switch n := v.(type) {
		case int64:
			return n
		case int32:
			return int64(n)
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	case KindNumeric:
		if f, ok := toFloat(v); ok {
			return Round(f, c.Scale)
		}
	case KindTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
		}
	case KindDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC().Format("2006-01-02")
		case string:
			if len(d) > 10 {
				return d[:10]
			}
			return d
		}
	case KindJSON:
		var raw []byte
		switch j := v.(type) {
		case string:
			raw = []byte(j)
		case []byte:
			raw = j
		case json.RawMessage:
			raw = j
		default:
			return j
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return string(raw)
		}
		return decoded
	case KindUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u.String()
		case [16]byte:
			return uuid.UUID(u).String()
		case string:
			return strings.ToLower(u)
		}
	case KindText:
		switch s := v.(type) {
		case string:
			return s
		case []byte:
			return string(s)
		}
	}
	return fmt.Sprint(v)
}

// Round rounds f to the given number of decimal places.
func Round(f float64, scale int) float64 {
	p := math.Pow(10, float64(scale))
	return math.Round(f*p) / p
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// NormalizeRow normalises the compared columns of a full-width row.
func NormalizeRow(t *Table, row []any) []any {
	cols, idx := t.Compared()
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = Normalize(c, row[idx[i]])
	}
	return out
}

// Checksum hashes normalised rows independent of their order: each row is
// JSON-serialised, the serialisations are sorted, and the sorted list hashed.
func Checksum(rows [][]any) (string, error) {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		lines = append(lines, string(b))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal compares two normalised values. Numbers, including those nested in
// JSON, may differ by at most tolerance; everything else must match exactly.
func Equal(a, b any, tolerance float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return cmp.Equal(a, b, cmpopts.EquateApprox(0, tolerance))
}
