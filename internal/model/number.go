package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Number is a nullable numeric cell read from SQLite, where the same logical
// column may hold INTEGER, REAL or TEXT ("85%", "$1,250.00") depending on the
// database generation.
type Number struct {
	Value   float64
	Valid   bool
	Percent bool // the text form carried an explicit '%' sign
}

// Scan implements sql.Scanner.
func (n *Number) Scan(src any) error {
	*n = Number{}
	switch v := src.(type) {
	case nil:
		return nil
	case int64:
		n.Value, n.Valid = float64(v), true
	case float64:
		n.Value, n.Valid = v, true
	case bool:
		if v {
			n.Value = 1
		}
		n.Valid = true
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("model: cannot scan %T into Number", src)
	}
	return nil
}

func (n *Number) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasSuffix(s, "%") {
		n.Percent = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("model: parse number %q: %w", s, err)
	}
	n.Value, n.Valid = f, true
	return nil
}

// Float returns the value, or 0 when NULL.
func (n Number) Float() float64 {
	if !n.Valid {
		return 0
	}
	return n.Value
}
