// Package schema describes the consolidated PostgreSQL target: tables, column
// kinds, conflict policies and the integrity rules the validator enforces.
package schema

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/dbconsolidate/internal/db"
)

// Name of the Postgres schema holding every consolidated table.
const Name = "consolidated"

// Kind is the logical type of a target column. It drives how values are cast
// when read back and how they are normalised for comparison.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindNumeric
	KindTimestamp
	KindDate
	KindJSON
	KindUUID
)

// JSONShape is the expected top-level JSON type of a structured column.
type JSONShape string

const (
	JSONObject JSONShape = "object"
	JSONArray  JSONShape = "array"
)

// Column is one target column.
type Column struct {
	Name      string
	Kind      Kind
	Scale     int // NUMERIC scale
	Nullable  bool
	Surrogate bool // generated key, excluded from comparisons
	Shape     JSONShape
}

// Aggregate is a financial/ratio aggregate compared between source and target.
type Aggregate struct {
	Column string
	Func   string // "sum" or "avg"
	// Extracted compares the target with the total read from the sources
	// before any coercion, so value lost in transform shows up.
	Extracted bool
}

// Range is an inclusive value range for a numeric column.
type Range struct {
	Column string
	Min    float64
	Max    float64
}

// Ordering requires Before <= After on every row where both are set.
type Ordering struct {
	Before string
	After  string
}

// Relation declares a foreign key from a child column to a parent table's id.
type Relation struct {
	Child         string
	Column        string
	Parent        string
	ParentKey     string
	ParentNatural string // parent column holding the natural key used for remapping
}

// Table is a target table definition.
type Table struct {
	Name       string // unqualified
	Entity     string
	Columns    []Column
	NaturalKey []string
	Conflict   db.ConflictPolicy
	Critical   bool
	Aggregates []Aggregate
	Ranges     []Range
	Orderings  []Ordering
}

// Qualified returns the schema-qualified table name.
func (t *Table) Qualified() string { return Name + "." + t.Name }

// ColumnNames returns the column names in insert order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Compared returns the columns that take part in checksums and sample
// comparisons, with their positions in the row.
func (t *Table) Compared() ([]Column, []int) {
	var cols []Column
	var idx []int
	for i, c := range t.Columns {
		if c.Surrogate {
			continue
		}
		cols = append(cols, c)
		idx = append(idx, i)
	}
	return cols, idx
}

// JSONColumns returns the structured columns.
func (t *Table) JSONColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if c.Kind == KindJSON {
			cols = append(cols, c)
		}
	}
	return cols
}

// Index returns the position of a column, or -1.
func (t *Table) Index(column string) int {
	for i, c := range t.Columns {
		if c.Name == column {
			return i
		}
	}
	return -1
}

// Column returns the named column definition.
func (t *Table) Column(name string) (Column, bool) {
	if i := t.Index(name); i >= 0 {
		return t.Columns[i], true
	}
	return Column{}, false
}

// UpsertConfig renders the db-level upsert configuration for the table.
func (t *Table) UpsertConfig() db.UpsertConfig {
	var exclude []string
	for _, c := range t.Columns {
		if c.Surrogate {
			exclude = append(exclude, c.Name)
		}
	}
	return db.UpsertConfig{
		Table:    t.Qualified(),
		Columns:  t.ColumnNames(),
		Conflict: t.Conflict,
		Exclude:  exclude,
	}
}

// SelectExpr is the expression used to read a column back for comparison.
// Casts make the scanned Go types predictable regardless of column storage.
func (c Column) SelectExpr() string {
	q := db.QuoteAndJoin([]string{c.Name})
	switch c.Kind {
	case KindInt:
		return q + "::bigint"
	case KindNumeric:
		return q + "::float8"
	case KindDate, KindJSON, KindUUID:
		return q + "::text"
	default:
		return q
	}
}

// Lookup finds a table by unqualified name.
func Lookup(name string) (*Table, error) {
	for _, t := range Tables() {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, eris.Errorf("schema: unknown table %q", name)
}
