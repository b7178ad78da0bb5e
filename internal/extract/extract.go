// Package extract reads logical entities out of ordered source SQLite
// databases, normalises schema generations onto one shape and deduplicates
// records across sources.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dbconsolidate/internal/config"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
	"github.com/sells-group/dbconsolidate/internal/source"
)

// Layout is one schema generation of an entity. Select lists the source
// expressions in canonical field order; aliasing there is the field remap.
type Layout struct {
	Table    string
	Requires []string
	Select   []string
	OrderBy  string
}

func (l Layout) query() string {
	return fmt.Sprintf("SELECT %s FROM %q ORDER BY %s",
		strings.Join(l.Select, ", "), l.Table, l.OrderBy)
}

// Entity describes how to read one logical record type from any generation.
type Entity[T model.Record] struct {
	Name    string
	Layouts []Layout
	Scan    func(rows *sql.Rows, source string) (T, error)
	// Amount returns the monetary value of a record; nil for entities
	// without a business-critical amount.
	Amount func(T) float64
}

// SourceCount is the number of rows read from one source table.
type SourceCount struct {
	Source string `json:"source" yaml:"source"`
	Table  string `json:"table" yaml:"table"`
	Rows   int    `json:"rows" yaml:"rows"`
}

// Duplicate records a later occurrence of an already-seen key.
type Duplicate struct {
	Key     string `json:"key" yaml:"key"`
	Kept    string `json:"kept" yaml:"kept"`
	Dropped string `json:"dropped" yaml:"dropped"`
}

// Skip records a source or row that contributed nothing, with the reason.
type Skip struct {
	Source string `json:"source" yaml:"source"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty"`
	Row    int    `json:"row,omitempty" yaml:"row,omitempty"` // 1-based; 0 when a whole source or table was skipped
	Reason string `json:"reason" yaml:"reason"`
}

// RowLevel reports whether a single row was rejected rather than a source
// or table.
func (s Skip) RowLevel() bool { return s.Row > 0 }

// Result is the merged, deduplicated output for one entity.
type Result[T model.Record] struct {
	Entity     string
	Records    []T
	PerSource  []SourceCount
	Duplicates []Duplicate
	Skipped    []Skip
	Total      *float64
}

// Extracted is the number of rows read before dedup.
func (r *Result[T]) Extracted() int {
	n := 0
	for _, c := range r.PerSource {
		n += c.Rows
	}
	return n
}

type sourceRead[T model.Record] struct {
	records []T
	count   *SourceCount
	skipped []Skip
}

// Extract reads the entity from every source. Sources are read in parallel
// when parallel is set; the merge always walks them in the given order so the
// first source holding a key wins.
func Extract[T model.Record](ctx context.Context, sources []config.SourceConfig, e Entity[T], parallel bool) (*Result[T], error) {
	log := zap.L().With(zap.String("component", "extract"), zap.String("entity", e.Name))

	reads := make([]sourceRead[T], len(sources))
	g, gCtx := errgroup.WithContext(ctx)
	if !parallel {
		g.SetLimit(1)
	}
	for i, src := range sources {
		g.Go(func() error {
			r, err := readSource(gCtx, src, e)
			if err != nil {
				return err
			}
			reads[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result[T]{Entity: e.Name}
	seen := make(map[string]string)
	for _, r := range reads {
		if r.count != nil {
			res.PerSource = append(res.PerSource, *r.count)
		}
		res.Skipped = append(res.Skipped, r.skipped...)
		for _, rec := range r.records {
			key := rec.DedupKey()
			if kept, ok := seen[key]; ok {
				log.Warn("duplicate record dropped",
					zap.String("key", key),
					zap.String("kept", kept),
					zap.String("dropped", rec.Source()),
				)
				res.Duplicates = append(res.Duplicates, Duplicate{Key: key, Kept: kept, Dropped: rec.Source()})
				continue
			}
			seen[key] = rec.Source()
			res.Records = append(res.Records, rec)
		}
	}

	if e.Amount != nil {
		var total float64
		for _, rec := range res.Records {
			total += e.Amount(rec)
		}
		total = schema.Round(total, 2)
		res.Total = &total
		log.Info("extracted business value",
			zap.Float64("total", total),
			zap.Int("records", len(res.Records)),
		)
	}

	log.Info("extraction complete",
		zap.Int("extracted", res.Extracted()),
		zap.Int("unique", len(res.Records)),
		zap.Int("duplicates", len(res.Duplicates)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func readSource[T model.Record](ctx context.Context, src config.SourceConfig, e Entity[T]) (sourceRead[T], error) {
	log := zap.L().With(
		zap.String("component", "extract"),
		zap.String("entity", e.Name),
		zap.String("source", src.Name),
	)
	var out sourceRead[T]

	fail := func(table string, err error) (sourceRead[T], error) {
		if src.Required {
			return out, eris.Wrapf(err, "extract: required source %s", src.Name)
		}
		log.Warn("source unreadable, skipping", zap.String("table", table), zap.Error(err))
		out.skipped = append(out.skipped, Skip{Source: src.Name, Table: table, Reason: err.Error()})
		return out, nil
	}

	db, err := source.Open(ctx, src.Path)
	if err != nil {
		return fail("", err)
	}
	defer db.Close() //nolint:errcheck

	layout, reason, err := pickLayout(ctx, db, e.Layouts)
	if err != nil {
		return fail("", err)
	}
	if layout == nil {
		log.Warn("no usable table, skipping", zap.String("reason", reason))
		out.skipped = append(out.skipped, Skip{Source: src.Name, Reason: reason})
		return out, nil
	}

	rows, err := db.Query(ctx, layout.query())
	if err != nil {
		return fail(layout.Table, err)
	}
	defer rows.Close() //nolint:errcheck

	tag := src.Name + "." + layout.Table
	count := &SourceCount{Source: src.Name, Table: layout.Table}
	for rows.Next() {
		count.Rows++
		rec, err := e.Scan(rows, tag)
		if err != nil {
			log.Warn("row rejected", zap.String("table", layout.Table), zap.Int("row", count.Rows), zap.Error(err))
			out.skipped = append(out.skipped, Skip{
				Source: src.Name,
				Table:  layout.Table,
				Row:    count.Rows,
				Reason: fmt.Sprintf("row %d: %v", count.Rows, err),
			})
			continue
		}
		if rec.DedupKey() == "" || strings.HasPrefix(rec.DedupKey(), "|") {
			log.Warn("row without natural key rejected", zap.String("table", layout.Table), zap.Int("row", count.Rows))
			out.skipped = append(out.skipped, Skip{
				Source: src.Name,
				Table:  layout.Table,
				Row:    count.Rows,
				Reason: fmt.Sprintf("row %d: empty natural key", count.Rows),
			})
			continue
		}
		out.records = append(out.records, rec)
	}
	if err := rows.Err(); err != nil {
		return fail(layout.Table, err)
	}

	log.Debug("source read", zap.String("table", layout.Table), zap.Int("rows", count.Rows))
	out.count = count
	return out, nil
}

// pickLayout returns the first layout whose table exists and carries every
// required column. A nil layout comes with the reason none matched.
func pickLayout(ctx context.Context, db *source.DB, layouts []Layout) (*Layout, string, error) {
	var present []string
	for i := range layouts {
		l := &layouts[i]
		ok, err := db.TableExists(ctx, l.Table)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		cols, err := db.Columns(ctx, l.Table)
		if err != nil {
			return nil, "", err
		}
		if missing := missingColumns(cols, l.Requires); len(missing) > 0 {
			present = append(present, fmt.Sprintf("%s (missing %s)", l.Table, strings.Join(missing, ", ")))
			continue
		}
		return l, "", nil
	}
	if len(present) > 0 {
		return nil, "no layout matches " + strings.Join(present, "; "), nil
	}
	tables := make([]string, len(layouts))
	for i, l := range layouts {
		tables[i] = l.Table
	}
	return nil, "table not found: " + strings.Join(tables, " or "), nil
}

func missingColumns(have map[string]bool, want []string) []string {
	var missing []string
	for _, c := range want {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// BusinessValue sums the inquiry pipeline value held in a single database
// file. A file without an inquiries table is worth zero.
func BusinessValue(ctx context.Context, path string) (float64, error) {
	src := []config.SourceConfig{{Name: "snapshot", Path: path, Required: true}}
	res, err := Extract(ctx, src, Inquiries, false)
	if err != nil {
		return 0, eris.Wrapf(err, "extract: business value of %s", path)
	}
	for _, s := range res.Skipped {
		if s.RowLevel() {
			return 0, eris.Errorf("extract: business value of %s: %s", path, s.Reason)
		}
	}
	return *res.Total, nil
}
