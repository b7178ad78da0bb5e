package validate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dbconsolidate/internal/db"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
)

func qualified(t *schema.Table) string { return db.SanitizeTable(t.Qualified()) }

func quote(col string) string { return db.QuoteAndJoin([]string{col}) }

func (v *Validator) count(ctx context.Context, q string, args ...any) (int64, error) {
	var n int64
	if err := v.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "validate: %s", q)
	}
	return n, nil
}

func (v *Validator) rowCount(ctx context.Context, src Source) (model.CheckStatus, string, error) {
	n, err := v.count(ctx, "SELECT count(*) FROM "+qualified(src.Table))
	if err != nil {
		return "", "", err
	}
	detail := fmt.Sprintf("source=%d target=%d", len(src.Rows), n)
	if n != int64(len(src.Rows)) {
		return model.CheckFail, detail, nil
	}
	return model.CheckPass, detail, nil
}

func (v *Validator) foreignKeys(ctx context.Context, src Source) (model.CheckStatus, string, error) {
	rels := schema.RelationsFor(src.Table.Name)
	if len(rels) == 0 {
		return model.CheckPass, "no foreign keys", nil
	}
	var parts []string
	var orphans int64
	for _, r := range rels {
		parent, err := schema.Lookup(r.Parent)
		if err != nil {
			return "", "", err
		}
		q := fmt.Sprintf(
			"SELECT count(*) FROM %s c WHERE c.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = c.%s)",
			qualified(src.Table), quote(r.Column), qualified(parent), quote(r.ParentKey), quote(r.Column),
		)
		n, err := v.count(ctx, q)
		if err != nil {
			return "", "", err
		}
		orphans += n
		parts = append(parts, fmt.Sprintf("%s->%s orphans=%d", r.Column, r.Parent, n))
	}
	if orphans > 0 {
		return model.CheckFail, strings.Join(parts, "; "), nil
	}
	return model.CheckPass, strings.Join(parts, "; "), nil
}

func (v *Validator) jsonStructure(ctx context.Context, src Source) (model.CheckStatus, string, error) {
	cols := src.Table.JSONColumns()
	if len(cols) == 0 {
		return model.CheckPass, "no structured columns", nil
	}
	var parts []string
	var bad int
	for _, c := range cols {
		q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL",
			c.SelectExpr(), qualified(src.Table), quote(c.Name))
		rows, err := v.pool.Query(ctx, q)
		if err != nil {
			return "", "", eris.Wrapf(err, "validate: %s", q)
		}
		var checked, invalid int
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return "", "", eris.Wrapf(err, "validate: scan %s", c.Name)
			}
			checked++
			if !hasShape(raw, c.Shape) {
				invalid++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return "", "", eris.Wrapf(err, "validate: %s", q)
		}
		bad += invalid
		parts = append(parts, fmt.Sprintf("%s checked=%d invalid=%d", c.Name, checked, invalid))
	}
	if bad > 0 {
		return model.CheckFail, strings.Join(parts, "; "), nil
	}
	return model.CheckPass, strings.Join(parts, "; "), nil
}

func hasShape(raw string, shape schema.JSONShape) bool {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return false
	}
	switch shape {
	case schema.JSONObject:
		_, ok := decoded.(map[string]any)
		return ok
	case schema.JSONArray:
		_, ok := decoded.([]any)
		return ok
	}
	return true
}

// sourceAggregate computes sum or avg over non-null values of a column.
// A nil result means avg over no values.
func sourceAggregate(t *schema.Table, rows [][]any, a schema.Aggregate) *float64 {
	col, _ := t.Column(a.Column)
	i := t.Index(a.Column)
	var sum float64
	var n int
	for _, r := range rows {
		f, ok := asFloat(schema.Normalize(col, r[i]))
		if !ok {
			continue
		}
		sum += f
		n++
	}
	if a.Func == "avg" {
		if n == 0 {
			return nil
		}
		avg := sum / float64(n)
		return &avg
	}
	return &sum
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func fmtAgg(v *float64) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%.4f", *v)
}

func (v *Validator) financial(ctx context.Context, src Source) (model.CheckStatus, string, error) {
	t := src.Table
	if len(t.Aggregates) == 0 {
		return model.CheckPass, "no aggregates", nil
	}
	status := model.CheckPass
	var parts []string
	for _, a := range t.Aggregates {
		expr := fmt.Sprintf("COALESCE(sum(%s), 0)::float8", quote(a.Column))
		if a.Func == "avg" {
			expr = fmt.Sprintf("avg(%s)::float8", quote(a.Column))
		}
		q := fmt.Sprintf("SELECT %s FROM %s", expr, qualified(t))
		var got pgtype.Float8
		if err := v.pool.QueryRow(ctx, q).Scan(&got); err != nil {
			return "", "", eris.Wrapf(err, "validate: %s", q)
		}
		var target *float64
		if got.Valid {
			target = &got.Float64
		}
		want := sourceAggregate(t, src.Rows, a)
		part := ""
		if a.Extracted && src.Total != nil {
			if want != nil && math.Abs(*want-*src.Total) >= v.opts.Tolerance {
				part = " transformed=" + fmtAgg(want)
			}
			want = src.Total
		}

		ok := (want == nil) == (target == nil)
		if ok && want != nil {
			ok = math.Abs(*want-*target) < v.opts.Tolerance
		}
		if !ok {
			status = model.CheckFail
		}
		parts = append(parts, fmt.Sprintf("%s(%s) source=%s target=%s%s", a.Func, a.Column, fmtAgg(want), fmtAgg(target), part))
	}
	return status, strings.Join(parts, "; "), nil
}

func (v *Validator) businessRange(ctx context.Context, src Source) (model.CheckStatus, string, error) {
	t := src.Table
	if len(t.Ranges) == 0 && len(t.Orderings) == 0 {
		return model.CheckPass, "no business rules", nil
	}
	var parts []string
	var violations int64
	for _, r := range t.Ranges {
		q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s < $1 OR %s > $2",
			qualified(t), quote(r.Column), quote(r.Column))
		n, err := v.count(ctx, q, r.Min, r.Max)
		if err != nil {
			return "", "", err
		}
		violations += n
		parts = append(parts, fmt.Sprintf("%s outside [%g,%g]=%d", r.Column, r.Min, r.Max, n))
	}
	for _, o := range t.Orderings {
		q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s IS NOT NULL AND %s IS NOT NULL AND %s > %s",
			qualified(t), quote(o.Before), quote(o.After), quote(o.Before), quote(o.After))
		n, err := v.count(ctx, q)
		if err != nil {
			return "", "", err
		}
		violations += n
		parts = append(parts, fmt.Sprintf("%s after %s=%d", o.Before, o.After, n))
	}
	if violations > 0 {
		return model.CheckFail, strings.Join(parts, "; "), nil
	}
	return model.CheckPass, strings.Join(parts, "; "), nil
}

// sampleKey orders rows for sampling. Hashing the natural key gives a
// spread across sources that is stable from run to run.
func sampleKey(nk string) string {
	h := sha256.Sum256([]byte(nk))
	return hex.EncodeToString(h[:])
}

type keyedRow struct {
	key  []any // normalised natural key values
	name string
	hash string
	row  []any
}

func sample(t *schema.Table, rows [][]any, n int) []keyedRow {
	keyed := make([]keyedRow, len(rows))
	for i, r := range rows {
		kr := keyedRow{row: r}
		names := make([]string, len(t.NaturalKey))
		for j, k := range t.NaturalKey {
			col, _ := t.Column(k)
			val := schema.Normalize(col, r[t.Index(k)])
			kr.key = append(kr.key, val)
			names[j] = fmt.Sprint(val)
		}
		kr.name = strings.Join(names, "|")
		kr.hash = sampleKey(kr.name)
		keyed[i] = kr
	}
	sort.Slice(keyed, func(i, j int) bool { return keyed[i].hash < keyed[j].hash })
	if len(keyed) > n {
		keyed = keyed[:n]
	}
	return keyed
}

func selectList(t *schema.Table) string {
	cols, _ := t.Compared()
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = c.SelectExpr()
	}
	return strings.Join(exprs, ", ")
}

func (v *Validator) sampleData(ctx context.Context, src Source) (model.CheckStatus, string, error) {
	t := src.Table
	picked := sample(t, src.Rows, v.opts.SampleSize)
	if len(picked) == 0 {
		return model.CheckPass, "no rows to sample", nil
	}

	conds := make([]string, len(t.NaturalKey))
	for i, k := range t.NaturalKey {
		col, _ := t.Column(k)
		conds[i] = fmt.Sprintf("%s = $%d", col.SelectExpr(), i+1)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", selectList(t), qualified(t), strings.Join(conds, " AND "))

	cols, _ := t.Compared()
	var mismatches []string
	for _, p := range picked {
		got := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range got {
			ptrs[i] = &got[i]
		}
		if err := v.pool.QueryRow(ctx, q, p.key...).Scan(ptrs...); err != nil {
			if isNoRows(err) {
				mismatches = append(mismatches, p.name+": missing in target")
				continue
			}
			return "", "", eris.Wrapf(err, "validate: sample %s", p.name)
		}
		want := schema.NormalizeRow(t, p.row)
		for i, c := range cols {
			if !schema.Equal(want[i], schema.Normalize(c, got[i]), v.opts.SampleTolerance) {
				mismatches = append(mismatches, fmt.Sprintf("%s.%s: source=%v target=%v", p.name, c.Name, want[i], schema.Normalize(c, got[i])))
			}
		}
	}
	if len(mismatches) > 0 {
		return model.CheckFail, fmt.Sprintf("sampled=%d mismatches: %s", len(picked), strings.Join(mismatches, "; ")), nil
	}
	return model.CheckPass, fmt.Sprintf("sampled=%d", len(picked)), nil
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (v *Validator) checksum(ctx context.Context, src Source) (model.CheckStatus, string, error) {
	t := src.Table
	want := make([][]any, len(src.Rows))
	for i, r := range src.Rows {
		want[i] = schema.NormalizeRow(t, r)
	}
	wantSum, err := schema.Checksum(want)
	if err != nil {
		return "", "", err
	}

	q := fmt.Sprintf("SELECT %s FROM %s", selectList(t), qualified(t))
	rows, err := v.pool.Query(ctx, q)
	if err != nil {
		return "", "", eris.Wrapf(err, "validate: %s", q)
	}
	defer rows.Close()

	cols, _ := t.Compared()
	var got [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", "", eris.Wrapf(err, "validate: scan %s", t.Name)
		}
		for i, c := range cols {
			vals[i] = schema.Normalize(c, vals[i])
		}
		got = append(got, vals)
	}
	if err := rows.Err(); err != nil {
		return "", "", eris.Wrapf(err, "validate: %s", q)
	}
	gotSum, err := schema.Checksum(got)
	if err != nil {
		return "", "", err
	}

	detail := fmt.Sprintf("source=%s target=%s", wantSum[:12], gotSum[:12])
	if wantSum != gotSum {
		return model.CheckFail, detail, nil
	}
	return model.CheckPass, detail, nil
}
