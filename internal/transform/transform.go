package transform

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
)

// Refs holds, per parent table, the natural key to surrogate id index of
// rows already present in the target.
type Refs map[string]map[string]uuid.UUID

// Column produces one target column from a record. Exactly one of Value and
// Ref is set; Ref yields the parent natural key of a foreign-key column.
type Column[T model.Record] struct {
	Name  string
	Value func(rec T) (any, error)
	Ref   func(rec T) sql.NullString
}

// Skip is a record that produced no row.
type Skip struct {
	Key    string `json:"key" yaml:"key"`
	Source string `json:"source" yaml:"source"`
	Reason string `json:"reason" yaml:"reason"`
}

// Output is the transformed form of one entity.
type Output struct {
	Table    *schema.Table
	Rows     [][]any
	Skipped  []Skip
	Warnings int
}

// Apply runs the column mapping over every record. A failed or unresolved
// value becomes NULL when the column is nullable and skips the record
// otherwise; a record is never linked to a parent it does not name.
func Apply[T model.Record](t *schema.Table, cols []Column[T], records []T, refs Refs) (*Output, error) {
	if len(cols) != len(t.Columns) {
		return nil, eris.Errorf("transform: %s mapping has %d columns, table has %d", t.Name, len(cols), len(t.Columns))
	}
	parents := make([]map[string]uuid.UUID, len(cols))
	for i, c := range cols {
		if c.Name != t.Columns[i].Name {
			return nil, eris.Errorf("transform: %s mapping column %d is %q, want %q", t.Name, i, c.Name, t.Columns[i].Name)
		}
		if c.Ref == nil {
			continue
		}
		rel, ok := relation(t.Name, c.Name)
		if !ok {
			return nil, eris.Errorf("transform: %s.%s has no declared relation", t.Name, c.Name)
		}
		parents[i] = refs[rel.Parent]
	}

	log := zap.L().With(zap.String("component", "transform"), zap.String("table", t.Name))
	out := &Output{Table: t, Rows: make([][]any, 0, len(records))}
	seen := make(map[string]bool, len(records))

records:
	for _, rec := range records {
		row := make([]any, len(cols))
		for i, c := range cols {
			col := t.Columns[i]

			var (
				v   any
				err error
			)
			if c.Ref != nil {
				key := c.Ref(rec)
				if k := strings.TrimSpace(key.String); key.Valid && k != "" {
					if id, ok := parents[i][k]; ok {
						v = id
					} else {
						err = eris.Errorf("unresolved %s reference %q", col.Name, k)
					}
				}
			} else {
				v, err = c.Value(rec)
			}

			if err == nil && v == nil && !col.Nullable {
				err = eris.Errorf("%s is required", col.Name)
			}
			if err != nil {
				if !col.Nullable {
					log.Warn("record skipped",
						zap.String("key", rec.DedupKey()),
						zap.String("source", rec.Source()),
						zap.String("reason", err.Error()),
					)
					out.Skipped = append(out.Skipped, Skip{Key: rec.DedupKey(), Source: rec.Source(), Reason: err.Error()})
					continue records
				}
				log.Warn("value set to NULL",
					zap.String("key", rec.DedupKey()),
					zap.String("column", col.Name),
					zap.Error(err),
				)
				out.Warnings++
				v = nil
			}
			row[i] = v
		}

		// Distinct source keys can still collide once coerced, e.g. two
		// timestamps on the same UTC day.
		nk := NaturalKey(t, row)
		if seen[nk] {
			log.Warn("record skipped", zap.String("key", rec.DedupKey()), zap.String("reason", "duplicate target key "+nk))
			out.Skipped = append(out.Skipped, Skip{Key: rec.DedupKey(), Source: rec.Source(), Reason: "duplicate target key " + nk})
			continue
		}
		seen[nk] = true
		out.Rows = append(out.Rows, row)
	}

	log.Info("transform complete",
		zap.Int("rows", len(out.Rows)),
		zap.Int("skipped", len(out.Skipped)),
		zap.Int("warnings", out.Warnings),
	)
	return out, nil
}

// NaturalKey renders the normalised natural key of a full-width row.
func NaturalKey(t *schema.Table, row []any) string {
	parts := make([]string, len(t.NaturalKey))
	for i, name := range t.NaturalKey {
		col, _ := t.Column(name)
		parts[i] = fmt.Sprint(schema.Normalize(col, row[t.Index(name)]))
	}
	return strings.Join(parts, "|")
}

func relation(child, column string) (schema.Relation, bool) {
	for _, r := range schema.RelationsFor(child) {
		if r.Column == column {
			return r, true
		}
	}
	return schema.Relation{}, false
}

func newID[T model.Record](T) (any, error) { return uuid.New(), nil }

func text(s string) any {
	return CleanText(sql.NullString{String: s, Valid: true})
}

func timestamp(s sql.NullString) (any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PostColumns maps posts onto content_posts.
var PostColumns = []Column[model.Post]{
	{Name: "id", Value: newID[model.Post]},
	{Name: "external_post_id", Value: func(p model.Post) (any, error) { return text(p.PostID), nil }},
	{Name: "content", Value: func(p model.Post) (any, error) { return CleanText(p.Content), nil }},
	{Name: "published_at", Value: func(p model.Post) (any, error) { return timestamp(p.PublishedAt) }},
	{Name: "impressions", Value: func(p model.Post) (any, error) { return Count(p.Impressions), nil }},
	{Name: "likes", Value: func(p model.Post) (any, error) { return Count(p.Likes), nil }},
	{Name: "comments", Value: func(p model.Post) (any, error) { return Count(p.Comments), nil }},
	{Name: "shares", Value: func(p model.Post) (any, error) { return Count(p.Shares), nil }},
	{Name: "engagement_rate", Value: func(p model.Post) (any, error) { return ClampFraction(p.EngagementRate), nil }},
	{Name: "hashtags", Value: func(p model.Post) (any, error) { return EncodeHashtags(p.Hashtags) }},
	{Name: "data_source", Value: func(p model.Post) (any, error) { return p.DataSource, nil }},
}

// Epoch stands in for inquiries carrying no timestamp at all. It is fixed so
// re-planning the same sources always yields the same rows.
var Epoch = time.Unix(0, 0).UTC()

// inquiryTimes applies the timestamp fallbacks: created_at falls back to
// updated_at, updated_at to created_at, and updated_at never precedes
// created_at.
func inquiryTimes(i model.Inquiry) (created, updated time.Time) {
	c, cerr := ParseTimestamp(i.CreatedAt.String)
	u, uerr := ParseTimestamp(i.UpdatedAt.String)
	switch {
	case cerr != nil && uerr != nil:
		return Epoch, Epoch
	case cerr != nil:
		return u, u
	case uerr != nil:
		return c, c
	case u.Before(c):
		return c, c
	}
	return c, u
}

// InquiryColumns maps inquiries onto consultation_inquiries.
var InquiryColumns = []Column[model.Inquiry]{
	{Name: "id", Value: newID[model.Inquiry]},
	{Name: "external_inquiry_id", Value: func(i model.Inquiry) (any, error) { return text(i.InquiryID), nil }},
	{Name: "post_id", Ref: func(i model.Inquiry) sql.NullString { return i.PostID }},
	{Name: "company_name", Value: func(i model.Inquiry) (any, error) { return CleanText(i.CompanyName), nil }},
	{Name: "contact_name", Value: func(i model.Inquiry) (any, error) { return CleanText(i.ContactName), nil }},
	{Name: "contact_email", Value: func(i model.Inquiry) (any, error) { return CleanText(i.ContactEmail), nil }},
	{Name: "inquiry_type", Value: func(i model.Inquiry) (any, error) { return RemapInquiryType(i.InquiryType), nil }},
	{Name: "status", Value: func(i model.Inquiry) (any, error) { return RemapStatus(i.Status), nil }},
	{Name: "priority_score", Value: func(i model.Inquiry) (any, error) { return ClampScore(i.PriorityScore), nil }},
	{Name: "estimated_value", Value: func(i model.Inquiry) (any, error) { return Money(i.EstimatedValue), nil }},
	{Name: "metadata", Value: func(i model.Inquiry) (any, error) { return EncodeMetadata(i.Metadata), nil }},
	{Name: "created_at", Value: func(i model.Inquiry) (any, error) { c, _ := inquiryTimes(i); return c, nil }},
	{Name: "updated_at", Value: func(i model.Inquiry) (any, error) { _, u := inquiryTimes(i); return u, nil }},
	{Name: "data_source", Value: func(i model.Inquiry) (any, error) { return i.DataSource, nil }},
}

// EngagementColumns maps daily snapshots onto engagement_metrics.
var EngagementColumns = []Column[model.Engagement]{
	{Name: "id", Value: newID[model.Engagement]},
	{Name: "post_id", Ref: func(e model.Engagement) sql.NullString {
		return sql.NullString{String: e.PostID, Valid: e.PostID != ""}
	}},
	{Name: "snapshot_date", Value: func(e model.Engagement) (any, error) {
		d, err := ParseDate(e.SnapshotDate)
		if err != nil {
			return nil, err
		}
		return d, nil
	}},
	{Name: "impressions", Value: func(e model.Engagement) (any, error) { return Count(e.Impressions), nil }},
	{Name: "likes", Value: func(e model.Engagement) (any, error) { return Count(e.Likes), nil }},
	{Name: "comments", Value: func(e model.Engagement) (any, error) { return Count(e.Comments), nil }},
	{Name: "shares", Value: func(e model.Engagement) (any, error) { return Count(e.Shares), nil }},
	{Name: "engagement_rate", Value: func(e model.Engagement) (any, error) { return ClampFraction(e.EngagementRate), nil }},
	{Name: "data_source", Value: func(e model.Engagement) (any, error) { return e.DataSource, nil }},
}

// Posts transforms posts.
func Posts(records []model.Post) (*Output, error) {
	return Apply(schema.ContentPosts, PostColumns, records, nil)
}

// Inquiries transforms inquiries, resolving post references through refs.
func Inquiries(records []model.Inquiry, refs Refs) (*Output, error) {
	return Apply(schema.ConsultationInquiries, InquiryColumns, records, refs)
}

// Engagement transforms snapshots, resolving post references through refs.
func Engagement(records []model.Engagement, refs Refs) (*Output, error) {
	return Apply(schema.EngagementMetrics, EngagementColumns, records, refs)
}
