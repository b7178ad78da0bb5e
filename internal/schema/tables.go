package schema

import "github.com/sells-group/dbconsolidate/internal/db"

// Entity names shared with the extractor.
const (
	EntityPosts      = "posts"
	EntityInquiries  = "inquiries"
	EntityEngagement = "engagement"
)

// ContentPosts holds one row per LinkedIn post. Content is immutable once
// migrated; metrics are refreshed on conflict.
var ContentPosts = &Table{
	Name:   "content_posts",
	Entity: EntityPosts,
	Columns: []Column{
		{Name: "id", Kind: KindUUID, Surrogate: true},
		{Name: "external_post_id", Kind: KindText},
		{Name: "content", Kind: KindText, Nullable: true},
		{Name: "published_at", Kind: KindTimestamp, Nullable: true},
		{Name: "impressions", Kind: KindInt},
		{Name: "likes", Kind: KindInt},
		{Name: "comments", Kind: KindInt},
		{Name: "shares", Kind: KindInt},
		{Name: "engagement_rate", Kind: KindNumeric, Scale: 4, Nullable: true},
		{Name: "hashtags", Kind: KindJSON, Nullable: true, Shape: JSONArray},
		{Name: "data_source", Kind: KindText},
	},
	NaturalKey: []string{"external_post_id"},
	Conflict: db.ConflictPolicy{
		Mode:   db.UpsertSubset,
		Keys:   []string{"external_post_id"},
		Update: []string{"impressions", "likes", "comments", "shares", "engagement_rate"},
	},
	Aggregates: []Aggregate{
		{Column: "impressions", Func: "sum"},
		{Column: "engagement_rate", Func: "avg"},
	},
	Ranges: []Range{
		{Column: "engagement_rate", Min: 0, Max: 1},
		{Column: "impressions", Min: 0, Max: 1e12},
	},
}

// ConsultationInquiries is the sales pipeline. It is critical: any load
// failure or validation failure triggers rollback.
var ConsultationInquiries = &Table{
	Name:   "consultation_inquiries",
	Entity: EntityInquiries,
	Columns: []Column{
		{Name: "id", Kind: KindUUID, Surrogate: true},
		{Name: "external_inquiry_id", Kind: KindText},
		{Name: "post_id", Kind: KindUUID, Nullable: true},
		{Name: "company_name", Kind: KindText, Nullable: true},
		{Name: "contact_name", Kind: KindText, Nullable: true},
		{Name: "contact_email", Kind: KindText, Nullable: true},
		{Name: "inquiry_type", Kind: KindText},
		{Name: "status", Kind: KindText},
		{Name: "priority_score", Kind: KindInt},
		{Name: "estimated_value", Kind: KindNumeric, Scale: 2},
		{Name: "metadata", Kind: KindJSON, Nullable: true, Shape: JSONObject},
		{Name: "created_at", Kind: KindTimestamp},
		{Name: "updated_at", Kind: KindTimestamp},
		{Name: "data_source", Kind: KindText},
	},
	NaturalKey: []string{"external_inquiry_id"},
	Conflict: db.ConflictPolicy{
		Mode: db.UpsertAll,
		Keys: []string{"external_inquiry_id"},
	},
	Critical: true,
	Aggregates: []Aggregate{
		{Column: "estimated_value", Func: "sum", Extracted: true},
		{Column: "priority_score", Func: "avg"},
	},
	Ranges: []Range{
		{Column: "priority_score", Min: 0, Max: 100},
		{Column: "estimated_value", Min: 0, Max: 1e10},
	},
	Orderings: []Ordering{{Before: "created_at", After: "updated_at"}},
}

// EngagementMetrics holds daily post snapshots. Rows are insert-only.
var EngagementMetrics = &Table{
	Name:   "engagement_metrics",
	Entity: EntityEngagement,
	Columns: []Column{
		{Name: "id", Kind: KindUUID, Surrogate: true},
		{Name: "post_id", Kind: KindUUID},
		{Name: "snapshot_date", Kind: KindDate},
		{Name: "impressions", Kind: KindInt},
		{Name: "likes", Kind: KindInt},
		{Name: "comments", Kind: KindInt},
		{Name: "shares", Kind: KindInt},
		{Name: "engagement_rate", Kind: KindNumeric, Scale: 4, Nullable: true},
		{Name: "data_source", Kind: KindText},
	},
	NaturalKey: []string{"post_id", "snapshot_date"},
	Conflict: db.ConflictPolicy{
		Mode: db.InsertOnly,
		Keys: []string{"post_id", "snapshot_date"},
	},
	Aggregates: []Aggregate{
		{Column: "impressions", Func: "sum"},
	},
	Ranges: []Range{
		{Column: "engagement_rate", Min: 0, Max: 1},
	},
}

// Tables returns every target table, parents before children.
func Tables() []*Table {
	return []*Table{ContentPosts, ConsultationInquiries, EngagementMetrics}
}

// Relations returns the declared foreign keys.
func Relations() []Relation {
	return []Relation{
		{Child: ConsultationInquiries.Name, Column: "post_id", Parent: ContentPosts.Name, ParentKey: "id", ParentNatural: "external_post_id"},
		{Child: EngagementMetrics.Name, Column: "post_id", Parent: ContentPosts.Name, ParentKey: "id", ParentNatural: "external_post_id"},
	}
}

// RelationsFor returns the relations whose child is the given table.
func RelationsFor(table string) []Relation {
	var out []Relation
	for _, r := range Relations() {
		if r.Child == table {
			out = append(out, r)
		}
	}
	return out
}
