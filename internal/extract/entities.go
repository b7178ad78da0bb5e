package extract

import (
	"database/sql"

	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
)

// Posts reads LinkedIn posts from the current "posts" table or the legacy
// "linkedin_posts" export.
var Posts = Entity[model.Post]{
	Name: schema.EntityPosts,
	Layouts: []Layout{
		{
			Table:    "posts",
			Requires: []string{"post_id", "content", "published_at", "impressions", "likes", "comments", "shares", "engagement_rate", "hashtags"},
			Select: []string{
				"CAST(post_id AS TEXT)", "content", "CAST(published_at AS TEXT)",
				"impressions", "likes", "comments", "shares", "engagement_rate", "hashtags",
			},
			OrderBy: "post_id",
		},
		{
			Table:    "linkedin_posts",
			Requires: []string{"post_id", "title", "created_at", "views", "reactions", "comments", "reposts", "engagement_rate", "tags"},
			Select: []string{
				"CAST(post_id AS TEXT)", "title", "CAST(created_at AS TEXT)",
				"views", "reactions", "comments", "reposts", "engagement_rate", "tags",
			},
			OrderBy: "post_id",
		},
	},
	Scan: func(rows *sql.Rows, src string) (model.Post, error) {
		p := model.Post{DataSource: src}
		err := rows.Scan(&p.PostID, &p.Content, &p.PublishedAt,
			&p.Impressions, &p.Likes, &p.Comments, &p.Shares, &p.EngagementRate, &p.Hashtags)
		return p, err
	},
}

// Inquiries reads the consultation pipeline. estimated_value is the
// audited amount.
var Inquiries = Entity[model.Inquiry]{
	Name: schema.EntityInquiries,
	Layouts: []Layout{
		{
			Table: "consultation_inquiries",
			Requires: []string{"inquiry_id", "post_id", "company_name", "contact_name", "contact_email",
				"inquiry_type", "status", "priority_score", "estimated_value", "metadata", "created_at", "updated_at"},
			Select: []string{
				"CAST(inquiry_id AS TEXT)", "CAST(post_id AS TEXT)", "company_name", "contact_name", "contact_email",
				"inquiry_type", "status", "priority_score", "estimated_value", "metadata",
				"CAST(created_at AS TEXT)", "CAST(updated_at AS TEXT)",
			},
			OrderBy: "inquiry_id",
		},
		{
			Table: "inquiries",
			Requires: []string{"id", "source_post_id", "company", "contact_name", "contact_email",
				"inquiry_type", "stage", "score", "deal_value", "notes_json", "created_at", "updated_at"},
			Select: []string{
				"CAST(id AS TEXT)", "CAST(source_post_id AS TEXT)", "company", "contact_name", "contact_email",
				"inquiry_type", "stage", "score", "deal_value", "notes_json",
				"CAST(created_at AS TEXT)", "CAST(updated_at AS TEXT)",
			},
			OrderBy: "id",
		},
	},
	Scan: func(rows *sql.Rows, src string) (model.Inquiry, error) {
		i := model.Inquiry{DataSource: src}
		err := rows.Scan(&i.InquiryID, &i.PostID, &i.CompanyName, &i.ContactName, &i.ContactEmail,
			&i.InquiryType, &i.Status, &i.PriorityScore, &i.EstimatedValue, &i.Metadata,
			&i.CreatedAt, &i.UpdatedAt)
		return i, err
	},
	Amount: func(i model.Inquiry) float64 { return i.EstimatedValue.Float() },
}

// Engagement reads daily post snapshots from "post_metrics" or the legacy
// "daily_analytics" table.
var Engagement = Entity[model.Engagement]{
	Name: schema.EntityEngagement,
	Layouts: []Layout{
		{
			Table:    "post_metrics",
			Requires: []string{"post_id", "snapshot_date", "impressions", "likes", "comments", "shares", "engagement_rate"},
			Select: []string{
				"CAST(post_id AS TEXT)", "CAST(snapshot_date AS TEXT)",
				"impressions", "likes", "comments", "shares", "engagement_rate",
			},
			OrderBy: "post_id, snapshot_date",
		},
		{
			Table:    "daily_analytics",
			Requires: []string{"post_id", "date", "views", "reactions", "comments", "reposts", "rate"},
			Select: []string{
				"CAST(post_id AS TEXT)", `CAST("date" AS TEXT)`,
				"views", "reactions", "comments", "reposts", "rate",
			},
			OrderBy: `post_id, "date"`,
		},
	},
	Scan: func(rows *sql.Rows, src string) (model.Engagement, error) {
		e := model.Engagement{DataSource: src}
		err := rows.Scan(&e.PostID, &e.SnapshotDate,
			&e.Impressions, &e.Likes, &e.Comments, &e.Shares, &e.EngagementRate)
		return e, err
	},
}
