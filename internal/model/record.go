package model

import (
	"database/sql"
	"strings"
)

// Record is a single source row of a logical entity. Records are read-only
// once extracted and live only for one extraction pass.
type Record interface {
	// DedupKey is the natural identifier used to recognise the same logical
	// record across sources.
	DedupKey() string
	// Source is the provenance tag: "<source name>.<table>".
	Source() string
}

// Post is a LinkedIn post as stored by any generation of the content databases.
type Post struct {
	PostID         string
	Content        sql.NullString
	PublishedAt    sql.NullString
	Impressions    Number
	Likes          Number
	Comments       Number
	Shares         Number
	EngagementRate Number
	Hashtags       sql.NullString
	DataSource     string
}

func (p Post) DedupKey() string { return strings.TrimSpace(p.PostID) }
func (p Post) Source() string   { return p.DataSource }

// Inquiry is a consultation inquiry in the sales pipeline. Its estimated value
// is the business-critical monetary field.
type Inquiry struct {
	InquiryID      string
	PostID         sql.NullString
	CompanyName    sql.NullString
	ContactName    sql.NullString
	ContactEmail   sql.NullString
	InquiryType    sql.NullString
	Status         sql.NullString
	PriorityScore  Number
	EstimatedValue Number
	Metadata       sql.NullString
	CreatedAt      sql.NullString
	UpdatedAt      sql.NullString
	DataSource     string
}

func (i Inquiry) DedupKey() string { return strings.TrimSpace(i.InquiryID) }
func (i Inquiry) Source() string   { return i.DataSource }

// Engagement is a per-day metrics snapshot for a post.
type Engagement struct {
	PostID         string
	SnapshotDate   string
	Impressions    Number
	Likes          Number
	Comments       Number
	Shares         Number
	EngagementRate Number
	DataSource     string
}

// DedupKey combines the post and the calendar day; time-of-day suffixes some
// generations append to the date are ignored.
func (e Engagement) DedupKey() string {
	day := strings.TrimSpace(e.SnapshotDate)
	if len(day) > 10 {
		day = day[:10]
	}
	return strings.TrimSpace(e.PostID) + "|" + day
}

func (e Engagement) Source() string { return e.DataSource }
