package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dbconsolidate/internal/db"
)

func TestTables_ParentsFirst(t *testing.T) {
	tables := Tables()
	require.Len(t, tables, 3)
	assert.Equal(t, "content_posts", tables[0].Name)
	assert.Equal(t, "consultation_inquiries", tables[1].Name)
	assert.Equal(t, "engagement_metrics", tables[2].Name)
}

func TestOnlyInquiriesAreCritical(t *testing.T) {
	for _, tbl := range Tables() {
		assert.Equal(t, tbl == ConsultationInquiries, tbl.Critical, tbl.Name)
	}
}

func TestConflictPolicies(t *testing.T) {
	assert.Equal(t, db.UpsertSubset, ContentPosts.Conflict.Mode)
	assert.Equal(t, db.UpsertAll, ConsultationInquiries.Conflict.Mode)
	assert.Equal(t, db.InsertOnly, EngagementMetrics.Conflict.Mode)

	// Every declared column reference exists.
	for _, tbl := range Tables() {
		for _, k := range tbl.Conflict.Keys {
			assert.GreaterOrEqual(t, tbl.Index(k), 0, "%s conflict key %s", tbl.Name, k)
		}
		for _, k := range tbl.Conflict.Update {
			assert.GreaterOrEqual(t, tbl.Index(k), 0, "%s update column %s", tbl.Name, k)
		}
		for _, k := range tbl.NaturalKey {
			assert.GreaterOrEqual(t, tbl.Index(k), 0, "%s natural key %s", tbl.Name, k)
		}
		for _, a := range tbl.Aggregates {
			assert.GreaterOrEqual(t, tbl.Index(a.Column), 0, "%s aggregate %s", tbl.Name, a.Column)
		}
		for _, r := range tbl.Ranges {
			assert.GreaterOrEqual(t, tbl.Index(r.Column), 0, "%s range %s", tbl.Name, r.Column)
		}
	}
	for _, r := range Relations() {
		child, err := Lookup(r.Child)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, child.Index(r.Column), 0)
		parent, err := Lookup(r.Parent)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, parent.Index(r.ParentNatural), 0)
	}
}

func TestUpsertConfig_ExcludesSurrogate(t *testing.T) {
	cfg := ConsultationInquiries.UpsertConfig()
	assert.Equal(t, "consolidated.consultation_inquiries", cfg.Table)
	assert.Equal(t, []string{"id"}, cfg.Exclude)
	assert.Equal(t, ConsultationInquiries.ColumnNames(), cfg.Columns)
}

func TestCompared(t *testing.T) {
	cols, idx := ContentPosts.Compared()
	assert.Len(t, cols, len(ContentPosts.Columns)-1)
	assert.Equal(t, "external_post_id", cols[0].Name)
	assert.Equal(t, 1, idx[0])
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")
}

func TestRelationsFor(t *testing.T) {
	assert.Len(t, RelationsFor("engagement_metrics"), 1)
	assert.Empty(t, RelationsFor("content_posts"))
}

func TestSelectExpr(t *testing.T) {
	assert.Equal(t, `"likes"::bigint`, Column{Name: "likes", Kind: KindInt}.SelectExpr())
	assert.Equal(t, `"estimated_value"::float8`, Column{Name: "estimated_value", Kind: KindNumeric}.SelectExpr())
	assert.Equal(t, `"metadata"::text`, Column{Name: "metadata", Kind: KindJSON}.SelectExpr())
	assert.Equal(t, `"post_id"::text`, Column{Name: "post_id", Kind: KindUUID}.SelectExpr())
	assert.Equal(t, `"created_at"`, Column{Name: "created_at", Kind: KindTimestamp}.SelectExpr())
}

func TestNormalize(t *testing.T) {
	id := uuid.MustParse("6f1c1f7e-8a42-4d7b-9d0e-0b8c6f1f2a11")
	ts := time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.FixedZone("EST", -5*3600))

	assert.Nil(t, Normalize(Column{Kind: KindText}, nil))
	assert.Equal(t, int64(7), Normalize(Column{Kind: KindInt}, 7))
	assert.Equal(t, 250.5, Normalize(Column{Kind: KindNumeric, Scale: 2}, 250.499999))
	assert.Equal(t, "2024-03-01T14:30:00.123456Z", Normalize(Column{Kind: KindTimestamp}, ts))
	assert.Equal(t, "2024-03-01", Normalize(Column{Kind: KindDate}, ts))
	assert.Equal(t, "2024-03-01", Normalize(Column{Kind: KindDate}, "2024-03-01 00:00:00"))
	assert.Equal(t, id.String(), Normalize(Column{Kind: KindUUID}, id))
	assert.Equal(t, id.String(), Normalize(Column{Kind: KindUUID}, [16]byte(id)))
	assert.Equal(t, id.String(), Normalize(Column{Kind: KindUUID}, "6F1C1F7E-8A42-4D7B-9D0E-0B8C6F1F2A11"))
	assert.Equal(t, map[string]any{"a": 1.0}, Normalize(Column{Kind: KindJSON}, `{"a": 1}`))
	assert.Equal(t, "not json", Normalize(Column{Kind: KindJSON}, "not json"))
}

func TestChecksum_OrderIndependent(t *testing.T) {
	a := [][]any{{"p-1", int64(3)}, {"p-2", int64(5)}}
	b := [][]any{{"p-2", int64(5)}, {"p-1", int64(3)}}

	sa, err := Checksum(a)
	require.NoError(t, err)
	sb, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.Len(t, sa, 64)

	c := [][]any{{"p-2", int64(6)}, {"p-1", int64(3)}}
	sc, err := Checksum(c)
	require.NoError(t, err)
	assert.NotEqual(t, sa, sc)
}

func TestNormalizeRow_JSONFormattingIgnored(t *testing.T) {
	id := uuid.New()
	src := []any{id, "p-1", "hello", nil, int64(1), int64(2), int64(3), int64(4), 0.5, `["a","b"]`, "business.posts"}
	tgt := []any{"other-id", "p-1", "hello", nil, int64(1), int64(2), int64(3), int64(4), 0.5, `["a", "b"]`, "business.posts"}

	cs, err := Checksum([][]any{NormalizeRow(ContentPosts, src)})
	require.NoError(t, err)
	ct, err := Checksum([][]any{NormalizeRow(ContentPosts, tgt)})
	require.NoError(t, err)
	assert.Equal(t, cs, ct)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil, 0.001))
	assert.False(t, Equal(nil, "x", 0.001))
	assert.False(t, Equal("x", nil, 0.001))
	assert.True(t, Equal(250.50, 250.5004, 0.001))
	assert.False(t, Equal(250.50, 250.51, 0.001))
	assert.True(t, Equal("abc", "abc", 0.001))
	assert.False(t, Equal("abc", "abd", 0.001))
	assert.True(t, Equal(map[string]any{"v": 1.0}, map[string]any{"v": 1.0000001}, 0.001))
	assert.False(t, Equal(int64(1), int64(2), 0.001))
}
