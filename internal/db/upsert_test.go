package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postsConfig(mode ConflictMode) UpsertConfig {
	cfg := UpsertConfig{
		Table:   "consolidated.content_posts",
		Columns: []string{"id", "external_post_id", "content", "likes"},
		Conflict: ConflictPolicy{
			Mode: mode,
			Keys: []string{"external_post_id"},
		},
		Exclude: []string{"id"},
	}
	if mode == UpsertSubset {
		cfg.Conflict.Update = []string{"likes"}
	}
	return cfg
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, postsConfig(UpsertAll), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	cfg := postsConfig(UpsertAll)
	cfg.Columns = nil
	_, err := BulkUpsert(context.TODO(), nil, cfg, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	cfg := postsConfig(UpsertAll)
	cfg.Conflict.Keys = nil
	_, err := BulkUpsert(context.TODO(), nil, cfg, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestConflictClause(t *testing.T) {
	tests := []struct {
		mode ConflictMode
		want string
	}{
		{InsertOnly, `ON CONFLICT ("external_post_id") DO NOTHING`},
		{UpsertAll, `ON CONFLICT ("external_post_id") DO UPDATE SET "content" = EXCLUDED."content", "likes" = EXCLUDED."likes"`},
		{UpsertSubset, `ON CONFLICT ("external_post_id") DO UPDATE SET "likes" = EXCLUDED."likes"`},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			got, err := postsConfig(tt.mode).conflictClause()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConflictClause_SubsetWithoutColumns(t *testing.T) {
	cfg := postsConfig(UpsertSubset)
	cfg.Conflict.Update = nil
	_, err := cfg.conflictClause()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subset policy")
}

func TestConflictMode_String(t *testing.T) {
	assert.Equal(t, "insert-only", InsertOnly.String())
	assert.Equal(t, "upsert-overwrite-all", UpsertAll.String())
	assert.Equal(t, "upsert-overwrite-subset", UpsertSubset.String())
	assert.Equal(t, "ConflictMode(9)", ConflictMode(9).String())
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := postsConfig(UpsertSubset)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TEMP TABLE "_tmp_upsert_consolidated_content_posts" (LIKE "consolidated"."content_posts" INCLUDING DEFAULTS) ON COMMIT DROP`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_consolidated_content_posts"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "consolidated"."content_posts"`) + `.*DO UPDATE SET "likes" = EXCLUDED."likes"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{
		{"id-1", "p-1", "hello", int64(3)},
		{"id-2", "p-2", "world", int64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_InsertOnlyDoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := postsConfig(InsertOnly)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_consolidated_content_posts"}, cfg.Columns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO .* DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{{"id-1", "p-1", "hello", int64(3)}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_InsertFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := postsConfig(UpsertAll)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_consolidated_content_posts"}, cfg.Columns).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("violates foreign key constraint"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{"id-1", "p-1", "hello", int64(3)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for consolidated.content_posts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := postsConfig(UpsertAll)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_consolidated_content_posts"}, cfg.Columns).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{"id-1", "p-1", "hello", int64(3)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"consolidated.content_posts", `"consolidated"."content_posts"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, QuoteAndJoin([]string{"id", "name", "value"}))
}
