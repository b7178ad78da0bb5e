package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dbconsolidate/internal/migrate"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []migrate.RunEntry{
		{
			ID:              uuid.MustParse("abc12345-6789-0000-0000-000000000000"),
			Status:          "PASS",
			StartedAt:       now,
			CompletedAt:     &done,
			RecordsMigrated: 1234,
		},
		{
			ID:        uuid.MustParse("def12345-6789-0000-0000-000000000000"),
			Status:    "ROLLBACK",
			StartedAt: now.Add(-time.Hour),
			Error:     "load: critical table consultation_inquiries batch 3: connection reset by peer",
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "abc12345")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "2m0s")
	assert.Contains(t, out, "1234")
	assert.Contains(t, out, "ROLLBACK")
	assert.Contains(t, out, "load: critical table consultation_inq...")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}
