package repository

import (
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var testNow = time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC)

var campaignCols = []string{"id", "name", "search_id", "status", "steps", "send_window_start", "send_window_end",
	"timezone", "weekdays_only", "rate_limit_group", "from_email", "from_name", "total_enrolled", "total_sent",
	"total_opened", "total_replied", "total_stopped", "activated_at", "created_at", "updated_at"}

func campaignRow(rows *sqlmock.Rows, id, status string) *sqlmock.Rows {
	steps := []byte(`[{"position":1,"subject":"Hi {{ first_name }}","body":"About {{ property_address }}","delay_days":0},` +
		`{"position":2,"subject":"Following up","body":"Still interested?","delay_days":3}]`)
	return rows.AddRow(id, "Q1 industrial owners", nil, status, steps, "09:00", "17:00", "America/Los_Angeles",
		true, "default", "broker@example.com", "Pat Broker", 10, 4, 1, 0, 0, nil, testNow, nil)
}

var enrollmentCols = []string{"id", "campaign_id", "contact_id", "property_id", "company_id", "status", "current_step",
	"step_progress", "stopped_reason", "replied_at", "reply_classification", "completed_at", "stopped_at",
	"excluded_dnc", "excluded_bounce", "already_contacted", "needs_review", "review_note",
	"created_at", "activated_at", "updated_at"}

func enrollmentValues(id, status string, step int, progress string) []driver.Value {
	return []driver.Value{id, "c1", "ct1", nil, nil, status, step, []byte(progress), nil, nil, nil, nil, nil,
		false, false, false, false, nil, testNow, testNow, nil}
}
