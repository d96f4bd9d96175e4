package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

func stepCommit() (*model.OutboundMessage, *model.Enrollment) {
	sent := testNow
	msg := &model.OutboundMessage{
		EnrollmentID: "e1", CampaignID: "c1", Step: 1,
		ToEmail: "dana@acme.com", ToName: "Dana Lee",
		Subject: "Hi Dana", Body: "About 100 Main St", ScheduledFor: testNow,
	}
	advanced := &model.Enrollment{
		ID: "e1", CampaignID: "c1", Status: model.EnrollmentActive, CurrentStep: 1,
		Progress: []model.StepProgress{{SentAt: &sent}, {}},
	}
	return msg, advanced
}

func TestOutboundMessageRepository_CommitStep(t *testing.T) {
	ctx := context.Background()

	t.Run("commits queue item, enrollment and counter", func(t *testing.T) {
		db, mock := setupTestDB(t)
		repo := &OutboundMessageRepository{DB: db}
		msg, advanced := stepCommit()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO outbound_messages .+ ON CONFLICT \\(enrollment_id, step\\) DO NOTHING").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE enrollments SET current_step=\\$1.+ WHERE id=\\$6 AND status='active' AND current_step=\\$7").
			WithArgs(1, sqlmock.AnyArg(), model.EnrollmentActive, nil, sqlmock.AnyArg(), "e1", 0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE campaigns SET total_sent = total_sent \\+ 1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.CommitStep(ctx, msg, advanced, 0))
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, model.OutboundPending, msg.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing queue item", func(t *testing.T) {
		db, mock := setupTestDB(t)
		repo := &OutboundMessageRepository{DB: db}
		msg, advanced := stepCommit()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO outbound_messages").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.CommitStep(ctx, msg, advanced, 0)
		assert.ErrorIs(t, err, appErrors.ErrDuplicateStep)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("enrollment replied meanwhile", func(t *testing.T) {
		db, mock := setupTestDB(t)
		repo := &OutboundMessageRepository{DB: db}
		msg, advanced := stepCommit()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO outbound_messages").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE enrollments").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.CommitStep(ctx, msg, advanced, 0)
		assert.ErrorIs(t, err, appErrors.ErrStaleEnrollment)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var outboundCols = []string{"id", "enrollment_id", "campaign_id", "step", "to_email", "to_name", "from_email", "from_name",
	"subject", "body", "scheduled_for", "status", "attempts", "last_error", "sent_at", "created_at", "updated_at"}

func TestOutboundMessageRepository_GetByID(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &OutboundMessageRepository{DB: db}

	mock.ExpectQuery("SELECT .+ FROM outbound_messages WHERE id=\\$1").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows(outboundCols).AddRow("m1", "e1", "c1", 2, "dana@acme.com", "Dana", "pat@broker.com",
			"Pat", "Hi", "Body", testNow, "pending", 1, "timeout", nil, testNow, testNow))

	m, err := repo.GetByID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Step)
	assert.Equal(t, model.OutboundPending, m.Status)
	assert.Equal(t, 1, m.Attempts)

	mock.ExpectQuery("SELECT .+ FROM outbound_messages WHERE id=\\$1").
		WithArgs("m2").
		WillReturnRows(sqlmock.NewRows(outboundCols))
	_, err = repo.GetByID(context.Background(), "m2")
	var nf *appErrors.ErrOutboundMessageNotFound
	assert.True(t, errors.As(err, &nf))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboundMessageRepository_MarkAttemptFailed(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &OutboundMessageRepository{DB: db}

	mock.ExpectQuery("UPDATE outbound_messages SET attempts = attempts \\+ 1").
		WithArgs("m1", "throttled", 3).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	status, err := repo.MarkAttemptFailed(context.Background(), "m1", "throttled", 3)
	require.NoError(t, err)
	assert.Equal(t, model.OutboundFailed, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboundMessageRepository_MarkSent(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := &OutboundMessageRepository{DB: db}

	mock.ExpectExec("UPDATE outbound_messages SET status='sent'").
		WithArgs("m1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkSent(context.Background(), "m1", testNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
