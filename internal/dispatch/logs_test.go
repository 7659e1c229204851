package dispatch

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogsFixture(t *testing.T) (*LogsRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewLogsRepository(db), mock
}

var emailLogColumns = []string{
	"id", "referral_id", "template", "recipient", "subject",
	"status", "error_message", "sent_at", "created_at",
}

var callLogColumns = []string{
	"id", "referral_id", "vendor_call_id", "phone", "call_type", "status",
	"outcome", "transcript", "duration_seconds", "error_message", "created_at", "updated_at",
}

func TestCreateEmailLogAssignsIDAndTimestamps(t *testing.T) {
	repo, mock := newLogsFixture(t)
	referralID := uuid.New()

	mock.ExpectExec(`INSERT INTO email_logs`).
		WithArgs(sqlmock.AnyArg(), referralID, "REFERRAL_CREATED",
			sql.NullString{String: "maria@example.com", Valid: true},
			sql.NullString{String: "Your CARDIOLOGY referral", Valid: true},
			LogStatusPending, sql.NullString{}, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := &EmailLog{
		ReferralID: referralID,
		Template:   "REFERRAL_CREATED",
		Recipient:  "maria@example.com",
		Subject:    "Your CARDIOLOGY referral",
		Status:     LogStatusPending,
	}
	require.NoError(t, repo.CreateEmailLog(context.Background(), l))
	assert.NotEqual(t, uuid.Nil, l.ID)
	assert.False(t, l.CreatedAt.IsZero())
}

func TestMarkEmailOutcome(t *testing.T) {
	repo, mock := newLogsFixture(t)
	id := uuid.New()
	sentAt := time.Now().UTC()

	mock.ExpectExec(`UPDATE email_logs SET status`).
		WithArgs(LogStatusSent, sql.NullString{}, &sentAt, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkEmailOutcome(context.Background(), id, LogStatusSent, "", &sentAt))
}

func TestMarkEmailOutcomeUnknownID(t *testing.T) {
	repo, mock := newLogsFixture(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE email_logs SET status`).
		WithArgs(LogStatusFailed, sql.NullString{String: "boom", Valid: true}, nil, id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkEmailOutcome(context.Background(), id, LogStatusFailed, "boom", nil)
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestListEmailLogsFilters(t *testing.T) {
	repo, mock := newLogsFixture(t)
	referralID := uuid.New()
	logID := uuid.New()
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM email_logs WHERE 1=1 AND referral_id = \$1 AND status = \$2`).
		WithArgs(referralID, LogStatusFailed, 25).
		WillReturnRows(sqlmock.NewRows(emailLogColumns).
			AddRow(logID.String(), referralID.String(), "APPOINTMENT_CONFIRMED", "", "",
				LogStatusFailed, "patient has no email address", nil, created))

	logs, err := repo.ListEmailLogs(context.Background(), EmailLogFilter{
		ReferralID: referralID, Status: LogStatusFailed, Limit: 25,
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, logID, logs[0].ID)
	assert.Equal(t, "patient has no email address", logs[0].ErrorMessage)
	assert.Nil(t, logs[0].SentAt)
}

func TestListEmailLogsNoFilters(t *testing.T) {
	repo, mock := newLogsFixture(t)

	mock.ExpectQuery(`SELECT .+ FROM email_logs WHERE 1=1 ORDER BY created_at DESC`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(emailLogColumns))

	logs, err := repo.ListEmailLogs(context.Background(), EmailLogFilter{})
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}

func TestGetEmailLogNotFound(t *testing.T) {
	repo, mock := newLogsFixture(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM email_logs WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(emailLogColumns))

	_, err := repo.GetEmailLog(context.Background(), id)
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestCreateCallLog(t *testing.T) {
	repo, mock := newLogsFixture(t)
	referralID := uuid.New()

	mock.ExpectExec(`INSERT INTO call_logs`).
		WithArgs(sqlmock.AnyArg(), referralID,
			sql.NullString{String: "call-123", Valid: true},
			"+15550001111", "rebook", "IN_PROGRESS",
			sql.NullString{}, sql.NullString{}, 0, sql.NullString{},
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := &CallLog{
		ReferralID:   referralID,
		VendorCallID: "call-123",
		Phone:        "+15550001111",
		CallType:     "rebook",
		Status:       "IN_PROGRESS",
	}
	require.NoError(t, repo.CreateCallLog(context.Background(), l))
	assert.NotEqual(t, uuid.Nil, l.ID)
	assert.Equal(t, l.CreatedAt, l.UpdatedAt)
}

func TestUpdateCallByVendorID(t *testing.T) {
	repo, mock := newLogsFixture(t)

	mock.ExpectExec(`UPDATE call_logs SET status`).
		WithArgs("COMPLETED", sql.NullString{String: "RESCHEDULED", Valid: true},
			sql.NullString{String: "patient agreed to Thursday", Valid: true},
			95, sqlmock.AnyArg(), "call-123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateCallByVendorID(context.Background(), "call-123", CallOutcomeUpdate{
		Status: "COMPLETED", Outcome: "RESCHEDULED",
		Transcript: "patient agreed to Thursday", DurationSeconds: 95,
	})
	require.NoError(t, err)
}

func TestUpdateCallByVendorIDUnknownCall(t *testing.T) {
	repo, mock := newLogsFixture(t)

	mock.ExpectExec(`UPDATE call_logs SET status`).
		WithArgs("COMPLETED", sql.NullString{}, sql.NullString{}, 0,
			sqlmock.AnyArg(), "call-we-never-placed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateCallByVendorID(context.Background(), "call-we-never-placed",
		CallOutcomeUpdate{Status: "COMPLETED"})
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestFindCallByVendorID(t *testing.T) {
	repo, mock := newLogsFixture(t)
	logID := uuid.New()
	referralID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM call_logs WHERE vendor_call_id = \$1`).
		WithArgs("call-123").
		WillReturnRows(sqlmock.NewRows(callLogColumns).
			AddRow(logID.String(), referralID.String(), "call-123", "+15550001111",
				"rebook", "COMPLETED", "RESCHEDULED", "", 95, "", now, now))

	l, err := repo.FindCallByVendorID(context.Background(), "call-123")
	require.NoError(t, err)
	assert.Equal(t, referralID, l.ReferralID)
	assert.Equal(t, "RESCHEDULED", l.Outcome)
	assert.Equal(t, 95, l.DurationSeconds)
}

func TestFindCallByVendorIDNotFound(t *testing.T) {
	repo, mock := newLogsFixture(t)

	mock.ExpectQuery(`SELECT .+ FROM call_logs WHERE vendor_call_id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(callLogColumns))

	_, err := repo.FindCallByVendorID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestListCallLogsByReferral(t *testing.T) {
	repo, mock := newLogsFixture(t)
	referralID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM call_logs WHERE referral_id = \$1`).
		WithArgs(referralID, 100).
		WillReturnRows(sqlmock.NewRows(callLogColumns).
			AddRow(uuid.New().String(), referralID.String(), "call-1", "+15550001111",
				"rebook", "FAILED", "", "", 0, "vendor status 429", now, now).
			AddRow(uuid.New().String(), referralID.String(), "call-2", "+15550001111",
				"rebook", "COMPLETED", "DECLINED", "", 40, "", now, now))

	logs, err := repo.ListCallLogs(context.Background(), referralID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "vendor status 429", logs[0].ErrorMessage)
	assert.Equal(t, "DECLINED", logs[1].Outcome)
}
