// Package dispatch turns committed workflow transitions into vendor calls:
// email, voice, and calendar. Every attempt leaves a log row; vendor
// failures are absorbed into FAILED rows and never surface to the caller.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Log statuses. FAILED rows are the human surface for vendor trouble; there
// is no automatic retry.
const (
	LogStatusPending = "PENDING"
	LogStatusSent    = "SENT"
	LogStatusFailed  = "FAILED"
)

// ErrLogNotFound is returned when a log id or vendor call id is unknown.
var ErrLogNotFound = errors.New("dispatch: log entry not found")

// EmailLog records one email attempt.
type EmailLog struct {
	ID           uuid.UUID  `json:"id"`
	ReferralID   uuid.UUID  `json:"referral_id"`
	Template     string     `json:"template"`
	Recipient    string     `json:"recipient"`
	Subject      string     `json:"subject"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CallLog records one outbound voice call and its eventual outcome.
type CallLog struct {
	ID              uuid.UUID `json:"id"`
	ReferralID      uuid.UUID `json:"referral_id"`
	VendorCallID    string    `json:"vendor_call_id,omitempty"`
	Phone           string    `json:"phone"`
	CallType        string    `json:"call_type"`
	Status          string    `json:"status"`
	Outcome         string    `json:"outcome,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LogsRepository persists email and call logs.
type LogsRepository struct {
	db *sql.DB
}

func NewLogsRepository(db *sql.DB) *LogsRepository {
	return &LogsRepository{db: db}
}

func (r *LogsRepository) CreateEmailLog(ctx context.Context, l *EmailLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_logs (id, referral_id, template, recipient, subject, status, error_message, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.ReferralID, l.Template, nullable(l.Recipient), nullable(l.Subject),
		l.Status, nullable(l.ErrorMessage), l.SentAt, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("dispatch: insert email log: %w", err)
	}
	return nil
}

// MarkEmailOutcome finalizes a PENDING email row as SENT or FAILED.
func (r *LogsRepository) MarkEmailOutcome(ctx context.Context, id uuid.UUID, status, errorMessage string, sentAt *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_logs SET status = $1, error_message = $2, sent_at = $3 WHERE id = $4`,
		status, nullable(errorMessage), sentAt, id)
	if err != nil {
		return fmt.Errorf("dispatch: update email log: %w", err)
	}
	return requireRow(res)
}

// EmailLogFilter narrows ListEmailLogs. Zero values mean "no filter".
type EmailLogFilter struct {
	ReferralID uuid.UUID
	Status     string
	Limit      int
}

func (r *LogsRepository) ListEmailLogs(ctx context.Context, f EmailLogFilter) ([]EmailLog, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `
		SELECT id, referral_id, template, COALESCE(recipient, ''), COALESCE(subject, ''),
		       status, COALESCE(error_message, ''), sent_at, created_at
		FROM email_logs WHERE 1=1`
	args := []any{}
	if f.ReferralID != uuid.Nil {
		args = append(args, f.ReferralID)
		query += fmt.Sprintf(" AND referral_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list email logs: %w", err)
	}
	defer rows.Close()

	out := []EmailLog{}
	for rows.Next() {
		var l EmailLog
		if err := rows.Scan(&l.ID, &l.ReferralID, &l.Template, &l.Recipient, &l.Subject,
			&l.Status, &l.ErrorMessage, &l.SentAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispatch: scan email log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *LogsRepository) GetEmailLog(ctx context.Context, id uuid.UUID) (*EmailLog, error) {
	var l EmailLog
	err := r.db.QueryRowContext(ctx, `
		SELECT id, referral_id, template, COALESCE(recipient, ''), COALESCE(subject, ''),
		       status, COALESCE(error_message, ''), sent_at, created_at
		FROM email_logs WHERE id = $1`, id).
		Scan(&l.ID, &l.ReferralID, &l.Template, &l.Recipient, &l.Subject,
			&l.Status, &l.ErrorMessage, &l.SentAt, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: load email log: %w", err)
	}
	return &l, nil
}

func (r *LogsRepository) CreateCallLog(ctx context.Context, l *CallLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_logs (id, referral_id, vendor_call_id, phone, call_type, status,
		    outcome, transcript, duration_seconds, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.ReferralID, nullable(l.VendorCallID), l.Phone, l.CallType, l.Status,
		nullable(l.Outcome), nullable(l.Transcript), l.DurationSeconds,
		nullable(l.ErrorMessage), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("dispatch: insert call log: %w", err)
	}
	return nil
}

// CallOutcomeUpdate is what a vendor webhook reports back.
type CallOutcomeUpdate struct {
	Status          string
	Outcome         string
	Transcript      string
	DurationSeconds int
}

// UpdateCallByVendorID applies a webhook outcome to the matching call row.
func (r *LogsRepository) UpdateCallByVendorID(ctx context.Context, vendorCallID string, u CallOutcomeUpdate) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE call_logs SET status = $1, outcome = $2, transcript = $3,
		    duration_seconds = $4, updated_at = $5
		WHERE vendor_call_id = $6`,
		u.Status, nullable(u.Outcome), nullable(u.Transcript), u.DurationSeconds,
		time.Now().UTC(), vendorCallID)
	if err != nil {
		return fmt.Errorf("dispatch: update call log: %w", err)
	}
	return requireRow(res)
}

// FindCallByVendorID resolves a webhook's call id to the referral it
// belongs to.
func (r *LogsRepository) FindCallByVendorID(ctx context.Context, vendorCallID string) (*CallLog, error) {
	var l CallLog
	err := r.db.QueryRowContext(ctx, `
		SELECT id, referral_id, COALESCE(vendor_call_id, ''), phone, call_type, status,
		       COALESCE(outcome, ''), COALESCE(transcript, ''), duration_seconds,
		       COALESCE(error_message, ''), created_at, updated_at
		FROM call_logs WHERE vendor_call_id = $1`, vendorCallID).
		Scan(&l.ID, &l.ReferralID, &l.VendorCallID, &l.Phone, &l.CallType, &l.Status,
			&l.Outcome, &l.Transcript, &l.DurationSeconds, &l.ErrorMessage,
			&l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: load call log: %w", err)
	}
	return &l, nil
}

func (r *LogsRepository) ListCallLogs(ctx context.Context, referralID uuid.UUID, limit int) ([]CallLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, referral_id, COALESCE(vendor_call_id, ''), phone, call_type, status,
		       COALESCE(outcome, ''), COALESCE(transcript, ''), duration_seconds,
		       COALESCE(error_message, ''), created_at, updated_at
		FROM call_logs`
	args := []any{}
	if referralID != uuid.Nil {
		args = append(args, referralID)
		query += " WHERE referral_id = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list call logs: %w", err)
	}
	defer rows.Close()

	out := []CallLog{}
	for rows.Next() {
		var l CallLog
		if err := rows.Scan(&l.ID, &l.ReferralID, &l.VendorCallID, &l.Phone, &l.CallType,
			&l.Status, &l.Outcome, &l.Transcript, &l.DurationSeconds, &l.ErrorMessage,
			&l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("dispatch: scan call log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dispatch: update result: %w", err)
	}
	if n == 0 {
		return ErrLogNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
