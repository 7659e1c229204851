package referrals

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const referralColumns = `id, patient_name, patient_dob, health_card_number, patient_email, patient_phone,
	       condition, specialist_type, urgency, is_high_risk, status, referral_date,
	       scheduled_date, completed_date, notes, email_sent, email_sent_at,
	       calendar_invite_sent, calendar_event_id, created_by, updated_by,
	       version, created_at, updated_at`

// Repository provides persistence for referrals and their history.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, ref *Referral) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO referrals (id, patient_name, patient_dob, health_card_number, patient_email,
		    patient_phone, condition, specialist_type, urgency, is_high_risk, status,
		    referral_date, scheduled_date, completed_date, notes, email_sent, email_sent_at,
		    calendar_invite_sent, calendar_event_id, created_by, updated_by, version,
		    created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$23)`,
		ref.ID, ref.PatientName, ref.PatientDOB, ref.HealthCardNo, nullable(ref.PatientEmail),
		nullable(ref.PatientPhone), nullable(ref.Condition), string(ref.SpecialistType),
		string(ref.Urgency), ref.IsHighRisk, string(ref.Status), ref.ReferralDate,
		ref.ScheduledDate, ref.CompletedDate, nullable(ref.Notes), ref.EmailSent,
		ref.EmailSentAt, ref.CalendarInviteSent, nullable(ref.CalendarEventID),
		ref.CreatedBy, ref.UpdatedBy, ref.Version, ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("referrals: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Referral, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+referralColumns+`
		FROM referrals WHERE id = $1`, id)
	ref, err := scanReferral(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("referrals: load: %w", err)
	}
	return ref, nil
}

// Update commits a modified referral using the optimistic version check. A
// lost race surfaces as ErrConcurrentModification, never a silent overwrite.
func (r *Repository) Update(ctx context.Context, ref *Referral) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE referrals SET
		    status = $1, scheduled_date = $2, completed_date = $3, notes = $4,
		    updated_by = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		string(ref.Status), ref.ScheduledDate, ref.CompletedDate, nullable(ref.Notes),
		ref.UpdatedBy, now, ref.ID, ref.Version)
	if err != nil {
		return fmt.Errorf("referrals: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("referrals: update result: %w", err)
	}
	if n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM referrals WHERE id = $1`, ref.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("referrals: update recheck: %w", err)
		}
		return ErrConcurrentModification
	}
	ref.Version++
	ref.UpdatedAt = now
	return nil
}

// MarkEmailSent flips the delivery tracking flags. It deliberately skips the
// version check: the dispatcher owns only these columns and must not race
// the orchestrator's status updates.
func (r *Repository) MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE referrals SET email_sent = TRUE, email_sent_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("referrals: mark email sent: %w", err)
	}
	return nil
}

// SetCalendarEvent records the vendor event id after a calendar sync.
func (r *Repository) SetCalendarEvent(ctx context.Context, id uuid.UUID, eventID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE referrals SET calendar_invite_sent = TRUE, calendar_event_id = $1 WHERE id = $2`, eventID, id)
	if err != nil {
		return fmt.Errorf("referrals: set calendar event: %w", err)
	}
	return nil
}

// AppendHistory inserts an audit row. A zero ChangedBy is stored as NULL,
// which marks system-driven transitions (webhooks, the rebook worker).
func (r *Repository) AppendHistory(ctx context.Context, e *StatusHistoryEntry) error {
	var changedBy any
	if e.ChangedBy != uuid.Nil {
		changedBy = e.ChangedBy
	}
	return r.db.QueryRowContext(ctx, `
		INSERT INTO status_history (referral_id, status, changed_by, changed_at, note)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.ReferralID, string(e.Status), changedBy, e.ChangedAt, nullable(e.Note)).Scan(&e.ID)
}

func (r *Repository) History(ctx context.Context, referralID uuid.UUID) ([]StatusHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, referral_id, status,
		       COALESCE(changed_by, '00000000-0000-0000-0000-000000000000'),
		       changed_at, COALESCE(note, '')
		FROM status_history WHERE referral_id = $1 ORDER BY changed_at ASC, id ASC`, referralID)
	if err != nil {
		return nil, fmt.Errorf("referrals: history: %w", err)
	}
	defer rows.Close()

	var out []StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		var status string
		if err := rows.Scan(&e.ID, &e.ReferralID, &status, &e.ChangedBy, &e.ChangedAt, &e.Note); err != nil {
			return nil, fmt.Errorf("referrals: scan history: %w", err)
		}
		e.Status = Status(status)
		out = append(out, e)
	}
	if out == nil {
		out = []StatusHistoryEntry{}
	}
	return out, rows.Err()
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Status         Status
	SpecialistType SpecialistType
	IsHighRisk     *bool
	ScheduledOn    *time.Time // matches the calendar day of scheduled_date
	Limit          int
	Offset         int
}

func (r *Repository) List(ctx context.Context, f ListFilter) ([]Referral, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	where := []string{}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.SpecialistType != "" {
		add("specialist_type = ?", string(f.SpecialistType))
	}
	if f.IsHighRisk != nil {
		add("is_high_risk = ?", *f.IsHighRisk)
	}
	if f.ScheduledOn != nil {
		day := f.ScheduledOn.Truncate(24 * time.Hour)
		add("scheduled_date >= ?", day)
		add("scheduled_date < ?", day.Add(24*time.Hour))
	}

	query := `SELECT ` + referralColumns + ` FROM referrals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY referral_date DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("referrals: list: %w", err)
	}
	defer rows.Close()
	return collectReferrals(rows)
}

// ListMissedSince returns non-high-risk MISSED referrals whose last update
// is at or before cutoff. The rebook worker moves these to NEEDS_REBOOK.
func (r *Repository) ListMissedSince(ctx context.Context, cutoff time.Time, limit int) ([]Referral, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE status = 'MISSED' AND is_high_risk = FALSE AND updated_at <= $1
		ORDER BY updated_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("referrals: list missed: %w", err)
	}
	defer rows.Close()
	return collectReferrals(rows)
}

// ListEmailUnsent returns active referrals with an email address on file that
// never received their creation email. The batch-send endpoint retries these.
func (r *Repository) ListEmailUnsent(ctx context.Context, limit int) ([]Referral, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE email_sent = FALSE
		  AND patient_email IS NOT NULL AND patient_email <> ''
		  AND status NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("referrals: list email unsent: %w", err)
	}
	defer rows.Close()
	return collectReferrals(rows)
}

// ListOverdue finds referrals needing chasing: PENDING older than the
// threshold, SCHEDULED with a past slot, or NEEDS_REBOOK untouched for a
// week. Computed on read, never stored.
func (r *Repository) ListOverdue(ctx context.Context, now time.Time, pendingThreshold time.Duration) ([]Referral, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE (status = 'PENDING' AND referral_date < $1)
		   OR (status = 'SCHEDULED' AND scheduled_date < $2)
		   OR (status = 'NEEDS_REBOOK' AND updated_at < $3)
		ORDER BY referral_date ASC`,
		now.Add(-pendingThreshold), now, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("referrals: list overdue: %w", err)
	}
	defer rows.Close()
	return collectReferrals(rows)
}

// DashboardStats aggregates the nurse dashboard counters in a single round
// trip. Everything is computed from the live rows.
type DashboardStats struct {
	TotalActive       int `json:"total_active"`
	PendingCount      int `json:"pending_count"`
	ScheduledCount    int `json:"scheduled_count"`
	MissedCount       int `json:"missed_count"`
	EscalatedCount    int `json:"escalated_count"`
	HighRiskActive    int `json:"high_risk_active"`
	ScheduledThisWeek int `json:"scheduled_this_week"`
	OverduePending    int `json:"overdue_pending"`
	UnreadAlerts      int `json:"unread_alerts"`
	EmailsPending     int `json:"emails_pending"`
	EmailsFailed      int `json:"emails_failed"`
}

func (r *Repository) DashboardStats(ctx context.Context, now time.Time, pendingThreshold time.Duration) (*DashboardStats, error) {
	var s DashboardStats
	weekEnd := now.Add(7 * 24 * time.Hour)
	err := r.db.QueryRowContext(ctx, `
		SELECT
		    (SELECT COUNT(*) FROM referrals WHERE status NOT IN ('COMPLETED', 'CANCELLED')),
		    (SELECT COUNT(*) FROM referrals WHERE status = 'PENDING'),
		    (SELECT COUNT(*) FROM referrals WHERE status = 'SCHEDULED'),
		    (SELECT COUNT(*) FROM referrals WHERE status = 'MISSED'),
		    (SELECT COUNT(*) FROM referrals WHERE status = 'ESCALATED'),
		    (SELECT COUNT(*) FROM referrals WHERE is_high_risk AND status NOT IN ('COMPLETED', 'CANCELLED')),
		    (SELECT COUNT(*) FROM referrals WHERE status = 'SCHEDULED' AND scheduled_date >= $1 AND scheduled_date < $2),
		    (SELECT COUNT(*) FROM referrals WHERE status = 'PENDING' AND referral_date < $3),
		    (SELECT COUNT(*) FROM alerts WHERE NOT is_read AND NOT is_dismissed),
		    (SELECT COUNT(*) FROM email_logs WHERE status = 'PENDING'),
		    (SELECT COUNT(*) FROM email_logs WHERE status = 'FAILED')`,
		now, weekEnd, now.Add(-pendingThreshold)).Scan(
		&s.TotalActive, &s.PendingCount, &s.ScheduledCount, &s.MissedCount,
		&s.EscalatedCount, &s.HighRiskActive, &s.ScheduledThisWeek,
		&s.OverduePending, &s.UnreadAlerts, &s.EmailsPending, &s.EmailsFailed)
	if err != nil {
		return nil, fmt.Errorf("referrals: dashboard stats: %w", err)
	}
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReferral(row rowScanner) (*Referral, error) {
	var ref Referral
	var specialist, urgency, status string
	var email, phone, condition, notes, calendarEventID sql.NullString
	if err := row.Scan(&ref.ID, &ref.PatientName, &ref.PatientDOB, &ref.HealthCardNo,
		&email, &phone, &condition, &specialist, &urgency, &ref.IsHighRisk, &status,
		&ref.ReferralDate, &ref.ScheduledDate, &ref.CompletedDate, &notes,
		&ref.EmailSent, &ref.EmailSentAt, &ref.CalendarInviteSent, &calendarEventID,
		&ref.CreatedBy, &ref.UpdatedBy, &ref.Version, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
		return nil, err
	}
	ref.PatientEmail = email.String
	ref.PatientPhone = phone.String
	ref.Condition = condition.String
	ref.Notes = notes.String
	ref.CalendarEventID = calendarEventID.String
	ref.SpecialistType = SpecialistType(specialist)
	ref.Urgency = Urgency(urgency)
	ref.Status = Status(status)
	return &ref, nil
}

func collectReferrals(rows *sql.Rows) ([]Referral, error) {
	var out []Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("referrals: scan: %w", err)
		}
		out = append(out, *ref)
	}
	if out == nil {
		out = []Referral{}
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
