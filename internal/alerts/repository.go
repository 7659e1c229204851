package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an alert id is unknown.
var ErrNotFound = errors.New("alerts: alert not found")

// Repository persists alerts.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (id, referral_id, user_id, type, priority, message, is_read, is_dismissed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ReferralID, a.UserID, a.Type, a.Priority, a.Message, a.IsRead, a.IsDismissed, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("alerts: insert: %w", err)
	}
	return nil
}

// ListOpen returns alerts that are neither read nor dismissed: broadcasts
// plus any targeted at the given user, most urgent and newest first.
func (r *Repository) ListOpen(ctx context.Context, userID uuid.UUID, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, referral_id, user_id, type, priority, message, is_read, is_dismissed, created_at
		FROM alerts
		WHERE NOT is_read AND NOT is_dismissed AND (user_id IS NULL OR user_id = $1)
		ORDER BY CASE priority
		    WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
		    created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("alerts: list open: %w", err)
	}
	defer rows.Close()

	out := []Alert{}
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.ReferralID, &a.UserID, &a.Type, &a.Priority,
			&a.Message, &a.IsRead, &a.IsDismissed, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("alerts: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListForReferral returns every alert for a referral, including read and
// dismissed ones.
func (r *Repository) ListForReferral(ctx context.Context, referralID uuid.UUID) ([]Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, referral_id, user_id, type, priority, message, is_read, is_dismissed, created_at
		FROM alerts WHERE referral_id = $1 ORDER BY created_at DESC`, referralID)
	if err != nil {
		return nil, fmt.Errorf("alerts: list for referral: %w", err)
	}
	defer rows.Close()

	out := []Alert{}
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.ReferralID, &a.UserID, &a.Type, &a.Priority,
			&a.Message, &a.IsRead, &a.IsDismissed, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("alerts: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) MarkRead(ctx context.Context, id uuid.UUID) error {
	return r.setFlag(ctx, id, "is_read")
}

// Dismiss hides the alert from the open list. The row stays.
func (r *Repository) Dismiss(ctx context.Context, id uuid.UUID) error {
	return r.setFlag(ctx, id, "is_dismissed")
}

func (r *Repository) setFlag(ctx context.Context, id uuid.UUID, column string) error {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE alerts SET %s = TRUE WHERE id = $1`, column), id)
	if err != nil {
		return fmt.Errorf("alerts: update %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("alerts: update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
