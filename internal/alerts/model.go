// Package alerts stores and streams nurse-facing alerts. Alerts are never
// hard-deleted: dismissing keeps the row for the audit trail.
package alerts

import (
	"time"

	"github.com/google/uuid"
)

// Alert types raised by the workflow.
const (
	TypeHighRiskEscalation = "HIGH_RISK_ESCALATION"
	TypeFollowUpRequired   = "FOLLOW_UP_REQUIRED"
	TypeCallFailed         = "CALL_FAILED"
	TypeRebookRequired     = "REBOOK_REQUIRED"
)

// Priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Alert is a dashboard notification. A nil UserID means broadcast: the
// alert is visible to every nurse.
type Alert struct {
	ID          uuid.UUID  `json:"id"`
	ReferralID  uuid.UUID  `json:"referral_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	Type        string     `json:"type"`
	Priority    string     `json:"priority"`
	Message     string     `json:"message"`
	IsRead      bool       `json:"is_read"`
	IsDismissed bool       `json:"is_dismissed"`
	CreatedAt   time.Time  `json:"created_at"`
}
