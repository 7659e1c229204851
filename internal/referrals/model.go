package referrals

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status values mirror the referral_status enum in PostgreSQL. They are the
// wire contract for the REST surface and are case-sensitive.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusScheduled   Status = "SCHEDULED"
	StatusAttended    Status = "ATTENDED"
	StatusMissed      Status = "MISSED"
	StatusNeedsRebook Status = "NEEDS_REBOOK"
	StatusEscalated   Status = "ESCALATED"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
)

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusScheduled, StatusAttended, StatusMissed,
		StatusNeedsRebook, StatusEscalated, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("referrals: unknown status %q", s)
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SpecialistType enumerates the clinic's referral destinations.
type SpecialistType string

const (
	SpecialistCardiology       SpecialistType = "CARDIOLOGY"
	SpecialistDermatology      SpecialistType = "DERMATOLOGY"
	SpecialistEndocrinology    SpecialistType = "ENDOCRINOLOGY"
	SpecialistGastroenterology SpecialistType = "GASTROENTEROLOGY"
	SpecialistNeurology        SpecialistType = "NEUROLOGY"
	SpecialistOncology         SpecialistType = "ONCOLOGY"
	SpecialistOrthopedics      SpecialistType = "ORTHOPEDICS"
	SpecialistPsychiatry       SpecialistType = "PSYCHIATRY"
)

func ParseSpecialistType(s string) (SpecialistType, error) {
	st := SpecialistType(s)
	switch st {
	case SpecialistCardiology, SpecialistDermatology, SpecialistEndocrinology,
		SpecialistGastroenterology, SpecialistNeurology, SpecialistOncology,
		SpecialistOrthopedics, SpecialistPsychiatry:
		return st, nil
	}
	return "", fmt.Errorf("referrals: unknown specialist type %q", s)
}

// Urgency classifies how quickly a referral should be booked.
type Urgency string

const (
	UrgencyRoutine  Urgency = "ROUTINE"
	UrgencyUrgent   Urgency = "URGENT"
	UrgencyCritical Urgency = "CRITICAL"
)

func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(s)
	switch u {
	case UrgencyRoutine, UrgencyUrgent, UrgencyCritical:
		return u, nil
	}
	return "", fmt.Errorf("referrals: unknown urgency %q", s)
}

// Referral is the aggregate root. History entries, alerts, and email/call
// logs are owned by (and cascade-deleted with) their referral.
type Referral struct {
	ID uuid.UUID `json:"id"`

	PatientName     string     `json:"patient_name"`
	PatientDOB      *time.Time `json:"patient_dob,omitempty"`
	HealthCardNo    string     `json:"health_card_number"`
	PatientEmail    string     `json:"patient_email,omitempty"`
	PatientPhone    string     `json:"patient_phone,omitempty"`
	Condition       string     `json:"condition,omitempty"`

	SpecialistType SpecialistType `json:"specialist_type"`
	Urgency        Urgency        `json:"urgency"`
	IsHighRisk     bool           `json:"is_high_risk"`

	Status        Status     `json:"status"`
	ReferralDate  time.Time  `json:"referral_date"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	CompletedDate *time.Time `json:"completed_date,omitempty"`
	Notes         string     `json:"notes,omitempty"`

	EmailSent          bool       `json:"email_sent"`
	EmailSentAt        *time.Time `json:"email_sent_at,omitempty"`
	CalendarInviteSent bool       `json:"calendar_invite_sent"`
	CalendarEventID    string     `json:"calendar_event_id,omitempty"`

	CreatedBy uuid.UUID `json:"created_by"`
	UpdatedBy uuid.UUID `json:"updated_by"`

	// Version supports the optimistic per-row concurrency check; it is
	// bumped on every committed update.
	Version   int       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOverdue is recomputed on every read, never stored, so it cannot go
// stale: a PENDING referral is overdue after pendingThreshold, a SCHEDULED
// one as soon as its slot has passed.
func (r *Referral) IsOverdue(now time.Time, pendingThreshold time.Duration) bool {
	switch r.Status {
	case StatusPending:
		return now.Sub(r.ReferralDate) > pendingThreshold
	case StatusScheduled:
		return r.ScheduledDate != nil && now.After(*r.ScheduledDate)
	}
	return false
}

// StatusHistoryEntry is an append-only audit row. Entries are never mutated
// or deleted.
type StatusHistoryEntry struct {
	ID         uuid.UUID `json:"id"`
	ReferralID uuid.UUID `json:"referral_id"`
	Status     Status    `json:"status"`
	ChangedBy  uuid.UUID `json:"changed_by"`
	ChangedAt  time.Time `json:"changed_at"`
	Note       string    `json:"note,omitempty"`
}

// CreateReferralRequest carries the fields accepted on referral creation.
type CreateReferralRequest struct {
	PatientName   string     `json:"patient_name"`
	PatientDOB    *time.Time `json:"patient_dob,omitempty"`
	HealthCardNo  string     `json:"health_card_number"`
	PatientEmail  string     `json:"patient_email,omitempty"`
	PatientPhone  string     `json:"patient_phone,omitempty"`
	Condition     string     `json:"condition,omitempty"`
	SpecialistType string    `json:"specialist_type"`
	Urgency        string    `json:"urgency"`
	IsHighRisk     bool      `json:"is_high_risk"`
	Notes          string    `json:"notes,omitempty"`
	CreatedBy      uuid.UUID `json:"created_by"`
}

// Validate checks required fields and enum membership.
func (req *CreateReferralRequest) Validate() error {
	if strings.TrimSpace(req.PatientName) == "" {
		return &ValidationError{Field: "patient_name", Reason: "required"}
	}
	if strings.TrimSpace(req.HealthCardNo) == "" {
		return &ValidationError{Field: "health_card_number", Reason: "required"}
	}
	if req.CreatedBy == uuid.Nil {
		return &ValidationError{Field: "created_by", Reason: "required"}
	}
	if _, err := ParseSpecialistType(req.SpecialistType); err != nil {
		return &ValidationError{Field: "specialist_type", Reason: fmt.Sprintf("must be one of the supported specialist types, got %q", req.SpecialistType)}
	}
	if _, err := ParseUrgency(req.Urgency); err != nil {
		return &ValidationError{Field: "urgency", Reason: fmt.Sprintf("must be ROUTINE, URGENT or CRITICAL, got %q", req.Urgency)}
	}
	if req.PatientEmail != "" && !strings.Contains(req.PatientEmail, "@") {
		return &ValidationError{Field: "patient_email", Reason: "not a valid email address"}
	}
	return nil
}
