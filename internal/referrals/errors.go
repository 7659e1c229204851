package referrals

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a referral id is unknown.
	ErrNotFound = errors.New("referrals: referral not found")

	// ErrConcurrentModification is returned when an update lost the
	// optimistic version check against a concurrent writer.
	ErrConcurrentModification = errors.New("referrals: referral was modified concurrently, reload and retry")
)

// ValidationError reports a bad input shape or enum value. The business
// action is aborted and nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("referrals: invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a state-machine violation. It carries both
// statuses so callers can surface the rejected pair verbatim.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("referrals: invalid transition %s -> %s", e.From, e.To)
}

// PrematureTransitionError reports a time-gated action attempted before its
// gate: marking missed or attended ahead of the scheduled slot.
type PrematureTransitionError struct {
	Action       Action
	ScheduledFor time.Time
}

func (e *PrematureTransitionError) Error() string {
	return fmt.Sprintf("referrals: %s not allowed before scheduled date %s", e.Action, e.ScheduledFor.Format(time.RFC3339))
}
