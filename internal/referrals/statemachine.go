// Package referrals implements the clinic referral workflow: the status
// state machine, the notification rules, and the orchestrating service.
//
// Status graph (initial PENDING; COMPLETED and CANCELLED are terminal):
//
//	PENDING ──schedule──► SCHEDULED ──mark-attended──► ATTENDED ──complete──► COMPLETED
//	                          │ ▲
//	            mark-missed   │ │ reschedule (also from MISSED,
//	                          ▼ │            NEEDS_REBOOK, ESCALATED)
//	                        MISSED ──escalate (high risk)──► ESCALATED
//	                          │
//	                          └──rebook-timeout (not high risk)──► NEEDS_REBOOK
//
//	any non-terminal ──cancel──► CANCELLED
package referrals

import (
	"time"
)

// Action identifies a requested status change. Automatic actions (escalate,
// rebook-timeout) are triggered by rules and the rebook worker, never by the
// REST surface directly.
type Action string

const (
	ActionSchedule      Action = "schedule"
	ActionReschedule    Action = "reschedule"
	ActionMarkMissed    Action = "mark-missed"
	ActionMarkAttended  Action = "mark-attended"
	ActionComplete      Action = "complete"
	ActionCancel        Action = "cancel"
	ActionEscalate      Action = "escalate"
	ActionRebookTimeout Action = "rebook-timeout"
)

// actionTarget maps each action to the status it commits.
var actionTarget = map[Action]Status{
	ActionSchedule:      StatusScheduled,
	ActionReschedule:    StatusScheduled,
	ActionMarkMissed:    StatusMissed,
	ActionMarkAttended:  StatusAttended,
	ActionComplete:      StatusCompleted,
	ActionCancel:        StatusCancelled,
	ActionEscalate:      StatusEscalated,
	ActionRebookTimeout: StatusNeedsRebook,
}

// allowedActions lists every legal (current status, action) pair. Any pair
// not listed fails with InvalidTransitionError and changes nothing.
var allowedActions = map[Status][]Action{
	StatusPending:     {ActionSchedule, ActionCancel},
	StatusScheduled:   {ActionReschedule, ActionMarkMissed, ActionMarkAttended, ActionCancel},
	StatusMissed:      {ActionSchedule, ActionReschedule, ActionEscalate, ActionRebookTimeout, ActionCancel},
	StatusAttended:    {ActionComplete, ActionCancel},
	StatusNeedsRebook: {ActionSchedule, ActionReschedule, ActionCancel},
	StatusEscalated:   {ActionSchedule, ActionReschedule, ActionCancel},
	// COMPLETED and CANCELLED are terminal, no outgoing actions.
}

// Transition is the committed result of a legal action.
type Transition struct {
	Action Action
	From   Status
	To     Status
}

// Rebooked reports whether this transition replaced an existing or lapsed
// booking, which selects the reschedule email over the confirmation one.
func (t Transition) Rebooked() bool {
	if t.To != StatusScheduled {
		return false
	}
	if t.Action == ActionReschedule {
		return true
	}
	switch t.From {
	case StatusMissed, StatusNeedsRebook, StatusEscalated:
		return true
	}
	return false
}

// Decide checks whether action is legal for the referral's current state and
// returns the transition to commit. Time-gated actions (mark-missed,
// mark-attended) additionally require the scheduled slot to have passed.
func Decide(r *Referral, action Action, now time.Time) (Transition, error) {
	target, ok := actionTarget[action]
	if !ok {
		return Transition{}, &InvalidTransitionError{From: r.Status, To: r.Status}
	}
	if !actionAllowed(r.Status, action) {
		return Transition{}, &InvalidTransitionError{From: r.Status, To: target}
	}

	switch action {
	case ActionMarkMissed, ActionMarkAttended:
		if r.ScheduledDate == nil || now.Before(*r.ScheduledDate) {
			var gate time.Time
			if r.ScheduledDate != nil {
				gate = *r.ScheduledDate
			}
			return Transition{}, &PrematureTransitionError{Action: action, ScheduledFor: gate}
		}
	case ActionEscalate:
		if !r.IsHighRisk {
			return Transition{}, &InvalidTransitionError{From: r.Status, To: target}
		}
	case ActionRebookTimeout:
		if r.IsHighRisk {
			return Transition{}, &InvalidTransitionError{From: r.Status, To: target}
		}
	}

	return Transition{Action: action, From: r.Status, To: target}, nil
}

func actionAllowed(from Status, action Action) bool {
	for _, a := range allowedActions[from] {
		if a == action {
			return true
		}
	}
	return false
}

// AllowedActionsFor returns the legal actions from a status, in table order.
// Terminal statuses return nil.
func AllowedActionsFor(from Status) []Action {
	return allowedActions[from]
}
