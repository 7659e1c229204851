package referrals

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pastSlot(t *testing.T) *time.Time {
	t.Helper()
	d := time.Now().UTC().Add(-2 * time.Hour)
	return &d
}

func futureSlot(t *testing.T) *time.Time {
	t.Helper()
	d := time.Now().UTC().Add(2 * time.Hour)
	return &d
}

func TestDecideAllowedPairs(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name     string
		referral Referral
		action   Action
		wantTo   Status
	}{
		{"schedule from pending", Referral{Status: StatusPending}, ActionSchedule, StatusScheduled},
		{"cancel from pending", Referral{Status: StatusPending}, ActionCancel, StatusCancelled},
		{"reschedule from scheduled", Referral{Status: StatusScheduled, ScheduledDate: futureSlot(t)}, ActionReschedule, StatusScheduled},
		{"mark missed after slot", Referral{Status: StatusScheduled, ScheduledDate: pastSlot(t)}, ActionMarkMissed, StatusMissed},
		{"mark attended after slot", Referral{Status: StatusScheduled, ScheduledDate: pastSlot(t)}, ActionMarkAttended, StatusAttended},
		{"schedule from missed", Referral{Status: StatusMissed}, ActionSchedule, StatusScheduled},
		{"escalate high risk from missed", Referral{Status: StatusMissed, IsHighRisk: true}, ActionEscalate, StatusEscalated},
		{"rebook timeout from missed", Referral{Status: StatusMissed}, ActionRebookTimeout, StatusNeedsRebook},
		{"complete from attended", Referral{Status: StatusAttended}, ActionComplete, StatusCompleted},
		{"schedule from needs rebook", Referral{Status: StatusNeedsRebook}, ActionSchedule, StatusScheduled},
		{"schedule clears escalation", Referral{Status: StatusEscalated}, ActionSchedule, StatusScheduled},
		{"cancel from escalated", Referral{Status: StatusEscalated}, ActionCancel, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Decide(&tt.referral, tt.action, now)
			require.NoError(t, err)
			assert.Equal(t, tt.referral.Status, tr.From)
			assert.Equal(t, tt.wantTo, tr.To)
			assert.Equal(t, tt.action, tr.Action)
		})
	}
}

func TestDecideRejectsEveryUnlistedPair(t *testing.T) {
	now := time.Now().UTC()
	all := []Status{
		StatusPending, StatusScheduled, StatusAttended, StatusMissed,
		StatusNeedsRebook, StatusEscalated, StatusCompleted, StatusCancelled,
	}
	actions := []Action{
		ActionSchedule, ActionReschedule, ActionMarkMissed, ActionMarkAttended,
		ActionComplete, ActionCancel, ActionEscalate, ActionRebookTimeout,
	}

	for _, from := range all {
		for _, action := range actions {
			if actionAllowed(from, action) {
				continue
			}
			t.Run(string(from)+"_"+string(action), func(t *testing.T) {
				ref := Referral{Status: from, IsHighRisk: true, ScheduledDate: pastSlot(t)}
				_, err := Decide(&ref, action, now)
				var ite *InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, from, ite.From)
			})
		}
	}
}

func TestDecideTerminalStatusesRejectEverything(t *testing.T) {
	now := time.Now().UTC()
	for _, from := range []Status{StatusCompleted, StatusCancelled} {
		assert.True(t, from.IsTerminal())
		assert.Nil(t, AllowedActionsFor(from))
		for action := range actionTarget {
			_, err := Decide(&Referral{Status: from}, action, now)
			var ite *InvalidTransitionError
			assert.ErrorAs(t, err, &ite, "%s should reject %s", from, action)
		}
	}
}

func TestDecideTimeGates(t *testing.T) {
	now := time.Now().UTC()

	t.Run("mark missed before slot", func(t *testing.T) {
		ref := Referral{Status: StatusScheduled, ScheduledDate: futureSlot(t)}
		_, err := Decide(&ref, ActionMarkMissed, now)
		var pte *PrematureTransitionError
		require.ErrorAs(t, err, &pte)
		assert.Equal(t, ActionMarkMissed, pte.Action)
		assert.Equal(t, *ref.ScheduledDate, pte.ScheduledFor)
	})

	t.Run("mark attended before slot", func(t *testing.T) {
		ref := Referral{Status: StatusScheduled, ScheduledDate: futureSlot(t)}
		_, err := Decide(&ref, ActionMarkAttended, now)
		var pte *PrematureTransitionError
		require.ErrorAs(t, err, &pte)
	})

	t.Run("mark missed with no slot at all", func(t *testing.T) {
		ref := Referral{Status: StatusScheduled}
		_, err := Decide(&ref, ActionMarkMissed, now)
		var pte *PrematureTransitionError
		require.ErrorAs(t, err, &pte)
		assert.True(t, pte.ScheduledFor.IsZero())
	})

	t.Run("exactly at the slot is allowed", func(t *testing.T) {
		slot := now
		ref := Referral{Status: StatusScheduled, ScheduledDate: &slot}
		_, err := Decide(&ref, ActionMarkAttended, now)
		require.NoError(t, err)
	})
}

func TestDecideRiskGuards(t *testing.T) {
	now := time.Now().UTC()

	t.Run("escalate requires high risk", func(t *testing.T) {
		ref := Referral{Status: StatusMissed, IsHighRisk: false}
		_, err := Decide(&ref, ActionEscalate, now)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
	})

	t.Run("rebook timeout excludes high risk", func(t *testing.T) {
		ref := Referral{Status: StatusMissed, IsHighRisk: true}
		_, err := Decide(&ref, ActionRebookTimeout, now)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
	})
}

func TestDecideUnknownAction(t *testing.T) {
	ref := Referral{Status: StatusPending}
	_, err := Decide(&ref, Action("vanish"), time.Now())
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
}

func TestTransitionRebooked(t *testing.T) {
	tests := []struct {
		name string
		tr   Transition
		want bool
	}{
		{"first booking from pending", Transition{Action: ActionSchedule, From: StatusPending, To: StatusScheduled}, false},
		{"reschedule of live booking", Transition{Action: ActionReschedule, From: StatusScheduled, To: StatusScheduled}, true},
		{"schedule after miss", Transition{Action: ActionSchedule, From: StatusMissed, To: StatusScheduled}, true},
		{"schedule after rebook flag", Transition{Action: ActionSchedule, From: StatusNeedsRebook, To: StatusScheduled}, true},
		{"schedule after escalation", Transition{Action: ActionSchedule, From: StatusEscalated, To: StatusScheduled}, true},
		{"non scheduling transition", Transition{Action: ActionMarkMissed, From: StatusScheduled, To: StatusMissed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tr.Rebooked())
		})
	}
}
