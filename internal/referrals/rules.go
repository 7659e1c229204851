package referrals

// SideEffectKind enumerates the follow-up work a committed transition can
// require. Side effects are best-effort: they are dispatched after the
// primary state change and their failures never roll it back.
type SideEffectKind string

const (
	// EffectAutoEscalate moves a freshly MISSED high-risk referral to
	// ESCALATED and raises a broadcast HIGH_RISK_ESCALATION alert.
	EffectAutoEscalate SideEffectKind = "auto_escalate"
	// EffectScheduleRebookCheck arms the rebook worker: if the referral is
	// still MISSED after the configured delay it moves to NEEDS_REBOOK.
	EffectScheduleRebookCheck SideEffectKind = "schedule_rebook_check"
	// EffectSendCreatedEmail notifies the patient that a referral exists.
	EffectSendCreatedEmail SideEffectKind = "send_created_email"
	// EffectSendConfirmationEmail confirms a newly scheduled slot.
	EffectSendConfirmationEmail SideEffectKind = "send_confirmation_email"
	// EffectSendRescheduleEmail replaces the confirmation when a lapsed
	// referral was brought back to SCHEDULED.
	EffectSendRescheduleEmail SideEffectKind = "send_reschedule_email"
	// EffectPlaceRebookCall asks the voice vendor to call the patient about
	// a missed appointment.
	EffectPlaceRebookCall SideEffectKind = "place_rebook_call"
	// EffectSyncCalendar pushes the scheduled slot to the clinic calendar.
	EffectSyncCalendar SideEffectKind = "sync_calendar"
)

// SideEffect is one unit of dispatch work.
type SideEffect struct {
	Kind SideEffectKind
}

// Evaluate is the pure notification/escalation rule set: it maps a committed
// transition and the referral it was applied to onto the side effects to
// enqueue. Creation is modeled as a transition with an empty From status.
func Evaluate(t Transition, ref *Referral) []SideEffect {
	var out []SideEffect

	if t.From == "" && t.To == StatusPending {
		// Patients without an email address on file get no created notice
		// and no log row for one.
		if ref.PatientEmail != "" {
			out = append(out, SideEffect{Kind: EffectSendCreatedEmail})
		}
		return out
	}

	switch t.To {
	case StatusMissed:
		if ref.IsHighRisk {
			out = append(out, SideEffect{Kind: EffectAutoEscalate})
		} else {
			out = append(out, SideEffect{Kind: EffectScheduleRebookCheck})
		}
		out = append(out, SideEffect{Kind: EffectPlaceRebookCall})
	case StatusScheduled:
		if t.Rebooked() {
			out = append(out, SideEffect{Kind: EffectSendRescheduleEmail})
		} else {
			out = append(out, SideEffect{Kind: EffectSendConfirmationEmail})
		}
		out = append(out, SideEffect{Kind: EffectSyncCalendar})
	}

	return out
}

// FollowUpPriority maps a non-rescheduled call outcome to the alert priority
// a nurse sees: urgent for high-risk patients, high otherwise.
func FollowUpPriority(isHighRisk bool) string {
	if isHighRisk {
		return "urgent"
	}
	return "high"
}
