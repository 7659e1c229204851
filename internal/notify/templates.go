package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/northbridge-health/referral-platform/internal/referrals"
)

// Template names. These are recorded verbatim on email_logs rows.
const (
	TemplateReferralCreated        = "REFERRAL_CREATED"
	TemplateAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	TemplateAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	TemplateAppointmentReminder    = "APPOINTMENT_REMINDER"
	TemplateFollowUp               = "FOLLOW_UP"
)

const appointmentTimeFormat = "Monday, January 2, 2006 at 3:04 PM"

// RenderInput carries the merge variables a template can reference.
type RenderInput struct {
	Referral *referrals.Referral

	// OldTime and Reason are set for reschedule notices.
	OldTime *time.Time
	Reason  string

	// Message is the free-text body for follow-up email.
	Message string

	// Location is the clinic address printed on booked-slot notices.
	Location string
}

// Render produces the subject and bodies for a template. Unknown template
// names are an error so a typo cannot silently send an empty email.
func Render(template string, in RenderInput) (*Email, error) {
	r := in.Referral
	if r == nil {
		return nil, fmt.Errorf("notify: render %s: referral required", template)
	}
	msg := &Email{To: r.PatientEmail, ToName: r.PatientName}

	specialist := prettySpecialist(r.SpecialistType)
	switch template {
	case TemplateReferralCreated:
		msg.Subject = fmt.Sprintf("Referral to %s received", specialist)
		msg.TextBody = fmt.Sprintf(
			"Dear %s,\n\nYour referral to %s has been received and is being processed. "+
				"We will contact you once an appointment has been booked.\n\nCondition noted: %s\nUrgency: %s\n",
			r.PatientName, specialist, orNone(r.Condition), strings.ToLower(string(r.Urgency)))
	case TemplateAppointmentConfirmed:
		if r.ScheduledDate == nil {
			return nil, fmt.Errorf("notify: render %s: scheduled date required", template)
		}
		msg.Subject = fmt.Sprintf("Appointment confirmed: %s", specialist)
		msg.TextBody = fmt.Sprintf(
			"Dear %s,\n\nYour %s appointment is confirmed for %s.\nLocation: %s\n\n"+
				"A calendar invitation is attached. If you cannot attend, please contact the clinic as soon as possible.\n",
			r.PatientName, specialist, r.ScheduledDate.Format(appointmentTimeFormat), orNone(in.Location))
	case TemplateAppointmentRescheduled:
		if r.ScheduledDate == nil {
			return nil, fmt.Errorf("notify: render %s: scheduled date required", template)
		}
		old := "your previous slot"
		if in.OldTime != nil {
			old = in.OldTime.Format(appointmentTimeFormat)
		}
		msg.Subject = fmt.Sprintf("Appointment rescheduled: %s", specialist)
		msg.TextBody = fmt.Sprintf(
			"Dear %s,\n\nYour %s appointment has been moved from %s to %s.%s\n\nAn updated calendar invitation is attached.\n",
			r.PatientName, specialist, old, r.ScheduledDate.Format(appointmentTimeFormat), reasonLine(in.Reason))
	case TemplateAppointmentReminder:
		if r.ScheduledDate == nil {
			return nil, fmt.Errorf("notify: render %s: scheduled date required", template)
		}
		msg.Subject = fmt.Sprintf("Reminder: %s appointment on %s", specialist, r.ScheduledDate.Format("Jan 2"))
		msg.TextBody = fmt.Sprintf(
			"Dear %s,\n\nThis is a reminder of your %s appointment on %s.\nLocation: %s\n",
			r.PatientName, specialist, r.ScheduledDate.Format(appointmentTimeFormat), orNone(in.Location))
	case TemplateFollowUp:
		msg.Subject = fmt.Sprintf("Follow-up regarding your %s referral", specialist)
		body := in.Message
		if body == "" {
			body = "Please contact the clinic regarding your referral."
		}
		msg.TextBody = fmt.Sprintf("Dear %s,\n\n%s\n", r.PatientName, body)
	default:
		return nil, fmt.Errorf("notify: unknown template %q", template)
	}

	msg.HTMLBody = htmlify(msg.TextBody)
	return msg, nil
}

func prettySpecialist(t referrals.SpecialistType) string {
	s := strings.ToLower(string(t))
	if s == "" {
		return "specialist"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func orNone(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func reasonLine(reason string) string {
	if reason == "" {
		return ""
	}
	return "\nReason: " + reason
}

// htmlify escapes the text before adding markup: names, conditions, and
// reschedule reasons come from request payloads.
func htmlify(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
