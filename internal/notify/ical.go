package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ICalEvent is a single VEVENT to attach to a booked-slot email.
type ICalEvent struct {
	UID         uuid.UUID
	Summary     string
	Description string
	Location    string
	Start       time.Time
	Duration    time.Duration
	// Sequence increments each time the same UID is re-issued, which is how
	// calendar clients recognize a reschedule of an existing invite.
	Sequence int
}

const icalTimeLayout = "20060102T150405Z"

// RenderICal serializes the event per RFC 5545, CRLF line endings included.
func RenderICal(ev ICalEvent, now time.Time) []byte {
	if ev.Duration <= 0 {
		ev.Duration = time.Hour
	}
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Northbridge Health//Referral Platform//EN",
		"CALSCALE:GREGORIAN",
		"METHOD:REQUEST",
		"BEGIN:VEVENT",
		"UID:" + ev.UID.String() + "@referrals.northbridge-health",
		"DTSTAMP:" + now.UTC().Format(icalTimeLayout),
		"DTSTART:" + ev.Start.UTC().Format(icalTimeLayout),
		"DTEND:" + ev.Start.Add(ev.Duration).UTC().Format(icalTimeLayout),
		fmt.Sprintf("SEQUENCE:%d", ev.Sequence),
		"SUMMARY:" + escapeICalText(ev.Summary),
	}
	if ev.Description != "" {
		lines = append(lines, "DESCRIPTION:"+escapeICalText(ev.Description))
	}
	if ev.Location != "" {
		lines = append(lines, "LOCATION:"+escapeICalText(ev.Location))
	}
	lines = append(lines,
		"STATUS:CONFIRMED",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(foldICalLine(line))
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// escapeICalText escapes the characters RFC 5545 treats specially in TEXT
// values.
func escapeICalText(s string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\;",
		",", "\\,",
		"\n", "\\n",
	)
	return r.Replace(s)
}

// foldICalLine wraps content lines at 75 octets with a continuation space.
func foldICalLine(line string) string {
	const limit = 75
	if len(line) <= limit {
		return line
	}
	var b strings.Builder
	for len(line) > limit {
		b.WriteString(line[:limit])
		b.WriteString("\r\n ")
		line = line[limit:]
	}
	b.WriteString(line)
	return b.String()
}
