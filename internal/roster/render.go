package roster

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

const (
	textCollecting = "⏳ Collecting votes..."
	textNobody     = "📝 Poll closed. Nobody signed up."
)

const subscriberMark = "⭐"

// displayName falls back to the user id when the transport gave no name.
// Subscribers get a star in front.
func displayName(e Entry) string {
	name := "user " + strconv.FormatInt(e.UserID, 10)
	if n := strings.TrimSpace(e.Name); n != "" {
		name = html.EscapeString(n)
	}
	if e.Subscriber {
		return subscriberMark + " " + name
	}
	return name
}

func writeList(b *strings.Builder, entries []Entry) {
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(b, "%d) %s", i+1, displayName(e))
	}
}

func writeWaitlist(b *strings.Builder, s Split) {
	if len(s.Waitlist) == 0 {
		return
	}
	b.WriteString("\n\n🕗 <b>Waitlist:</b>\n")
	writeList(b, s.Waitlist)
}

// RenderProgress is the live info message shown while a poll is open. HTML.
func RenderProgress(s Split) string {
	if s.Total() == 0 {
		return textCollecting
	}
	var b strings.Builder
	if s.Full() {
		b.WriteString("✅ <b>Roster:</b>\n")
	} else {
		fmt.Fprintf(&b, "⏳ <b>Collecting votes:</b> %d/%d\n\n", len(s.Main), s.Capacity)
	}
	writeList(&b, s.Main)
	writeWaitlist(&b, s)
	return b.String()
}

// RenderFinal is the info message after close. HTML.
func RenderFinal(s Split) string {
	if s.Total() == 0 {
		return textNobody
	}
	var b strings.Builder
	if s.Full() {
		b.WriteString("✅ <b>Final roster:</b>\n")
	} else {
		fmt.Fprintf(&b, "⚠️ <b>Not enough players:</b> %d/%d\n\n", len(s.Main), s.Capacity)
	}
	writeList(&b, s.Main)
	writeWaitlist(&b, s)
	return b.String()
}
