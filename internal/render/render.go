// Package render formats transcripts as plain-text chat logs in two styles.
package render

import (
	"fmt"
	"strings"

	"threadline/internal/domain"
)

type Style string

const (
	// StyleLog renders one line per message: "[15:04:05] Name: content".
	StyleLog Style = "log"
	// StyleBubble renders a "15:04 Name" line followed by the content.
	StyleBubble Style = "bubble"
)

// Styles lists every supported style in artifact order.
var Styles = []Style{StyleLog, StyleBubble}

// InProgressMarker is written into every artifact that is still being
// appended to. Finalized documents never carry it.
const InProgressMarker = "[in progress] live checkpoint, do not edit this file by hand"

const (
	rule     = "============================================================"
	dayRule  = "----------------------------------------"
	dayStamp = "2006-01-02 (Mon)"
)

func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case StyleLog, "":
		return StyleLog, nil
	case StyleBubble:
		return StyleBubble, nil
	default:
		return "", fmt.Errorf("unknown style %q (want log or bubble)", s)
	}
}

// Meta is the summary printed at the top of every artifact.
type Meta struct {
	Event     string
	Context   string
	Agents    int
	Phases    int
	SubEvents int
}

func title(style Style) string {
	if style == StyleBubble {
		return "Group chat"
	}
	return "Chat log"
}

// Header renders the artifact preamble. inProgress adds the live-checkpoint
// marker; a finalized header carries the message count instead.
func Header(style Style, meta Meta, inProgress bool, messages int) string {
	var b strings.Builder
	b.WriteString(rule + "\n")
	if inProgress {
		fmt.Fprintf(&b, "%s - %s (checkpointing)\n", title(style), meta.Event)
	} else {
		fmt.Fprintf(&b, "%s - %s\n", title(style), meta.Event)
	}
	if meta.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", meta.Context)
	}
	b.WriteString(rule + "\n\n")
	b.WriteString("Summary:\n")
	fmt.Fprintf(&b, "Event: %s\n", meta.Event)
	fmt.Fprintf(&b, "Members: %d\n", meta.Agents)
	fmt.Fprintf(&b, "Phases: %d\n", meta.Phases)
	fmt.Fprintf(&b, "Sub-events: %d\n", meta.SubEvents)
	if inProgress {
		b.WriteString("\n" + InProgressMarker + "\n\n")
	} else {
		fmt.Fprintf(&b, "Messages: %d\n\n", messages)
	}
	return b.String()
}

// Line renders a single message.
func Line(style Style, m domain.Message) string {
	if style == StyleBubble {
		return fmt.Sprintf("%s %s\n%s\n\n", m.Timestamp.Format("15:04"), m.Sender.Name, m.Content)
	}
	return fmt.Sprintf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Sender.Name, m.Content)
}

// Lines renders a checkpoint batch in generation order.
func Lines(style Style, batch []domain.Message) string {
	var b strings.Builder
	for _, m := range batch {
		b.WriteString(Line(style, m))
	}
	return b.String()
}

// Document renders a complete, finalized transcript with a date separator
// whenever the calendar day changes.
func Document(style Style, meta Meta, transcript []domain.Message) string {
	var b strings.Builder
	b.WriteString(Header(style, meta, false, len(transcript)))
	var day string
	for _, m := range transcript {
		if d := m.Timestamp.Format("2006-01-02"); d != day {
			day = d
			fmt.Fprintf(&b, "\n%s\n%s\n", m.Timestamp.Format(dayStamp), dayRule)
		}
		b.WriteString(Line(style, m))
	}
	return b.String()
}
