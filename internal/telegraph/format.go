package telegraph

import (
	"fmt"
	"strings"

	"github.com/zulandar/guidepost/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// maxPreview bounds the transcript excerpt in a handoff notice.
const maxPreview = 280

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// FormatHandoff formats a new human conversation. The body quotes the last
// thing the visitor asked the assistant, if anything.
func FormatHandoff(event DetectedEvent) FormattedEvent {
	name := event.VisitorName
	if name == "" {
		name = "A visitor"
	}
	e := FormattedEvent{
		Title:    fmt.Sprintf("%s is waiting for an operator", name),
		Severity: "warning",
		Color:    severityColor("warning"),
	}
	if q := lastVisitorText(event.Messages); q != "" {
		e.Body = "> " + truncate(q, maxPreview)
	}
	e.Fields = append(e.Fields, Field{Name: "Guide", Value: event.GuideSlug, Short: true})
	if event.VisitorContact != "" {
		e.Fields = append(e.Fields, Field{Name: "Contact", Value: event.VisitorContact, Short: true})
	}
	e.Fields = append(e.Fields, Field{Name: "Conversation", Value: event.ConversationID})
	return e
}

// FormatClosed formats a conversation that has ended.
func FormatClosed(event DetectedEvent) FormattedEvent {
	name := event.VisitorName
	if name == "" {
		name = "visitor"
	}
	e := FormattedEvent{
		Title:    fmt.Sprintf("Conversation with %s closed", name),
		Body:     fmt.Sprintf("%d messages", len(event.Messages)),
		Severity: "success",
		Color:    severityColor("success"),
	}
	e.Fields = append(e.Fields,
		Field{Name: "Guide", Value: event.GuideSlug, Short: true},
		Field{Name: "Status", Value: fmt.Sprintf("%s → %s", event.OldStatus, event.NewStatus), Short: true},
		Field{Name: "Conversation", Value: event.ConversationID},
	)
	return e
}

// Format dispatches on the event type.
func Format(event DetectedEvent) FormattedEvent {
	switch event.Type {
	case EventHandoff:
		return FormatHandoff(event)
	case EventClosed:
		return FormatClosed(event)
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Conversation %s: %s", event.ConversationID, event.Type),
		Severity: "info",
		Color:    ColorInfo,
	}
}

func lastVisitorText(msgs models.Messages) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].From == models.FromVisitor {
			return strings.TrimSpace(msgs[i].Text)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
