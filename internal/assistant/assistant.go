// Package assistant produces the AI guide's answers and recognises when the
// model asks to hand the visitor over to a human.
package assistant

import (
	"context"
	"strings"

	"github.com/zulandar/guidepost/internal/models"
)

// Responder answers the visitor given the AI chat so far.
type Responder interface {
	Complete(ctx context.Context, history []models.Message) (string, error)
}

// ExtractHandoff removes every occurrence of marker from text. handoff is
// true when at least one was found.
func ExtractHandoff(text, marker string) (clean string, handoff bool) {
	if marker == "" || !strings.Contains(text, marker) {
		return strings.TrimSpace(text), false
	}
	clean = strings.ReplaceAll(text, marker, "")
	return strings.Join(strings.Fields(clean), " "), true
}

// Offline always offers a human. It serves the "none" provider.
type Offline struct {
	Text   string
	Marker string
}

// Complete implements Responder.
func (o Offline) Complete(context.Context, []models.Message) (string, error) {
	text := o.Text
	if text == "" {
		text = "Let me connect you with someone from our team."
	}
	return text + " " + o.Marker, nil
}
