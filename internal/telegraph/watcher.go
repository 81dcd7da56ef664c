package telegraph

import (
	"sync"
	"time"

	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/models"
)

// EventType identifies the kind of event detected by the watcher.
type EventType string

const (
	EventHandoff EventType = "handoff"
	EventClosed  EventType = "closed"
)

// DetectedEvent is a raw event detected by the watcher before formatting.
type DetectedEvent struct {
	Type      EventType
	Timestamp time.Time

	ConversationID string
	GuideSlug      string
	VisitorName    string
	VisitorContact string
	OldStatus      models.Status
	NewStatus      models.Status
	Messages       models.Messages
}

// Watcher turns successive conversation lists into lifecycle events. It
// keeps the last-known status of every conversation.
type Watcher struct {
	clock clock.Clock

	mu       sync.Mutex
	snapshot map[string]models.Status // conversation id -> last-known status
	seeded   bool                     // true after the first list (baseline established)
}

// NewWatcher creates a Watcher. A nil clock uses wall time.
func NewWatcher(c clock.Clock) *Watcher {
	return &Watcher{
		clock:    clock.OrReal(c),
		snapshot: make(map[string]models.Status),
	}
}

// Detect compares list against the snapshot and returns the events it
// implies. The first call seeds the snapshot without emitting events, to
// avoid a burst of stale notices on startup.
func (w *Watcher) Detect(list []models.Conversation) []DetectedEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	var events []DetectedEvent
	current := make(map[string]bool, len(list))

	for _, c := range list {
		current[c.ID] = true
		old, exists := w.snapshot[c.ID]
		w.snapshot[c.ID] = c.Status
		if !w.seeded {
			continue
		}
		switch {
		case !exists && (c.Status == models.StatusActive || c.Status == models.StatusPending):
			events = append(events, newEvent(EventHandoff, now, c, "", c.Status))
		case exists && old != c.Status && c.Status == models.StatusClosed:
			events = append(events, newEvent(EventClosed, now, c, old, c.Status))
		}
	}

	// Forget conversations that left the list.
	for id := range w.snapshot {
		if !current[id] {
			delete(w.snapshot, id)
		}
	}
	w.seeded = true
	return events
}

// Seeded reports whether the baseline has been established.
func (w *Watcher) Seeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seeded
}

func newEvent(t EventType, at time.Time, c models.Conversation, from, to models.Status) DetectedEvent {
	return DetectedEvent{
		Type:           t,
		Timestamp:      at,
		ConversationID: c.ID,
		GuideSlug:      c.GuideSlug,
		VisitorName:    c.VisitorName,
		VisitorContact: c.VisitorContact,
		OldStatus:      from,
		NewStatus:      to,
		Messages:       c.Messages.Clone(),
	}
}
