// Package gateway is the adapter to the shared conversation record store.
// Visitors and operators write to the same record; every write appends
// against the latest stored snapshot, and subscribers receive full
// snapshots, never diffs.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/guidepost/internal/models"
)

// ErrNotFound is returned by Get when no record has the given id, including
// a record that was just created but is not yet readable.
var ErrNotFound = errors.New("gateway: conversation not found")

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Gateway is the remote conversation store as seen by the visitor runtime
// and the operator console.
type Gateway interface {
	// Create stores rec and returns its id. An empty rec.ID is assigned.
	Create(ctx context.Context, rec models.Conversation) (string, error)
	Get(ctx context.Context, id string) (models.Conversation, error)
	// Subscribe delivers the current snapshot and then every later one
	// until unsubscribed.
	Subscribe(ctx context.Context, id string, fn func(models.Conversation)) (Unsubscribe, error)
	// AppendMessage appends msg to the latest snapshot. A second message
	// flagged as transition or closing is dropped.
	AppendMessage(ctx context.Context, id string, msg models.Message) error
	SetStatus(ctx context.Context, id string, status models.Status, actor, reason string) error
	SetViewed(ctx context.Context, id string, viewed bool) error
	// ListByGuide delivers every conversation for guideSlug, newest first,
	// now and on each change.
	ListByGuide(ctx context.Context, guideSlug string, fn func([]models.Conversation)) (Unsubscribe, error)
}

// acceptMessage reports whether msg may be appended to existing without
// breaking the once-only flags.
func acceptMessage(existing models.Messages, msg models.Message) bool {
	if msg.Meta.IsTransitionMessage && existing.HasTransition("") {
		return false
	}
	if msg.Meta.IsClosingMessage && existing.HasClosing() {
		return false
	}
	return true
}

// stamp fills a zero timestamp and keeps the list time-ordered.
func stamp(existing models.Messages, msg models.Message, now time.Time) models.Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if n := len(existing); n > 0 && msg.Timestamp.Before(existing[n-1].Timestamp) {
		msg.Timestamp = existing[n-1].Timestamp
	}
	return msg
}
