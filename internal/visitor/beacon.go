package visitor

import (
	"context"
	"fmt"

	"github.com/zulandar/guidepost/internal/bus"
	"github.com/zulandar/guidepost/internal/clock"
)

// closePublisher is the part of *bus.Client the beacon uses.
type closePublisher interface {
	SendCloseRequest(ctx context.Context, req bus.CloseRequest) error
}

// BusBeacon hands close requests that a runtime could not finish to
// whichever guidepost process consumes them from the bus.
type BusBeacon struct {
	pub   closePublisher
	clock clock.Clock
}

// NewBusBeacon returns a beacon publishing through pub.
func NewBusBeacon(pub closePublisher, c clock.Clock) (*BusBeacon, error) {
	if pub == nil {
		return nil, fmt.Errorf("visitor: beacon: publisher is required")
	}
	return &BusBeacon{pub: pub, clock: clock.OrReal(c)}, nil
}

// SendClose implements conversation.Beacon.
func (b *BusBeacon) SendClose(ctx context.Context, conversationID, actor, reason string) error {
	err := b.pub.SendCloseRequest(ctx, bus.CloseRequest{
		ConversationID: conversationID,
		Actor:          actor,
		Reason:         reason,
		RequestedAt:    b.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("visitor: beacon: %w", err)
	}
	return nil
}
