package telegraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/metrics"
	"github.com/zulandar/guidepost/internal/models"
)

const queueSize = 64

// AnnouncerOpts holds parameters for creating an Announcer.
type AnnouncerOpts struct {
	Gateway   gateway.Gateway
	GuideSlug string
	Adapters  []Adapter
	Clock     clock.Clock
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

// Announcer watches a guide's conversations and posts handoffs and closes
// to every configured chat adapter. Delivery is best-effort.
type Announcer struct {
	gw       gateway.Gateway
	slug     string
	adapters []Adapter
	watcher  *Watcher
	log      *logrus.Entry
	metrics  *metrics.Metrics
	queue    chan DetectedEvent

	mu      sync.Mutex
	dropped int
}

// NewAnnouncer creates an Announcer.
func NewAnnouncer(opts AnnouncerOpts) (*Announcer, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("telegraph: announcer: gateway is required")
	}
	if opts.GuideSlug == "" {
		return nil, fmt.Errorf("telegraph: announcer: guide slug is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("telegraph: announcer: at least one adapter is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Announcer{
		gw:       opts.Gateway,
		slug:     opts.GuideSlug,
		adapters: opts.Adapters,
		watcher:  NewWatcher(opts.Clock),
		log:      opts.Logger.WithField("component", "telegraph"),
		metrics:  opts.Metrics,
		queue:    make(chan DetectedEvent, queueSize),
	}, nil
}

// Run subscribes to the guide's conversation list and delivers events until
// ctx is cancelled. Adapters are closed on return.
func (a *Announcer) Run(ctx context.Context) error {
	unsub, err := a.gw.ListByGuide(ctx, a.slug, a.enqueue)
	if err != nil {
		return fmt.Errorf("telegraph: announcer: subscribe: %w", err)
	}
	defer unsub()
	defer a.closeAdapters()

	a.log.WithField("adapters", len(a.adapters)).Info("telegraph: announcer running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.queue:
			a.Announce(ctx, ev)
		}
	}
}

// enqueue runs on the gateway's push path and must not block it.
func (a *Announcer) enqueue(list []models.Conversation) {
	for _, ev := range a.watcher.Detect(list) {
		select {
		case a.queue <- ev:
		default:
			a.mu.Lock()
			a.dropped++
			a.mu.Unlock()
			a.log.WithField("conversation_id", ev.ConversationID).Warn("telegraph: queue full, dropping notice")
		}
	}
}

// Announce formats ev and sends it to every adapter. Failures are logged.
func (a *Announcer) Announce(ctx context.Context, ev DetectedEvent) {
	formatted := Format(ev)
	msg := OutboundMessage{Text: formatted.Title, Events: []FormattedEvent{formatted}}
	for _, ad := range a.adapters {
		err := ad.Send(ctx, msg)
		a.metrics.Notification(ad.Platform(), err)
		if err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"platform":        ad.Platform(),
				"conversation_id": ev.ConversationID,
			}).Warn("telegraph: send failed")
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Announcer) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Announcer) closeAdapters() {
	for _, ad := range a.adapters {
		if err := ad.Close(); err != nil {
			a.log.WithError(err).WithField("platform", ad.Platform()).Warn("telegraph: close adapter")
		}
	}
}
