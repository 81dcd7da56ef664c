// Package bus connects guidepost processes over NATS: conversation change
// notifications for the gateway poller, and close requests sent by tabs
// that are unloading.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subject suffixes, appended to the configured prefix.
const (
	SubjectChanged      = "conversation.changed"
	SubjectCloseRequest = "conversation.close_request"
)

// transport is the slice of *nats.Conn the client uses.
type transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb func(subject string, data []byte)) (func() error, error)
	Close()
}

type natsTransport struct{ nc *nats.Conn }

func (t natsTransport) Publish(subject string, data []byte) error { return t.nc.Publish(subject, data) }

func (t natsTransport) Subscribe(subject string, cb func(string, []byte)) (func() error, error) {
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) { cb(m.Subject, m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (t natsTransport) Close() { t.nc.Close() }

// Client publishes and subscribes JSON payloads under a subject prefix.
type Client struct {
	t      transport
	prefix string
	origin string
	log    *logrus.Logger

	mu   sync.Mutex
	subs []func() error
}

// Opts configures Connect.
type Opts struct {
	URL    string
	Token  string
	Prefix string
	// Origin identifies this process in published events.
	Origin string
	Logger *logrus.Logger
}

// Connect dials NATS, retrying in the background when the server is not up
// yet.
func Connect(opts Opts) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("bus: url is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger
	natsOpts := []nats.Option{
		nats.Name("guidepost"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("bus: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("bus: nats reconnected")
		}),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return newClient(natsTransport{nc: nc}, opts), nil
}

func newClient(t transport, opts Opts) *Client {
	if opts.Prefix == "" {
		opts.Prefix = "guidepost"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Client{t: t, prefix: opts.Prefix, origin: opts.Origin, log: opts.Logger}
}

// Subject returns the full subject for suffix.
func (c *Client) Subject(suffix string) string {
	return c.prefix + "." + suffix
}

// Publish sends data as JSON on the prefixed subject.
func (c *Client) Publish(suffix string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", suffix, err)
	}
	if err := c.t.Publish(c.Subject(suffix), payload); err != nil {
		return fmt.Errorf("bus: publish %s: %w", suffix, err)
	}
	return nil
}

// Subscribe calls handler with the raw payload of every message on the
// prefixed subject. The returned func unsubscribes.
func (c *Client) Subscribe(suffix string, handler func(data []byte)) (func(), error) {
	subject := c.Subject(suffix)
	unsub, err := c.t.Subscribe(subject, func(_ string, data []byte) { handler(data) })
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, unsub)
	c.mu.Unlock()
	c.log.WithField("subject", subject).Debug("bus: subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := unsub(); err != nil {
				c.log.WithError(err).WithField("subject", subject).Debug("bus: unsubscribe")
			}
		})
	}, nil
}

// Close drops every subscription and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, unsub := range subs {
		_ = unsub()
	}
	c.t.Close()
}

// ChangeEvent announces that a conversation record was written.
type ChangeEvent struct {
	ConversationID string `json:"conversation_id"`
	GuideSlug      string `json:"guide_slug"`
	Origin         string `json:"origin,omitempty"`
}

// NotifyChange publishes a ChangeEvent.
func (c *Client) NotifyChange(_ context.Context, id, guideSlug string) error {
	return c.Publish(SubjectChanged, ChangeEvent{ConversationID: id, GuideSlug: guideSlug, Origin: c.origin})
}

// OnChange calls fn for every ChangeEvent. Malformed payloads are logged and
// dropped.
func (c *Client) OnChange(fn func(id, guideSlug string)) (func(), error) {
	return c.Subscribe(SubjectChanged, func(data []byte) {
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Warn("bus: malformed change event")
			return
		}
		fn(ev.ConversationID, ev.GuideSlug)
	})
}

// CloseRequest asks the server to close a conversation on behalf of a tab
// that could not finish the request before unloading.
type CloseRequest struct {
	ConversationID string    `json:"conversation_id"`
	Actor          string    `json:"actor"`
	Reason         string    `json:"reason"`
	RequestedAt    time.Time `json:"requested_at"`
}

// SendCloseRequest publishes req.
func (c *Client) SendCloseRequest(_ context.Context, req CloseRequest) error {
	if req.ConversationID == "" {
		return fmt.Errorf("bus: close request: conversation id is required")
	}
	return c.Publish(SubjectCloseRequest, req)
}

// OnCloseRequest calls fn for every CloseRequest.
func (c *Client) OnCloseRequest(fn func(CloseRequest)) (func(), error) {
	return c.Subscribe(SubjectCloseRequest, func(data []byte) {
		var req CloseRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.log.WithError(err).Warn("bus: malformed close request")
			return
		}
		if req.ConversationID == "" {
			c.log.Warn("bus: close request without conversation id")
			return
		}
		fn(req)
	})
}
