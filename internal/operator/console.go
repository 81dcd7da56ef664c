// Package operator is the operator side of a conversation: the only writer
// allowed to close a conversation or mark it viewed.
package operator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/config"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/metrics"
	"github.com/zulandar/guidepost/internal/models"
)

// DefaultClosingText is the banner appended when an operator closes a chat.
const DefaultClosingText = "The operator has ended this conversation."

var (
	// ErrClosed is returned when replying to a conversation that is no
	// longer active.
	ErrClosed = errors.New("operator: conversation is closed")
	// ErrNotClosed is returned when archiving a conversation that is still
	// open.
	ErrNotClosed = errors.New("operator: conversation is not closed")
)

// ConsoleOpts configures a Console.
type ConsoleOpts struct {
	Gateway     gateway.Gateway
	Guide       config.GuideConfig
	ClosingText string
	Clock       clock.Clock
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

// Console performs operator actions for one guide.
type Console struct {
	gw          gateway.Gateway
	guide       config.GuideConfig
	closingText string
	clock       clock.Clock
	log         *logrus.Entry
	metrics     *metrics.Metrics
}

// NewConsole returns a Console for opts.Guide.
func NewConsole(opts ConsoleOpts) (*Console, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("operator: console: gateway is required")
	}
	if opts.Guide.Slug == "" {
		return nil, fmt.Errorf("operator: console: guide slug is required")
	}
	if opts.ClosingText == "" {
		opts.ClosingText = DefaultClosingText
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Console{
		gw:          opts.Gateway,
		guide:       opts.Guide,
		closingText: opts.ClosingText,
		clock:       clock.OrReal(opts.Clock),
		log:         opts.Logger.WithField("guide", opts.Guide.Slug),
		metrics:     opts.Metrics,
	}, nil
}

// GuideSlug returns the guide this console serves.
func (c *Console) GuideSlug() string { return c.guide.Slug }

// List returns the guide's conversations, newest first.
func (c *Console) List(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	unsub, err := c.gw.ListByGuide(ctx, c.guide.Slug, func(list []models.Conversation) {
		if out == nil {
			out = list
		}
	})
	if err != nil {
		return nil, fmt.Errorf("operator: list: %w", err)
	}
	unsub()
	if out == nil {
		out = []models.Conversation{}
	}
	return out, nil
}

// Watch calls fn with the guide's conversation list now and on every change.
func (c *Console) Watch(ctx context.Context, fn func([]models.Conversation)) (gateway.Unsubscribe, error) {
	unsub, err := c.gw.ListByGuide(ctx, c.guide.Slug, fn)
	if err != nil {
		return nil, fmt.Errorf("operator: watch: %w", err)
	}
	return unsub, nil
}

// Show returns one conversation of this guide.
func (c *Console) Show(ctx context.Context, id string) (models.Conversation, error) {
	rec, err := c.gw.Get(ctx, id)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("operator: show %s: %w", id, err)
	}
	if rec.GuideSlug != c.guide.Slug {
		return models.Conversation{}, fmt.Errorf("operator: show %s: %w", id, gateway.ErrNotFound)
	}
	return rec, nil
}

// Follow calls fn with the conversation now and on every change.
func (c *Console) Follow(ctx context.Context, id string, fn func(models.Conversation)) (gateway.Unsubscribe, error) {
	if _, err := c.Show(ctx, id); err != nil {
		return nil, err
	}
	unsub, err := c.gw.Subscribe(ctx, id, fn)
	if err != nil {
		return nil, fmt.Errorf("operator: follow %s: %w", id, err)
	}
	return unsub, nil
}

// MarkViewed records that an operator opened the conversation. If the
// visitor talked to the assistant first, the transition message is added so
// the visitor knows a person has taken over.
func (c *Console) MarkViewed(ctx context.Context, id string) error {
	rec, err := c.Show(ctx, id)
	if err != nil {
		return err
	}
	if err := c.gw.SetViewed(ctx, id, true); err != nil {
		return fmt.Errorf("operator: mark viewed %s: %w", id, err)
	}
	if !rec.Messages.HasAIExchange() || rec.Messages.HasTransition(c.guide.TransitionText) {
		return nil
	}
	err = c.gw.AppendMessage(ctx, id, models.Message{
		From:      models.FromSystem,
		Text:      c.guide.TransitionText,
		Timestamp: c.clock.Now(),
		Meta:      models.MessageMeta{IsTransitionMessage: true},
	})
	if err != nil {
		return fmt.Errorf("operator: mark viewed %s: transition message: %w", id, err)
	}
	c.metrics.TransitionMessage()
	return nil
}

// Reply appends an operator message.
func (c *Console) Reply(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("operator: reply: text is required")
	}
	rec, err := c.Show(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusActive && rec.Status != models.StatusPending {
		return fmt.Errorf("operator: reply %s: %w", id, ErrClosed)
	}
	err = c.gw.AppendMessage(ctx, id, models.Message{
		From:      models.FromOperator,
		Text:      text,
		Timestamp: c.clock.Now(),
		Meta:      models.MessageMeta{IsOperatorReply: true},
	})
	if err != nil {
		return fmt.Errorf("operator: reply %s: %w", id, err)
	}
	return nil
}

// Close ends the conversation: a closing banner is appended unless one is
// already there, then the status is set to closed. Closing a closed
// conversation does nothing.
func (c *Console) Close(ctx context.Context, id, actor, reason string) error {
	if actor == "" {
		return fmt.Errorf("operator: close: actor is required")
	}
	rec, err := c.Show(ctx, id)
	if err != nil {
		return err
	}
	if isEnded(rec.Status) {
		return nil
	}
	if !rec.Messages.HasClosing() {
		err := c.gw.AppendMessage(ctx, id, models.Message{
			From:      models.FromSystem,
			Text:      c.closingText,
			Timestamp: c.clock.Now(),
			Meta:      models.MessageMeta{IsClosingMessage: true},
		})
		if err != nil {
			return fmt.Errorf("operator: close %s: banner: %w", id, err)
		}
	}
	if err := c.gw.SetStatus(ctx, id, models.StatusClosed, actor, reason); err != nil {
		return fmt.Errorf("operator: close %s: %w", id, err)
	}
	c.log.WithFields(logrus.Fields{"conversation_id": id, "actor": actor}).Info("operator: conversation closed")
	return nil
}

// ApplyCloseRequest closes a conversation for a visitor whose tab could not
// finish the request itself. No banner is added.
func (c *Console) ApplyCloseRequest(ctx context.Context, id, actor, reason string) error {
	rec, err := c.gw.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("operator: close request %s: %w", id, err)
	}
	if isEnded(rec.Status) {
		return nil
	}
	if actor == "" {
		actor = "visitor"
	}
	if err := c.gw.SetStatus(ctx, id, models.StatusClosed, actor, reason); err != nil {
		return fmt.Errorf("operator: close request %s: %w", id, err)
	}
	c.log.WithFields(logrus.Fields{"conversation_id": id, "actor": actor}).Info("operator: applied close request")
	return nil
}

// Archive moves a closed conversation out of the active list.
func (c *Console) Archive(ctx context.Context, id, actor string) error {
	rec, err := c.Show(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == models.StatusArchived {
		return nil
	}
	if rec.Status != models.StatusClosed {
		return fmt.Errorf("operator: archive %s: %w (%s)", id, ErrNotClosed, rec.Status)
	}
	if err := c.gw.SetStatus(ctx, id, models.StatusArchived, actor, "archived"); err != nil {
		return fmt.Errorf("operator: archive %s: %w", id, err)
	}
	return nil
}

func isEnded(s models.Status) bool {
	return s == models.StatusClosed || s == models.StatusArchived
}
