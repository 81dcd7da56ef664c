package conversation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/assistant"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/config"
	"github.com/zulandar/guidepost/internal/device"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/identity"
	"github.com/zulandar/guidepost/internal/metrics"
	"github.com/zulandar/guidepost/internal/models"
	"github.com/zulandar/guidepost/internal/playback"
)

const (
	actorVisitor     = "visitor"
	exitCloseTimeout = 10 * time.Second
)

// Beacon delivers a close request when the gateway call cannot complete,
// typically because the tab is going away.
type Beacon interface {
	SendClose(ctx context.Context, conversationID, actor, reason string) error
}

// BeaconFunc adapts a function to Beacon.
type BeaconFunc func(ctx context.Context, conversationID, actor, reason string) error

// SendClose calls f.
func (f BeaconFunc) SendClose(ctx context.Context, id, actor, reason string) error {
	return f(ctx, id, actor, reason)
}

// Hooks observe the machine. They run in transition order on the goroutine
// that caused the change and must not call back into the Machine.
type Hooks struct {
	OnTransition func(from, to State)
	OnDirective  func(playback.Directive)
	// OnMessages receives the full displayed message list whenever it
	// changes.
	OnMessages func([]models.Message)
	// OnHandoff fires once a human conversation has been created.
	OnHandoff func(rec models.Conversation)
	// OnClosed fires when a human conversation ends. byOperator is false
	// when the visitor ended it.
	OnClosed func(conversationID string, byOperator bool)
	// OnView receives the new state with the conversation attached at the
	// time of the transition.
	OnView func(View)
}

// View is the state as the visitor sees it.
type View struct {
	State          State
	ConversationID string
}

// Opts configures a Machine.
type Opts struct {
	Gateway   gateway.Gateway
	Identity  *identity.Store
	Responder assistant.Responder
	Beacon    Beacon
	Device    device.Class
	Clock     clock.Clock
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
	Session   config.SessionConfig
	Guide     config.GuideConfig
	// HandoffMarker is the token the responder embeds to request a human.
	HandoffMarker string
	VisitorID     string
	Hooks         Hooks
}

// Machine is the ConversationStateMachine for one visitor tab.
type Machine struct {
	gw        gateway.Gateway
	ids       *identity.Store
	responder assistant.Responder
	beacon    Beacon
	device    device.Class
	clock     clock.Clock
	log       *logrus.Entry
	metrics   *metrics.Metrics
	guard     StalenessGuard
	hooks     Hooks

	guideSlug      string
	welcomeText    string
	transitionText string
	farewellText   string
	marker         string
	farewellDwell  time.Duration
	bannerDwell    time.Duration
	unloadTimeout  time.Duration
	verifyInitial  time.Duration
	verifyMax      time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu             sync.Mutex
	state          State
	started        bool
	stopped        bool
	aiChat         models.Messages
	aiEpoch        uint64
	convID         string
	seed           models.Messages
	snap           models.Conversation
	hasSnap        bool
	unsub          gateway.Unsubscribe
	gen            uint64
	genCtx         context.Context
	genCancel      context.CancelFunc
	usedHuman      bool
	revalidate     bool
	transitionSent bool
	closeTimer     clock.Timer
	staleTimer     clock.Timer
	form           identity.Form
	pendingCloses  map[string]bool
	events         []func()

	// emitMu keeps hook delivery in transition order across goroutines.
	emitMu sync.Mutex
}

// New returns a Machine in the Anonymous state. Call Start once the tab is
// connected.
func New(opts Opts) (*Machine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("conversation: machine: gateway is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("conversation: machine: identity store is required")
	}
	if opts.Guide.Slug == "" {
		return nil, fmt.Errorf("conversation: machine: guide slug is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	clk := clock.OrReal(opts.Clock)
	s := opts.Session
	baseCtx, baseCancel := context.WithCancel(context.Background())
	genCtx, genCancel := context.WithCancel(baseCtx)
	m := &Machine{
		gw:             opts.Gateway,
		ids:            opts.Identity,
		responder:      opts.Responder,
		beacon:         opts.Beacon,
		device:         opts.Device,
		clock:          clk,
		log:            opts.Logger.WithField("visitor_id", opts.VisitorID),
		metrics:        opts.Metrics,
		guard:          StalenessGuard{Window: orDefault(s.StaleCloseWindow(), 30*time.Second), Clock: clk},
		hooks:          opts.Hooks,
		guideSlug:      opts.Guide.Slug,
		welcomeText:    opts.Guide.WelcomeText,
		transitionText: opts.Guide.TransitionText,
		farewellText:   opts.Guide.FarewellText,
		marker:         opts.HandoffMarker,
		farewellDwell:  orDefault(s.FarewellDwell(), 10*time.Second),
		bannerDwell:    orDefault(s.BannerDwell(), 3*time.Second),
		unloadTimeout:  orDefault(s.UnloadCloseTimeout(), 800*time.Millisecond),
		verifyInitial:  orDefault(s.VerifyInitialBackoff(), 2*time.Second),
		verifyMax:      orDefault(s.VerifyMaxBackoff(), 30*time.Second),
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		genCtx:         genCtx,
		genCancel:      genCancel,
		pendingCloses:  make(map[string]bool),
	}
	return m, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConversationID returns the attached conversation, if any.
func (m *Machine) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convID
}

// Messages returns the messages on screen: the AI transcript, or the latest
// snapshot of the human conversation.
func (m *Machine) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesLocked()
}

// PendingForm returns the last submitted identity form, so a failed
// submission can be shown again.
func (m *Machine) PendingForm() identity.Form {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.form
}

// Start restores the visitor's session. A cached conversation is rejoined
// on a fresh load or when the same page load reconnects, and closed on a
// reload of the same tab. Desktop visitors land in AI chat.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.started = true
	m.mu.Unlock()

	id, err := m.ids.Load(ctx)
	if err != nil {
		m.log.WithError(err).Warn("conversation: identity unavailable, starting anonymous")
		id = identity.Identity{}
	}
	if id.ConversationID != "" {
		load, err := m.ids.TabLoad(ctx)
		if err != nil {
			m.log.WithError(err).Warn("conversation: tab marker unavailable, assuming fresh load")
		}
		switch load {
		case identity.LoadReload:
			m.closeAfterReload(ctx, id.ConversationID)
		case identity.LoadResumed:
			m.reconnect(ctx, id, false)
		default:
			m.reconnect(ctx, id, true)
		}
	}

	m.mu.Lock()
	if m.state == Anonymous && m.device.AutoOpensAIChat() {
		m.enterAIChatLocked()
	}
	m.unlockAndEmit()
	return nil
}

// closeAfterReload ends a human conversation the tab was attached to before
// a reload.
func (m *Machine) closeAfterReload(ctx context.Context, convID string) {
	log := m.log.WithField("conversation_id", convID)
	log.Info("conversation: reload with open conversation, closing it")
	m.closeRemote(ctx, convID, "page reloaded", m.unloadTimeout)
	if err := m.ids.Invalidate(ctx); err != nil {
		log.WithError(err).Warn("conversation: invalidate identity")
	}
	m.mu.Lock()
	m.setStateLocked(Closed)
	m.setStateLocked(Anonymous)
	m.queueClosedLocked(convID, false)
	m.unlockAndEmit()
}

// reconnect rejoins the cached conversation. Counted reconnects are page
// loads and consume the reentry allowance; a resumed socket does not.
func (m *Machine) reconnect(ctx context.Context, id identity.Identity, counted bool) {
	log := m.log.WithField("conversation_id", id.ConversationID)
	if counted && id.ReentryCount >= m.ids.ReentryCap() {
		log.WithField("reentry", id.ReentryCount).Info("conversation: reentry cap reached, identity required")
		m.closeRemote(ctx, id.ConversationID, "reentry limit reached", m.unloadTimeout)
		if err := m.ids.InvalidateAll(ctx); err != nil {
			log.WithError(err).Warn("conversation: invalidate identity")
		}
		m.mu.Lock()
		m.setStateLocked(AwaitingIdentity)
		m.unlockAndEmit()
		return
	}

	rec, err := m.gw.Get(ctx, id.ConversationID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		log.Info("conversation: cached conversation is gone")
		m.softInvalidate(ctx)
		return
	case err != nil:
		m.metrics.GatewayError("get")
		log.WithError(err).Warn("conversation: reconnect lookup failed")
		return
	case rec.Status == models.StatusArchived || m.guard.IsTrustworthyClose(rec):
		log.WithField("status", rec.Status).Info("conversation: cached conversation is closed")
		m.softInvalidate(ctx)
		return
	}

	if counted {
		if _, err := m.ids.IncrementReentry(ctx); err != nil {
			log.WithError(err).Warn("conversation: increment reentry")
		}
	}
	if err := m.ids.MarkTabValidated(ctx); err != nil {
		log.WithError(err).Warn("conversation: mark tab")
	}

	m.mu.Lock()
	gen, genCtx := m.newGenLocked()
	m.convID = rec.ID
	m.usedHuman = true
	m.transitionSent = false
	m.hasSnap = false
	m.seed = rec.Messages.Clone()
	m.setStateLocked(HumanChat)
	m.messagesChangedLocked()
	m.unlockAndEmit()
	if counted {
		m.metrics.Handoff("reconnect")
	}

	if err := m.attach(genCtx, gen, rec.ID); err != nil {
		log.WithError(err).Warn("conversation: subscribe failed, retrying in background")
		m.goVerify(genCtx, gen, rec.ID)
	}
}

// OpenAIChat opens the AI chat view.
func (m *Machine) OpenAIChat() error {
	m.mu.Lock()
	switch m.state {
	case AiChat:
		m.mu.Unlock()
		return nil
	case Anonymous, AwaitingIdentity:
	default:
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.enterAIChatLocked()
	m.unlockAndEmit()
	return nil
}

func (m *Machine) enterAIChatLocked() {
	if m.usedHuman {
		m.revalidate = true
	}
	m.setStateLocked(AiChat)
}

// CloseAIChat closes the AI chat view, or the identity form over it.
func (m *Machine) CloseAIChat() error {
	m.mu.Lock()
	switch m.state {
	case Anonymous:
		m.mu.Unlock()
		return nil
	case AiChat, AwaitingIdentity:
	default:
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.setStateLocked(Anonymous)
	m.unlockAndEmit()
	return nil
}

// AskAssistant sends question to the AI responder and returns its answer
// with any handoff marker removed. A marker also starts a handoff.
func (m *Machine) AskAssistant(ctx context.Context, question string) (string, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return "", fmt.Errorf("conversation: ask: question is empty")
	}
	m.mu.Lock()
	if m.state != AiChat {
		m.mu.Unlock()
		return "", ErrInvalidState
	}
	if m.responder == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("conversation: ask: no responder configured")
	}
	m.aiChat = append(m.aiChat, models.Message{
		From:      models.FromVisitor,
		Text:      q,
		Timestamp: m.clock.Now(),
		Meta:      models.MessageMeta{FromAIChat: true},
	})
	history := m.aiChat.Clone()
	epoch := m.aiEpoch
	m.messagesChangedLocked()
	m.unlockAndEmit()

	start := time.Now()
	text, err := m.responder.Complete(ctx, history)
	m.metrics.AssistantCall(time.Since(start))
	if err != nil {
		m.log.WithError(err).Warn("conversation: assistant failed")
		return "", fmt.Errorf("%w: %w", ErrAssistant, err)
	}
	answer, handoff := assistant.ExtractHandoff(text, m.marker)

	m.mu.Lock()
	if epoch != m.aiEpoch || (m.state != AiChat && m.state != AwaitingIdentity) {
		m.mu.Unlock()
		m.log.Debug("conversation: dropping answer for a finished AI chat")
		return answer, nil
	}
	if answer != "" {
		m.aiChat = append(m.aiChat, models.Message{
			From:      models.FromOperator,
			Text:      answer,
			Timestamp: m.clock.Now(),
			Meta:      models.MessageMeta{FromAIChat: true},
		})
		m.messagesChangedLocked()
	}
	m.unlockAndEmit()

	if handoff {
		if err := m.RequestHandoff(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
			return answer, err
		}
	}
	return answer, nil
}

// RequestHandoff asks for a human operator. Without a usable cached
// identity the visitor is shown the identity form; otherwise a conversation
// is created straight away.
func (m *Machine) RequestHandoff(ctx context.Context) error {
	m.mu.Lock()
	origin := m.state
	switch origin {
	case AwaitingIdentity, HumanHandoffPending, HumanChat:
		m.mu.Unlock()
		return nil
	case Anonymous, AiChat:
	default:
		m.mu.Unlock()
		return ErrInvalidState
	}
	revalidate := m.revalidate
	m.mu.Unlock()

	id, err := m.ids.Load(ctx)
	if err != nil {
		m.log.WithError(err).Warn("conversation: identity unavailable, asking again")
		id = identity.Identity{}
	}
	if revalidate || !id.Complete() {
		m.awaitIdentity(origin)
		return nil
	}
	if id.ReentryCount >= m.ids.ReentryCap() {
		m.log.WithField("reentry", id.ReentryCount).Info("conversation: reentry cap reached, identity required")
		if err := m.ids.InvalidateAll(ctx); err != nil {
			m.log.WithError(err).Warn("conversation: invalidate identity")
		}
		m.awaitIdentity(origin)
		return nil
	}
	return m.createConversation(ctx, origin, identity.Form{Name: id.Name, Contact: id.Contact}, "cached")
}

func (m *Machine) awaitIdentity(origin State) {
	m.mu.Lock()
	if m.state != origin {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(AwaitingIdentity)
	m.unlockAndEmit()
}

// SubmitIdentity validates the identity form and creates the human
// conversation. A *identity.ValidationError leaves the state unchanged; a
// gateway failure returns to the form with its values kept.
func (m *Machine) SubmitIdentity(ctx context.Context, form identity.Form) error {
	m.mu.Lock()
	if m.state != AwaitingIdentity {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.form = form
	m.mu.Unlock()

	f, err := identity.ValidateForm(form)
	if err != nil {
		return err
	}
	return m.createConversation(ctx, AwaitingIdentity, f, "form")
}

// createConversation moves from origin through HumanHandoffPending to
// HumanChat. The record is seeded with the AI transcript and the welcome
// message; the subscription is attached once the record is readable.
func (m *Machine) createConversation(ctx context.Context, origin State, f identity.Form, path string) error {
	m.mu.Lock()
	if m.state != origin {
		m.mu.Unlock()
		return ErrInvalidState
	}
	gen, genCtx := m.newGenLocked()
	msgs := m.aiChat.Clone()
	msgs = append(msgs, models.Message{From: models.FromSystem, Text: m.welcomeText, Timestamp: m.clock.Now()})
	rec := models.Conversation{
		GuideSlug:      m.guideSlug,
		VisitorName:    f.Name,
		VisitorContact: f.Contact,
		Status:         models.StatusActive,
		Messages:       msgs,
	}
	m.seed = msgs.Clone()
	m.hasSnap = false
	m.setStateLocked(HumanHandoffPending)
	m.messagesChangedLocked()
	m.unlockAndEmit()

	id, err := m.gw.Create(ctx, rec)

	m.mu.Lock()
	if gen != m.gen || m.state != HumanHandoffPending {
		m.mu.Unlock()
		if err == nil {
			m.log.WithField("conversation_id", id).Warn("conversation: created conversation was abandoned")
		}
		return ErrInvalidState
	}
	if err != nil {
		m.seed = nil
		m.setStateLocked(origin)
		m.messagesChangedLocked()
		m.unlockAndEmit()
		m.metrics.GatewayError("create")
		m.log.WithError(err).Warn("conversation: create failed")
		return fmt.Errorf("%w: create: %w", ErrGateway, err)
	}
	rec.ID = id
	m.convID = id
	m.usedHuman = true
	m.revalidate = false
	m.transitionSent = false
	m.aiChat = nil
	m.aiEpoch++
	m.setStateLocked(HumanChat)
	if h := m.hooks.OnHandoff; h != nil {
		snap := rec.Clone()
		m.events = append(m.events, func() { h(snap) })
	}
	m.unlockAndEmit()

	log := m.log.WithField("conversation_id", id)
	log.WithField("identity", path).Info("conversation: human conversation created")
	m.metrics.Handoff(path)
	if path == "form" {
		if err := m.ids.Save(ctx, f.Name, f.Contact, id); err != nil {
			log.WithError(err).Warn("conversation: save identity")
		}
		if err := m.ids.ResetReentry(ctx); err != nil {
			log.WithError(err).Warn("conversation: reset reentry")
		}
	} else {
		if err := m.ids.SaveConversation(ctx, id); err != nil {
			log.WithError(err).Warn("conversation: save conversation id")
		}
		if _, err := m.ids.IncrementReentry(ctx); err != nil {
			log.WithError(err).Warn("conversation: increment reentry")
		}
	}
	if err := m.ids.MarkTabValidated(ctx); err != nil {
		log.WithError(err).Warn("conversation: mark tab")
	}

	m.goVerify(genCtx, gen, id)
	return nil
}

func (m *Machine) goVerify(ctx context.Context, gen uint64, id string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.verifyAndAttach(ctx, gen, id)
	}()
}

// verifyAndAttach polls until the new record is readable, then subscribes.
// It backs off exponentially up to the configured cap and only gives up
// when the generation ends.
func (m *Machine) verifyAndAttach(ctx context.Context, gen uint64, id string) {
	log := m.log.WithField("conversation_id", id)
	b := retry.WithCappedDuration(m.verifyMax, retry.NewExponential(m.verifyInitial))
	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		if _, err := m.gw.Get(ctx, id); err != nil {
			if !errors.Is(err, gateway.ErrNotFound) {
				log.WithError(err).Warn("conversation: verify read failed")
			}
			return retry.RetryableError(err)
		}
		if err := m.attach(ctx, gen, id); err != nil {
			log.WithError(err).Warn("conversation: subscribe failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("conversation: gave up attaching")
		}
		return
	}
	m.metrics.Verified(attempts)
	log.WithField("attempts", attempts).Debug("conversation: subscription attached")
}

func (m *Machine) attach(ctx context.Context, gen uint64, id string) error {
	unsub, err := m.gw.Subscribe(ctx, id, func(rec models.Conversation) {
		m.applySnapshot(gen, rec)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	if gen != m.gen || m.state != HumanChat {
		m.mu.Unlock()
		unsub()
		return nil
	}
	m.unsub = unsub
	m.mu.Unlock()
	return nil
}

// applySnapshot handles a pushed record. Each push replaces the displayed
// message list; replaying an identical snapshot changes nothing.
func (m *Machine) applySnapshot(gen uint64, rec models.Conversation) {
	m.mu.Lock()
	if gen != m.gen || rec.ID != m.convID || m.state != HumanChat {
		m.mu.Unlock()
		return
	}
	if m.hasSnap && (rec.Version < m.snap.Version || reflect.DeepEqual(m.snap, rec)) {
		m.mu.Unlock()
		return
	}
	m.snap = rec.Clone()
	m.hasSnap = true
	m.messagesChangedLocked()

	var (
		unsub      gateway.Unsubscribe
		farewell   *models.Message
		transition bool
	)
	log := m.log.WithField("conversation_id", rec.ID)
	switch {
	case rec.Status == models.StatusClosed:
		if m.guard.IsTrustworthyClose(rec) {
			unsub, farewell = m.beginClosingLocked(gen)
		} else {
			m.metrics.StaleCloseIgnored()
			age := m.clock.Now().Sub(rec.CreatedAt)
			log.WithField("age", age.String()).Info("conversation: ignoring close on a record too new to trust")
			m.scheduleStaleRecheckLocked(gen, m.guard.Window-age)
		}
	case m.needsTransitionLocked(rec):
		m.transitionSent = true
		transition = true
	}
	ctx := m.genCtx
	m.unlockAndEmit()

	m.afterClosing(ctx, rec.ID, unsub, farewell)
	if transition {
		m.appendTransition(ctx, gen, rec.ID)
	}
}

// scheduleStaleRecheckLocked re-evaluates an ignored close once the record
// is old enough to be trusted, in case no further push arrives.
func (m *Machine) scheduleStaleRecheckLocked(gen uint64, d time.Duration) {
	if m.staleTimer != nil {
		m.staleTimer.Stop()
	}
	m.staleTimer = m.clock.AfterFunc(d, func() { m.recheckStaleClose(gen) })
}

func (m *Machine) recheckStaleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != HumanChat || !m.hasSnap || !m.guard.IsTrustworthyClose(m.snap) {
		m.mu.Unlock()
		return
	}
	id := m.convID
	unsub, farewell := m.beginClosingLocked(gen)
	ctx := m.genCtx
	m.unlockAndEmit()

	m.log.WithField("conversation_id", id).Info("conversation: close trusted after waiting out the window")
	m.afterClosing(ctx, id, unsub, farewell)
}

// afterClosing runs the unlocked half of beginClosingLocked.
func (m *Machine) afterClosing(ctx context.Context, id string, unsub gateway.Unsubscribe, farewell *models.Message) {
	if unsub != nil {
		unsub()
	}
	if farewell != nil {
		if err := m.gw.AppendMessage(ctx, id, *farewell); err != nil {
			m.metrics.GatewayError("append")
			m.log.WithError(err).WithField("conversation_id", id).Warn("conversation: farewell append failed")
		}
	}
}

// needsTransitionLocked reports whether an operator has opened a
// conversation that carries AI history and no transition message yet.
func (m *Machine) needsTransitionLocked(rec models.Conversation) bool {
	return rec.ViewedByOperator &&
		!m.transitionSent &&
		rec.Messages.HasAIExchange() &&
		!rec.Messages.HasTransition(m.transitionText)
}

func (m *Machine) appendTransition(ctx context.Context, gen uint64, id string) {
	msg := models.Message{
		From:      models.FromSystem,
		Text:      m.transitionText,
		Timestamp: m.clock.Now(),
		Meta:      models.MessageMeta{IsTransitionMessage: true},
	}
	if err := m.gw.AppendMessage(ctx, id, msg); err != nil {
		m.metrics.GatewayError("append")
		m.log.WithError(err).WithField("conversation_id", id).Warn("conversation: transition append failed")
		m.mu.Lock()
		if gen == m.gen {
			m.transitionSent = false
		}
		m.mu.Unlock()
		return
	}
	m.metrics.TransitionMessage()
}

// beginClosingLocked enters Closing. Without a closing message in the
// record a farewell is shown for the long dwell; an operator banner only
// needs the short one.
func (m *Machine) beginClosingLocked(gen uint64) (gateway.Unsubscribe, *models.Message) {
	if m.staleTimer != nil {
		m.staleTimer.Stop()
		m.staleTimer = nil
	}
	m.setStateLocked(Closing)
	unsub := m.unsub
	m.unsub = nil
	dwell := m.bannerDwell
	var farewell *models.Message
	if !m.snap.Messages.HasClosing() {
		msg := models.Message{
			From:      models.FromSystem,
			Text:      m.farewellText,
			Timestamp: m.clock.Now(),
			Meta:      models.MessageMeta{IsClosingMessage: true},
		}
		m.snap.Messages = append(m.snap.Messages.Clone(), msg)
		m.messagesChangedLocked()
		farewell = &msg
		dwell = m.farewellDwell
	}
	m.closeTimer = m.clock.AfterFunc(dwell, func() { m.finishClose(gen) })
	m.log.WithFields(logrus.Fields{"conversation_id": m.convID, "dwell": dwell.String()}).Info("conversation: closed by operator")
	return unsub, farewell
}

func (m *Machine) finishClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Closing {
		m.mu.Unlock()
		return
	}
	id := m.convID
	m.setStateLocked(Closed)
	unsub := m.teardownLocked()
	m.setStateLocked(Anonymous)
	m.queueClosedLocked(id, true)
	m.messagesChangedLocked()
	m.unlockAndEmit()

	if unsub != nil {
		unsub()
	}
	m.softInvalidate(m.baseCtx)
}

// SendMessage appends a visitor message to the human conversation. It is
// displayed once the next snapshot arrives.
func (m *Machine) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("conversation: send: message is empty")
	}
	m.mu.Lock()
	if m.state != HumanChat {
		m.mu.Unlock()
		return ErrInvalidState
	}
	id := m.convID
	m.mu.Unlock()

	msg := models.Message{From: models.FromVisitor, Text: text, Timestamp: m.clock.Now()}
	if err := m.gw.AppendMessage(ctx, id, msg); err != nil {
		m.metrics.GatewayError("append")
		return fmt.Errorf("%w: append: %w", ErrGateway, err)
	}
	return nil
}

// ConfirmExit ends the human conversation at the visitor's request. The
// remote close is sent in the background; local teardown does not wait.
func (m *Machine) ConfirmExit(ctx context.Context) error {
	m.mu.Lock()
	if m.state != HumanChat {
		m.mu.Unlock()
		return ErrInvalidState
	}
	id := m.convID
	m.setStateLocked(Closed)
	unsub := m.teardownLocked()
	m.pendingCloses[id] = false
	m.setStateLocked(Anonymous)
	m.queueClosedLocked(id, false)
	m.messagesChangedLocked()
	m.unlockAndEmit()

	if unsub != nil {
		unsub()
	}
	m.softInvalidate(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.closeRemote(context.WithoutCancel(ctx), id, "visitor ended the chat", exitCloseTimeout)
	}()
	return nil
}

// Unload tears the machine down because the tab is going away. Close
// requests still in flight are handed to the beacon.
func (m *Machine) Unload(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	var pending []string
	for id, beaconed := range m.pendingCloses {
		if !beaconed {
			m.pendingCloses[id] = true
			pending = append(pending, id)
		}
	}
	unsub := m.teardownLocked()
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, id := range pending {
		m.sendBeacon(ctx, id, "tab closed before close completed")
	}
	m.baseCancel()
}

// Wait blocks until background work started by the machine has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Recheck validates the cached session while no chat view is open. A
// cached conversation that no longer exists or has been closed is dropped.
func (m *Machine) Recheck(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Anonymous || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	id, err := m.ids.Load(ctx)
	if err != nil {
		return fmt.Errorf("conversation: recheck: %w", err)
	}
	if id.ConversationID == "" {
		return nil
	}
	rec, err := m.gw.Get(ctx, id.ConversationID)
	if errors.Is(err, gateway.ErrNotFound) {
		m.softInvalidate(ctx)
		return nil
	}
	if err != nil {
		m.metrics.GatewayError("get")
		return fmt.Errorf("%w: recheck: %w", ErrGateway, err)
	}
	if rec.Status == models.StatusArchived || m.guard.IsTrustworthyClose(rec) {
		m.log.WithField("conversation_id", rec.ID).Info("conversation: recheck dropped closed conversation")
		m.softInvalidate(ctx)
	}
	return nil
}

// closeRemote asks the gateway to close id within timeout and falls back to
// the beacon.
func (m *Machine) closeRemote(ctx context.Context, id, reason string, timeout time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	err := m.gw.SetStatus(cctx, id, models.StatusClosed, actorVisitor, reason)
	cancel()

	m.mu.Lock()
	beaconed := m.pendingCloses[id]
	delete(m.pendingCloses, id)
	m.mu.Unlock()
	if err == nil {
		return
	}
	m.metrics.GatewayError("set_status")
	m.log.WithError(err).WithField("conversation_id", id).Warn("conversation: remote close failed")
	if !beaconed {
		m.sendBeacon(ctx, id, reason)
	}
}

func (m *Machine) sendBeacon(ctx context.Context, id, reason string) {
	log := m.log.WithField("conversation_id", id)
	if m.beacon == nil {
		log.Warn("conversation: no beacon configured, close request lost")
		return
	}
	if err := m.beacon.SendClose(ctx, id, actorVisitor, reason); err != nil {
		log.WithError(err).Warn("conversation: beacon failed")
		return
	}
	m.metrics.BeaconSent()
	log.Info("conversation: close handed to beacon")
}

func (m *Machine) softInvalidate(ctx context.Context) {
	if err := m.ids.Invalidate(ctx); err != nil {
		m.log.WithError(err).Warn("conversation: invalidate conversation id")
	}
}

// newGenLocked ends the current generation, cancelling its in-flight work
// and orphaning its callbacks, and starts a new one.
func (m *Machine) newGenLocked() (uint64, context.Context) {
	m.genCancel()
	m.gen++
	m.genCtx, m.genCancel = context.WithCancel(m.baseCtx)
	return m.gen, m.genCtx
}

// teardownLocked detaches from the current conversation. The returned
// unsubscribe must be called after unlocking.
func (m *Machine) teardownLocked() gateway.Unsubscribe {
	if m.closeTimer != nil {
		m.closeTimer.Stop()
		m.closeTimer = nil
	}
	if m.staleTimer != nil {
		m.staleTimer.Stop()
		m.staleTimer = nil
	}
	m.newGenLocked()
	unsub := m.unsub
	m.unsub = nil
	m.convID = ""
	m.snap = models.Conversation{}
	m.hasSnap = false
	m.seed = nil
	m.transitionSent = false
	return unsub
}

func (m *Machine) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.Transition(from.String(), to.String())
	m.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("conversation: transition")
	onT, onD, onV := m.hooks.OnTransition, m.hooks.OnDirective, m.hooks.OnView
	d := to.Directive()
	v := View{State: to, ConversationID: m.convID}
	m.events = append(m.events, func() {
		if onT != nil {
			onT(from, to)
		}
		if onV != nil {
			onV(v)
		}
		if onD != nil {
			onD(d)
		}
	})
}

func (m *Machine) messagesChangedLocked() {
	h := m.hooks.OnMessages
	if h == nil {
		return
	}
	msgs := m.messagesLocked()
	m.events = append(m.events, func() { h(msgs) })
}

func (m *Machine) queueClosedLocked(id string, byOperator bool) {
	h := m.hooks.OnClosed
	if h == nil {
		return
	}
	m.events = append(m.events, func() { h(id, byOperator) })
}

func (m *Machine) messagesLocked() []models.Message {
	switch m.state {
	case HumanHandoffPending, HumanChat, Closing:
		if m.hasSnap {
			return m.snap.Messages.Clone()
		}
		return m.seed.Clone()
	}
	return m.aiChat.Clone()
}

// unlockAndEmit releases mu and runs the queued hooks in order.
func (m *Machine) unlockAndEmit() {
	events := m.events
	m.events = nil
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	for _, e := range events {
		e()
	}
}
