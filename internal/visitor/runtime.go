package visitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/assistant"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/config"
	"github.com/zulandar/guidepost/internal/conversation"
	"github.com/zulandar/guidepost/internal/device"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/identity"
	"github.com/zulandar/guidepost/internal/kv"
	"github.com/zulandar/guidepost/internal/metrics"
	"github.com/zulandar/guidepost/internal/models"
	"github.com/zulandar/guidepost/internal/playback"
)

// Error codes carried by ServerError.
const (
	CodeBadRequest   = "bad_request"
	CodeInvalidState = "invalid_state"
	CodeValidation   = "validation"
	CodeGateway      = "gateway"
	CodeAssistant    = "assistant"
	CodeInternal     = "internal"
)

// RuntimeOpts configures a Runtime.
type RuntimeOpts struct {
	Hello  ClientHello
	Sender Sender
	// Persistent holds identity keys for all visitors.
	Persistent kv.Store
	// Tab holds the same-tab marker. It must already be scoped to the tab.
	Tab       kv.Store
	Gateway   gateway.Gateway
	Responder assistant.Responder
	Beacon    conversation.Beacon
	Config    *config.Config
	Clock     clock.Clock
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

// Runtime is one browser tab's session.
type Runtime struct {
	visitorID string
	tabID     string
	device    device.Class
	send      Sender
	machine   *conversation.Machine
	player    *playback.Coordinator
	surfaces  map[playback.SurfaceID]*RemoteSurface
	clock     clock.Clock
	log       *logrus.Entry
	metrics   *metrics.Metrics
	schedule  cron.Schedule

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	recheck clock.Timer
	done    chan struct{}
}

// NewRuntime builds the state machine, the playback coordinator and the
// identity store for one tab. Call Start to begin.
func NewRuntime(opts RuntimeOpts) (*Runtime, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("visitor: runtime: sender is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("visitor: runtime: gateway is required")
	}
	if opts.Persistent == nil || opts.Tab == nil {
		return nil, fmt.Errorf("visitor: runtime: persistent and tab stores are required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("visitor: runtime: config is required")
	}
	if opts.Hello.VisitorID == "" || opts.Hello.TabID == "" {
		return nil, fmt.Errorf("visitor: runtime: visitor and tab ids are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	cfg := opts.Config
	schedule, err := cron.ParseStandard(cfg.Session.RecheckSchedule)
	if err != nil {
		return nil, fmt.Errorf("visitor: runtime: recheck schedule: %w", err)
	}

	class := device.Classify(opts.Hello.Device)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		visitorID: opts.Hello.VisitorID,
		tabID:     opts.Hello.TabID,
		device:    class,
		send:      opts.Sender,
		surfaces:  make(map[playback.SurfaceID]*RemoteSurface),
		clock:     clock.OrReal(opts.Clock),
		log: opts.Logger.WithFields(logrus.Fields{
			"visitor_id": opts.Hello.VisitorID,
			"tab_id":     opts.Hello.TabID,
			"device":     class.String(),
		}),
		metrics:  opts.Metrics,
		schedule: schedule,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	ackTimeout := cfg.Playback.PlayAckTimeout()
	r.surfaces[playback.Primary] = NewRemoteSurface(playback.Primary, opts.Sender, ackTimeout)
	popts := playback.Opts{
		Primary:        r.surfaces[playback.Primary],
		Device:         class,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		HandoffOffset:  cfg.Playback.HandoffOffset(),
		ResizeDebounce: cfg.Playback.ResizeDebounce(),
		UnmuteDelay:    cfg.Playback.UnmuteDelay(),
		Muted:          opts.Hello.Muted,
	}
	if class.HasPiP() {
		r.surfaces[playback.PiP] = NewRemoteSurface(playback.PiP, opts.Sender, ackTimeout)
		popts.PiP = r.surfaces[playback.PiP]
	}
	if r.player, err = playback.New(popts); err != nil {
		cancel()
		return nil, fmt.Errorf("visitor: runtime: %w", err)
	}

	ids, err := identity.New(identity.Opts{
		Persistent: opts.Persistent,
		Tab:        opts.Tab,
		LoadID:     opts.Hello.LoadID,
		VisitorID:  opts.Hello.VisitorID,
		TTL:        cfg.Session.IdentityTTL(),
		ReentryCap: cfg.Session.ReentryCap,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("visitor: runtime: %w", err)
	}

	r.machine, err = conversation.New(conversation.Opts{
		Gateway:       opts.Gateway,
		Identity:      ids,
		Responder:     opts.Responder,
		Beacon:        opts.Beacon,
		Device:        class,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		Session:       cfg.Session,
		Guide:         cfg.Guide,
		HandoffMarker: cfg.Assistant.HandoffMarker,
		VisitorID:     opts.Hello.VisitorID,
		Hooks: conversation.Hooks{
			OnView:      r.onView,
			OnDirective: r.onDirective,
			OnMessages:  r.onMessages,
			OnHandoff:   r.onHandoff,
			OnClosed:    r.onClosed,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("visitor: runtime: %w", err)
	}
	return r, nil
}

// VisitorID returns the visitor the runtime serves.
func (r *Runtime) VisitorID() string { return r.visitorID }

// TabID returns the tab the runtime serves.
func (r *Runtime) TabID() string { return r.tabID }

// Device returns the tab's device class.
func (r *Runtime) Device() device.Class { return r.device }

// State returns the conversation state.
func (r *Runtime) State() conversation.State { return r.machine.State() }

// Player returns the playback coordinator.
func (r *Runtime) Player() *playback.Coordinator { return r.player }

// Done is closed once the runtime has shut down.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Start reports the initial state, starts the primary video and restores
// the visitor's session.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return fmt.Errorf("visitor: runtime: already started")
	}
	r.started = true
	r.mu.Unlock()

	r.onView(conversation.View{State: conversation.Anonymous})
	r.player.Start(ctx)
	if err := r.machine.Start(ctx); err != nil {
		return fmt.Errorf("visitor: runtime: start: %w", err)
	}
	r.scheduleRecheck()
	r.metrics.RuntimeStarted()
	r.log.Info("visitor: runtime started")
	return nil
}

// Handle applies one decoded client frame. Problems are reported to the
// browser as error frames.
func (r *Runtime) Handle(ctx context.Context, frame any) {
	switch f := frame.(type) {
	case ClientMediaAck:
		r.resolve(f)
	case ClientMediaTime:
		if id, ok := parseSurface(f.Surface); ok {
			if s := r.surfaces[id]; s != nil {
				s.ReportTime(f.Time)
			}
		}
	case ClientAction:
		r.handleAction(ctx, f.Type)
	case ClientAsk:
		answer, err := r.machine.AskAssistant(ctx, f.Text)
		if err != nil {
			r.fail(err)
			return
		}
		r.emit(ServerAnswer{Type: TypeAnswer, Text: answer})
	case ClientSubmitIdentity:
		err := r.machine.SubmitIdentity(ctx, identity.Form{Name: f.Name, Contact: f.Contact})
		if err == nil {
			return
		}
		r.fail(err)
		if errors.Is(err, conversation.ErrGateway) {
			form := r.machine.PendingForm()
			r.emit(ServerForm{Type: TypeForm, Name: form.Name, Contact: form.Contact})
		}
	case ClientSend:
		if err := r.machine.SendMessage(ctx, f.Text); err != nil {
			r.fail(err)
		}
	case ClientSetMuted:
		r.player.SetMuted(f.Muted)
	case ClientVisibility:
		r.player.HandleVisibilityChange(ctx, f.Hidden)
	case ClientViewport:
		r.player.HandleOrientationOrResize(device.Viewport{Width: f.Width, Height: f.Height})
	case ClientHello:
		r.emit(ServerError{Type: TypeError, Code: CodeBadRequest, Message: "session already started"})
	default:
		r.emit(ServerError{Type: TypeError, Code: CodeBadRequest, Message: fmt.Sprintf("unsupported frame %T", frame)})
	}
}

func (r *Runtime) handleAction(ctx context.Context, typ string) {
	var err error
	switch typ {
	case TypeInteract:
		r.player.WarmUp(ctx)
	case TypeOpenAIChat:
		err = r.machine.OpenAIChat()
	case TypeCloseAIChat:
		err = r.machine.CloseAIChat()
	case TypeRequestHandoff:
		err = r.machine.RequestHandoff(ctx)
	case TypeConfirmExit:
		err = r.machine.ConfirmExit(ctx)
	case TypeUnload:
		r.Close(ctx)
	}
	if err != nil {
		r.fail(err)
	}
}

func (r *Runtime) resolve(ack ClientMediaAck) {
	for _, s := range r.surfaces {
		if s.Resolve(ack) {
			return
		}
	}
	r.log.WithField("ack_id", ack.ID).Debug("visitor: late or unknown media ack")
}

// Close unloads the session and stops the runtime. Close requests still in
// flight are handed to the beacon.
func (r *Runtime) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	if r.recheck != nil {
		r.recheck.Stop()
		r.recheck = nil
	}
	r.mu.Unlock()

	// Directives blocked on a media ack give up first.
	r.cancel()
	r.machine.Unload(ctx)
	r.player.Close()
	r.machine.Wait()
	if started {
		r.metrics.RuntimeStopped()
	}
	r.log.Info("visitor: runtime stopped")
	close(r.done)
}

// Recheck validates the cached session now.
func (r *Runtime) Recheck(ctx context.Context) error {
	return r.machine.Recheck(ctx)
}

func (r *Runtime) scheduleRecheck() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := r.clock.Now()
	d := r.schedule.Next(now).Sub(now)
	r.recheck = r.clock.AfterFunc(d, func() {
		if err := r.machine.Recheck(r.ctx); err != nil {
			r.log.WithError(err).Warn("visitor: session recheck failed")
		}
		r.scheduleRecheck()
	})
}

// --- Machine hooks ---

func (r *Runtime) onView(v conversation.View) {
	r.emit(ServerState{
		Type:           TypeState,
		State:          v.State.String(),
		ChatOpen:       v.State.ChatOpen(),
		FormOpen:       v.State.FormOpen(),
		ConversationID: v.ConversationID,
		Device:         r.device.String(),
		PiP:            r.device.HasPiP(),
	})
}

func (r *Runtime) onDirective(d playback.Directive) {
	r.player.Apply(r.ctx, d)
}

func (r *Runtime) onMessages(msgs []models.Message) {
	if msgs == nil {
		msgs = []models.Message{}
	}
	r.emit(ServerMessages{Type: TypeMessages, Messages: msgs})
}

func (r *Runtime) onHandoff(rec models.Conversation) {
	r.log.WithField("conversation_id", rec.ID).Info("visitor: handed off to an operator")
}

func (r *Runtime) onClosed(id string, byOperator bool) {
	r.emit(ServerClosed{Type: TypeClosed, ConversationID: id, ByOperator: byOperator})
}

func (r *Runtime) emit(frame any) {
	if err := r.send.Send(frame); err != nil {
		r.log.WithError(err).Debug("visitor: send failed")
	}
}

func (r *Runtime) fail(err error) {
	frame := ServerError{Type: TypeError, Code: CodeInternal, Message: err.Error()}
	var verr *identity.ValidationError
	var perr *ProtocolError
	switch {
	case errors.As(err, &verr):
		frame.Code = CodeValidation
		frame.Fields = verr.Fields
	case errors.As(err, &perr):
		frame.Code = CodeBadRequest
	case errors.Is(err, conversation.ErrInvalidState):
		frame.Code = CodeInvalidState
	case errors.Is(err, conversation.ErrGateway):
		frame.Code = CodeGateway
	case errors.Is(err, conversation.ErrAssistant):
		frame.Code = CodeAssistant
	}
	r.log.WithError(err).WithField("code", frame.Code).Debug("visitor: frame failed")
	r.emit(frame)
}
