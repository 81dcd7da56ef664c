// Package conversation is the visitor-side session state machine. It takes
// a visitor from anonymous viewing through AI chat to a live operator
// conversation and back, keeping its view consistent with the shared
// conversation record that operators mutate concurrently.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/models"
	"github.com/zulandar/guidepost/internal/playback"
)

// State is the visitor-facing session state.
type State int

const (
	Anonymous State = iota
	AwaitingIdentity
	AiChat
	HumanHandoffPending
	HumanChat
	Closing
	Closed
)

var stateNames = [...]string{
	Anonymous:           "Anonymous",
	AwaitingIdentity:    "AwaitingIdentity",
	AiChat:              "AiChat",
	HumanHandoffPending: "HumanHandoffPending",
	HumanChat:           "HumanChat",
	Closing:             "Closing",
	Closed:              "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ChatOpen reports whether a chat view is on screen in s.
func (s State) ChatOpen() bool {
	switch s {
	case AiChat, AwaitingIdentity, HumanHandoffPending, HumanChat, Closing:
		return true
	}
	return false
}

// FormOpen reports whether the identity form is on screen in s.
func (s State) FormOpen() bool { return s == AwaitingIdentity }

// Directive is the playback directive raised on entering s.
func (s State) Directive() playback.Directive {
	return playback.Directive{ChatOpen: s.ChatOpen(), FormOpen: s.FormOpen()}
}

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// current state.
	ErrInvalidState = errors.New("conversation: operation not allowed in current state")
	// ErrGateway wraps a failed create, append or close. The visitor may
	// retry; the state has not advanced.
	ErrGateway = errors.New("conversation: gateway request failed")
	// ErrAssistant wraps AI responder failures.
	ErrAssistant = errors.New("conversation: assistant request failed")
)

// StalenessGuard decides whether a closed push can be trusted. A record
// briefly carries default field values right after creation, so a close
// seen within Window of CreatedAt is ignored.
type StalenessGuard struct {
	Window time.Duration
	Clock  clock.Clock
}

// IsTrustworthyClose reports whether rec is closed and old enough for that
// to be believed.
func (g StalenessGuard) IsTrustworthyClose(rec models.Conversation) bool {
	if rec.Status != models.StatusClosed {
		return false
	}
	now := clock.OrReal(g.Clock).Now()
	return now.Sub(rec.CreatedAt) >= g.Window
}
