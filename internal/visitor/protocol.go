// Package visitor hosts one Runtime per browser tab. A Runtime owns the tab's
// conversation state machine, its playback coordinator and its identity
// store, and talks to the browser over a JSON WebSocket protocol: the browser
// reports visitor actions and media events, the server answers with state,
// messages, and commands for the two video elements.
package visitor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zulandar/guidepost/internal/device"
	"github.com/zulandar/guidepost/internal/models"
	"github.com/zulandar/guidepost/internal/playback"
)

// Client frame types.
const (
	TypeHello          = "hello"
	TypeInteract       = "interact"
	TypeOpenAIChat     = "open_ai_chat"
	TypeCloseAIChat    = "close_ai_chat"
	TypeAsk            = "ask"
	TypeRequestHandoff = "request_handoff"
	TypeSubmitIdentity = "submit_identity"
	TypeSend           = "send"
	TypeConfirmExit    = "confirm_exit"
	TypeSetMuted       = "set_muted"
	TypeVisibility     = "visibility"
	TypeViewport       = "viewport"
	TypeMediaAck       = "media_ack"
	TypeMediaTime      = "media_time"
	TypeUnload         = "unload"
)

// Server frame types.
const (
	TypeState    = "state"
	TypeMessages = "messages"
	TypeAnswer   = "answer"
	TypeForm     = "form"
	TypeMedia    = "media"
	TypeClosed   = "closed"
	TypeError    = "error"
)

// Media ops carried by ServerMedia.
const (
	OpPlay    = "play"
	OpPause   = "pause"
	OpSeek    = "seek"
	OpMute    = "mute"
	OpVisible = "visible"
	OpReload  = "reload"
	OpPlace   = "place"
)

// ClientHello opens the session. VisitorID comes from the browser's local
// storage and TabID from its session storage, so a reload keeps the tab id
// and a new tab gets a fresh one. LoadID lives in page memory: it changes on
// every reload and survives a socket reconnect.
type ClientHello struct {
	Type      string         `json:"type"`
	VisitorID string         `json:"visitor_id"`
	TabID     string         `json:"tab_id"`
	LoadID    string         `json:"load_id,omitempty"`
	Device    device.Signals `json:"device"`
	Muted     bool           `json:"muted"`
}

// ClientAction is a frame without a payload: interact, open_ai_chat,
// close_ai_chat, request_handoff, confirm_exit, unload.
type ClientAction struct {
	Type string `json:"type"`
}

// ClientAsk is a question for the AI assistant.
type ClientAsk struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientSubmitIdentity carries the identity form.
type ClientSubmitIdentity struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// ClientSend is a visitor message for the human conversation.
type ClientSend struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientSetMuted changes the visitor's mute preference.
type ClientSetMuted struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

// ClientVisibility reports the tab going to or returning from the background.
type ClientVisibility struct {
	Type   string `json:"type"`
	Hidden bool   `json:"hidden"`
}

// ClientViewport reports a resize or orientation change.
type ClientViewport struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ClientMediaAck answers a play or reload command.
type ClientMediaAck struct {
	Type  string  `json:"type"`
	ID    string  `json:"id"`
	OK    bool    `json:"ok"`
	Error string  `json:"error,omitempty"`
	Time  float64 `json:"time"`
}

// ClientMediaTime reports a surface's playback position.
type ClientMediaTime struct {
	Type    string  `json:"type"`
	Surface string  `json:"surface"`
	Time    float64 `json:"time"`
}

// ServerState reports the session state and the views it implies.
type ServerState struct {
	Type           string `json:"type"`
	State          string `json:"state"`
	ChatOpen       bool   `json:"chat_open"`
	FormOpen       bool   `json:"form_open"`
	ConversationID string `json:"conversation_id,omitempty"`
	Device         string `json:"device"`
	PiP            bool   `json:"pip"`
}

// ServerMessages replaces the displayed message list.
type ServerMessages struct {
	Type     string           `json:"type"`
	Messages []models.Message `json:"messages"`
}

// ServerAnswer is the assistant's reply to an ask frame.
type ServerAnswer struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerForm refills the identity form after a failed submission.
type ServerForm struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// ServerMedia commands one video element.
type ServerMedia struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Surface string         `json:"surface"`
	Op      string         `json:"op"`
	Time    *float64       `json:"time,omitempty"`
	Muted   *bool          `json:"muted,omitempty"`
	Visible *bool          `json:"visible,omitempty"`
	Rect    *playback.Rect `json:"rect,omitempty"`
}

// ServerClosed announces the end of a human conversation.
type ServerClosed struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ByOperator     bool   `json:"by_operator"`
}

// ServerError reports a failed client frame. Fields is set for identity
// form problems.
type ServerError struct {
	Type    string            `json:"type"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ProtocolError is returned by DecodeClientFrame for malformed frames.
type ProtocolError struct {
	Message string
	Param   string
}

func (e *ProtocolError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("visitor: protocol: %s (%s)", e.Message, e.Param)
	}
	return "visitor: protocol: " + e.Message
}

func badFrame(msg, param string) error {
	return &ProtocolError{Message: msg, Param: param}
}

// DecodeClientFrame parses one client frame into its typed struct.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case TypeHello:
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid hello frame", "")
		}
		if strings.TrimSpace(msg.VisitorID) == "" {
			return nil, badFrame("hello.visitor_id is required", "visitor_id")
		}
		if strings.TrimSpace(msg.TabID) == "" {
			return nil, badFrame("hello.tab_id is required", "tab_id")
		}
		return msg, nil
	case TypeInteract, TypeOpenAIChat, TypeCloseAIChat, TypeRequestHandoff, TypeConfirmExit, TypeUnload:
		return ClientAction{Type: typ}, nil
	case TypeAsk:
		var msg ClientAsk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid ask frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badFrame("ask.text is required", "text")
		}
		return msg, nil
	case TypeSubmitIdentity:
		var msg ClientSubmitIdentity
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid submit_identity frame", "")
		}
		return msg, nil
	case TypeSend:
		var msg ClientSend
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid send frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badFrame("send.text is required", "text")
		}
		return msg, nil
	case TypeSetMuted:
		var msg ClientSetMuted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid set_muted frame", "")
		}
		return msg, nil
	case TypeVisibility:
		var msg ClientVisibility
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid visibility frame", "")
		}
		return msg, nil
	case TypeViewport:
		var msg ClientViewport
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid viewport frame", "")
		}
		if msg.Width <= 0 || msg.Height <= 0 {
			return nil, badFrame("viewport dimensions must be positive", "width")
		}
		return msg, nil
	case TypeMediaAck:
		var msg ClientMediaAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid media_ack frame", "")
		}
		if strings.TrimSpace(msg.ID) == "" {
			return nil, badFrame("media_ack.id is required", "id")
		}
		return msg, nil
	case TypeMediaTime:
		var msg ClientMediaTime
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid media_time frame", "")
		}
		if _, ok := parseSurface(msg.Surface); !ok {
			return nil, badFrame("media_time.surface must be primary or pip", "surface")
		}
		return msg, nil
	}
	return nil, badFrame(fmt.Sprintf("unknown frame type %q", typ), "type")
}

func parseSurface(s string) (playback.SurfaceID, bool) {
	switch s {
	case playback.Primary.String():
		return playback.Primary, true
	case playback.PiP.String():
		return playback.PiP, true
	}
	return 0, false
}
