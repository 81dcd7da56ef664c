package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/guidepost/internal/models"
)

const (
	operatorWriteWait = 5 * time.Second
	operatorPongWait  = 60 * time.Second
	operatorPingEvery = operatorPongWait / 2
	operatorReadLimit = 16 << 10
)

var operatorUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// operatorFrame is a client frame on the operator conversation socket.
type operatorFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// operatorEvent is a server frame on the operator conversation socket.
type operatorEvent struct {
	Type         string               `json:"type"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// handleConversationWS streams one conversation to an operator and accepts
// reply, viewed and close frames back.
func (h *handlers) handleConversationWS(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.console.Show(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	ws, err := operatorUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("dashboard: operator socket upgrade failed")
		return
	}
	log := h.log.WithField("conversation", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan models.Conversation, 1)
	replies := make(chan operatorEvent, 8)

	unsub, err := h.console.Follow(ctx, id, func(rec models.Conversation) {
		offerLatest(snapshots, rec)
	})
	if err != nil {
		_ = ws.WriteJSON(operatorEvent{Type: "error", Error: err.Error()})
		_ = ws.Close()
		return
	}
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ws.Close()
		ping := time.NewTicker(operatorPingEvery)
		defer ping.Stop()
		for {
			var evt operatorEvent
			select {
			case <-ctx.Done():
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(operatorWriteWait))
				return
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(operatorWriteWait)); err != nil {
					cancel()
					return
				}
				continue
			case rec := <-snapshots:
				evt = operatorEvent{Type: "conversation", Conversation: &rec}
			case evt = <-replies:
			}
			_ = ws.SetWriteDeadline(time.Now().Add(operatorWriteWait))
			if err := ws.WriteJSON(evt); err != nil {
				cancel()
				return
			}
		}
	}()

	ws.SetReadLimit(operatorReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(operatorPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(operatorPongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(operatorPongWait))

		var frame operatorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(ctx, replies, operatorEvent{Type: "error", Error: "invalid frame"})
			continue
		}
		if err := h.applyOperatorFrame(ctx, id, frame); err != nil {
			log.WithError(err).WithField("frame", frame.Type).Debug("dashboard: operator frame rejected")
			h.reply(ctx, replies, operatorEvent{Type: "error", Error: err.Error()})
		}
	}

	cancel()
	<-done
}

func (h *handlers) applyOperatorFrame(ctx context.Context, id string, f operatorFrame) error {
	switch f.Type {
	case "reply":
		if f.Text == "" {
			return errFrame("text is required")
		}
		return h.console.Reply(ctx, id, f.Text)
	case "viewed":
		return h.console.MarkViewed(ctx, id)
	case "close":
		if f.Actor == "" {
			return errFrame("actor is required")
		}
		return h.console.Close(ctx, id, f.Actor, f.Reason)
	default:
		return errFrame("unknown frame type " + f.Type)
	}
}

func (h *handlers) reply(ctx context.Context, ch chan<- operatorEvent, evt operatorEvent) {
	select {
	case ch <- evt:
	case <-ctx.Done():
	}
}

type errFrame string

func (e errFrame) Error() string { return string(e) }
