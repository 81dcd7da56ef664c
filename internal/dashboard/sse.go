package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/guidepost/internal/models"
)

// listEvent is the payload of a "conversations" SSE event.
type listEvent struct {
	Conversations []models.Conversation `json:"conversations"`
	Unviewed      int                   `json:"unviewed"`
}

// handleSSE streams the guide's conversation list: once on connect and
// again whenever a record changes.
func (h *handlers) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	updates := make(chan []models.Conversation, 1)
	unsub, err := h.console.Watch(ctx, func(list []models.Conversation) {
		offerLatest(updates, list)
	})
	if err != nil {
		h.log.WithError(err).Warn("dashboard: sse watch failed")
		writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
		c.Writer.Flush()
		return
	}
	defer unsub()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case list := <-updates:
			evt := listEvent{Conversations: list}
			for _, rec := range list {
				if rec.Status == models.StatusActive && !rec.ViewedByOperator {
					evt.Unviewed++
				}
			}
			writeSSE(c.Writer, "conversations", evt)
			c.Writer.Flush()
		}
	}
}

// offerLatest replaces any value still waiting in ch with v. ch must have a
// buffer of one; only the newest snapshot matters to a slow reader.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
