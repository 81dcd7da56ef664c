package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/operator"
	"gorm.io/gorm"
)

// maxBeaconBytes bounds the body of a beacon request.
const maxBeaconBytes = 4 << 10

type handlers struct {
	console   *operator.Console
	visitors  http.Handler
	live      func() int
	db        *gorm.DB
	gatherer  prometheus.Gatherer
	log       *logrus.Entry
	heartbeat time.Duration
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/health", h.handleHealth)

	api := router.Group("/api/v1")
	api.GET("/conversations", h.handleList)
	api.GET("/conversations/:id", h.handleShow)
	api.POST("/conversations/:id/viewed", h.handleViewed)
	api.POST("/conversations/:id/reply", h.handleReply)
	api.POST("/conversations/:id/close", h.handleClose)
	api.POST("/conversations/:id/archive", h.handleArchive)
	api.POST("/conversations/:id/beacon", h.handleBeacon)
	api.GET("/conversations/:id/status-changes", h.handleStatusChanges)
	api.GET("/summary", h.handleSummary)
	api.GET("/events", h.handleSSE)

	router.GET("/ws/conversations/:id", h.handleConversationWS)
	if h.visitors != nil {
		router.GET("/ws/visitor", gin.WrapH(h.visitors))
	}
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

type replyRequest struct {
	Text string `json:"text" binding:"required,max=4000"`
}

type closeRequest struct {
	Actor  string `json:"actor" binding:"required,max=64"`
	Reason string `json:"reason" binding:"max=256"`
}

type archiveRequest struct {
	Actor string `json:"actor" binding:"required,max=64"`
}

type beaconRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok", "guide": h.console.GuideSlug()}
	if h.live != nil {
		body["visitors"] = h.live()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) handleList(c *gin.Context) {
	list, err := h.console.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *handlers) handleShow(c *gin.Context) {
	rec, err := h.console.Show(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) handleViewed(c *gin.Context) {
	if err := h.console.MarkViewed(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.console.Reply(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleClose(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.console.Close(c.Request.Context(), c.Param("id"), req.Actor, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleArchive(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.console.Archive(c.Request.Context(), c.Param("id"), req.Actor); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleBeacon takes navigator.sendBeacon requests from tabs that are
// closing. Browsers send them as text/plain, so the body is decoded by hand
// and a missing or malformed body is not an error.
func (h *handlers) handleBeacon(c *gin.Context) {
	var req beaconRequest
	data, _ := io.ReadAll(io.LimitReader(c.Request.Body, maxBeaconBytes))
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req)
	}
	if req.Reason == "" {
		req.Reason = "tab closed"
	}
	if err := h.console.ApplyCloseRequest(c.Request.Context(), c.Param("id"), "visitor", req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleStatusChanges(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no database configured"})
		return
	}
	id := c.Param("id")
	if _, err := h.console.Show(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	rows, err := StatusHistory(h.db.WithContext(c.Request.Context()), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status_changes": rows})
}

func (h *handlers) handleSummary(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no database configured"})
		return
	}
	sum, err := ConversationSummary(h.db.WithContext(c.Request.Context()), h.console.GuideSlug())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// fail maps operator and gateway errors to HTTP statuses.
func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, operator.ErrClosed), errors.Is(err, operator.ErrNotClosed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("dashboard: request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
