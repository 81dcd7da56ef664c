package visitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by the connection's Sender when the browser is
// not reading fast enough.
var ErrQueueFull = errors.New("visitor: outbound queue full")

// ServerOpts configures the visitor WebSocket endpoint.
type ServerOpts struct {
	Registry *Registry
	Logger   *logrus.Logger
	// CheckOrigin defaults to accepting every origin, since the guide is
	// embedded on third-party pages.
	CheckOrigin      func(*http.Request) bool
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	QueueSize        int
}

// Server upgrades visitor connections and runs one Runtime per tab.
type Server struct {
	registry *Registry
	log      *logrus.Logger
	upgrader websocket.Upgrader

	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	readLimit        int64
	queueSize        int
}

// NewServer returns a visitor endpoint backed by registry.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("visitor: server: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		registry:         opts.Registry,
		log:              opts.Logger,
		upgrader:         websocket.Upgrader{CheckOrigin: checkOrigin},
		handshakeTimeout: pickDuration(opts.HandshakeTimeout, 5*time.Second),
		writeTimeout:     pickDuration(opts.WriteTimeout, 5*time.Second),
		pingInterval:     pickDuration(opts.PingInterval, 20*time.Second),
		readLimit:        pickInt64(opts.ReadLimit, 64<<10),
		queueSize:        int(pickInt64(int64(opts.QueueSize), 64)),
	}, nil
}

// ServeHTTP upgrades the request and serves the session until the browser
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("visitor: upgrade failed")
		return
	}
	defer ws.Close()
	ws.SetReadLimit(s.readLimit)

	_ = ws.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	hello, err := s.readHello(ws)
	if err != nil {
		s.writeError(ws, CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, s.queueSize),
		log: s.log.WithFields(logrus.Fields{
			"visitor_id": hello.VisitorID,
			"tab_id":     hello.TabID,
		}),
	}

	rt, err := s.registry.Attach(ctx, hello, c)
	if err != nil {
		s.writeError(ws, CodeInternal, err.Error())
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.writeLoop(s.writeTimeout, s.pingInterval); err != nil {
			c.log.WithError(err).Debug("visitor: write loop ended")
		}
		cancel()
	}()

	inbound := make(chan any, s.queueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Start(ctx); err != nil {
			c.log.WithError(err).Warn("visitor: runtime start failed")
		}
		for frame := range inbound {
			rt.Handle(ctx, frame)
		}
	}()

	pongWait := 2 * s.pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.readLoop(rt, inbound, pongWait)

	close(inbound)
	cancel()
	s.registry.Detach(context.Background(), rt)
	wg.Wait()
}

func (s *Server) readHello(ws *websocket.Conn) (ClientHello, error) {
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return ClientHello{}, fmt.Errorf("failed to read hello")
	}
	if messageType != websocket.TextMessage {
		return ClientHello{}, fmt.Errorf("first frame must be hello")
	}
	decoded, err := DecodeClientFrame(data)
	if err != nil {
		return ClientHello{}, err
	}
	hello, ok := decoded.(ClientHello)
	if !ok {
		return ClientHello{}, fmt.Errorf("first frame must be hello")
	}
	return hello, nil
}

func (s *Server) writeError(ws *websocket.Conn, code, message string) {
	data, _ := json.Marshal(ServerError{Type: TypeError, Code: code, Message: message})
	deadline := time.Now().Add(s.writeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage, data)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
}

// conn is one upgraded visitor socket. It is the runtime's Sender.
type conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	log    *logrus.Entry
}

// Send queues frame for the write loop without blocking. A full queue
// drops the connection.
func (c *conn) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("visitor: encode %T: %w", frame, err)
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.log.Warn("visitor: outbound queue full, dropping connection")
		c.cancel()
		return ErrQueueFull
	}
}

// readLoop answers media acks inline, since a directive may be waiting on
// one, and hands every other frame to the worker.
func (c *conn) readLoop(rt *Runtime, inbound chan<- any, pongWait time.Duration) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("visitor: read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			_ = c.Send(ServerError{Type: TypeError, Code: CodeBadRequest, Message: "binary frames are not supported"})
			continue
		}
		frame, err := DecodeClientFrame(data)
		if err != nil {
			_ = c.Send(ServerError{Type: TypeError, Code: CodeBadRequest, Message: err.Error()})
			continue
		}
		switch frame.(type) {
		case ClientMediaAck, ClientMediaTime:
			rt.Handle(c.ctx, frame)
			continue
		}
		select {
		case inbound <- frame:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) writeLoop(writeTimeout, pingInterval time.Duration) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	// Closing the socket unblocks the read loop.
	defer c.ws.Close()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return nil
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

func pickDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func pickInt64(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}
