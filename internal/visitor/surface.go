package visitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/guidepost/internal/playback"
)

// ErrNoAck is returned when the browser does not answer a media command in
// time.
var ErrNoAck = errors.New("visitor: media command not acknowledged")

// Sender delivers server frames to the browser. It is called with the
// playback coordinator's lock held and must not block for long.
type Sender interface {
	Send(frame any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(frame any) error

// Send calls f.
func (f SenderFunc) Send(frame any) error { return f(frame) }

// RemoteSurface is a video element in the browser, driven by media frames.
// Play and Reload wait for the browser's ack; everything else is fire and
// forget.
type RemoteSurface struct {
	id      playback.SurfaceID
	send    Sender
	timeout time.Duration

	mu      sync.Mutex
	time    float64
	waiters map[string]chan ClientMediaAck
}

// NewRemoteSurface returns a surface that waits at most ackTimeout for
// acknowledgements.
func NewRemoteSurface(id playback.SurfaceID, send Sender, ackTimeout time.Duration) *RemoteSurface {
	if ackTimeout <= 0 {
		ackTimeout = 3 * time.Second
	}
	return &RemoteSurface{
		id:      id,
		send:    send,
		timeout: ackTimeout,
		waiters: make(map[string]chan ClientMediaAck),
	}
}

// Play implements playback.Surface. A negative ack is the browser rejecting
// autoplay.
func (s *RemoteSurface) Play(ctx context.Context) error {
	return s.await(ctx, OpPlay)
}

// Reload implements playback.Surface.
func (s *RemoteSurface) Reload(ctx context.Context) error {
	return s.await(ctx, OpReload)
}

// Pause implements playback.Surface.
func (s *RemoteSurface) Pause() {
	s.fire(ServerMedia{Op: OpPause})
}

// Seek implements playback.Surface.
func (s *RemoteSurface) Seek(seconds float64) {
	s.mu.Lock()
	s.time = seconds
	s.mu.Unlock()
	s.fire(ServerMedia{Op: OpSeek, Time: &seconds})
}

// CurrentTime returns the last position the browser reported, or the last
// seek.
func (s *RemoteSurface) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.time
}

// SetMuted implements playback.Surface.
func (s *RemoteSurface) SetMuted(muted bool) {
	s.fire(ServerMedia{Op: OpMute, Muted: &muted})
}

// SetVisible implements playback.Surface.
func (s *RemoteSurface) SetVisible(visible bool) {
	s.fire(ServerMedia{Op: OpVisible, Visible: &visible})
}

// Place implements playback.Placer.
func (s *RemoteSurface) Place(r playback.Rect) {
	s.fire(ServerMedia{Op: OpPlace, Rect: &r})
}

// ReportTime records a position reported by the browser.
func (s *RemoteSurface) ReportTime(seconds float64) {
	s.mu.Lock()
	s.time = seconds
	s.mu.Unlock()
}

// Resolve hands ack to the command waiting for it. It reports false for
// unknown or late acks.
func (s *RemoteSurface) Resolve(ack ClientMediaAck) bool {
	s.mu.Lock()
	ch, ok := s.waiters[ack.ID]
	if ok {
		delete(s.waiters, ack.ID)
		if ack.OK {
			s.time = ack.Time
		}
	}
	s.mu.Unlock()
	if ok {
		ch <- ack
	}
	return ok
}

func (s *RemoteSurface) fire(frame ServerMedia) {
	frame.Type = TypeMedia
	frame.Surface = s.id.String()
	// A dead connection is noticed by the read loop.
	_ = s.send.Send(frame)
}

func (s *RemoteSurface) await(ctx context.Context, op string) error {
	id := uuid.NewString()
	ch := make(chan ClientMediaAck, 1)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	if err := s.send.Send(ServerMedia{Type: TypeMedia, ID: id, Surface: s.id.String(), Op: op}); err != nil {
		return fmt.Errorf("visitor: %s %s: %w", s.id, op, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if !ack.OK {
			reason := ack.Error
			if reason == "" {
				reason = "rejected"
			}
			return fmt.Errorf("visitor: %s %s: %s", s.id, op, reason)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("visitor: %s %s: %w", s.id, op, ErrNoAck)
	case <-ctx.Done():
		return ctx.Err()
	}
}
