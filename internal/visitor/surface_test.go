package visitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/guidepost/internal/playback"
)

// captureSender records media frames and optionally answers play and reload
// commands through the surface.
type captureSender struct {
	mu      sync.Mutex
	frames  []ServerMedia
	surface *RemoteSurface
	ack     *ClientMediaAck
	err     error
}

func (c *captureSender) Send(frame any) error {
	m := frame.(ServerMedia)
	c.mu.Lock()
	c.frames = append(c.frames, m)
	surface, ack, err := c.surface, c.ack, c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if surface != nil && ack != nil && m.ID != "" {
		a := *ack
		a.ID = m.ID
		surface.Resolve(a)
	}
	return nil
}

func (c *captureSender) last() ServerMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return ServerMedia{}
	}
	return c.frames[len(c.frames)-1]
}

func newCaptured(ack *ClientMediaAck, timeout time.Duration) (*RemoteSurface, *captureSender) {
	send := &captureSender{ack: ack}
	s := NewRemoteSurface(playback.PiP, send, timeout)
	send.surface = s
	return s, send
}

func TestRemoteSurface_PlayAcked(t *testing.T) {
	s, send := newCaptured(&ClientMediaAck{OK: true, Time: 12.5}, time.Second)

	require.NoError(t, s.Play(context.Background()))
	frame := send.last()
	assert.Equal(t, TypeMedia, frame.Type)
	assert.Equal(t, "pip", frame.Surface)
	assert.Equal(t, OpPlay, frame.Op)
	assert.NotEmpty(t, frame.ID)
	assert.Equal(t, 12.5, s.CurrentTime())
}

func TestRemoteSurface_PlayRejected(t *testing.T) {
	s, _ := newCaptured(&ClientMediaAck{OK: false, Error: "NotAllowedError"}, time.Second)

	err := s.Play(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotAllowedError")
	assert.Contains(t, err.Error(), "pip play")
}

func TestRemoteSurface_ReloadWithoutAckTimesOut(t *testing.T) {
	s, send := newCaptured(nil, 10*time.Millisecond)

	err := s.Reload(context.Background())
	require.ErrorIs(t, err, ErrNoAck)
	assert.Equal(t, OpReload, send.last().Op)
	assert.False(t, s.Resolve(ClientMediaAck{ID: send.last().ID, OK: true}), "late ack should be dropped")
}

func TestRemoteSurface_PlayHonoursContext(t *testing.T) {
	s, _ := newCaptured(nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.Play(ctx), context.Canceled)
}

func TestRemoteSurface_SendError(t *testing.T) {
	s, send := newCaptured(nil, time.Second)
	send.err = errors.New("socket gone")

	err := s.Play(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket gone")
}

func TestRemoteSurface_FireAndForgetCommands(t *testing.T) {
	s, send := newCaptured(nil, time.Second)

	s.Seek(42)
	assert.Equal(t, 42.0, s.CurrentTime())
	frame := send.last()
	require.NotNil(t, frame.Time)
	assert.Equal(t, OpSeek, frame.Op)
	assert.Equal(t, 42.0, *frame.Time)
	assert.Empty(t, frame.ID)

	s.SetMuted(true)
	require.NotNil(t, send.last().Muted)
	assert.True(t, *send.last().Muted)

	s.SetVisible(false)
	require.NotNil(t, send.last().Visible)
	assert.False(t, *send.last().Visible)

	s.Place(playback.Rect{X: 10, Y: 20, W: 160, H: 90})
	require.NotNil(t, send.last().Rect)
	assert.Equal(t, 160, send.last().Rect.W)

	s.Pause()
	assert.Equal(t, OpPause, send.last().Op)
}

func TestRemoteSurface_ReportTime(t *testing.T) {
	s, _ := newCaptured(nil, time.Second)
	s.ReportTime(7.25)
	assert.Equal(t, 7.25, s.CurrentTime())
}

func TestRemoteSurface_UnknownAck(t *testing.T) {
	s, _ := newCaptured(nil, time.Second)
	assert.False(t, s.Resolve(ClientMediaAck{ID: "nope", OK: true}))
}
