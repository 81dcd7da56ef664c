package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/device"
)

var errAutoplay = errors.New("NotAllowedError: play() failed")

// stage holds both fake surfaces and records any moment at which both were
// playing.
type stage struct {
	mu         sync.Mutex
	surfaces   []*fakeSurface
	violations int
}

func (s *stage) check() {
	playing := 0
	for _, f := range s.surfaces {
		if f.playing {
			playing++
		}
	}
	if playing > 1 {
		s.violations++
	}
}

type fakeSurface struct {
	stage *stage
	name  string

	playing bool
	muted   bool
	visible bool
	time    float64
	reloads int
	plays   int
	pauses  int
	placed  []Rect

	// rejectUnmuted rejects any unmuted Play, like a strict autoplay policy.
	rejectUnmuted bool
	rejectAll     bool
}

func newStage(n int) (*stage, []*fakeSurface) {
	st := &stage{}
	names := []string{"primary", "pip"}
	for i := 0; i < n; i++ {
		st.surfaces = append(st.surfaces, &fakeSurface{stage: st, name: names[i]})
	}
	return st, st.surfaces
}

func (f *fakeSurface) Play(context.Context) error {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	f.plays++
	if f.rejectAll || (f.rejectUnmuted && !f.muted) {
		return errAutoplay
	}
	f.playing = true
	f.stage.check()
	return nil
}

func (f *fakeSurface) Pause() {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	f.pauses++
	f.playing = false
}

func (f *fakeSurface) Seek(t float64) {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	f.time = t
}

func (f *fakeSurface) CurrentTime() float64 {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	return f.time
}

func (f *fakeSurface) SetMuted(m bool) {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	f.muted = m
}

func (f *fakeSurface) SetVisible(v bool) {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	f.visible = v
}

func (f *fakeSurface) Reload(context.Context) error {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	f.reloads++
	f.playing = false
	f.time = 0
	return nil
}

func (f *fakeSurface) Place(r Rect) {
	f.stage.mu.Lock()
	defer f.stage.mu.Unlock()
	f.placed = append(f.placed, r)
}

var (
	desktop   = device.Class{Form: device.Desktop, OS: device.OtherOS}
	android   = device.Class{Form: device.Mobile, OS: device.Android}
	iosMobile = device.Class{Form: device.Mobile, OS: device.IOS}
)

func newCoordinator(t *testing.T, class device.Class, clk clock.Clock, surfaces []*fakeSurface) *Coordinator {
	t.Helper()
	opts := Opts{
		Primary:        surfaces[0],
		Device:         class,
		Clock:          clk,
		HandoffOffset:  300 * time.Millisecond,
		ResizeDebounce: 250 * time.Millisecond,
		UnmuteDelay:    500 * time.Millisecond,
	}
	if len(surfaces) > 1 {
		opts.PiP = surfaces[1]
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresSurfaces(t *testing.T) {
	_, err := New(Opts{Device: desktop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary surface is required")

	_, s := newStage(1)
	_, err = New(Opts{Primary: s[0], Device: android})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pip surface is required")
}

func TestCoordinator_DesktopPausesOnlyForForm(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(2)
	c := newCoordinator(t, desktop, clock.NewFake(time.Unix(0, 0)), s)
	c.Start(ctx)
	primary, pip := s[0], s[1]
	require.True(t, primary.playing)

	c.Apply(ctx, Directive{ChatOpen: true})
	assert.True(t, primary.playing, "chat alone does not pause desktop video")

	c.Apply(ctx, Directive{ChatOpen: true, FormOpen: true})
	assert.False(t, primary.playing)

	c.Apply(ctx, Directive{ChatOpen: true})
	assert.True(t, primary.playing)

	assert.Equal(t, 0, pip.plays, "pip is never touched on desktop")
	assert.Error(t, c.Activate(ctx, PiP))
	assert.Equal(t, Primary, c.Active())
}

func TestCoordinator_MobileChatHandsOffToPiP(t *testing.T) {
	ctx := context.Background()
	st, s := newStage(2)
	c := newCoordinator(t, android, clock.NewFake(time.Unix(0, 0)), s)
	primary, pip := s[0], s[1]
	c.Start(ctx)
	primary.Seek(12.5)

	c.Apply(ctx, Directive{ChatOpen: true})
	assert.Equal(t, PiP, c.Active())
	assert.False(t, primary.playing)
	assert.True(t, pip.playing)
	assert.True(t, pip.visible)
	assert.InDelta(t, 12.5, pip.time, 0.001)

	pip.Seek(30)
	c.Apply(ctx, Directive{ChatOpen: false})
	assert.Equal(t, Primary, c.Active())
	assert.True(t, primary.playing)
	assert.False(t, pip.playing)
	assert.False(t, pip.visible)
	assert.InDelta(t, 29.7, primary.time, 0.001, "primary resumes slightly before the pip's position")

	assert.Zero(t, st.violations)
}

func TestCoordinator_HandoffOffsetClampsAtZero(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(2)
	c := newCoordinator(t, android, nil, s)
	require.NoError(t, c.Activate(ctx, PiP))
	s[1].Seek(0.1)
	require.NoError(t, c.Activate(ctx, Primary))
	assert.Equal(t, 0.0, s[0].time)
}

func TestCoordinator_FormPausesActiveSurfaceOnMobile(t *testing.T) {
	ctx := context.Background()
	st, s := newStage(2)
	c := newCoordinator(t, android, nil, s)
	c.Start(ctx)

	c.Apply(ctx, Directive{ChatOpen: true, FormOpen: true})
	assert.False(t, s[0].playing)
	assert.False(t, s[1].playing)
	assert.Equal(t, PiP, c.Active())

	c.Apply(ctx, Directive{ChatOpen: true})
	assert.True(t, s[1].playing)
	assert.Zero(t, st.violations)
}

func TestCoordinator_NeverBothPlaying(t *testing.T) {
	ctx := context.Background()
	st, s := newStage(2)
	clk := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(t, android, clk, s)
	s[1].rejectUnmuted = true
	c.Start(ctx)
	c.WarmUp(ctx)

	directives := []Directive{
		{ChatOpen: true}, {ChatOpen: true, FormOpen: true}, {ChatOpen: true},
		{}, {ChatOpen: true}, {}, {}, {ChatOpen: true, FormOpen: true}, {},
	}
	for _, d := range directives {
		c.Apply(ctx, d)
		clk.Advance(100 * time.Millisecond)
		c.SetMuted(!c.Muted())
	}
	require.NoError(t, c.Activate(ctx, PiP))
	require.NoError(t, c.Activate(ctx, Primary))
	assert.Zero(t, st.violations)
}

func TestCoordinator_WarmUp(t *testing.T) {
	ctx := context.Background()
	st, s := newStage(2)
	c := newCoordinator(t, android, nil, s)
	c.Start(ctx)
	primary, pip := s[0], s[1]

	c.WarmUp(ctx)
	assert.Equal(t, 1, pip.plays)
	assert.False(t, pip.playing)
	assert.False(t, pip.muted, "warm-up restores the mute preference")
	assert.True(t, primary.playing)
	assert.Zero(t, st.violations)

	c.WarmUp(ctx)
	assert.Equal(t, 1, pip.plays, "warm-up runs once")
}

func TestCoordinator_WarmUpNoopOnDesktop(t *testing.T) {
	_, s := newStage(1)
	c := newCoordinator(t, desktop, nil, s)
	c.WarmUp(context.Background())
	assert.Equal(t, 0, s[0].plays)
}

func TestCoordinator_MutedFallbackRestoresSound(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(1)
	clk := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(t, desktop, clk, s)
	s[0].rejectUnmuted = true

	c.Start(ctx)
	assert.True(t, s[0].playing)
	assert.True(t, s[0].muted, "fell back to muted playback")
	assert.False(t, c.Muted(), "preference unchanged")

	clk.Advance(499 * time.Millisecond)
	assert.True(t, s[0].muted)
	clk.Advance(time.Millisecond)
	assert.False(t, s[0].muted)
	assert.False(t, c.State(Primary).Muted)
}

func TestCoordinator_MutedFallbackKeepsMutedPreference(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(1)
	clk := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(t, desktop, clk, s)
	c.SetMuted(true)
	s[0].rejectUnmuted = true

	c.Start(ctx)
	clk.Advance(time.Second)
	assert.True(t, s[0].muted)
}

func TestCoordinator_PlayRejectedEvenMuted(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(1)
	c := newCoordinator(t, desktop, nil, s)
	s[0].rejectAll = true

	c.Start(ctx)
	assert.False(t, s[0].playing)
	assert.False(t, c.State(Primary).Playing)
}

func TestCoordinator_SetMutedAppliesToBoth(t *testing.T) {
	_, s := newStage(2)
	c := newCoordinator(t, android, nil, s)
	c.SetMuted(true)
	assert.True(t, s[0].muted)
	assert.True(t, s[1].muted)
	c.SetMuted(false)
	assert.False(t, s[0].muted)
	assert.False(t, s[1].muted)
}

func TestCoordinator_Mirror(t *testing.T) {
	_, s := newStage(2)
	c := newCoordinator(t, android, nil, s)
	s[0].Seek(8)
	require.NoError(t, c.Mirror(Primary, PiP))
	assert.Equal(t, 8.0, s[1].time)
	assert.False(t, s[1].playing)

	_, d := newStage(1)
	dc := newCoordinator(t, desktop, nil, d)
	assert.Error(t, dc.Mirror(Primary, PiP))
}

// Hidden at 42s with sound on an iOS phone; shown again, playback resumes
// at 42s with sound after a forced source reload.
func TestCoordinator_IOSVisibilityReloadRestores(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(2)
	clk := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(t, iosMobile, clk, s)
	primary := s[0]
	c.Start(ctx)
	primary.Seek(42)

	c.HandleVisibilityChange(ctx, true)
	assert.False(t, primary.playing)

	c.HandleVisibilityChange(ctx, false)
	assert.Equal(t, 1, primary.reloads)
	assert.Equal(t, 1, s[1].reloads)
	assert.InDelta(t, 42, primary.time, 0.5)
	assert.True(t, primary.playing)
	assert.False(t, primary.muted)
	assert.False(t, s[1].playing)
}

func TestCoordinator_IOSVisibilityRestoresSoundAfterFallback(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(2)
	clk := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(t, iosMobile, clk, s)
	primary := s[0]
	c.Start(ctx)
	primary.Seek(42)

	c.HandleVisibilityChange(ctx, true)
	primary.rejectUnmuted = true
	c.HandleVisibilityChange(ctx, false)
	assert.True(t, primary.playing)
	assert.True(t, primary.muted)

	primary.rejectUnmuted = false
	clk.Advance(500 * time.Millisecond)
	assert.False(t, primary.muted, "sound restored")
	assert.InDelta(t, 42, primary.time, 0.5)
}

// The chat closes while the phone is in another app: nothing plays in the
// background, and on return the primary picks up from the pip's position.
func TestCoordinator_IOSDirectiveWhileHiddenResumesOnShow(t *testing.T) {
	ctx := context.Background()
	st, s := newStage(2)
	c := newCoordinator(t, iosMobile, clock.NewFake(time.Unix(0, 0)), s)
	primary, pip := s[0], s[1]
	c.Start(ctx)
	primary.Seek(10)

	c.Apply(ctx, Directive{ChatOpen: true})
	require.True(t, pip.playing)
	pip.Seek(42)

	c.HandleVisibilityChange(ctx, true)
	c.Apply(ctx, Directive{ChatOpen: false})
	assert.False(t, primary.playing, "nothing starts while hidden")
	assert.False(t, pip.playing)
	assert.Equal(t, Primary, c.Active())

	c.HandleVisibilityChange(ctx, false)
	assert.Equal(t, Primary, c.Active())
	assert.True(t, primary.playing)
	assert.False(t, pip.playing)
	assert.False(t, pip.visible)
	assert.InDelta(t, 41.7, primary.time, 0.001)
	assert.Zero(t, st.violations)
}

func TestCoordinator_IOSFormWhileHiddenStaysPaused(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(2)
	c := newCoordinator(t, iosMobile, clock.NewFake(time.Unix(0, 0)), s)
	primary := s[0]
	c.Start(ctx)
	primary.Seek(20)

	c.HandleVisibilityChange(ctx, true)
	c.Apply(ctx, Directive{FormOpen: true})
	c.HandleVisibilityChange(ctx, false)
	assert.False(t, primary.playing, "the form keeps the video paused")
	assert.InDelta(t, 20, primary.time, 0.001)

	c.Apply(ctx, Directive{})
	assert.True(t, primary.playing)
}

func TestCoordinator_IOSActivateWhileHidden(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(2)
	c := newCoordinator(t, iosMobile, clock.NewFake(time.Unix(0, 0)), s)
	primary, pip := s[0], s[1]
	primary.Seek(5)
	c.HandleVisibilityChange(ctx, true)

	require.NoError(t, c.Activate(ctx, PiP))
	assert.Zero(t, pip.plays)

	c.HandleVisibilityChange(ctx, false)
	assert.True(t, pip.playing)
	assert.False(t, primary.playing)
	assert.InDelta(t, 5, pip.time, 0.001)
}

func TestCoordinator_VisibilityIgnoredOffIOS(t *testing.T) {
	ctx := context.Background()
	_, s := newStage(2)
	c := newCoordinator(t, android, nil, s)
	c.Start(ctx)
	c.HandleVisibilityChange(ctx, true)
	assert.True(t, s[0].playing)
	c.HandleVisibilityChange(ctx, false)
	assert.Zero(t, s[0].reloads)
}

func TestCoordinator_ResizeIsDebounced(t *testing.T) {
	_, s := newStage(2)
	clk := clock.NewFake(time.Unix(0, 0))
	c := newCoordinator(t, android, clk, s)
	pip := s[1]

	c.HandleOrientationOrResize(device.Viewport{Width: 390, Height: 844})
	clk.Advance(100 * time.Millisecond)
	c.HandleOrientationOrResize(device.Viewport{Width: 844, Height: 390})
	clk.Advance(249 * time.Millisecond)
	assert.Empty(t, pip.placed)
	clk.Advance(time.Millisecond)
	require.Len(t, pip.placed, 1)
	assert.Equal(t, DefaultPiPRect(device.Viewport{Width: 844, Height: 390}), pip.placed[0])
}

func TestDefaultPiPRect(t *testing.T) {
	tests := []struct {
		name string
		vp   device.Viewport
		want Rect
	}{
		{"portrait phone", device.Viewport{Width: 390, Height: 844}, Rect{X: 218, Y: 741, W: 156, H: 87}},
		{"landscape phone", device.Viewport{Width: 844, Height: 390}, Rect{X: 617, Y: 256, W: 211, H: 118}},
		{"tablet", device.Viewport{Width: 1024, Height: 1366}, Rect{X: 768, Y: 1215, W: 240, H: 135}},
		{"tiny", device.Viewport{Width: 100, Height: 60}, Rect{X: 0, Y: 0, W: 100, H: 56}},
		{"empty", device.Viewport{}, Rect{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultPiPRect(tt.vp)
			assert.Equal(t, tt.want, got)
			if tt.vp.Width > 0 {
				assert.LessOrEqual(t, got.X+got.W, tt.vp.Width)
				assert.LessOrEqual(t, got.Y+got.H, tt.vp.Height)
			}
		})
	}
}
