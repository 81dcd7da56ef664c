package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/device"
	"github.com/zulandar/guidepost/internal/metrics"
)

// Opts configures a Coordinator.
type Opts struct {
	Primary Surface
	// PiP is required when the device class has one and ignored otherwise.
	PiP            Surface
	Device         device.Class
	Clock          clock.Clock
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	HandoffOffset  time.Duration
	ResizeDebounce time.Duration
	UnmuteDelay    time.Duration
	// Muted is the visitor's initial mute preference.
	Muted bool
}

// Coordinator is the MediaPlaybackCoordinator.
type Coordinator struct {
	device   device.Class
	clock    clock.Clock
	log      *logrus.Entry
	metrics  *metrics.Metrics
	offset   float64
	debounce time.Duration
	unmute   time.Duration

	mu          sync.Mutex
	surfaces    [2]Surface
	states      [2]State
	active      SurfaceID
	muted       bool
	warmed      bool
	formPaused  bool
	hidden      *[2]State
	viewport    device.Viewport
	resizeTimer clock.Timer
	unmuteTimer clock.Timer
	resizeEpoch uint64
	unmuteEpoch uint64
}

// New returns a Coordinator with Primary active and nothing playing.
func New(opts Opts) (*Coordinator, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("playback: coordinator: primary surface is required")
	}
	if opts.Device.HasPiP() && opts.PiP == nil {
		return nil, fmt.Errorf("playback: coordinator: pip surface is required on %s", opts.Device)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	c := &Coordinator{
		device:   opts.Device,
		clock:    clock.OrReal(opts.Clock),
		log:      opts.Logger.WithField("device", opts.Device.String()),
		metrics:  opts.Metrics,
		offset:   opts.HandoffOffset.Seconds(),
		debounce: opts.ResizeDebounce,
		unmute:   opts.UnmuteDelay,
		muted:    opts.Muted,
		active:   Primary,
	}
	c.surfaces[Primary] = opts.Primary
	c.states[Primary] = State{Surface: Primary, Muted: opts.Muted, Visible: true}
	if opts.Device.HasPiP() {
		c.surfaces[PiP] = opts.PiP
		c.states[PiP] = State{Surface: PiP, Muted: opts.Muted}
		opts.PiP.SetVisible(false)
	}
	opts.Primary.SetVisible(true)
	return c, nil
}

// Start begins playback on the primary surface.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyMuteLocked()
	c.safePlayLocked(ctx, c.active)
}

// Active returns the surface currently allowed to play.
func (c *Coordinator) Active() SurfaceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Muted returns the visitor's mute preference.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// State returns the tracked state of surface id, with its current time read
// from the surface.
func (c *Coordinator) State(id SurfaceID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[id]
	if s := c.surfaces[id]; s != nil {
		st.CurrentTime = s.CurrentTime()
	}
	return st
}

// Activate hands playback to surface id. The other surface is paused before
// id starts, and id picks up where the other left off.
func (c *Coordinator) Activate(ctx context.Context, id SurfaceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSurfaceLocked(id); err != nil {
		return err
	}
	if c.hidden != nil {
		c.retargetHiddenLocked(id)
		c.hidden[id].Playing = true
		return nil
	}
	c.switchLocked(id)
	c.safePlayLocked(ctx, id)
	return nil
}

// Mirror copies position and mute state from one surface to the other
// without starting playback.
func (c *Coordinator) Mirror(from, to SurfaceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSurfaceLocked(from); err != nil {
		return err
	}
	if err := c.checkSurfaceLocked(to); err != nil {
		return err
	}
	c.mirrorLocked(from, to, 0)
	return nil
}

// SetMuted sets the visitor's mute preference on both surfaces.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	c.stopUnmuteLocked()
	c.applyMuteLocked()
}

// Apply brings playback in line with a conversation directive. On devices
// with a PiP, an open chat plays the PiP and a closed one the primary. The
// blocking form pauses whichever surface is active. While the tab is hidden
// only the captured state changes; playback follows on show.
func (c *Coordinator) Apply(ctx context.Context, d Directive) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := Primary
	if c.device.HasPiP() && d.ChatOpen {
		target = PiP
	}
	if c.hidden != nil {
		c.retargetHiddenLocked(target)
		switch {
		case !d.FormOpen:
			c.formPaused = false
			c.hidden[target].Playing = true
		case c.hidden[target].Playing:
			c.hidden[target].Playing = false
			c.formPaused = true
		}
		return
	}
	if target != c.active {
		c.switchLocked(target)
	}
	if d.FormOpen {
		if c.states[target].Playing {
			c.pauseLocked(target)
			c.formPaused = true
		}
		return
	}
	if c.formPaused || !c.states[target].Playing {
		c.formPaused = false
		c.safePlayLocked(ctx, target)
	}
}

// WarmUp plays and immediately pauses the PiP, muted, so the runtime allows
// it to play later. It runs once, on the first visitor interaction; the
// primary is paused for the duration so the two never play together.
func (c *Coordinator) WarmUp(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warmed || !c.device.HasPiP() {
		return
	}
	c.warmed = true
	if c.active == PiP {
		return
	}
	pip := c.surfaces[PiP]
	primaryPlaying := c.states[Primary].Playing
	if primaryPlaying {
		c.pauseLocked(Primary)
	}
	pip.SetMuted(true)
	if err := pip.Play(ctx); err != nil {
		c.log.WithError(err).Debug("playback: pip warm-up rejected")
	} else {
		pip.Pause()
	}
	pip.SetMuted(c.muted)
	if primaryPlaying {
		c.safePlayLocked(ctx, Primary)
	}
}

// HandleVisibilityChange captures state and pauses when the tab is hidden,
// and reloads and restores it when shown. It only acts on device classes
// that corrupt decode state in the background.
func (c *Coordinator) HandleVisibilityChange(ctx context.Context, hidden bool) {
	if !c.device.NeedsReloadOnResume() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if hidden {
		if c.hidden != nil {
			return
		}
		var snap [2]State
		for _, id := range c.idsLocked() {
			st := c.states[id]
			st.CurrentTime = c.surfaces[id].CurrentTime()
			snap[id] = st
		}
		c.hidden = &snap
		c.stopUnmuteLocked()
		for _, id := range c.idsLocked() {
			if c.states[id].Playing {
				c.pauseLocked(id)
			}
		}
		return
	}
	if c.hidden == nil {
		return
	}
	snap := *c.hidden
	c.hidden = nil
	var resume []SurfaceID
	for _, id := range c.idsLocked() {
		s := c.surfaces[id]
		if err := s.Reload(ctx); err != nil {
			c.log.WithError(err).WithField("surface", id.String()).Warn("playback: source reload failed")
			continue
		}
		c.metrics.SourceReload()
		s.Seek(snap[id].CurrentTime)
		s.SetMuted(snap[id].Muted)
		c.states[id].Muted = snap[id].Muted
		if snap[id].Playing {
			resume = append(resume, id)
		}
	}
	for _, id := range resume {
		if id == c.active {
			c.safePlayLocked(ctx, id)
		}
	}
}

// HandleOrientationOrResize records the new viewport and, after the
// debounce, moves the PiP to its default position for it.
func (c *Coordinator) HandleOrientationOrResize(vp device.Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport = vp
	if !c.device.HasPiP() {
		return
	}
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
	}
	c.resizeEpoch++
	epoch := c.resizeEpoch
	c.resizeTimer = c.clock.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch != c.resizeEpoch {
			return
		}
		c.resizeTimer = nil
		if p, ok := c.surfaces[PiP].(Placer); ok {
			p.Place(DefaultPiPRect(c.viewport))
		}
	})
}

// Close stops pending timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizeEpoch++
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
		c.resizeTimer = nil
	}
	c.stopUnmuteLocked()
}

func (c *Coordinator) checkSurfaceLocked(id SurfaceID) error {
	if id != Primary && id != PiP {
		return fmt.Errorf("playback: unknown surface %d", int(id))
	}
	if c.surfaces[id] == nil {
		return fmt.Errorf("playback: no %s surface on %s", id, c.device)
	}
	return nil
}

func (c *Coordinator) idsLocked() []SurfaceID {
	if c.surfaces[PiP] == nil {
		return []SurfaceID{Primary}
	}
	return []SurfaceID{Primary, PiP}
}

// switchLocked pauses the active surface, syncs id to it, and makes id the
// visible active surface. It does not start playback.
func (c *Coordinator) switchLocked(id SurfaceID) {
	from := c.active
	if from == id {
		return
	}
	if c.states[from].Playing {
		c.pauseLocked(from)
	}
	c.stopUnmuteLocked()
	var back float64
	if id == Primary {
		back = c.offset
	}
	c.mirrorLocked(from, id, back)
	c.setVisibleLocked(id, true)
	if from == PiP {
		c.setVisibleLocked(PiP, false)
	}
	c.active = id
	c.log.WithFields(logrus.Fields{"from": from.String(), "to": id.String()}).Debug("playback: surface switched")
}

// retargetHiddenLocked makes id active while the tab is hidden. The
// captured state moves position and playing intent over to id as a switch
// would; the surfaces themselves stay paused until shown.
func (c *Coordinator) retargetHiddenLocked(id SurfaceID) {
	from := c.active
	if from == id {
		return
	}
	snap := c.hidden
	t := snap[from].CurrentTime
	if id == Primary {
		t -= c.offset
	}
	if t < 0 {
		t = 0
	}
	snap[id].CurrentTime = t
	snap[id].Muted = c.muted
	snap[id].Playing = snap[from].Playing
	snap[from].Playing = false
	c.states[id].CurrentTime = t
	c.setVisibleLocked(id, true)
	if from == PiP {
		c.setVisibleLocked(PiP, false)
	}
	c.active = id
	c.log.WithFields(logrus.Fields{"from": from.String(), "to": id.String()}).Debug("playback: surface switched while hidden")
}

func (c *Coordinator) mirrorLocked(from, to SurfaceID, back float64) {
	t := c.surfaces[from].CurrentTime() - back
	if t < 0 {
		t = 0
	}
	c.surfaces[to].Seek(t)
	c.surfaces[to].SetMuted(c.muted)
	c.states[to].Muted = c.muted
	c.states[to].CurrentTime = t
}

func (c *Coordinator) setVisibleLocked(id SurfaceID, v bool) {
	c.surfaces[id].SetVisible(v)
	c.states[id].Visible = v
}

func (c *Coordinator) pauseLocked(id SurfaceID) {
	c.surfaces[id].Pause()
	c.states[id].Playing = false
}

func (c *Coordinator) applyMuteLocked() {
	for _, id := range c.idsLocked() {
		c.surfaces[id].SetMuted(c.muted)
		c.states[id].Muted = c.muted
	}
}

func (c *Coordinator) stopUnmuteLocked() {
	c.unmuteEpoch++
	if c.unmuteTimer != nil {
		c.unmuteTimer.Stop()
		c.unmuteTimer = nil
	}
}

// safePlayLocked plays id. A rejected attempt is retried muted, and the
// visitor's unmuted preference is restored shortly after playback starts.
// Failures are logged, never returned.
func (c *Coordinator) safePlayLocked(ctx context.Context, id SurfaceID) {
	if id != c.active {
		return
	}
	for _, other := range c.idsLocked() {
		if other != id && c.states[other].Playing {
			c.pauseLocked(other)
		}
	}
	s := c.surfaces[id]
	log := c.log.WithField("surface", id.String())
	err := s.Play(ctx)
	if err == nil {
		c.states[id].Playing = true
		return
	}
	log.WithError(err).Debug("playback: play rejected, retrying muted")
	c.metrics.MutedFallback()
	s.SetMuted(true)
	c.states[id].Muted = true
	if err := s.Play(ctx); err != nil {
		log.WithError(err).Info("playback: muted play rejected")
		c.states[id].Playing = false
		return
	}
	c.states[id].Playing = true
	if c.muted {
		return
	}
	c.stopUnmuteLocked()
	epoch := c.unmuteEpoch
	c.unmuteTimer = c.clock.AfterFunc(c.unmute, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch != c.unmuteEpoch || c.active != id || !c.states[id].Playing || c.muted {
			return
		}
		c.unmuteTimer = nil
		c.surfaces[id].SetMuted(false)
		c.states[id].Muted = false
	})
}
