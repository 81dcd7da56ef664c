// Package playback arbitrates the two video surfaces, the full-screen
// primary player and the floating picture-in-picture mirror. Only the
// Coordinator plays or pauses a surface; at most one surface plays at any
// time, and the idle one keeps its position and mute state so a handoff
// does not restart the video.
package playback

import (
	"context"
	"fmt"
)

// SurfaceID names one of the two surfaces.
type SurfaceID int

const (
	Primary SurfaceID = iota
	PiP
)

func (s SurfaceID) String() string {
	switch s {
	case Primary:
		return "primary"
	case PiP:
		return "pip"
	}
	return fmt.Sprintf("surface(%d)", int(s))
}

// Surface is one video element.
type Surface interface {
	// Play starts playback. It fails when the runtime rejects autoplay.
	Play(ctx context.Context) error
	Pause()
	Seek(seconds float64)
	CurrentTime() float64
	SetMuted(muted bool)
	SetVisible(visible bool)
	// Reload detaches and reattaches the media source.
	Reload(ctx context.Context) error
}

// Placer is implemented by surfaces that can be positioned on screen.
type Placer interface {
	Place(r Rect)
}

// Rect is a screen rectangle in CSS pixels.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// State is the coordinator's view of one surface.
type State struct {
	Surface     SurfaceID `json:"surface"`
	Playing     bool      `json:"playing"`
	Muted       bool      `json:"muted"`
	CurrentTime float64   `json:"current_time"`
	Visible     bool      `json:"visible"`
}

// Directive is what the conversation state machine asks of playback after
// every transition.
type Directive struct {
	// ChatOpen is true while any chat view is on screen.
	ChatOpen bool `json:"chat_open"`
	// FormOpen is true while the blocking identity form is on screen.
	FormOpen bool `json:"form_open"`
}
