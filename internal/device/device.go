// Package device classifies the visitor's runtime into a form factor and an
// operating-system family. Every component that branches on device behavior
// consumes the resulting Class instead of re-deriving it from raw viewport
// or user-agent data.
package device

import (
	"fmt"
	"strings"
)

// Form is the visitor's form factor.
type Form int

const (
	Desktop Form = iota
	Tablet
	Mobile
)

func (f Form) String() string {
	switch f {
	case Desktop:
		return "desktop"
	case Tablet:
		return "tablet"
	case Mobile:
		return "mobile"
	}
	return fmt.Sprintf("form(%d)", int(f))
}

// OS is the operating-system family.
type OS int

const (
	OtherOS OS = iota
	IOS
	Android
)

func (o OS) String() string {
	switch o {
	case IOS:
		return "ios"
	case Android:
		return "android"
	case OtherOS:
		return "other"
	}
	return fmt.Sprintf("os(%d)", int(o))
}

// Breakpoints in CSS pixels.
const (
	MobileMaxWidth = 767
	TabletMaxWidth = 1024
)

// Viewport is the reported layout viewport.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Landscape reports whether the viewport is wider than tall.
func (v Viewport) Landscape() bool { return v.Width > v.Height }

// ShortSide returns the smaller viewport dimension.
func (v Viewport) ShortSide() int {
	if v.Width < v.Height {
		return v.Width
	}
	return v.Height
}

// Signals is everything the classifier looks at.
type Signals struct {
	Viewport       Viewport `json:"viewport"`
	UserAgent      string   `json:"user_agent"`
	MaxTouchPoints int      `json:"max_touch_points"`
}

// Class is the classification result.
type Class struct {
	Form Form
	OS   OS
}

func (c Class) String() string { return c.Form.String() + "/" + c.OS.String() }

// HasPiP reports whether the picture-in-picture surface exists.
func (c Class) HasPiP() bool { return c.Form != Desktop }

// AutoOpensAIChat reports whether AI chat opens without an explicit tap.
func (c Class) AutoOpensAIChat() bool { return c.Form == Desktop }

// NeedsReloadOnResume reports whether media sources must be reattached after
// the tab returns from the background.
func (c Class) NeedsReloadOnResume() bool { return c.OS == IOS }

// Classify derives a Class from the given signals.
//
// iPadOS reports a desktop Safari agent, so a "Macintosh" agent with more
// than one touch point is treated as iOS. A viewport narrower than the
// mobile breakpoint is always Mobile; phones rotated to landscape are caught
// by their short side.
func Classify(s Signals) Class {
	ua := strings.ToLower(s.UserAgent)
	c := Class{OS: classifyOS(ua, s.MaxTouchPoints)}

	touch := s.MaxTouchPoints > 0 || c.OS != OtherOS
	width := s.Viewport.Width
	switch {
	case width > 0 && width <= MobileMaxWidth:
		c.Form = Mobile
	case touch && s.Viewport.ShortSide() > 0 && s.Viewport.ShortSide() <= MobileMaxWidth/2+100 && isPhoneAgent(ua, c.OS):
		c.Form = Mobile
	case touch && width <= TabletMaxWidth:
		c.Form = Tablet
	case c.OS == IOS && strings.Contains(ua, "ipad"), c.OS == IOS && strings.Contains(ua, "macintosh"):
		c.Form = Tablet
	case c.OS == Android && !strings.Contains(ua, "mobile"):
		c.Form = Tablet
	default:
		c.Form = Desktop
	}
	return c
}

func classifyOS(ua string, touchPoints int) OS {
	switch {
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return IOS
	case strings.Contains(ua, "macintosh") && touchPoints > 1:
		return IOS
	case strings.Contains(ua, "android"):
		return Android
	}
	return OtherOS
}

func isPhoneAgent(ua string, os OS) bool {
	switch os {
	case IOS:
		return strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod")
	case Android:
		return strings.Contains(ua, "mobile")
	}
	return false
}
