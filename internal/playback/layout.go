package playback

import "github.com/zulandar/guidepost/internal/device"

const (
	pipMargin   = 16
	pipMinWidth = 120
	pipMaxWidth = 240
)

// DefaultPiPRect returns the PiP's resting place for vp: the bottom-right
// corner, 16:9, about two fifths of the short side wide, clamped to vp.
func DefaultPiPRect(vp device.Viewport) Rect {
	if vp.Width <= 0 || vp.Height <= 0 {
		return Rect{}
	}
	w := vp.ShortSide() * 2 / 5
	if vp.Landscape() {
		w = vp.Width / 4
	}
	w = clamp(w, pipMinWidth, pipMaxWidth)
	if w > vp.Width {
		w = vp.Width
	}
	h := w * 9 / 16
	if h > vp.Height {
		h = vp.Height
		w = h * 16 / 9
	}
	x := clamp(vp.Width-w-pipMargin, 0, vp.Width-w)
	y := clamp(vp.Height-h-pipMargin, 0, vp.Height-h)
	return Rect{X: x, Y: y, W: w, H: h}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
