package script

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/framecast/framecast/internal/display"
)

// Script is a declarative playback program: per-screen stacks of layered
// media with time-varying geometry, anchored at ZeroTime. The core only
// reads MainLoopHz; everything else is the runner's business.
type Script struct {
	// MainLoopHz is the tick rate of the main loop while this script is
	// installed. Always > 0 after Parse.
	MainLoopHz float64 `json:"main_loop_hz"`

	// ZeroTime anchors script time zero in real epoch seconds. Filled
	// with the server's default when the script omits it.
	ZeroTime float64 `json:"zero_time"`

	// Screens maps connector names to their play programs.
	Screens map[string]Screen `json:"screens"`
}

// Screen is the play program for one connector.
type Screen struct {
	// Mode requests a display mode; zero means the connector's active mode.
	Mode display.Mode `json:"mode"`

	// UpdateHz is the timeline sampling rate; zero means the mode's
	// refresh rate.
	UpdateHz float64 `json:"update_hz"`

	// Layers are composited bottom to top.
	Layers []Layer `json:"layers"`
}

// Layer places one media item on a screen with animated geometry.
type Layer struct {
	// Media is the file path relative to the media root.
	Media string `json:"media"`

	// From selects the source region; empty means the whole frame.
	From RectCurve `json:"from"`

	// To places the layer on screen; empty means the whole screen.
	To RectCurve `json:"to"`

	// Opacity animates layer opacity; empty means fully opaque.
	Opacity ScalarCurve `json:"opacity"`
}

// ScalarKnot is one point of a piecewise-linear scalar curve.
type ScalarKnot struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// ScalarCurve is a scalar of script time: either a constant or
// piecewise-linear knots with ascending times. In JSON a constant is a
// bare number; knots are an array of {t, v}.
type ScalarCurve struct {
	Knots []ScalarKnot
}

// UnmarshalJSON accepts a bare number or a knot array.
func (c *ScalarCurve) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		c.Knots = []ScalarKnot{{V: v}}
		return nil
	}
	var knots []ScalarKnot
	if err := json.Unmarshal(data, &knots); err != nil {
		return fmt.Errorf("scalar curve must be a number or knot array: %w", err)
	}
	c.Knots = knots
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (c ScalarCurve) MarshalJSON() ([]byte, error) {
	if len(c.Knots) == 1 && c.Knots[0].T == 0 {
		return json.Marshal(c.Knots[0].V)
	}
	return json.Marshal(c.Knots)
}

// Empty reports whether the curve has no knots.
func (c ScalarCurve) Empty() bool { return len(c.Knots) == 0 }

// At evaluates the curve at script time t, clamping outside the knot
// range. def is returned for an empty curve.
func (c ScalarCurve) At(t, def float64) float64 {
	k := c.Knots
	if len(k) == 0 {
		return def
	}
	if t <= k[0].T {
		return k[0].V
	}
	if t >= k[len(k)-1].T {
		return k[len(k)-1].V
	}
	i := sort.Search(len(k), func(j int) bool { return k[j].T > t }) - 1
	a, b := k[i], k[i+1]
	frac := (t - a.T) / (b.T - a.T)
	return a.V + (b.V-a.V)*frac
}

// RectKnot is one point of a piecewise-linear rectangle curve.
type RectKnot struct {
	T float64 `json:"t"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// RectCurve is a rectangle of script time, interpolated componentwise.
// In JSON a constant is a bare {x, y, w, h} object; knots are an array
// of {t, x, y, w, h}.
type RectCurve struct {
	Knots []RectKnot
}

// UnmarshalJSON accepts a bare rectangle or a knot array.
func (c *RectCurve) UnmarshalJSON(data []byte) error {
	var knots []RectKnot
	if err := json.Unmarshal(data, &knots); err == nil {
		c.Knots = knots
		return nil
	}
	var k RectKnot
	if err := json.Unmarshal(data, &k); err != nil {
		return fmt.Errorf("rect curve must be a rectangle or knot array: %w", err)
	}
	c.Knots = []RectKnot{k}
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (c RectCurve) MarshalJSON() ([]byte, error) {
	if len(c.Knots) == 1 && c.Knots[0].T == 0 {
		k := c.Knots[0]
		return json.Marshal(map[string]float64{"x": k.X, "y": k.Y, "w": k.W, "h": k.H})
	}
	return json.Marshal(c.Knots)
}

// Empty reports whether the curve has no knots.
func (c RectCurve) Empty() bool { return len(c.Knots) == 0 }

// At evaluates the curve at script time t, clamping outside the knot
// range. def is returned for an empty curve.
func (c RectCurve) At(t float64, def display.Rect) display.Rect {
	k := c.Knots
	if len(k) == 0 {
		return def
	}
	lerp := func(a, b RectKnot, frac float64) display.Rect {
		return display.Rect{
			X: a.X + (b.X-a.X)*frac,
			Y: a.Y + (b.Y-a.Y)*frac,
			W: a.W + (b.W-a.W)*frac,
			H: a.H + (b.H-a.H)*frac,
		}
	}
	if t <= k[0].T {
		return lerp(k[0], k[0], 0)
	}
	if t >= k[len(k)-1].T {
		last := k[len(k)-1]
		return lerp(last, last, 0)
	}
	i := sort.Search(len(k), func(j int) bool { return k[j].T > t }) - 1
	a, b := k[i], k[i+1]
	return lerp(a, b, (t-a.T)/(b.T-a.T))
}
