package script

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// defaultMainLoopHz applies when a script omits main_loop_hz.
const defaultMainLoopHz = 30

// Parse decodes and validates a play script. defaultZeroTime (real epoch
// seconds, normally the server start) anchors scripts that omit zero_time.
// A script that parses but violates an invariant is rejected here so the
// main loop can treat an installed script's rates as trusted.
func Parse(body []byte, defaultZeroTime float64) (*Script, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	s := &Script{MainLoopHz: defaultMainLoopHz, ZeroTime: defaultZeroTime}
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}

	if s.MainLoopHz <= 0 {
		return nil, fmt.Errorf("main_loop_hz must be > 0, got %g", s.MainLoopHz)
	}

	for name, screen := range s.Screens {
		if screen.UpdateHz < 0 {
			return nil, fmt.Errorf("screen %q: update_hz must be >= 0, got %g", name, screen.UpdateHz)
		}
		if m := screen.Mode; !m.Zero() && (m.Width <= 0 || m.Height <= 0 || m.Hz <= 0) {
			return nil, fmt.Errorf("screen %q: invalid mode %s", name, m)
		}
		for i, layer := range screen.Layers {
			if layer.Media == "" {
				return nil, fmt.Errorf("screen %q layer %d: media is required", name, i)
			}
			if err := ascendingScalar(layer.Opacity.Knots); err != nil {
				return nil, fmt.Errorf("screen %q layer %d opacity: %w", name, i, err)
			}
			if err := ascendingRect(layer.From.Knots); err != nil {
				return nil, fmt.Errorf("screen %q layer %d from: %w", name, i, err)
			}
			if err := ascendingRect(layer.To.Knots); err != nil {
				return nil, fmt.Errorf("screen %q layer %d to: %w", name, i, err)
			}
		}
	}

	return s, nil
}

func ascendingScalar(knots []ScalarKnot) error {
	for i := 1; i < len(knots); i++ {
		if knots[i].T <= knots[i-1].T {
			return fmt.Errorf("knot times must ascend (t=%g after t=%g)", knots[i].T, knots[i-1].T)
		}
	}
	return nil
}

func ascendingRect(knots []RectKnot) error {
	for i := 1; i < len(knots); i++ {
		if knots[i].T <= knots[i-1].T {
			return fmt.Errorf("knot times must ascend (t=%g after t=%g)", knots[i].T, knots[i-1].T)
		}
	}
	return nil
}
