package script

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/framecast/framecast/internal/clock"
	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/media"
)

type recordingDriver struct {
	screens []display.Screen

	mu      sync.Mutex
	updates []display.Atom
}

func (d *recordingDriver) ScanScreens() ([]display.Screen, error) {
	return d.screens, nil
}

func (d *recordingDriver) Update(connectorID uint32, mode display.Mode, atom display.Atom) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, atom)
	return nil
}

func (d *recordingDriver) UpdateDoneYet(connectorID uint32) (bool, error) { return true, nil }

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) submissions() []display.Atom {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]display.Atom, len(d.updates))
	copy(out, d.updates)
	return out
}

type stubSource struct {
	frames map[string]*display.Frame
}

func (s *stubSource) FileInfo(path string) (media.Info, error) {
	if _, ok := s.frames[path]; !ok {
		return media.Info{}, media.ErrNotFound
	}
	return media.Info{Filename: path, ContainerType: "png"}, nil
}

func (s *stubSource) Frame(path string) (*display.Frame, error) {
	f, ok := s.frames[path]
	if !ok {
		return nil, media.ErrNotFound
	}
	return f, nil
}

func (s *stubSource) Close() error { return nil }

func testFrame(w, h int) *display.Frame {
	return display.NewFrame(image.NewRGBA(image.Rect(0, 0, w, h)), nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func settle() {
	time.Sleep(50 * time.Millisecond)
}

// newTestRunner returns a runner over one connector, with the simulated
// clock already away from its zero sentinel.
func newTestRunner(t *testing.T, drv *recordingDriver, src media.Source) (*clock.SimClock, *Runner) {
	t.Helper()
	clk := clock.NewSimClock(time.Unix(1000, 0))
	clk.Advance(time.Second)
	r, err := NewRunner(clk, drv, src)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return clk, r
}

func oneScreenDriver() *recordingDriver {
	return &recordingDriver{screens: []display.Screen{{
		ID:         7,
		Connector:  "HDMI-1",
		Detected:   true,
		ActiveMode: display.Mode{Width: 640, Height: 480, Hz: 60},
		Modes:      []display.Mode{{Width: 640, Height: 480, Hz: 60}},
	}}}
}

// parseTest parses a script body anchored so that script time zero is
// the runner's current tick.
func parseTest(t *testing.T, body string) *Script {
	t.Helper()
	s, err := Parse([]byte(body), 1001) // Unix(1000)+1s of sim advance
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return s
}

// TestRunnerBindsAndPlays: an Update binds the named connector and the
// first due atom reaches the driver with the layer's frame.
func TestRunnerBindsAndPlays(t *testing.T) {
	drv := oneScreenDriver()
	f := testFrame(100, 50)
	src := &stubSource{frames: map[string]*display.Frame{"a.png": f}}
	clk, r := newTestRunner(t, drv, src)

	s := parseTest(t, `{"main_loop_hz": 10, "screens": {
		"HDMI-1": {"update_hz": 20, "layers": [{"media": "a.png"}]}
	}}`)
	r.Update(s)

	waitFor(t, "first submission", func() bool { return len(drv.submissions()) >= 1 })
	subs := drv.submissions()
	if len(subs[0].Layers) != 1 || subs[0].Layers[0].Frame != f {
		t.Fatal("submitted atom does not carry the layer frame")
	}
	// Defaults: source rect covers the frame, dest rect covers the mode.
	l := subs[0].Layers[0]
	if l.From != (display.Rect{W: 100, H: 50}) {
		t.Errorf("From = %v", l.From)
	}
	if l.To != (display.Rect{W: 640, H: 480}) {
		t.Errorf("To = %v", l.To)
	}

	if got, ok := r.LastShown("HDMI-1"); !ok || got != clock.MonoTime(time.Second) {
		t.Errorf("LastShown = (%v, %v)", time.Duration(got), ok)
	}

	// The 20Hz grid keeps delivering as time advances.
	clk.Advance(50 * time.Millisecond)
	waitFor(t, "second submission", func() bool { return len(drv.submissions()) >= 2 })
}

// TestRunnerUnknownScreen: scripts naming absent connectors are skipped
// without binding a player.
func TestRunnerUnknownScreen(t *testing.T) {
	drv := oneScreenDriver()
	src := &stubSource{frames: map[string]*display.Frame{}}
	_, r := newTestRunner(t, drv, src)

	s := parseTest(t, `{"screens": {"DP-9": {"layers": [{"media": "a.png"}]}}}`)
	r.Update(s)
	settle()

	if got := len(r.Status()); got != 0 {
		t.Errorf("bound %d players for an unknown connector", got)
	}
	if _, ok := r.LastShown("DP-9"); ok {
		t.Error("LastShown found a player that should not exist")
	}
}

// TestRunnerMissingMedia: a layer whose media cannot load is dropped;
// the screen still gets atoms (blank) on its grid.
func TestRunnerMissingMedia(t *testing.T) {
	drv := oneScreenDriver()
	src := &stubSource{frames: map[string]*display.Frame{}}
	_, r := newTestRunner(t, drv, src)

	s := parseTest(t, `{"main_loop_hz": 10, "screens": {
		"HDMI-1": {"update_hz": 20, "layers": [{"media": "gone.png"}]}
	}}`)
	r.Update(s)

	waitFor(t, "blank atom", func() bool { return len(drv.submissions()) >= 1 })
	if got := drv.submissions()[0].Layers; len(got) != 0 {
		t.Errorf("expected layerless atom, got %d layers", len(got))
	}
}

// TestRunnerZeroOpacityLayerDropped: fully transparent layers never
// reach the driver.
func TestRunnerZeroOpacityLayerDropped(t *testing.T) {
	drv := oneScreenDriver()
	src := &stubSource{frames: map[string]*display.Frame{"a.png": testFrame(8, 8)}}
	_, r := newTestRunner(t, drv, src)

	s := parseTest(t, `{"main_loop_hz": 10, "screens": {
		"HDMI-1": {"update_hz": 20, "layers": [{"media": "a.png", "opacity": 0}]}
	}}`)
	r.Update(s)

	waitFor(t, "atom", func() bool { return len(drv.submissions()) >= 1 })
	if got := drv.submissions()[0].Layers; len(got) != 0 {
		t.Errorf("opacity-0 layer submitted: %d layers", len(got))
	}
}

// TestRunnerWithdrawnScreen: when a new script drops a screen, its
// player idles on an empty timeline.
func TestRunnerWithdrawnScreen(t *testing.T) {
	drv := oneScreenDriver()
	src := &stubSource{frames: map[string]*display.Frame{"a.png": testFrame(8, 8)}}
	clk, r := newTestRunner(t, drv, src)

	s1 := parseTest(t, `{"main_loop_hz": 10, "screens": {
		"HDMI-1": {"update_hz": 20, "layers": [{"media": "a.png"}]}
	}}`)
	r.Update(s1)
	waitFor(t, "playback", func() bool { return len(drv.submissions()) >= 1 })

	s2 := parseTest(t, `{"main_loop_hz": 10, "screens": {}}`)
	r.Update(s2)
	settle()
	before := len(drv.submissions())

	clk.Advance(500 * time.Millisecond)
	settle()
	if got := len(drv.submissions()); got != before {
		t.Errorf("withdrawn screen kept submitting: %d -> %d", before, got)
	}
}

// TestRunnerIdempotentUpdate: re-running Update with the same script and
// no time passed leaves the published deadline grid unchanged, so the
// players see a same-keys replacement.
func TestRunnerIdempotentUpdate(t *testing.T) {
	drv := oneScreenDriver()
	src := &stubSource{frames: map[string]*display.Frame{"a.png": testFrame(8, 8)}}
	_, r := newTestRunner(t, drv, src)

	s := parseTest(t, `{"main_loop_hz": 10, "screens": {
		"HDMI-1": {"update_hz": 20, "layers": [{"media": "a.png"}]}
	}}`)
	r.Update(s)
	waitFor(t, "playback", func() bool { return len(drv.submissions()) >= 1 })
	r.Update(s)
	settle()

	// The duplicate publish must not re-submit an already-shown atom.
	if subs := drv.submissions(); len(subs) > 2 {
		t.Errorf("duplicate Update caused a burst of %d submissions", len(subs))
	}

	shown, ok := r.LastShown("HDMI-1")
	if !ok || shown == 0 {
		t.Fatal("no realized atom after two Updates")
	}
	st, ok := r.Status()["HDMI-1"]
	if !ok {
		t.Fatal("status missing the bound screen")
	}
	if st.LastShown != shown.Seconds() {
		t.Errorf("status last_shown = %g, want %g", st.LastShown, shown.Seconds())
	}
}

// TestRunnerFileInfoDelegates: the probe passes through the source.
func TestRunnerFileInfoDelegates(t *testing.T) {
	drv := oneScreenDriver()
	src := &stubSource{frames: map[string]*display.Frame{"a.png": testFrame(8, 8)}}
	_, r := newTestRunner(t, drv, src)

	if _, err := r.FileInfo("a.png"); err != nil {
		t.Errorf("FileInfo(a.png): %v", err)
	}
	if _, err := r.FileInfo("missing.png"); !errors.Is(err, media.ErrNotFound) {
		t.Errorf("FileInfo(missing.png) = %v, want ErrNotFound", err)
	}
}

// TestRunnerAnimatedGeometry: a layer's destination follows its curve
// across the sampled timeline.
func TestRunnerAnimatedGeometry(t *testing.T) {
	drv := oneScreenDriver()
	src := &stubSource{frames: map[string]*display.Frame{"a.png": testFrame(8, 8)}}
	clk, r := newTestRunner(t, drv, src)

	s := parseTest(t, `{"main_loop_hz": 10, "screens": {
		"HDMI-1": {"update_hz": 10, "layers": [{
			"media": "a.png",
			"to": [
				{"t": 0, "x": 0, "y": 0, "w": 100, "h": 100},
				{"t": 1, "x": 100, "y": 0, "w": 100, "h": 100}
			]
		}]}
	}}`)
	r.Update(s)
	waitFor(t, "first atom", func() bool { return len(drv.submissions()) >= 1 })
	if got := drv.submissions()[0].Layers[0].To.X; got != 0 {
		t.Errorf("at t=0 To.X = %g, want 0", got)
	}

	// Walk the script half a second forward, re-projecting each tick the
	// way the main loop would.
	for i := 0; i < 5; i++ {
		clk.Advance(100 * time.Millisecond)
		r.Update(s)
	}
	waitFor(t, "t=0.5 atom", func() bool {
		subs := drv.submissions()
		return len(subs) > 0 && subs[len(subs)-1].Layers[0].To.X >= 40
	})
	last := drv.submissions()
	if x := last[len(last)-1].Layers[0].To.X; x < 40 || x > 60 {
		t.Errorf("at t≈0.5 To.X = %g, want ≈50", x)
	}
}
