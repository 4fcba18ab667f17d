package script

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast/framecast/internal/clock"
	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/logger"
	"github.com/framecast/framecast/internal/media"
	"github.com/framecast/framecast/internal/player"
)

// Runner projects the installed script onto the hardware: each Update
// evaluates every screen's layers over a lookahead window, assembles a
// timeline of display atoms, and hands it to that screen's frame player.
// The main loop calls Update without holding its own mutex; Update is
// idempotent modulo time.
type Runner struct {
	log    *zerolog.Logger
	clk    clock.Clock
	driver display.Driver
	source media.Source
	fatal  chan error

	mu       sync.Mutex
	screens  map[string]display.Screen
	players  map[string]*boundScreen
	warned   map[string]bool
	badMedia map[string]bool
}

type boundScreen struct {
	player player.Player
	mode   display.Mode
}

// ScreenStatus is the per-screen view the control plane reports.
type ScreenStatus struct {
	// LastShown is the deadline of the most recently realized atom, in
	// monotonic seconds. Zero until anything is shown.
	LastShown float64 `json:"last_shown"`

	// Skips counts missed deadlines on this screen.
	Skips uint64 `json:"skips"`
}

// NewRunner scans the device's connectors and returns a runner bound to
// them. Frame players are created lazily, on the first script that names
// a connector.
func NewRunner(clk clock.Clock, driver display.Driver, source media.Source) (*Runner, error) {
	scanned, err := driver.ScanScreens()
	if err != nil {
		return nil, err
	}

	screens := make(map[string]display.Screen, len(scanned))
	for _, s := range scanned {
		screens[s.Connector] = s
	}

	return &Runner{
		log:      logger.WithComponent("runner"),
		clk:      clk,
		driver:   driver,
		source:   source,
		fatal:    make(chan error, 4),
		screens:  screens,
		players:  make(map[string]*boundScreen),
		warned:   make(map[string]bool),
		badMedia: make(map[string]bool),
	}, nil
}

// Fatal delivers driver errors raised by any frame player. A receive
// means the server must terminate.
func (r *Runner) Fatal() <-chan error {
	return r.fatal
}

// Update recomputes every screen's timeline from the script at the
// current time and publishes them to the frame players. Screens the
// script no longer names get an empty timeline and idle.
func (r *Runner) Update(s *Script) {
	now := r.clk.Now()
	realSec := float64(r.clk.Real().UnixNano()) / 1e9
	scriptNow := realSec - s.ZeroTime
	lookahead := math.Max(2.0/s.MainLoopHz, 0.1)

	for name, sc := range s.Screens {
		b := r.bind(name, sc)
		if b == nil {
			continue
		}

		if len(sc.Layers) == 0 {
			b.player.SetTimeline(nil)
			continue
		}

		hz := sc.UpdateHz
		if hz == 0 {
			hz = float64(b.mode.Hz)
		}
		if hz <= 0 {
			hz = s.MainLoopHz
		}
		period := 1.0 / hz

		// Sample on the grid k*period in script time, starting one step
		// back so the atom currently in force is always present.
		var tl player.Timeline
		for k := math.Floor(scriptNow / period); ; k++ {
			ts := k * period
			if ts-scriptNow > lookahead {
				break
			}
			key := monoAt(now, ts-scriptNow)
			tl = append(tl, player.TimedAtom{At: key, Atom: r.atomAt(sc, ts, b.mode)})
		}
		b.player.SetTimeline(tl)
	}

	// Withdraw screens the script dropped.
	r.mu.Lock()
	for name, b := range r.players {
		if _, ok := s.Screens[name]; !ok {
			b.player.SetTimeline(nil)
		}
	}
	r.mu.Unlock()
}

// monoAt converts an offset from now (script seconds) to a monotonic
// key, quantized to microseconds so float jitter between ticks cannot
// perturb an otherwise-identical deadline grid.
func monoAt(now clock.MonoTime, offset float64) clock.MonoTime {
	us := math.Round(offset * 1e6)
	return now + clock.MonoTime(time.Duration(us)*time.Microsecond)
}

// bind returns the player for a named connector, creating it on first
// use. Unknown connectors are reported once and skipped.
func (r *Runner) bind(name string, sc Screen) *boundScreen {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.players[name]; ok {
		return b
	}

	scr, ok := r.screens[name]
	if !ok {
		if !r.warned[name] {
			r.warned[name] = true
			r.log.Warn().Str("screen", name).Msg("Script names an unknown connector")
		}
		return nil
	}

	mode := sc.Mode
	if mode.Zero() {
		mode = scr.ActiveMode
	}
	if mode.Zero() && len(scr.Modes) > 0 {
		mode = scr.Modes[0]
	}
	if mode.Zero() {
		if !r.warned[name] {
			r.warned[name] = true
			r.log.Warn().Str("screen", name).Msg("No usable mode for connector")
		}
		return nil
	}

	b := &boundScreen{
		player: player.Start(r.clk, r.driver, scr.ID, mode, r.fatal),
		mode:   mode,
	}
	r.players[name] = b
	r.log.Info().
		Str("screen", name).
		Str("mode", mode.String()).
		Msg("Bound frame player")
	return b
}

// atomAt assembles the display atom for one screen at one script time.
// Layers whose media cannot be loaded are dropped (and reported once).
func (r *Runner) atomAt(sc Screen, ts float64, mode display.Mode) display.Atom {
	layers := make([]display.Layer, 0, len(sc.Layers))
	for _, l := range sc.Layers {
		frame, err := r.source.Frame(l.Media)
		if err != nil {
			r.mu.Lock()
			if !r.badMedia[l.Media] {
				r.badMedia[l.Media] = true
				r.log.Error().Err(err).Str("media", l.Media).Msg("Dropping layer")
			}
			r.mu.Unlock()
			continue
		}

		w, h := frame.Size()
		from := l.From.At(ts, display.Rect{W: float64(w), H: float64(h)})
		to := l.To.At(ts, display.Rect{W: float64(mode.Width), H: float64(mode.Height)})
		opacity := math.Min(math.Max(l.Opacity.At(ts, 1), 0), 1)
		if opacity == 0 || from.Empty() || to.Empty() {
			continue
		}

		layers = append(layers, display.Layer{
			Frame:   frame,
			From:    from,
			To:      to,
			Opacity: opacity,
		})
	}
	return display.Atom{Layers: layers}
}

// FileInfo probes a media file for the control plane.
func (r *Runner) FileInfo(path string) (media.Info, error) {
	return r.source.FileInfo(path)
}

// LastShown returns the most recently realized deadline of a named
// screen's player. The second result is false if the screen has no
// player bound.
func (r *Runner) LastShown(name string) (clock.MonoTime, bool) {
	r.mu.Lock()
	b, ok := r.players[name]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return b.player.LastShown(), true
}

// Status reports every bound screen for the control plane.
func (r *Runner) Status() map[string]ScreenStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ScreenStatus, len(r.players))
	for name, b := range r.players {
		out[name] = ScreenStatus{
			LastShown: b.player.LastShown().Seconds(),
			Skips:     b.player.Skips(),
		}
	}
	return out
}

// Close stops every frame player, joining each thread. The driver and
// media source stay open; their owner closes them.
func (r *Runner) Close() error {
	r.mu.Lock()
	players := r.players
	r.players = make(map[string]*boundScreen)
	r.mu.Unlock()

	for name, b := range players {
		if err := b.player.Close(); err != nil {
			r.log.Error().Err(err).Str("screen", name).Msg("Player close failed")
		}
	}
	return nil
}
