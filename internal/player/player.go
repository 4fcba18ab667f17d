package player

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast/framecast/internal/clock"
	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/logger"
)

// busyPollInterval is how long the player backs off when the driver still
// has a flip in flight. Short enough not to miss the next vsync by much,
// long enough not to spin.
const busyPollInterval = 5 * time.Millisecond

// Player owns one display connector and realizes a timeline on it: at any
// moment the connector shows the atom with the greatest deadline at or
// before now, subject to hardware readiness.
type Player interface {
	// SetTimeline atomically replaces the timeline. The player thread is
	// woken only if the new deadline set differs from the current one.
	SetTimeline(tl Timeline)

	// LastShown returns the deadline of the most recently realized atom,
	// submitted or skipped past. Zero until anything is realized.
	LastShown() clock.MonoTime

	// Skips returns how many deadlines were missed and skipped past.
	Skips() uint64

	// Close stops the player thread and joins it. After Close returns the
	// player makes no further driver calls. Safe to call more than once.
	Close() error
}

// Start launches a frame player for one connector. Driver failures are
// fatal: the player reports them on the fatal channel and stops.
func Start(
	clk clock.Clock,
	driver display.Driver,
	connectorID uint32,
	mode display.Mode,
	fatal chan<- error,
) Player {
	p := &threadPlayer{
		log:       logger.WithComponent("player"),
		clk:       clk,
		driver:    driver,
		connector: connectorID,
		mode:      mode,
		fatal:     fatal,
		done:      make(chan struct{}),
	}
	p.wake = clock.NewFlag(clk, &p.mu)
	p.log.Info().
		Uint32("connector", connectorID).
		Str("mode", mode.String()).
		Msg("Launching frame player")
	go p.run()
	return p
}

type threadPlayer struct {
	// Constant from Start to Close
	log       *zerolog.Logger
	clk       clock.Clock
	driver    display.Driver
	connector uint32
	mode      display.Mode
	fatal     chan<- error
	done      chan struct{}
	wake      *clock.Flag

	// Guarded by mu
	mu       sync.Mutex
	timeline Timeline
	shown    clock.MonoTime
	skips    uint64
	wakeups  uint64
	shutdown bool
}

// SetTimeline replaces the timeline wholesale. The thread is woken only
// when the new timeline is non-empty and its deadline set differs from the
// current one; an atom-only change is picked up at the next natural wake.
func (p *threadPlayer) SetTimeline(tl Timeline) {
	p.mu.Lock()
	same := p.timeline.SameKeys(tl)

	if e := p.log.Trace(); e.Enabled() {
		if len(tl) == 0 {
			e.Msg("Set timeline empty")
		} else {
			tag := "diff"
			if same {
				tag = "same"
			}
			e.Int("frames", len(tl)).
				Float64("first_s", tl[0].At.Seconds()).
				Float64("last_s", tl[len(tl)-1].At.Seconds()).
				Str("keys", tag).
				Msg("Set timeline")
		}
	}

	p.timeline = tl
	wake := len(tl) > 0 && !same
	if wake {
		p.wakeups++
	}
	p.mu.Unlock()
	if wake {
		p.wake.Set()
	}
}

// LastShown returns the most recently realized deadline.
func (p *threadPlayer) LastShown() clock.MonoTime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown
}

// Skips returns the number of missed deadlines skipped past so far.
func (p *threadPlayer) Skips() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skips
}

// Close stops the player thread and joins it.
func (p *threadPlayer) Close() error {
	p.mu.Lock()
	if !p.shutdown {
		p.log.Debug().Uint32("connector", p.connector).Msg("Stopping frame player")
		p.shutdown = true
	}
	p.mu.Unlock()
	p.wake.Set()
	<-p.done
	return nil
}

// run is the player thread. It holds the mutex except while sleeping or
// calling the driver.
func (p *threadPlayer) run() {
	defer close(p.done)
	p.log.Debug().Uint32("connector", p.connector).Msg("Frame player thread running")

	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.shutdown {
		if len(p.timeline) == 0 {
			p.wake.Sleep()
			continue
		}

		now := p.clk.Now()
		tl := p.timeline

		// The atom in force now: step the upper bound back one, unless
		// that predecessor is already shown (then the upper bound is the
		// first future frame).
		show := tl.UpperBound(now)
		if show > 0 && tl[show-1].At > p.shown {
			show--
		}

		// Every unselected deadline between shown and the choice is a
		// missed deadline: advance through it so LastShown stays honest.
		for i := tl.UpperBound(p.shown); i < show; i++ {
			p.log.Warn().
				Uint32("connector", p.connector).
				Float64("sched_s", tl[i].At.Seconds()).
				Dur("age", now.Sub(tl[i].At)).
				Msg("Skip frame")
			p.shown = tl[i].At
			p.skips++
		}

		if show == len(tl) {
			p.wake.Sleep()
			continue
		}

		if tl[show].At > now {
			p.wake.SleepUntil(tl[show].At)
			continue
		}

		entry := tl[show]
		p.mu.Unlock()
		done, err := p.driver.UpdateDoneYet(p.connector)
		if err != nil {
			p.fail(fmt.Errorf("connector %d: update poll: %w", p.connector, err))
			p.mu.Lock()
			return
		}
		if !done {
			p.mu.Lock()
			// Back off for the whole poll interval. A wake that brings
			// neither a new timeline nor shutdown does not cut it short.
			until := now.Add(busyPollInterval)
			wakeups := p.wakeups
			for !p.shutdown && p.wakeups == wakeups && p.clk.Now() < until {
				p.wake.SleepUntil(until)
			}
			continue
		}

		err = p.driver.Update(p.connector, p.mode, entry.Atom)
		if err != nil {
			p.fail(fmt.Errorf("connector %d: update: %w", p.connector, err))
			p.mu.Lock()
			return
		}

		p.mu.Lock()
		p.shown = entry.At
		if e := p.log.Debug(); e.Enabled() {
			e.Uint32("connector", p.connector).
				Float64("sched_s", entry.At.Seconds()).
				Dur("age", now.Sub(entry.At)).
				Msg("Show frame")
		}
	}
	p.log.Debug().Uint32("connector", p.connector).Msg("Frame player thread ending")
}

// fail reports a fatal driver error to the supervisor. Called without the
// mutex held.
func (p *threadPlayer) fail(err error) {
	p.log.Error().Err(err).Msg("Frame player failed")
	select {
	case p.fatal <- err:
	default:
	}
}
