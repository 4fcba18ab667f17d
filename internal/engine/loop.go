// Package engine owns the main loop: while a script is installed it
// invokes the script runner at the script's tick rate, bounded by the
// monotonic clock. The control plane talks to the rest of the system
// through this package's entry points.
package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/framecast/framecast/internal/clock"
	"github.com/framecast/framecast/internal/logger"
	"github.com/framecast/framecast/internal/script"
)

// Runner is the script-runner contract the loop consumes.
type Runner interface {
	// Update recomputes per-screen timelines from the script at the
	// current time and publishes them to the frame players.
	Update(s *script.Script)

	// LastShown reports a named screen's most recently realized
	// deadline; false if the screen has no player.
	LastShown(name string) (clock.MonoTime, bool)
}

// Loop drives the runner. Create with New, start with Start, stop with
// RequestShutdown; Done closes once the loop goroutine has exited.
type Loop struct {
	log    *zerolog.Logger
	clk    clock.Clock
	runner Runner
	done   chan struct{}
	wake   *clock.Flag

	// Guarded by mu
	mu       sync.Mutex
	script   *script.Script
	shutdown bool
}

// New returns a loop bound to a clock and runner. Start must be called
// to begin ticking.
func New(clk clock.Clock, runner Runner) *Loop {
	l := &Loop{
		log:    logger.WithComponent("loop"),
		clk:    clk,
		runner: runner,
		done:   make(chan struct{}),
	}
	l.wake = clock.NewFlag(clk, &l.mu)
	return l
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.log.Debug().Msg("Launching main loop")
	go l.run()
}

// InstallScript replaces the installed script and wakes the loop. The
// script must come from script.Parse: the loop trusts its rates. The
// swap is a pointer exchange; in-flight runner work sees the old script
// and the next tick sees the new one.
func (l *Loop) InstallScript(s *script.Script) {
	l.mu.Lock()
	l.script = s
	l.mu.Unlock()
	l.wake.Set()
}

// RequestShutdown asks the loop to exit. Safe to call more than once.
func (l *Loop) RequestShutdown() {
	l.mu.Lock()
	if !l.shutdown {
		l.log.Debug().Msg("Stopping main loop")
		l.shutdown = true
	}
	l.mu.Unlock()
	l.wake.Set()
}

// Done closes when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// LastShown answers the control plane's query for a named screen.
func (l *Loop) LastShown(name string) (clock.MonoTime, bool) {
	return l.runner.LastShown(name)
}

// Period returns the installed script's tick period, or zero when no
// script is installed.
func (l *Loop) Period() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.script == nil {
		return 0
	}
	return time.Duration(float64(time.Second) / l.script.MainLoopHz)
}

func (l *Loop) run() {
	defer close(l.done)
	l.log.Debug().Msg("Main loop running")

	var lastMono clock.MonoTime
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.shutdown {
		if l.script == nil {
			l.wake.Sleep()
			continue
		}

		if l.script.MainLoopHz <= 0 {
			// Parse rejects this; an installed script carrying it is a bug.
			panic("engine: installed script with main_loop_hz <= 0")
		}
		period := clock.FromDuration(time.Duration(float64(time.Second) / l.script.MainLoopHz))
		mono := l.clk.Now()
		if mono < lastMono+period {
			l.wake.SleepUntil(lastMono + period)
			continue
		}

		// Normal clocking advances by one period; after a long stall the
		// mono-period term wins, bounding catch-up to a single extra tick.
		lastMono = max(lastMono+period, mono-period)
		s := l.script
		l.mu.Unlock()
		l.runner.Update(s)
		l.mu.Lock()
	}

	l.log.Debug().Msg("Main loop stopped")
}
