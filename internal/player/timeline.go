package player

import (
	"sort"

	"github.com/framecast/framecast/internal/clock"
	"github.com/framecast/framecast/internal/display"
)

// TimedAtom is one timeline entry: a fully-prepared display atom and the
// monotonic deadline it becomes due at. Deadlines mean "show no earlier
// than"; an entry whose deadline has passed unselected is a skip.
type TimedAtom struct {
	At   clock.MonoTime
	Atom display.Atom
}

// Timeline is an ordered mapping from monotonic deadlines to display
// atoms, keys strictly ascending. Timelines are replaced wholesale, never
// edited in place, and may be empty.
type Timeline []TimedAtom

// UpperBound returns the index of the first entry with a deadline
// strictly after t, or len(tl) if there is none.
func (tl Timeline) UpperBound(t clock.MonoTime) int {
	return sort.Search(len(tl), func(i int) bool { return tl[i].At > t })
}

// SameKeys reports whether both timelines carry exactly the same deadline
// set. Atoms are not compared: a timeline that only swaps atoms under
// unchanged deadlines does not change the player's wakeup schedule.
func (tl Timeline) SameKeys(other Timeline) bool {
	if len(tl) != len(other) {
		return false
	}
	for i := range tl {
		if tl[i].At != other[i].At {
			return false
		}
	}
	return true
}
