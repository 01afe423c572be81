package antfetch

import (
	"time"
)

// ConnBin tracks the handles of a single bin.
//
// Handles in the bin are either idle, sitting in the idle pool
// of every bin they belong to, or in use and counted by every
// bin they belong to.
//
// All methods must be called with the broker's lock held.
type connBin struct {
	name      string
	idle      map[*Handle]struct{}
	inUse     int
	lastFetch time.Time
}

// NewConnBin returns a new empty bin.
func newConnBin(name string) *connBin {
	return &connBin{
		name: name,
		idle: make(map[*Handle]struct{}),
	}
}

// CountOpen returns the number of idle and in use handles.
func (cb *connBin) countOpen() int {
	return len(cb.idle) + cb.inUse
}

// TakeIdleCandidate reserves room for a fetch in the first bin
// of a target.
//
// Excess handles are destroyed first, oldest idle first, when
// there is nothing idle left to destroy errCapacity is returned.
//
// If an idle handle matches the target and bins, it is activated
// and returned. Otherwise a nil handle means the caller must create
// a new one, room for it is made by destroying an idle handle when
// the bin is full.
func (cb *connBin) takeIdleCandidate(max int, t Target, bins []string) (*Handle, error) {
	if max == Unlimited {
		if h := cb.match(t, bins); h != nil {
			h.activate()
			return h, nil
		}
		return nil, nil
	}

	if err := cb.evict(max); err != nil {
		return nil, err
	}

	if cb.inUse >= max {
		return nil, errCapacity
	}

	if h := cb.match(t, bins); h != nil {
		h.activate()
		return h, nil
	}

	if cb.countOpen() >= max {
		cb.oldest().destroy()
	}

	return nil, nil
}

// ReserveWithoutReuse reserves room in a bin after the first one.
//
// The existing handle is the reuse candidate chosen by the first
// bin, it is already counted as in use. When nil, room for a new
// handle is made.
func (cb *connBin) reserveWithoutReuse(max int, existing *Handle) error {
	if max == Unlimited {
		return nil
	}

	if existing != nil {
		return cb.evict(max)
	}

	return cb.evict(max - 1)
}

// Evict destroys idle handles until at most max are open.
func (cb *connBin) evict(max int) error {
	for cb.countOpen() > max {
		h := cb.oldest()
		if h == nil {
			return errCapacity
		}
		h.destroy()
	}
	return nil
}

// Release moves a handle from in use to idle.
func (cb *connBin) release(h *Handle) {
	cb.idle[h] = struct{}{}
	cb.inUse--
}

// Take moves a handle from idle to in use.
func (cb *connBin) take(h *Handle) {
	delete(cb.idle, h)
	cb.inUse++
}

// NoteCreated counts a new in use handle.
func (cb *connBin) noteCreated() {
	cb.inUse++
}

// NoteDestroyed forgets a destroyed handle.
func (cb *connBin) noteDestroyed(h *Handle) {
	if _, ok := cb.idle[h]; ok {
		delete(cb.idle, h)
		return
	}
	cb.inUse--
}

// NoteFetch records the start of a fetch.
func (cb *connBin) noteFetch(now time.Time) {
	if now.After(cb.lastFetch) {
		cb.lastFetch = now
	}
}

// FlushIdle destroys handles that have been idle for
// at least timeout.
//
// The method returns true if the bin is empty.
func (cb *connBin) flushIdle(now time.Time, timeout time.Duration) bool {
	for h := range cb.idle {
		if now.Sub(h.idleSince) >= timeout {
			h.destroy()
		}
	}
	return cb.countOpen() == 0
}

// Match returns an idle handle for the target and bins.
func (cb *connBin) match(t Target, bins []string) *Handle {
	for h := range cb.idle {
		if h.matches(t, bins) {
			return h
		}
	}
	return nil
}

// Oldest returns the handle that has been idle the longest.
func (cb *connBin) oldest() *Handle {
	var ret *Handle
	for h := range cb.idle {
		if ret == nil || h.idleSince.Before(ret.idleSince) {
			ret = h
		}
	}
	return ret
}
