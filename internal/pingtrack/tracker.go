// Package pingtrack implements the fixed-capacity ping tracker: a slotmap of
// outstanding ping IDs with generations, yielding round-trip durations on
// acknowledgement while bounding memory regardless of remote misbehavior.
package pingtrack

import (
	"sync"
	"time"
)

// Capacity is the fixed number of slots a Tracker holds (64 in-core, per the
// reference design).
const Capacity = 64

type slotState uint8

const (
	stateEmpty slotState = iota
	stateSent
)

type slot struct {
	state slotState
	gen   uint32
	sent  time.Time
}

// Tracker is a fixed-capacity slotmap tracking outstanding ping IDs with
// generations. All operations are O(1) and safe for concurrent use: a
// session worker both issues pings and records acknowledgements from the
// same goroutine in practice, but the mutex keeps the type safe regardless.
//
// On overflow, Gen reuses the oldest slot and bumps its generation, which
// silently invalidates any acknowledgement for the ping that slot used to
// hold: a stale ack's generation no longer matches.
type Tracker struct {
	mu    sync.Mutex
	slots [Capacity]slot
	next  int // next slot to allocate, wraps modulo Capacity
	now   func() time.Time
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{now: time.Now}
}

// Gen allocates the next slot, stamps the current time, and returns an
// opaque (index, generation) pair to send on the wire as the ping id.
func (t *Tracker) Gen() (idx uint16, gen uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.next
	t.next = (t.next + 1) % Capacity

	s := &t.slots[i]
	if s.state == stateSent {
		// Overflow: the slot still holds an outstanding ping. Bump its
		// generation so a late ack for the old ping is rejected below.
		s.gen++
	}
	s.state = stateSent
	s.sent = t.now()

	return uint16(i), s.gen
}

// Record reports the elapsed round-trip duration for (idx, gen) if the slot
// is still Sent with a matching generation, and frees the slot. A mismatched
// or already-freed slot returns ok == false: the acknowledgement is stale or
// bogus and must be silently dropped by the caller.
func (t *Tracker) Record(idx uint16, gen uint32) (d time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(idx) >= Capacity {
		return 0, false
	}
	s := &t.slots[idx]
	if s.state != stateSent || s.gen != gen {
		return 0, false
	}

	d = t.now().Sub(s.sent)
	s.state = stateEmpty
	return d, true
}

// Outstanding reports the number of slots currently holding an unacknowledged ping.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].state == stateSent {
			n++
		}
	}
	return n
}
