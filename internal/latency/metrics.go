// Package latency implements the per-remote rolling window of recent
// round-trip measurements, deriving the minimum observed latency and the
// "how many more pings are needed" signal that drives the session worker.
package latency

import "time"

// WindowCapacity bounds the number of retained RTT samples per remote.
const WindowCapacity = 20

// StaleAfter is how long since the last update before a remote is
// considered stale and due a timeout-nudge ping.
const StaleAfter = 3 * time.Second

// NudgeAfter is how long since the last update before the metrics system
// sends a one-shot ping nudge, independent of the desired-ping-count signal.
const NudgeAfter = 1 * time.Second

// Metrics is the bounded FIFO of RTT samples for one remote, plus the
// bookkeeping needed to derive how_many_more_pings().
type Metrics struct {
	window       [WindowCapacity]time.Duration
	len          int
	head         int // index of the oldest sample
	lastUpdate   time.Time
	pendingPings int
	now          func() time.Time
}

// New returns an empty Metrics with no samples recorded yet.
func New() *Metrics {
	return &Metrics{now: time.Now}
}

// SetClock overrides the time source, for deterministic tests.
func (m *Metrics) SetClock(now func() time.Time) {
	m.now = now
}

// Record appends a new RTT sample, pruning the oldest if the window is
// full, and decrements the pending-ping counter (saturating at zero).
func (m *Metrics) Record(d time.Duration) {
	if m.len < WindowCapacity {
		idx := (m.head + m.len) % WindowCapacity
		m.window[idx] = d
		m.len++
	} else {
		m.window[m.head] = d
		m.head = (m.head + 1) % WindowCapacity
	}
	m.lastUpdate = m.now()

	if m.pendingPings > 0 {
		m.pendingPings--
	}
}

// MarkPingOutstanding records that a ping request is now in flight, so
// HowManyMorePings returns "not now" until it is accounted for.
func (m *Metrics) MarkPingOutstanding() {
	m.pendingPings++
}

// Len returns the number of retained samples.
func (m *Metrics) Len() int { return m.len }

// MinLatency returns the minimum sample in the window. The second return
// value is false if the window is empty.
func (m *Metrics) MinLatency() (time.Duration, bool) {
	if m.len == 0 {
		return 0, false
	}
	min := m.window[m.head]
	for i := 1; i < m.len; i++ {
		idx := (m.head + i) % WindowCapacity
		if m.window[idx] < min {
			min = m.window[idx]
		}
	}
	return min, true
}

// Latest returns the most recently recorded sample.
func (m *Metrics) Latest() (time.Duration, bool) {
	if m.len == 0 {
		return 0, false
	}
	idx := (m.head + m.len - 1) % WindowCapacity
	return m.window[idx], true
}

// HowManyMorePings returns the number of additional round-trip measurements
// wanted from this remote right now, or ok == false if a ping is already
// outstanding ("not now").
func (m *Metrics) HowManyMorePings() (n int, ok bool) {
	if m.pendingPings > 0 {
		return 0, false
	}

	baselineNeed := WindowCapacity - m.len

	timeoutNeed := 0
	if m.lastUpdate.IsZero() || m.now().Sub(m.lastUpdate) > StaleAfter {
		timeoutNeed = 1
	}

	n = baselineNeed
	if timeoutNeed > n {
		n = timeoutNeed
	}
	return n, true
}

// NeedsNudge reports whether the last update is older than NudgeAfter, in
// which case the caller should send a one-shot ping nudge regardless of the
// desired-ping-count signal.
func (m *Metrics) NeedsNudge() bool {
	if m.lastUpdate.IsZero() {
		return true
	}
	return m.now().Sub(m.lastUpdate) > NudgeAfter
}
