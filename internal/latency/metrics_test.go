package latency_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dither/ditherd/internal/latency"
)

func TestMinLatencyAndWindowBounds(t *testing.T) {
	t.Parallel()

	m := latency.New()
	_, ok := m.MinLatency()
	require.False(t, ok, "empty window has no minimum")

	samples := []time.Duration{
		30 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
	}
	for _, d := range samples {
		m.Record(d)
	}

	require.Equal(t, 3, m.Len())
	min, ok := m.MinLatency()
	require.True(t, ok)
	require.Equal(t, 10*time.Millisecond, min)

	latest, ok := m.Latest()
	require.True(t, ok)
	require.Equal(t, 20*time.Millisecond, latest)
}

func TestWindowPrunesOldestFirst(t *testing.T) {
	t.Parallel()

	m := latency.New()
	for i := 0; i < latency.WindowCapacity+5; i++ {
		m.Record(time.Duration(i+1) * time.Millisecond)
	}

	require.Equal(t, latency.WindowCapacity, m.Len())
	min, ok := m.MinLatency()
	require.True(t, ok)
	require.Equal(t, 6*time.Millisecond, min, "the five oldest samples (1-5ms) must have been pruned")
}

func TestHowManyMorePingsBaselineNeed(t *testing.T) {
	t.Parallel()

	clk := time.Now()
	m := latency.New()
	m.SetClock(func() time.Time { return clk })

	for i := 0; i < 5; i++ {
		m.Record(time.Millisecond)
	}

	n, ok := m.HowManyMorePings()
	require.True(t, ok)
	require.Equal(t, latency.WindowCapacity-5, n)
}

func TestHowManyMorePingsTimeoutNeed(t *testing.T) {
	t.Parallel()

	clk := time.Now()
	m := latency.New()
	m.SetClock(func() time.Time { return clk })

	for i := 0; i < latency.WindowCapacity; i++ {
		m.Record(time.Millisecond)
	}
	n, ok := m.HowManyMorePings()
	require.True(t, ok)
	require.Equal(t, 0, n, "full window with a fresh update needs nothing")

	clk = clk.Add(latency.StaleAfter + time.Second)
	n, ok = m.HowManyMorePings()
	require.True(t, ok)
	require.Equal(t, 1, n, "stale full window still needs one timeout-nudge ping")
}

func TestHowManyMorePingsNotNowWhilePingOutstanding(t *testing.T) {
	t.Parallel()

	m := latency.New()
	m.MarkPingOutstanding()

	_, ok := m.HowManyMorePings()
	require.False(t, ok)
}

func TestRecordDecrementsPendingSaturatingAtZero(t *testing.T) {
	t.Parallel()

	m := latency.New()
	m.Record(time.Millisecond)

	_, ok := m.HowManyMorePings()
	require.True(t, ok, "no outstanding ping was marked, so pending stays at zero")
}
