package pingtrack_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dither/ditherd/internal/pingtrack"
)

func TestGenRecordRoundTrip(t *testing.T) {
	t.Parallel()

	tr := pingtrack.New()
	idx, gen := tr.Gen()

	time.Sleep(time.Millisecond)

	d, ok := tr.Record(idx, gen)
	require.True(t, ok)
	require.GreaterOrEqual(t, d, time.Duration(0))
}

func TestRecordRejectsStaleGeneration(t *testing.T) {
	t.Parallel()

	tr := pingtrack.New()
	idx, gen := tr.Gen()

	_, ok := tr.Record(idx, gen+1)
	require.False(t, ok)

	// The correct generation still works afterward.
	_, ok = tr.Record(idx, gen)
	require.True(t, ok)
}

func TestRecordIsOneShot(t *testing.T) {
	t.Parallel()

	tr := pingtrack.New()
	idx, gen := tr.Gen()

	_, ok := tr.Record(idx, gen)
	require.True(t, ok)

	_, ok = tr.Record(idx, gen)
	require.False(t, ok, "second record of the same slot/generation must fail")
}

// TestOverflowInvalidatesOldest reproduces the S6 overflow-safety scenario:
// 65 unacknowledged pings issued against a 64-slot tracker, and the
// first-issued ping's ack must be rejected while the most recent 64 succeed.
func TestOverflowInvalidatesOldest(t *testing.T) {
	t.Parallel()

	tr := pingtrack.New()

	type issued struct {
		idx uint16
		gen uint32
	}
	pings := make([]issued, 0, pingtrack.Capacity+1)
	for i := 0; i < pingtrack.Capacity+1; i++ {
		idx, gen := tr.Gen()
		pings = append(pings, issued{idx, gen})
	}

	require.Equal(t, pingtrack.Capacity, tr.Outstanding())

	// The very first ping's slot was reused and its generation bumped.
	first := pings[0]
	_, ok := tr.Record(first.idx, first.gen)
	require.False(t, ok, "first-issued ping must be rejected after overflow")

	for _, p := range pings[1:] {
		_, ok := tr.Record(p.idx, p.gen)
		require.True(t, ok, "most recent pings must still be accepted")
	}
}
