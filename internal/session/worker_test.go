package session_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dither/ditherd/internal/session"
	"github.com/dither/ditherd/internal/wire"
)

func newTestWorker(t *testing.T) (*session.Worker, *wire.FrameDecoder, net.Conn, chan session.Event, wire.RemoteID) {
	t.Helper()

	connA, connB := net.Pipe()
	t.Cleanup(func() { connA.Close(); connB.Close() })

	var self wire.RemoteID
	self[0] = 0xAA

	events := make(chan session.Event, 32)
	w := session.New(connA, self, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return w, wire.NewFrameDecoder(connB), connB, events, self
}

func waitEvent[T session.Event](t *testing.T, events chan session.Event) T {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event of type %T", *new(T))
		}
	}
}

func TestSetDesiredPingCountEmitsUnsolicitedPing(t *testing.T) {
	t.Parallel()

	w, dec, _, _, _ := newTestWorker(t)

	w.Actions() <- session.SetDesiredPingCount{N: 1}

	pkt, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, pkt.PingID)
	require.Nil(t, pkt.AckPing)
}

func TestSetDesiredPingCountSuppressedWithinQuietWindow(t *testing.T) {
	t.Parallel()

	w, dec, _, _, _ := newTestWorker(t)

	w.Actions() <- session.SetDesiredPingCount{N: 1}
	_, err := dec.Decode()
	require.NoError(t, err)

	w.Actions() <- session.SetDesiredPingCount{N: 1}

	done := make(chan struct{})
	go func() {
		_, _ = dec.Decode()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected no second ping within the quiet window")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplyToPingIsImmediateAndAcksByID(t *testing.T) {
	t.Parallel()

	_, dec, conn, _, _ := newTestWorker(t)

	pingID := uint32(7)
	buf, err := wire.Encode(nil, &wire.PingingPacket{PingID: &pingID})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	reply, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, reply.AckPing)
	require.Equal(t, pingID, *reply.AckPing)
}

func TestAckCompletesRoundTripAndEmitsLatencyMeasurement(t *testing.T) {
	t.Parallel()

	w, dec, conn, events, _ := newTestWorker(t)

	w.Actions() <- session.SetDesiredPingCount{N: 1}
	outgoing, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, outgoing.PingID)

	ackID := *outgoing.PingID
	buf, err := wire.Encode(nil, &wire.PingingPacket{AckPing: &ackID})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	ev := waitEvent[session.LatencyMeasurementEvent](t, events)
	require.GreaterOrEqual(t, ev.RTT, time.Duration(0))
}

func TestSendPacketActionWritesInnerPacket(t *testing.T) {
	t.Parallel()

	w, dec, _, _, _ := newTestWorker(t)

	w.Actions() <- session.SendPacket{Packet: wire.RequestPeers{}}

	pkt, err := dec.Decode()
	require.NoError(t, err)
	require.NotNil(t, pkt.Inner)
	_, ok := pkt.Inner.(wire.RequestPeers)
	require.True(t, ok)
}

func TestSelfAddressedTraversalEmitsTraversalSelfEvent(t *testing.T) {
	t.Parallel()

	_, _, conn, events, self := newTestWorker(t)

	trav := wire.Traversal{Destination: []float64{1, 2}, Recipient: self, EncryptedBytes: []byte("hi")}
	buf, err := wire.Encode(nil, &wire.PingingPacket{Inner: trav})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	ev := waitEvent[session.TraversalSelfEvent](t, events)
	require.Equal(t, self, ev.Packet.Recipient)
	require.Equal(t, []byte("hi"), ev.Packet.EncryptedBytes)
}

func TestNonSelfPacketEmitsPacketEvent(t *testing.T) {
	t.Parallel()

	_, _, conn, events, _ := newTestWorker(t)

	buf, err := wire.Encode(nil, &wire.PingingPacket{Inner: wire.RequestSeenAddress{}})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	ev := waitEvent[session.PacketEvent](t, events)
	_, ok := ev.Packet.(wire.RequestSeenAddress)
	require.True(t, ok)
}

func TestRunEmitsExitEventOnEOF(t *testing.T) {
	t.Parallel()

	_, _, conn, events, _ := newTestWorker(t)

	require.NoError(t, conn.Close())

	ev := waitEvent[session.ExitEvent](t, events)
	require.NoError(t, ev.Err)
}
