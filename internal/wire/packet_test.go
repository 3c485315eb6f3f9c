package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dither/ditherd/internal/wire"
)

func ptrU32(v uint32) *uint32 { return &v }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	var remote wire.RemoteID
	remote[0] = 0xAB

	tests := []struct {
		name string
		pkt  wire.PingingPacket
	}{
		{
			name: "bare ping request",
			pkt:  wire.PingingPacket{PingID: ptrU32(7)},
		},
		{
			name: "ack only",
			pkt:  wire.PingingPacket{AckPing: ptrU32(99)},
		},
		{
			name: "request peers",
			pkt:  wire.PingingPacket{Inner: wire.RequestPeers{}, PingID: ptrU32(1), AckPing: ptrU32(2)},
		},
		{
			name: "peer list",
			pkt: wire.PingingPacket{Inner: wire.PeerList{Peers: []wire.PeerListEntry{
				{ID: remote, Addr: "127.0.0.1:5001"},
				{ID: remote, Addr: "10.0.0.1:6001"},
			}}},
		},
		{
			name: "notify public address",
			pkt:  wire.PingingPacket{Inner: wire.NotifyPublicAddress{Addr: "203.0.113.9:5001"}},
		},
		{
			name: "notify network coordinates",
			pkt:  wire.PingingPacket{Inner: wire.NotifyNetworkCoordinates{In: []float64{1, -2.5, 3}, Out: []float64{0, 0, 0}}},
		},
		{
			name: "traversal",
			pkt: wire.PingingPacket{Inner: wire.Traversal{
				Destination:    []float64{1, 2, 3, 4, 5},
				Recipient:      remote,
				EncryptedBytes: []byte("opaque-blob"),
			}},
		},
		{
			name: "data",
			pkt:  wire.PingingPacket{Inner: wire.Data{Payload: []byte("hello")}},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			encoded, err := wire.Encode(nil, &tc.pkt)
			require.NoError(t, err)

			dec := wire.NewFrameDecoder(bytes.NewReader(encoded))
			got, err := dec.Decode()
			require.NoError(t, err)
			require.Equal(t, tc.pkt, *got)
		})
	}
}

func TestDecoderReusesBufferAcrossPackets(t *testing.T) {
	t.Parallel()

	var buf []byte
	for i := 0; i < 3; i++ {
		pkt := wire.PingingPacket{Inner: wire.Data{Payload: []byte("payload")}}
		var err error
		buf, err = wire.Encode(buf, &pkt)
		require.NoError(t, err)
	}

	dec := wire.NewFrameDecoder(bytes.NewReader(buf))
	for i := 0; i < 3; i++ {
		got, err := dec.Decode()
		require.NoError(t, err)
		require.Equal(t, wire.Data{Payload: []byte("payload")}, got.Inner)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated length", data: []byte{0xFF}},
		{name: "empty body", data: []byte{0x00}},
		{name: "unknown tag", data: []byte{0x02, flagHasInnerForTest, 0xEE}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dec := wire.NewFrameDecoder(bytes.NewReader(tc.data))
			_, err := dec.Decode()
			require.Error(t, err)
		})
	}
}

// flagHasInnerForTest mirrors the unexported flagHasInner bit so the
// malformed-frame test can construct an "inner present, bad tag" frame
// without depending on package-internal constants.
const flagHasInnerForTest = 1 << 0

func TestPeerListOverflowRejected(t *testing.T) {
	t.Parallel()

	peers := make([]wire.PeerListEntry, wire.MaxPeerList+1)
	pkt := wire.PingingPacket{Inner: wire.PeerList{Peers: peers}}

	_, err := wire.Encode(nil, &pkt)
	require.Error(t, err)
}
