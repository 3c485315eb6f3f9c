package tcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dither/ditherd/internal/transport"
	"github.com/dither/ditherd/internal/transport/tcp"
)

func waitConn(t *testing.T, ch <-chan transport.Connection) transport.Connection {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return transport.Connection{}
	}
}

func TestConnectAndListenExchangeRemoteID(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := tcp.New(nil)
	serverConns, err := server.Init(transport.Keys{PublicKey: []byte{0x01}}, transport.ListenerConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	require.NoError(t, server.Listen(ctx, transport.ListenerConfig{Addresses: []string{"127.0.0.1:0"}}))

	// Listen binds synchronously inside Listen before returning, so the
	// address is immediately valid; dial against it below.
	client := tcp.New(nil)
	clientConns, err := client.Init(transport.Keys{PublicKey: []byte{0x02}}, transport.ListenerConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	addrs := server.Addrs()
	require.Len(t, addrs, 1)

	var remoteID [32]byte
	remoteID[0] = 0x01
	require.NoError(t, client.Connect(ctx, remoteID, addrs[0].String(), nil, nil))

	clientSide := waitConn(t, clientConns)
	require.True(t, clientSide.RequestedByUs)
	require.Equal(t, byte(0x01), clientSide.RemoteID[0])

	serverSide := waitConn(t, serverConns)
	require.False(t, serverSide.RequestedByUs)
	require.Equal(t, byte(0x02), serverSide.RemoteID[0])
}

func TestPredictPublicAddressesUsesAdvertisePort(t *testing.T) {
	t.Parallel()

	tr := tcp.New(nil)
	got := tr.PredictPublicAddresses("203.0.113.5:54321", transport.ListenerConfig{AdvertisePort: 9000})
	require.Equal(t, []string{"203.0.113.5:9000"}, got)
}

func TestPredictPublicAddressesEmptyWithoutAdvertisePort(t *testing.T) {
	t.Parallel()

	tr := tcp.New(nil)
	require.Empty(t, tr.PredictPublicAddresses("203.0.113.5:54321", transport.ListenerConfig{}))
}
