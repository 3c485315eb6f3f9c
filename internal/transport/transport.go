// Package transport defines the pluggable byte-stream transport contract
// the node controller uses to reach peers. Concrete transports (tcp, and
// eventually an encrypted noise-based one) live in subpackages.
package transport

import (
	"context"
	"io"

	"github.com/dither/ditherd/internal/wire"
)

// Keys is the identity material a transport needs to authenticate itself
// and, where the transport supports it, encrypt the stream. The core treats
// both fields as opaque bytes.
type Keys struct {
	PrivateKey []byte
	PublicKey  []byte
}

// ListenerConfig describes where a transport should accept inbound
// connections and what address(es) it should advertise to peers.
type ListenerConfig struct {
	Addresses     []string
	AdvertisePort int
}

// Conn is a bidirectional byte stream to one peer, suitable for wrapping in
// a wire.FrameDecoder on the read side and writing length-prefixed frames to
// directly on the write side.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Connection is what a transport reports for every connection it
// establishes or accepts, whether dialed or accepted.
type Connection struct {
	RemoteID        wire.RemoteID
	IncomingAddress string
	RemotePublicKey []byte
	PersistentState []byte
	Conn            Conn
	RequestedByUs   bool
}

// Transport is the plug-in contract a node controller drives. Implementations
// are expected to be safe for concurrent use by the controller and its own
// internal accept loop.
type Transport interface {
	// Init prepares the transport with this node's identity and listener
	// configuration, returning the channel on which every successful
	// connection (dialed or accepted) is reported. The channel is closed
	// when the transport shuts down.
	Init(keys Keys, cfg ListenerConfig) (<-chan Connection, error)

	// Connect attempts to establish a connection to remoteID at address.
	// It is fire-and-forget: success or failure is reported asynchronously
	// via the Init channel (success) or a log line (failure), never by
	// blocking the caller or returning a retryable error here beyond
	// immediately-detectable argument problems.
	Connect(ctx context.Context, remoteID wire.RemoteID, address string, remotePublicKey, persistentState []byte) error

	// Listen starts accepting inbound connections on cfg's addresses.
	Listen(ctx context.Context, cfg ListenerConfig) error

	// PredictPublicAddresses combines an externally observed address with
	// cfg to guess what address(es) peers should use to reach us.
	PredictPublicAddresses(observed string, cfg ListenerConfig) []string

	// Close shuts the transport down, stopping its listeners and closing
	// the Init channel. Connections already reported on that channel are not
	// closed by the tcp implementation; their owner closes them.
	Close() error
}
