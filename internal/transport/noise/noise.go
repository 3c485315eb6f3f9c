// Package noise is reserved for an encrypted transport built on the Noise
// protocol framework. It is a placeholder satisfying the
// transport.Transport interface: Init, Connect and Listen return
// ErrNotImplemented, PredictPublicAddresses returns nil, and Close is a
// no-op returning nil.
package noise

import (
	"context"
	"errors"

	"github.com/dither/ditherd/internal/transport"
	"github.com/dither/ditherd/internal/wire"
)

// ErrNotImplemented is returned by Init, Connect and Listen.
var ErrNotImplemented = errors.New("noise: transport not implemented")

// Transport is a stub satisfying transport.Transport.
type Transport struct{}

// New returns a stub noise Transport.
func New() *Transport { return &Transport{} }

func (t *Transport) Init(transport.Keys, transport.ListenerConfig) (<-chan transport.Connection, error) {
	return nil, ErrNotImplemented
}

func (t *Transport) Connect(context.Context, wire.RemoteID, string, []byte, []byte) error {
	return ErrNotImplemented
}

func (t *Transport) Listen(context.Context, transport.ListenerConfig) error {
	return ErrNotImplemented
}

func (t *Transport) PredictPublicAddresses(string, transport.ListenerConfig) []string {
	return nil
}

func (t *Transport) Close() error { return nil }
