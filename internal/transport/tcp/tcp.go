// Package tcp implements an unencrypted, plain-TCP transport.Transport,
// suitable for local development and testing. It performs no cryptographic
// handshake: peers exchange their RemoteID in cleartext on connect,
// RemotePublicKey is always reported empty, and PersistentState is empty on
// accepted connections and echoes the value passed to Connect on dialed ones. Production
// deployments are expected to use an encrypted transport (see
// internal/transport/noise) instead.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dither/ditherd/internal/transport"
	"github.com/dither/ditherd/internal/wire"
)

// ErrClosed is returned by Connect/Listen once the transport has been closed.
var ErrClosed = errors.New("tcp: transport closed")

// Transport is a plain-TCP transport.Transport. The zero value is not
// usable; construct with New.
type Transport struct {
	logger *slog.Logger

	mu        sync.Mutex
	selfID    wire.RemoteID
	conns     chan transport.Connection
	listeners []net.Listener
	closed    bool
}

// New returns an unstarted Transport. Call Init before Connect or Listen.
func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger.With(slog.String("component", "transport.tcp"))}
}

// Init implements transport.Transport. keys.PrivateKey/PublicKey are ignored
// beyond deriving selfID; this transport never authenticates or encrypts.
func (t *Transport) Init(keys transport.Keys, cfg transport.ListenerConfig) (<-chan transport.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.selfID = remoteIDFromPublicKey(keys.PublicKey)
	t.conns = make(chan transport.Connection, 64)
	return t.conns, nil
}

func remoteIDFromPublicKey(pub []byte) wire.RemoteID {
	var id wire.RemoteID
	copy(id[:], pub)
	return id
}

// Connect implements transport.Transport by dialing address and exchanging
// RemoteIDs in cleartext. The resulting Connection is reported on the Init
// channel; failures are logged, not returned to the controller, except for
// arguments this function can reject immediately.
func (t *Transport) Connect(ctx context.Context, remoteID wire.RemoteID, address string, remotePublicKey, persistentState []byte) error {
	if address == "" {
		return fmt.Errorf("tcp connect: empty address")
	}

	go t.dial(ctx, remoteID, address, persistentState)
	return nil
}

func (t *Transport) dial(ctx context.Context, wantID wire.RemoteID, address string, persistentState []byte) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		t.logger.Warn("dial failed", slog.String("address", address), slog.Any("error", err))
		return
	}

	if err := setNoDelay(conn); err != nil {
		t.logger.Warn("set TCP_NODELAY failed", slog.Any("error", err))
	}

	gotID, err := handshake(conn, t.selfID)
	if err != nil {
		t.logger.Warn("handshake failed", slog.String("address", address), slog.Any("error", err))
		conn.Close()
		return
	}
	if gotID != wantID {
		t.logger.Warn("handshake id mismatch, dropping",
			slog.String("want", wantID.String()), slog.String("got", gotID.String()))
		conn.Close()
		return
	}

	t.report(transport.Connection{
		RemoteID:        gotID,
		IncomingAddress: address,
		PersistentState: persistentState,
		Conn:            conn,
		RequestedByUs:   true,
	})
}

// Listen implements transport.Transport, accepting inbound connections on
// every address in cfg until ctx is cancelled or Close is called.
func (t *Transport) Listen(ctx context.Context, cfg transport.ListenerConfig) error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketReuseAddr(int(fd))
			}); err != nil {
				return fmt.Errorf("raw conn control: %w", err)
			}
			return sockErr
		},
	}

	for _, addr := range cfg.Addresses {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("tcp listen %s: %w", addr, err)
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			ln.Close()
			return ErrClosed
		}
		t.listeners = append(t.listeners, ln)
		t.mu.Unlock()

		go t.acceptLoop(ctx, ln)
	}

	go func() {
		<-ctx.Done()
		t.Close()
	}()
	return nil
}

// Addrs returns the bound addresses of every listener started by Listen,
// useful when Addresses contained a ":0" wildcard port.
func (t *Transport) Addrs() []net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	addrs := make([]net.Addr, len(t.listeners))
	for i, ln := range t.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}
		go t.accept(conn)
	}
}

func (t *Transport) accept(conn net.Conn) {
	if err := setNoDelay(conn); err != nil {
		t.logger.Warn("set TCP_NODELAY failed", slog.Any("error", err))
	}

	gotID, err := handshake(conn, t.selfID)
	if err != nil {
		t.logger.Warn("inbound handshake failed", slog.Any("error", err))
		conn.Close()
		return
	}

	t.report(transport.Connection{
		RemoteID:        gotID,
		IncomingAddress: conn.RemoteAddr().String(),
		Conn:            conn,
		RequestedByUs:   false,
	})
}

// handshake exchanges selfID with the peer over conn, one 32-byte write and
// one 32-byte read, and returns the peer's RemoteID.
func handshake(conn net.Conn, selfID wire.RemoteID) (wire.RemoteID, error) {
	var peerID wire.RemoteID

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Write(selfID[:])
		errCh <- err
	}()

	r := bufio.NewReaderSize(conn, len(peerID))
	if _, err := readFull(r, peerID[:]); err != nil {
		<-errCh
		return peerID, fmt.Errorf("read peer id: %w", err)
	}
	if err := <-errCh; err != nil {
		return peerID, fmt.Errorf("write self id: %w", err)
	}

	return peerID, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// PredictPublicAddresses implements transport.Transport by pairing the
// observed address's host with cfg.AdvertisePort.
func (t *Transport) PredictPublicAddresses(observed string, cfg transport.ListenerConfig) []string {
	host, _, err := net.SplitHostPort(observed)
	if err != nil {
		host = observed
	}
	if cfg.AdvertisePort == 0 {
		return nil
	}
	return []string{net.JoinHostPort(host, fmt.Sprintf("%d", cfg.AdvertisePort))}
}

// Close implements transport.Transport, closing every listener and the Init
// channel. Connections already reported to the controller are left for the
// controller to close.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	for _, ln := range t.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.conns != nil {
		close(t.conns)
	}
	return firstErr
}

func (t *Transport) report(c transport.Connection) {
	t.mu.Lock()
	closed := t.closed
	ch := t.conns
	t.mu.Unlock()

	if closed {
		c.Conn.Close()
		return
	}
	select {
	case ch <- c:
	default:
		t.logger.Warn("dropping connection, channel full", slog.String("remote", c.RemoteID.String()))
		c.Conn.Close()
	}
}

// setNoDelay disables Nagle's algorithm so ping replies are never coalesced
// with other writes, which would corrupt RTT measurement (see
// internal/session's per-turn contract).
func setNoDelay(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(true)
}

// setSocketReuseAddr is applied to listener sockets so a restarted daemon
// can immediately rebind its advertised port, matching the reuse posture
// the BFD listener socket used for its own UDP binds.
func setSocketReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
