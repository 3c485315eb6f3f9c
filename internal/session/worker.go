// Package session implements the per-remote session worker: one cooperative
// task per live connection, owning the packet codec and ping tracker and
// translating between the wire and two in-process channels (actions in,
// events out).
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dither/ditherd/internal/pingtrack"
	"github.com/dither/ditherd/internal/wire"
)

// UnsolicitedPingQuiet is the minimum interval between an unsolicited ping
// triggered by SetDesiredPingCount and the session's most recent ping emission.
const UnsolicitedPingQuiet = 200 * time.Millisecond

// Action is an input to a running Worker.
type Action interface{ isAction() }

// SendPacket asks the worker to write {packet: p, ping_id: nil, ack_ping: nil}.
type SendPacket struct{ Packet wire.NodePacket }

func (SendPacket) isAction() {}

// SetDesiredPingCount sets the worker's desired-ping counter. If n > 0 and no
// ping has been emitted in the last UnsolicitedPingQuiet, an unsolicited ping
// is emitted immediately.
type SetDesiredPingCount struct{ N int }

func (SetDesiredPingCount) isAction() {}

// Event is an output of a running Worker, consumed by the controller.
type Event interface{ isEvent() }

// PacketEvent carries a decoded inner NodePacket destined for the controller
// (anything other than a self-addressed Traversal).
type PacketEvent struct{ Packet wire.NodePacket }

func (PacketEvent) isEvent() {}

// LatencyMeasurementEvent reports one completed ping round trip.
type LatencyMeasurementEvent struct{ RTT time.Duration }

func (LatencyMeasurementEvent) isEvent() {}

// TraversalSelfEvent is emitted when a received Traversal names this node as
// recipient; the controller decodes/delivers the inner payload locally
// instead of forwarding (the router handles off-path forwarding separately).
type TraversalSelfEvent struct{ Packet wire.Traversal }

func (TraversalSelfEvent) isEvent() {}

// ExitEvent signals the worker has stopped; Err is nil on a clean shutdown.
type ExitEvent struct{ Err error }

func (ExitEvent) isEvent() {}

// Conn is the minimal read/write/close surface a Worker needs from a
// transport connection.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Worker is one cooperative per-remote session task.
type Worker struct {
	conn     Conn
	dec      *wire.FrameDecoder
	tracker  *pingtrack.Tracker
	selfID   wire.RemoteID
	events   chan<- Event
	actions  chan Action
	logger   *slog.Logger
	desired  atomic.Int32
	lastPing atomic.Int64 // unix nanoseconds of the last ping emission

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64

	now func() time.Time
}

// New returns a Worker reading/writing over conn. selfID is this node's own
// RemoteID, used to recognize self-addressed Traversal packets. events must
// be large enough, or drained fast enough, that it never fills: the worker
// never blocks on it, and an event that finds it full is dropped with a
// warning.
func New(conn Conn, selfID wire.RemoteID, events chan<- Event, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		conn:    conn,
		dec:     wire.NewFrameDecoder(conn),
		tracker: pingtrack.New(),
		selfID:  selfID,
		events:  events,
		actions: make(chan Action, 16),
		logger:  logger.With(slog.String("component", "session.worker")),
		now:     time.Now,
	}
}

// Actions returns the channel on which the controller sends this worker's
// inputs. Closing it is how the controller signals the worker to exit.
func (w *Worker) Actions() chan<- Action { return w.actions }

// PacketsSent and PacketsReceived expose lifetime counters for metrics.
func (w *Worker) PacketsSent() uint64     { return w.packetsSent.Load() }
func (w *Worker) PacketsReceived() uint64 { return w.packetsReceived.Load() }

// Run executes the worker's per-turn contract until ctx is cancelled, the
// stream hits EOF, a codec error occurs, or the actions channel is closed.
// It always emits exactly one ExitEvent before returning (best-effort: if
// the events channel is itself gone, the send is dropped).
func (w *Worker) Run(ctx context.Context) {
	recvCh := make(chan *wire.PingingPacket)
	recvErrCh := make(chan error, 1)

	go w.readLoop(ctx, recvCh, recvErrCh)

	exitErr := w.loop(ctx, recvCh, recvErrCh)

	w.emit(ExitEvent{Err: exitErr})
}

func (w *Worker) readLoop(ctx context.Context, out chan<- *wire.PingingPacket, errCh chan<- error) {
	for {
		pkt, err := w.dec.Decode()
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) loop(ctx context.Context, recvCh <-chan *wire.PingingPacket, recvErrCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-recvErrCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("session: %w", err)

		case pkt, ok := <-recvCh:
			if !ok {
				return nil
			}
			if err := w.handlePacket(pkt); err != nil {
				return err
			}

		case act, ok := <-w.actions:
			if !ok {
				return nil
			}
			if err := w.handleAction(act); err != nil {
				return err
			}
		}
	}
}

// handlePacket implements steps 2-4 of the per-turn contract (§4.3).
func (w *Worker) handlePacket(pkt *wire.PingingPacket) error {
	w.packetsReceived.Add(1)

	if pkt.AckPing != nil {
		// ack_ping is an opaque ping id: the low 16 bits are the tracker
		// slot index, the remainder the generation.
		idx, gen := splitPingID(*pkt.AckPing)
		if d, ok := w.tracker.Record(idx, gen); ok {
			w.emit(LatencyMeasurementEvent{RTT: d})
			w.decrementDesired()
		}
	}

	if pkt.PingID != nil {
		if err := w.replyToPing(*pkt.PingID); err != nil {
			return err
		}
	}

	if pkt.Inner != nil {
		if trav, ok := pkt.Inner.(wire.Traversal); ok && trav.Recipient == w.selfID {
			w.emit(TraversalSelfEvent{Packet: trav})
		} else {
			w.emit(PacketEvent{Packet: pkt.Inner})
		}
	}

	return nil
}

func (w *Worker) decrementDesired() {
	for {
		cur := w.desired.Load()
		if cur <= 0 {
			return
		}
		if w.desired.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// replyToPing writes an immediate reply acknowledging ackID, without write
// coalescing, to preserve RTT accuracy. The reply itself carries a new
// ping_id iff our desired-ping counter is still positive.
func (w *Worker) replyToPing(ackID uint32) error {
	reply := &wire.PingingPacket{AckPing: &ackID}

	if w.desired.Load() > 0 {
		id := w.issuePing()
		reply.PingID = &id
	}

	return w.writeFrame(reply)
}

func (w *Worker) issuePing() uint32 {
	idx, gen := w.tracker.Gen()
	w.lastPing.Store(w.now().UnixNano())
	return joinPingID(idx, gen)
}

func (w *Worker) writeFrame(pkt *wire.PingingPacket) error {
	buf, err := wire.Encode(nil, pkt)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if _, err := w.conn.Write(buf); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	w.packetsSent.Add(1)
	return nil
}

// handleAction implements step 5 of the per-turn contract (§4.3).
func (w *Worker) handleAction(act Action) error {
	switch a := act.(type) {
	case SendPacket:
		return w.writeFrame(&wire.PingingPacket{Inner: a.Packet})

	case SetDesiredPingCount:
		w.desired.Store(int32(a.N))
		if a.N <= 0 {
			return nil
		}
		last := time.Unix(0, w.lastPing.Load())
		if w.lastPing.Load() == 0 || w.now().Sub(last) >= UnsolicitedPingQuiet {
			id := w.issuePing()
			return w.writeFrame(&wire.PingingPacket{PingID: &id})
		}
		return nil

	default:
		return fmt.Errorf("session: unknown action type %T", act)
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("session: dropping event, channel full", slog.String("event", fmt.Sprintf("%T", ev)))
	}
}

// joinPingID/splitPingID pack a pingtrack (index, generation) pair into the
// single uint32 carried on the wire as ping_id/ack_ping: the low 16 bits are
// the slot index, the high 16 bits a truncated generation. Truncation is
// safe: a generation collision within the same slot after a 16-bit wrap is
// exactly the kind of stale-ack the tracker already guards against via the
// full 32-bit comparison it keeps internally, so a false-accept here would
// require two full generation wraps between issuing and acking one ping.
func joinPingID(idx uint16, gen uint32) uint32 {
	return uint32(idx) | (gen << 16)
}

func splitPingID(id uint32) (idx uint16, gen uint32) {
	return uint16(id & 0xFFFF), id >> 16
}
