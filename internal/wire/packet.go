// Package wire implements the node-to-node packet codec: a length-prefixed,
// schema-validated framing of the PingingPacket/NodePacket algebra.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// RemoteID is the hash of a peer's public key: a globally unique identifier.
type RemoteID [32]byte

// String returns a short hex prefix, useful for logging.
func (id RemoteID) String() string {
	const shown = 8
	return fmt.Sprintf("%x", id[:shown])
}

// MaxPeerList is the upper bound on (RemoteID, Address) pairs carried by a
// single PeerList reply.
const MaxPeerList = 20

// MaxAddrLen and MaxBlobLen bound the untrusted length-prefixed fields so a
// malformed or hostile frame cannot force an unbounded allocation.
const (
	MaxAddrLen = 512
	MaxBlobLen = 1 << 20
	MaxDim     = 64
)

// Sentinel codec errors. Any of these is a MalformedPacket per the error
// handling policy: fatal to the session that produced it.
var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrUnknownTag      = errors.New("unknown node packet tag")
	ErrFieldTooLarge   = errors.New("field exceeds configured maximum")
)

// MaxFrameLen bounds the total length-prefixed frame size.
const MaxFrameLen = 4 << 20

// -------------------------------------------------------------------------
// NodePacket — tagged sum
// -------------------------------------------------------------------------

// NodePacket is the inner payload of a PingingPacket. Exactly one concrete
// type implements it per frame.
type NodePacket interface {
	nodePacketTag() nodeTag
}

type nodeTag uint8

const (
	tagRequestPeers nodeTag = iota
	tagPeerList
	tagNotifyPublicAddress
	tagRequestSeenAddress
	tagNotifySeenAddress
	tagRequestNetworkCoordinates
	tagNotifyNetworkCoordinates
	tagTraversal
	tagData
)

// PeerListEntry is one (RemoteID, Address) pair in a PeerList reply.
type PeerListEntry struct {
	ID   RemoteID
	Addr string
}

// RequestPeers asks the remote for a PeerList.
type RequestPeers struct{}

func (RequestPeers) nodePacketTag() nodeTag { return tagRequestPeers }

// PeerList replies with up to MaxPeerList known (RemoteID, Address) pairs.
type PeerList struct {
	Peers []PeerListEntry
}

func (PeerList) nodePacketTag() nodeTag { return tagPeerList }

// NotifyPublicAddress informs the remote of an address it can be reached at.
type NotifyPublicAddress struct {
	Addr string
}

func (NotifyPublicAddress) nodePacketTag() nodeTag { return tagNotifyPublicAddress }

// RequestSeenAddress asks the remote what address it observed us connecting from.
type RequestSeenAddress struct{}

func (RequestSeenAddress) nodePacketTag() nodeTag { return tagRequestSeenAddress }

// NotifySeenAddress answers RequestSeenAddress.
type NotifySeenAddress struct {
	Addr string
}

func (NotifySeenAddress) nodePacketTag() nodeTag { return tagNotifySeenAddress }

// RequestNetworkCoordinates asks the remote to push its current Coordinates.
type RequestNetworkCoordinates struct{}

func (RequestNetworkCoordinates) nodePacketTag() nodeTag { return tagRequestNetworkCoordinates }

// NotifyNetworkCoordinates carries the sender's (in, out) coordinate vectors.
type NotifyNetworkCoordinates struct {
	In  []float64
	Out []float64
}

func (NotifyNetworkCoordinates) nodePacketTag() nodeTag { return tagNotifyNetworkCoordinates }

// Traversal forwards an opaque encrypted payload toward a destination
// coordinate, addressed to a final RemoteID recipient.
type Traversal struct {
	Destination    []float64
	Recipient      RemoteID
	EncryptedBytes []byte
}

func (Traversal) nodePacketTag() nodeTag { return tagTraversal }

// Data carries an application-opaque byte payload.
type Data struct {
	Payload []byte
}

func (Data) nodePacketTag() nodeTag { return tagData }

// -------------------------------------------------------------------------
// PingingPacket — the wire frame
// -------------------------------------------------------------------------

// PingingPacket is the sole unit ever written to or read from a session's
// byte stream: an optional inner NodePacket, an optional ping id requesting
// acknowledgement, and an optional ping id acknowledging a prior request.
type PingingPacket struct {
	Inner   NodePacket
	PingID  *uint32
	AckPing *uint32
}

const (
	flagHasInner   = 1 << 0
	flagHasPingID  = 1 << 1
	flagHasAckPing = 1 << 2
)

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// Encode appends the length-prefixed wire encoding of pkt to dst and returns
// the extended slice. Encoding never fails for a well-formed in-memory
// PingingPacket.
func Encode(dst []byte, pkt *PingingPacket) ([]byte, error) {
	body, err := encodeBody(pkt)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameLen {
		return nil, fmt.Errorf("encode packet: %w", ErrFrameTooLarge)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	dst = append(dst, lenBuf[:n]...)
	dst = append(dst, body...)
	return dst, nil
}

func encodeBody(pkt *PingingPacket) ([]byte, error) {
	var flags byte
	if pkt.Inner != nil {
		flags |= flagHasInner
	}
	if pkt.PingID != nil {
		flags |= flagHasPingID
	}
	if pkt.AckPing != nil {
		flags |= flagHasAckPing
	}

	buf := make([]byte, 0, 32)
	buf = append(buf, flags)

	if pkt.PingID != nil {
		buf = appendUvarint(buf, uint64(*pkt.PingID))
	}
	if pkt.AckPing != nil {
		buf = appendUvarint(buf, uint64(*pkt.AckPing))
	}
	if pkt.Inner != nil {
		var err error
		buf, err = encodeNodePacket(buf, pkt.Inner)
		if err != nil {
			return nil, err
		}
	}

	return buf, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	buf = appendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendFloat64s(buf []byte, vs []float64) []byte {
	buf = appendUvarint(buf, uint64(len(vs)))
	for _, v := range vs {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func encodeNodePacket(buf []byte, np NodePacket) ([]byte, error) {
	tag := np.nodePacketTag()
	buf = append(buf, byte(tag))

	switch p := np.(type) {
	case RequestPeers:
		// no body
	case PeerList:
		if len(p.Peers) > MaxPeerList {
			return nil, fmt.Errorf("encode PeerList: %d entries: %w", len(p.Peers), ErrFieldTooLarge)
		}
		buf = appendUvarint(buf, uint64(len(p.Peers)))
		for _, e := range p.Peers {
			buf = append(buf, e.ID[:]...)
			buf = appendLenPrefixed(buf, []byte(e.Addr))
		}
	case NotifyPublicAddress:
		buf = appendLenPrefixed(buf, []byte(p.Addr))
	case RequestSeenAddress:
		// no body
	case NotifySeenAddress:
		buf = appendLenPrefixed(buf, []byte(p.Addr))
	case RequestNetworkCoordinates:
		// no body
	case NotifyNetworkCoordinates:
		buf = appendFloat64s(buf, p.In)
		buf = appendFloat64s(buf, p.Out)
	case Traversal:
		buf = appendFloat64s(buf, p.Destination)
		buf = append(buf, p.Recipient[:]...)
		buf = appendLenPrefixed(buf, p.EncryptedBytes)
	case Data:
		buf = appendLenPrefixed(buf, p.Payload)
	default:
		return nil, fmt.Errorf("encode node packet: %w", ErrUnknownTag)
	}

	return buf, nil
}

// -------------------------------------------------------------------------
// Decoding
// -------------------------------------------------------------------------

// FrameDecoder decodes a stream of length-prefixed PingingPacket frames. It
// reuses one growing buffer across calls so steady-state operation performs
// no per-packet allocation beyond what the decoded packet's own fields need.
type FrameDecoder struct {
	r   *bufio.Reader
	buf []byte
}

// NewFrameDecoder wraps r for decoding.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: bufio.NewReader(r), buf: make([]byte, 0, 256)}
}

// Decode reads and decodes the next frame. A malformed frame returns an
// error wrapping ErrMalformedPacket; the caller must treat this as fatal to
// the session, per policy.
func (d *FrameDecoder) Decode() (*PingingPacket, error) {
	frameLen, err := binary.ReadUvarint(d.r)
	if err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if frameLen > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d: %w", frameLen, ErrFrameTooLarge)
	}

	if cap(d.buf) < int(frameLen) {
		d.buf = make([]byte, frameLen)
	}
	body := d.buf[:frameLen]
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	pkt, err := decodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	return pkt, nil
}

type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) uvarint() (uint64, error) {
	v, n := binary.Uvarint(c.b[c.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated varint: %w", ErrMalformedPacket)
	}
	c.pos += n
	return v, nil
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.b) {
		return nil, fmt.Errorf("truncated field (need %d, have %d): %w", n, len(c.b)-c.pos, ErrMalformedPacket)
	}
	out := c.b[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) byte() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) lenPrefixed(maxLen int) ([]byte, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(maxLen) {
		return nil, fmt.Errorf("field length %d exceeds max %d: %w", n, maxLen, ErrFieldTooLarge)
	}
	raw, err := c.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (c *cursor) floats() ([]float64, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if n > MaxDim {
		return nil, fmt.Errorf("vector dimension %d exceeds max %d: %w", n, MaxDim, ErrFieldTooLarge)
	}
	out := make([]float64, n)
	for i := range out {
		raw, err := c.take(8)
		if err != nil {
			return nil, err
		}
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw))
	}
	return out, nil
}

func (c *cursor) remoteID() (RemoteID, error) {
	var id RemoteID
	raw, err := c.take(len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}

func decodeBody(body []byte) (*PingingPacket, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("empty frame body: %w", ErrMalformedPacket)
	}

	c := &cursor{b: body}
	flags, err := c.byte()
	if err != nil {
		return nil, err
	}

	pkt := &PingingPacket{}

	if flags&flagHasPingID != 0 {
		v, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		id := uint32(v)
		pkt.PingID = &id
	}
	if flags&flagHasAckPing != 0 {
		v, err := c.uvarint()
		if err != nil {
			return nil, err
		}
		id := uint32(v)
		pkt.AckPing = &id
	}
	if flags&flagHasInner != 0 {
		inner, err := decodeNodePacket(c)
		if err != nil {
			return nil, err
		}
		pkt.Inner = inner
	}

	return pkt, nil
}

func decodeNodePacket(c *cursor) (NodePacket, error) {
	tagByte, err := c.byte()
	if err != nil {
		return nil, err
	}

	switch nodeTag(tagByte) {
	case tagRequestPeers:
		return RequestPeers{}, nil
	case tagPeerList:
		return decodePeerList(c)
	case tagNotifyPublicAddress:
		addr, err := c.lenPrefixed(MaxAddrLen)
		if err != nil {
			return nil, err
		}
		if len(addr) == 0 {
			return nil, fmt.Errorf("NotifyPublicAddress: empty address: %w", ErrMalformedPacket)
		}
		return NotifyPublicAddress{Addr: string(addr)}, nil
	case tagRequestSeenAddress:
		return RequestSeenAddress{}, nil
	case tagNotifySeenAddress:
		addr, err := c.lenPrefixed(MaxAddrLen)
		if err != nil {
			return nil, err
		}
		if len(addr) == 0 {
			return nil, fmt.Errorf("NotifySeenAddress: empty address: %w", ErrMalformedPacket)
		}
		return NotifySeenAddress{Addr: string(addr)}, nil
	case tagRequestNetworkCoordinates:
		return RequestNetworkCoordinates{}, nil
	case tagNotifyNetworkCoordinates:
		in, err := c.floats()
		if err != nil {
			return nil, err
		}
		out, err := c.floats()
		if err != nil {
			return nil, err
		}
		return NotifyNetworkCoordinates{In: in, Out: out}, nil
	case tagTraversal:
		return decodeTraversal(c)
	case tagData:
		payload, err := c.lenPrefixed(MaxBlobLen)
		if err != nil {
			return nil, err
		}
		return Data{Payload: payload}, nil
	default:
		return nil, fmt.Errorf("tag %d: %w", tagByte, ErrUnknownTag)
	}
}

func decodePeerList(c *cursor) (NodePacket, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if n > MaxPeerList {
		return nil, fmt.Errorf("PeerList count %d exceeds max %d: %w", n, MaxPeerList, ErrFieldTooLarge)
	}
	entries := make([]PeerListEntry, n)
	for i := range entries {
		id, err := c.remoteID()
		if err != nil {
			return nil, err
		}
		addr, err := c.lenPrefixed(MaxAddrLen)
		if err != nil {
			return nil, err
		}
		if len(addr) == 0 {
			return nil, fmt.Errorf("PeerList entry %d: empty address: %w", i, ErrMalformedPacket)
		}
		entries[i] = PeerListEntry{ID: id, Addr: string(addr)}
	}
	return PeerList{Peers: entries}, nil
}

func decodeTraversal(c *cursor) (NodePacket, error) {
	dest, err := c.floats()
	if err != nil {
		return nil, err
	}
	recipient, err := c.remoteID()
	if err != nil {
		return nil, err
	}
	blob, err := c.lenPrefixed(MaxBlobLen)
	if err != nil {
		return nil, err
	}
	return Traversal{Destination: dest, Recipient: recipient, EncryptedBytes: blob}, nil
}
