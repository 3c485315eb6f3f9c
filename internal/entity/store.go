// Package entity implements the local per-remote data store: one handle per
// known remote peer, carrying an optional bag of typed components. Absence
// of a component means that facet does not yet apply to the remote.
package entity

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dither/ditherd/internal/wire"
)

// Handle is a stable, opaque identifier for one remote peer entity.
type Handle uuid.UUID

// NewHandle allocates a fresh, random Handle.
func NewHandle() Handle {
	return Handle(uuid.New())
}

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// SessionInfo is the last known network address, remote public key, and
// opaque persistent-state token for a remote.
type SessionInfo struct {
	Address         string
	RemotePublicKey []byte
	PersistentState []byte
}

// SessionHandle is the live session component: an action-sender to the
// worker task plus its completion signal. The concrete worker type lives in
// package session; entity only needs to route actions and observe exit.
type SessionHandle struct {
	Actions chan<- any
	Done    <-chan struct{}
}

// Coordinates is a peer's self-reported (in, out) vector pair.
type Coordinates struct {
	In  []float64
	Out []float64
}

// Record is the full bag of optional components for one entity. A nil
// pointer field means that component is absent.
type Record struct {
	RemoteID         *wire.RemoteID
	SessionInfo      *SessionInfo
	Session          *SessionHandle
	LatencyMetrics   *LatencyMetricsComponent
	Coordinates      *Coordinates
	CoordinateWeight *float64
	PublicAddress    *string
	SeenAddr         *string
	ConnReceiver     bool
}

// LatencyMetricsComponent is a narrow view of the latency package's Metrics
// type sufficient for cross-package component storage without an import
// cycle; package latency associates richer behavior with the same shape.
type LatencyMetricsComponent struct {
	WindowLen  int
	MinMicros  int64
	LastUpdate time.Time
}

// ErrDuplicateRemoteID is an InvariantViolation: a second entity attempted to
// claim a RemoteID already bound to a different live entity.
var ErrDuplicateRemoteID = errors.New("duplicate remote id mapping")

// Store is the controller-owned collection of entities. It is never touched
// concurrently by session workers; only the controller goroutine calls it.
type Store struct {
	mu        sync.RWMutex
	records   map[Handle]*Record
	remoteMap map[wire.RemoteID]Handle
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		records:   make(map[Handle]*Record),
		remoteMap: make(map[wire.RemoteID]Handle),
	}
}

// Create allocates a new entity with an empty component bag and returns its handle.
func (s *Store) Create() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := NewHandle()
	s.records[h] = &Record{}
	return h
}

// Remove deletes an entity and its RemoteID mapping, if any.
func (s *Store) Remove(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[h]
	if !ok {
		return
	}
	if rec.RemoteID != nil {
		delete(s.remoteMap, *rec.RemoteID)
	}
	delete(s.records, h)
}

// Get returns a copy of the entity's component bag and whether it exists.
func (s *Store) Get(h Handle) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[h]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Mutate applies fn to the entity's live Record under the store lock. fn
// must not retain rec beyond the call. Returns false if the entity does not exist.
func (s *Store) Mutate(h Handle, fn func(rec *Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[h]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// BindRemoteID associates id with h, maintaining the RemoteIDMap invariant
// that the mapping is bijective over live entities. Returns
// ErrDuplicateRemoteID (logged by the caller as an InvariantViolation and
// otherwise skipped) if id is already bound to a different entity.
func (s *Store) BindRemoteID(h Handle, id wire.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[h]
	if !ok {
		return errors.New("entity: bind remote id: unknown handle")
	}

	if existing, bound := s.remoteMap[id]; bound && existing != h {
		return ErrDuplicateRemoteID
	}

	rec.RemoteID = &id
	s.remoteMap[id] = h
	return nil
}

// Lookup resolves a RemoteID to its entity handle.
func (s *Store) Lookup(id wire.RemoteID) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.remoteMap[id]
	return h, ok
}

// Each calls fn once per live entity under a read lock. fn must not call
// back into the Store.
func (s *Store) Each(fn func(h Handle, rec *Record)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for h, rec := range s.records {
		fn(h, rec)
	}
}

// Len reports the number of live entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
