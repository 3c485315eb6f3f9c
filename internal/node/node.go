// Package node implements the controller: a single cooperative task that
// owns the entity store, drains one event per turn, runs the fixed system
// schedule, and routes external actions in from, and events out to, the
// collaborator embedding this module. Grounded on internal/bfd/manager.go's
// dispatch goroutine (drain one channel read, do bookkeeping, fan out) and
// cmd/gobfd/main.go's errgroup-orchestrated daemon wiring.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dither/ditherd/internal/discovery"
	"github.com/dither/ditherd/internal/entity"
	"github.com/dither/ditherd/internal/latency"
	ditherdmetrics "github.com/dither/ditherd/internal/metrics"
	"github.com/dither/ditherd/internal/nc"
	"github.com/dither/ditherd/internal/router"
	"github.com/dither/ditherd/internal/session"
	"github.com/dither/ditherd/internal/transport"
	"github.com/dither/ditherd/internal/wire"
)

// Tick is the controller's timer period, marking the NC update flag once
// per period regardless of other traffic.
const Tick = 500 * time.Millisecond

// Channel capacities bound the controller's external-facing queues; a full
// channel is backpressure toward the producer, per the resource model's
// "bounded channels where backpressure must flow toward external producers."
const (
	eventChanSize    = 256
	sessionEventSize = 256
	actionChanSize   = 64
)

// ExternalAction is an input from the collaborator embedding this node.
type ExternalAction interface{ isExternalAction() }

// Connect attempts a connection to id at address if not already live.
type Connect struct {
	ID        wire.RemoteID
	Address   string
	PublicKey []byte
}

func (Connect) isExternalAction() {}

// ForwardPacket sends an arbitrary NodePacket to the named peer.
type ForwardPacket struct {
	To     entity.Handle
	Packet wire.NodePacket
}

func (ForwardPacket) isExternalAction() {}

// FindRouter asks the router to locate a peer near a coordinate.
type FindRouter struct {
	Destination []float64
}

func (FindRouter) isExternalAction() {}

// EstablishRoute is the future-oriented onion-routing hook; the controller
// accepts it and logs the hop count, and nothing else acts on it, matching
// spec.md's "router is the hook point" note.
type EstablishRoute struct {
	Path []entity.Handle
}

func (EstablishRoute) isExternalAction() {}

// GetInfo requests a snapshot event: self ID, listener config, coordinates,
// and every known (id, entity) pair.
type GetInfo struct{}

func (GetInfo) isExternalAction() {}

// GetRemoteInfo requests a snapshot of one entity's latency metrics,
// coordinates, and predicted latencies.
type GetRemoteInfo struct {
	Handle entity.Handle
}

func (GetRemoteInfo) isExternalAction() {}

// ExternalEvent is an output to the collaborator.
type ExternalEvent interface{ isExternalEvent() }

// NewConnectionEvent reports a freshly established connection.
type NewConnectionEvent struct {
	ID      wire.RemoteID
	Address string
}

func (NewConnectionEvent) isExternalEvent() {}

// InfoEvent answers GetInfo.
type InfoEvent struct {
	SelfID      wire.RemoteID
	Listener    transport.ListenerConfig
	Coordinates nc.Coordinates
	Entities    map[entity.Handle]entity.Record
}

func (InfoEvent) isExternalEvent() {}

// RemoteInfoEvent answers GetRemoteInfo.
type RemoteInfoEvent struct {
	Handle            entity.Handle
	ID                wire.RemoteID
	Coordinates       entity.Coordinates
	MinLatency        time.Duration
	PredictedOutgoing float64
	PredictedIncoming float64
}

func (RemoteInfoEvent) isExternalEvent() {}

// sessionEvent pairs a session.Event with the entity it came from, so the
// controller can route it without the session worker knowing its own handle.
type sessionEvent struct {
	handle entity.Handle
	event  session.Event
}

// Controller is the single cooperative task described in spec.md §4.8.
type Controller struct {
	selfID      wire.RemoteID
	listenerCfg transport.ListenerConfig
	tr          transport.Transport
	store       *entity.Store
	nc          *nc.Engine
	policy      discovery.Policy
	logger      *slog.Logger
	metrics     *ditherdmetrics.Collector

	latencyMetrics map[entity.Handle]*latency.Metrics
	sessionWorkers map[entity.Handle]*session.Worker
	pktObserved    map[entity.Handle][2]uint64 // [sent, received] at last sample

	sessionEvents chan sessionEvent
	actions       chan ExternalAction
	events        chan ExternalEvent

	ncDue    bool
	lastPush map[entity.Handle]time.Time

	now func() time.Time
}

// Config configures a new Controller.
type Config struct {
	SelfID         wire.RemoteID
	ListenerConfig transport.ListenerConfig
	Transport      transport.Transport
	Policy         discovery.Policy
	Seed           func() float64
	Logger         *slog.Logger

	// Metrics, if non-nil, is fed peer counts, RTT observations, NC cost,
	// traversal decisions, and per-session packet counters every turn.
	Metrics *ditherdmetrics.Collector
}

// New returns an unstarted Controller. cfg.Seed, if nil, defaults to a
// fixed-point seed; callers should pass a crypto/rand-backed source in
// production so distinct nodes don't start from identical coordinates.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == nil {
		seed = func() float64 { return 0.5 }
	}
	return &Controller{
		selfID:         cfg.SelfID,
		listenerCfg:    cfg.ListenerConfig,
		tr:             cfg.Transport,
		store:          entity.NewStore(),
		nc:             nc.NewEngine(nc.Dimensions, seed),
		policy:         cfg.Policy,
		logger:         logger.With(slog.String("component", "node.controller")),
		metrics:        cfg.Metrics,
		latencyMetrics: make(map[entity.Handle]*latency.Metrics),
		sessionWorkers: make(map[entity.Handle]*session.Worker),
		pktObserved:    make(map[entity.Handle][2]uint64),
		sessionEvents:  make(chan sessionEvent, sessionEventSize),
		actions:        make(chan ExternalAction, actionChanSize),
		events:         make(chan ExternalEvent, eventChanSize),
		lastPush:       make(map[entity.Handle]time.Time),
		now:            time.Now,
	}
}

// Actions returns the channel the collaborator sends external actions on.
func (c *Controller) Actions() chan<- ExternalAction { return c.actions }

// Events returns the channel the collaborator reads external events from.
func (c *Controller) Events() <-chan ExternalEvent { return c.events }

// Run drives the controller until ctx is cancelled or the incoming
// connection stream closes with no sessions left.
func (c *Controller) Run(ctx context.Context, conns <-chan transport.Connection) error {
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.teardownAll()
			return nil

		case conn, ok := <-conns:
			if !ok {
				if len(c.sessionWorkers) == 0 {
					c.teardownAll()
					return nil
				}
				conns = nil
				continue
			}
			c.handleConnection(conn)
			c.runSchedule()

		case se := <-c.sessionEvents:
			c.handleSessionEvent(se)
			c.runSchedule()
			if conns == nil && len(c.sessionWorkers) == 0 {
				c.teardownAll()
				return nil
			}

		case act := <-c.actions:
			c.handleExternalAction(act)
			c.runSchedule()

		case <-ticker.C:
			c.ncDue = true
			c.runSchedule()
		}
	}
}

// teardownAll closes every live session's action channel, which is how a
// dropped Session handle signals the worker to exit (spec.md §5).
func (c *Controller) teardownAll() {
	c.store.Each(func(_ entity.Handle, rec *entity.Record) {
		if rec.Session != nil {
			close(rec.Session.Actions)
		}
	})
}

// handleConnection creates or updates an entity for a newly reported
// Connection and starts its session worker.
func (c *Controller) handleConnection(conn transport.Connection) {
	h, ok := c.store.Lookup(conn.RemoteID)
	if !ok {
		h = c.store.Create()
		if err := c.store.BindRemoteID(h, conn.RemoteID); err != nil {
			if errors.Is(err, entity.ErrDuplicateRemoteID) {
				c.logger.Warn("invariant violation: duplicate remote id", slog.String("id", conn.RemoteID.String()))
			}
			c.store.Remove(h)
			return
		}
	}

	if _, ok := c.latencyMetrics[h]; !ok {
		c.latencyMetrics[h] = latency.New()
	}

	events := make(chan session.Event, 32)
	actionsAny := make(chan any, 16)
	done := make(chan struct{})

	w := session.New(conn.Conn, c.selfID, events, c.logger)
	workerCtx, cancel := context.WithCancel(context.Background())

	go func() {
		defer cancel()
		for a := range actionsAny {
			act, ok := a.(session.Action)
			if !ok {
				continue
			}
			select {
			case w.Actions() <- act:
			case <-workerCtx.Done():
				return
			}
		}
	}()
	go func() {
		w.Run(workerCtx)
		close(done)
	}()
	go c.pumpEvents(h, events)

	c.store.Mutate(h, func(rec *entity.Record) {
		addr := conn.IncomingAddress
		rec.SessionInfo = &entity.SessionInfo{
			Address:         addr,
			RemotePublicKey: conn.RemotePublicKey,
			PersistentState: conn.PersistentState,
		}
		rec.Session = &entity.SessionHandle{Actions: actionsAny, Done: done}
		rec.ConnReceiver = conn.RequestedByUs
		c.sessionWorkers[h] = w
		c.pktObserved[h] = [2]uint64{}
		if rec.LatencyMetrics == nil {
			rec.LatencyMetrics = &entity.LatencyMetricsComponent{}
		}
	})

	c.emit(NewConnectionEvent{ID: conn.RemoteID, Address: conn.IncomingAddress})

	// §4.4: on session establishment, request peers and coordinates in both
	// directions so discovery and the NC engine have something to bootstrap
	// from; neither side would otherwise ever initiate these exchanges.
	actionsAny <- session.SendPacket{Packet: wire.RequestPeers{}}
	actionsAny <- session.SendPacket{Packet: wire.RequestNetworkCoordinates{}}

	// §4.4 asymmetry: the side that dialed out asks first who the remote saw
	// it connecting from, so it can learn its own public address.
	if conn.RequestedByUs {
		actionsAny <- session.SendPacket{Packet: wire.RequestSeenAddress{}}
	}
}

func (c *Controller) pumpEvents(h entity.Handle, events chan session.Event) {
	for ev := range events {
		c.sessionEvents <- sessionEvent{handle: h, event: ev}
	}
}

func (c *Controller) handleSessionEvent(se sessionEvent) {
	switch ev := se.event.(type) {
	case session.LatencyMeasurementEvent:
		c.recordLatency(se.handle, ev.RTT)

	case session.PacketEvent:
		c.handleNodePacket(se.handle, ev.Packet)

	case session.TraversalSelfEvent:
		c.logger.Info("traversal delivered locally", slog.String("from", se.handle.String()))

	case session.ExitEvent:
		c.handleSessionExit(se.handle, ev.Err)
	}
}

func (c *Controller) recordLatency(h entity.Handle, rtt time.Duration) {
	m, ok := c.latencyMetrics[h]
	if !ok {
		m = latency.New()
		c.latencyMetrics[h] = m
	}
	m.Record(rtt)

	minLat, _ := m.MinLatency()
	now := c.now()
	c.store.Mutate(h, func(rec *entity.Record) {
		rec.LatencyMetrics = &entity.LatencyMetricsComponent{
			WindowLen:  m.Len(),
			MinMicros:  minLat.Microseconds(),
			LastUpdate: now,
		}
	})

	if c.metrics != nil {
		c.metrics.ObserveRTT(c.peerLabel(h), rtt.Seconds())
	}
}

// peerLabel returns the short hex prefix of an entity's RemoteID (its
// String form, the first 8 bytes), for use as a metrics label, or "unknown"
// if the entity has no bound RemoteID yet.
func (c *Controller) peerLabel(h entity.Handle) string {
	rec, ok := c.store.Get(h)
	if !ok || rec.RemoteID == nil {
		return "unknown"
	}
	return rec.RemoteID.String()
}

func (c *Controller) handleNodePacket(h entity.Handle, pkt wire.NodePacket) {
	rec, ok := c.store.Get(h)
	if !ok {
		return
	}

	switch p := pkt.(type) {
	case wire.RequestPeers:
		for _, a := range discovery.HandleRequestPeers(c.store, h, c.policy) {
			c.dispatchDiscoveryAction(a)
		}
	case wire.PeerList:
		for _, a := range discovery.HandlePeerList(c.store, p) {
			c.dispatchDiscoveryAction(a)
		}
	case wire.RequestSeenAddress:
		observed := ""
		if rec.SessionInfo != nil {
			observed = rec.SessionInfo.Address
		}
		for _, a := range discovery.HandleRequestSeenAddress(h, observed) {
			c.dispatchDiscoveryAction(a)
		}
	case wire.NotifySeenAddress:
		for _, a := range discovery.HandleNotifySeenAddress(c.store, h, p, rec.ConnReceiver, c.predictPublicAddresses, c.logger) {
			c.dispatchDiscoveryAction(a)
		}
	case wire.NotifyPublicAddress:
		discovery.HandleNotifyPublicAddress(c.store, h, p, c.logger)
	case wire.RequestNetworkCoordinates:
		own := c.nc.Own()
		c.sendTo(h, wire.NotifyNetworkCoordinates{In: own.In, Out: own.Out})
	case wire.NotifyNetworkCoordinates:
		c.store.Mutate(h, func(rec *entity.Record) {
			rec.Coordinates = &entity.Coordinates{In: p.In, Out: p.Out}
		})
	case wire.Traversal:
		c.routeTraversal(p)
	case wire.Data:
		// Application-opaque; nothing to do at this layer.
	}
}

func (c *Controller) routeTraversal(pkt wire.Traversal) {
	result := router.Route(c.store, c.selfID, pkt, c.logger)
	if c.metrics != nil {
		c.metrics.IncTraversalDecision(result.Decision.String())
	}
	switch result.Decision {
	case router.DecisionForward:
		c.sendTo(result.Next, pkt)
	case router.DecisionDeliverLocal:
		c.logger.Info("traversal addressed to self")
	case router.DecisionDrop:
		c.logger.Warn("dropping traversal: no route")
	}
}

func (c *Controller) dispatchDiscoveryAction(a discovery.Action) {
	if a.Connect != nil {
		c.dial(a.Connect.ID, a.Connect.Addr, nil)
		return
	}
	c.sendTo(a.SendTo, a.Send)
}

func (c *Controller) predictPublicAddresses(observed string) []string {
	return c.tr.PredictPublicAddresses(observed, c.listenerCfg)
}

// handleSessionExit preserves SessionInfo and LatencyMetrics so the peer can
// be re-dialled, dropping only the live Session component, per spec.md §4.8.
func (c *Controller) handleSessionExit(h entity.Handle, err error) {
	if err != nil {
		c.logger.Warn("session exited", slog.String("entity", h.String()), slog.Any("error", err))
	}
	c.store.Mutate(h, func(rec *entity.Record) {
		if rec.Session != nil {
			close(rec.Session.Actions)
		}
		rec.Session = nil
	})
	delete(c.sessionWorkers, h)
	delete(c.pktObserved, h)
}

func (c *Controller) handleExternalAction(act ExternalAction) {
	switch a := act.(type) {
	case Connect:
		c.dial(a.ID, a.Address, a.PublicKey)
	case ForwardPacket:
		c.sendTo(a.To, a.Packet)
	case FindRouter:
		result := router.Route(c.store, c.selfID, wire.Traversal{Destination: a.Destination, Recipient: c.selfID}, c.logger)
		c.logger.Info("find router", slog.Int("decision", int(result.Decision)))
	case EstablishRoute:
		c.logger.Info("establish route requested (hook only)", slog.Int("hops", len(a.Path)))
	case GetInfo:
		c.emitInfo()
	case GetRemoteInfo:
		c.emitRemoteInfo(a.Handle)
	}
}

func (c *Controller) dial(id wire.RemoteID, addr string, pubKey []byte) {
	if _, known := c.store.Lookup(id); known {
		return
	}
	if err := c.tr.Connect(context.Background(), id, addr, pubKey, nil); err != nil {
		c.logger.Warn("connect failed", slog.String("address", addr), slog.Any("error", err))
	}
}

func (c *Controller) sendTo(h entity.Handle, pkt wire.NodePacket) {
	rec, ok := c.store.Get(h)
	if !ok || rec.Session == nil {
		return
	}
	select {
	case rec.Session.Actions <- session.SendPacket{Packet: pkt}:
	default:
		c.logger.Warn("session action channel full, dropping packet", slog.String("entity", h.String()))
	}
}

func (c *Controller) emitInfo() {
	entities := make(map[entity.Handle]entity.Record)
	c.store.Each(func(h entity.Handle, rec *entity.Record) {
		entities[h] = *rec
	})
	c.emit(InfoEvent{
		SelfID:      c.selfID,
		Listener:    c.listenerCfg,
		Coordinates: c.nc.Own(),
		Entities:    entities,
	})
}

func (c *Controller) emitRemoteInfo(h entity.Handle) {
	rec, ok := c.store.Get(h)
	if !ok {
		// UnknownEntity: logged, no event emitted, per spec.md §7.
		c.logger.Warn("GetRemoteInfo: unknown entity", slog.String("entity", h.String()))
		return
	}
	if rec.RemoteID == nil || rec.Coordinates == nil {
		return
	}

	own := c.nc.Own()
	ev := RemoteInfoEvent{
		Handle:            h,
		ID:                *rec.RemoteID,
		Coordinates:       *rec.Coordinates,
		PredictedOutgoing: nc.PredictLatencyMS(own.Out, rec.Coordinates.In),
		PredictedIncoming: nc.PredictLatencyMS(rec.Coordinates.Out, own.In),
	}
	if m, ok := c.latencyMetrics[h]; ok {
		ev.MinLatency, _ = m.MinLatency()
	}
	c.emit(ev)
}

func (c *Controller) emit(ev ExternalEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("dropping external event, channel full", slog.String("event", fmt.Sprintf("%T", ev)))
	}
}

// runSchedule executes the fixed per-turn system schedule exactly once:
// latency -> discovery -> NC controller flag -> weights -> NC step -> push.
// Discovery has no standalone per-turn work: it is entirely event-driven
// from handleNodePacket, so only latency and the NC phases run here.
func (c *Controller) runSchedule() {
	c.runLatencySystem()
	c.reportPacketMetrics()

	if !c.ncDue {
		return
	}
	c.ncDue = false

	samples, handles := c.collectNCSamples()
	coords, improved, err := c.nc.Update(samples)
	if err != nil {
		if errors.Is(err, nc.ErrNoPeers) || errors.Is(err, nc.ErrDegenerateWeights) {
			return
		}
		c.logger.Warn("nc update failed", slog.Any("error", err))
		return
	}
	if improved {
		if c.metrics != nil {
			c.metrics.SetNCCost(c.nc.LastCost())
		}
		c.pushCoordinates(coords, handles)
	}
}

// reportPacketMetrics samples the known peer count and every live session
// worker's lifetime packet counters, forwarding deltas to the collector.
func (c *Controller) reportPacketMetrics() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetPeerCount(c.store.Len())

	for h, w := range c.sessionWorkers {
		sent := w.PacketsSent()
		recv := w.PacketsReceived()
		prev := c.pktObserved[h]

		peerID := c.peerLabel(h)
		c.metrics.AddPacketsSent(peerID, float64(sent-prev[0]))
		c.metrics.AddPacketsReceived(peerID, float64(recv-prev[1]))

		c.pktObserved[h] = [2]uint64{sent, recv}
	}
}

// runLatencySystem asks every live session's latency.Metrics how many more
// pings it wants this cycle and dispatches SetDesiredPingCount accordingly.
func (c *Controller) runLatencySystem() {
	c.store.Each(func(h entity.Handle, rec *entity.Record) {
		if rec.Session == nil {
			return
		}
		m, ok := c.latencyMetrics[h]
		if !ok {
			return
		}

		switch n, ok := m.HowManyMorePings(); {
		case ok && n > 0:
			m.MarkPingOutstanding()
			select {
			case rec.Session.Actions <- session.SetDesiredPingCount{N: n}:
			default:
			}
		case !ok:
			// A ping is already outstanding; nothing more to ask for.
		case m.NeedsNudge():
			// Window is full and not yet stale by the 3s timeout rule, but
			// idle long enough to warrant a one-shot nudge (spec.md §4.5).
			m.MarkPingOutstanding()
			select {
			case rec.Session.Actions <- session.SetDesiredPingCount{N: 1}:
			default:
			}
		}
	})
}

func (c *Controller) collectNCSamples() ([]nc.Sample, []entity.Handle) {
	var samples []nc.Sample
	var handles []entity.Handle

	now := c.now()
	c.store.Each(func(h entity.Handle, rec *entity.Record) {
		if rec.Coordinates == nil || rec.LatencyMetrics == nil || rec.LatencyMetrics.MinMicros <= 0 {
			return
		}
		samples = append(samples, nc.Sample{
			RemoteIn:    rec.Coordinates.In,
			RemoteOut:   rec.Coordinates.Out,
			LatencyMS:   float64(rec.LatencyMetrics.MinMicros) / 1000.0,
			SinceUpdate: now.Sub(rec.LatencyMetrics.LastUpdate),
		})
		handles = append(handles, h)
	})
	return samples, handles
}

// pushCoordinates notifies every sampled peer of the new coordinates,
// coalesced to at most one notification per peer per nc.PushCoalesce.
func (c *Controller) pushCoordinates(coords nc.Coordinates, handles []entity.Handle) {
	now := c.now()
	for _, h := range handles {
		if last, ok := c.lastPush[h]; ok && now.Sub(last) < nc.PushCoalesce {
			continue
		}
		c.lastPush[h] = now
		c.sendTo(h, wire.NotifyNetworkCoordinates{In: coords.In, Out: coords.Out})
	}
}
