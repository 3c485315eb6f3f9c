// Package discovery implements the peer-discovery protocol: bounded
// peer-list exchange and public-address learning, yielding new connection
// attempts for peers not already known.
package discovery

import (
	"log/slog"

	"github.com/dither/ditherd/internal/entity"
	"github.com/dither/ditherd/internal/wire"
)

// UntrustedPeerFanout bounds how many of our own peers are sent a
// RequestPeers when an untrusted/large-network policy applies, instead of a
// direct PeerList reply.
const UntrustedPeerFanout = 5

// Policy configures the discovery system's trust posture.
type Policy struct {
	// UntrustedPeers, when true, makes a RequestPeers get no PeerList reply;
	// a RequestPeers is sent on to a bounded subset of peers instead.
	UntrustedPeers bool
}

// Action is something the discovery system wants the controller to do on
// its behalf: send a packet to an entity, or attempt a new connection.
type Action struct {
	SendTo  entity.Handle
	Send    wire.NodePacket
	Connect *ConnectRequest
}

// ConnectRequest asks the controller to dial a newly learned peer.
type ConnectRequest struct {
	ID   wire.RemoteID
	Addr string
}

// HandleRequestPeers answers a RequestPeers from the given entity, per the
// configured Policy. Under the default (trusted) policy it replies with up
// to MaxPeerList (RemoteID, PublicAddress) pairs drawn from entities that
// have a known PublicAddress, excluding the requester itself. Under the
// untrusted-peer policy it instead sends a RequestPeers to up to
// UntrustedPeerFanout other entities that have a live Session; there is no
// WantPeer packet, and the requester receives no reply or notified count.
func HandleRequestPeers(store *entity.Store, requester entity.Handle, policy Policy) []Action {
	if policy.UntrustedPeers {
		return handleUntrustedRequestPeers(store, requester)
	}

	var peers []wire.PeerListEntry
	store.Each(func(h entity.Handle, rec *entity.Record) {
		if h == requester || rec.RemoteID == nil || rec.PublicAddress == nil {
			return
		}
		if len(peers) >= wire.MaxPeerList {
			return
		}
		peers = append(peers, wire.PeerListEntry{ID: *rec.RemoteID, Addr: *rec.PublicAddress})
	})

	return []Action{{SendTo: requester, Send: wire.PeerList{Peers: peers}}}
}

func handleUntrustedRequestPeers(store *entity.Store, requester entity.Handle) []Action {
	var actions []Action
	notified := 0

	store.Each(func(h entity.Handle, rec *entity.Record) {
		if h == requester || notified >= UntrustedPeerFanout {
			return
		}
		if rec.Session == nil {
			return
		}
		actions = append(actions, Action{SendTo: h, Send: wire.RequestPeers{}})
		notified++
	})

	return actions
}

// HandlePeerList processes a received PeerList: for each pair whose
// RemoteID is not already mapped in the store, request a connection.
func HandlePeerList(store *entity.Store, pkt wire.PeerList) []Action {
	var actions []Action
	for _, e := range pkt.Peers {
		if _, known := store.Lookup(e.ID); known {
			continue
		}
		if e.Addr == "" {
			continue
		}
		actions = append(actions, Action{Connect: &ConnectRequest{ID: e.ID, Addr: e.Addr}})
	}
	return actions
}

// HandleRequestSeenAddress answers RequestSeenAddress: the receiver replies
// with the address it observed the requester connecting from.
func HandleRequestSeenAddress(requester entity.Handle, observedAddr string) []Action {
	return []Action{{SendTo: requester, Send: wire.NotifySeenAddress{Addr: observedAddr}}}
}

// HandleNotifySeenAddress records the remote's SeenAddr component and, if
// the local node initiated the connection (ConnReceiver), passes the
// observation to predict and notifies each predicted public address of our
// own back to the remote.
func HandleNotifySeenAddress(store *entity.Store, h entity.Handle, pkt wire.NotifySeenAddress, weInitiated bool, predict func(observed string) []string, logger *slog.Logger) []Action {
	seen := pkt.Addr
	store.Mutate(h, func(rec *entity.Record) {
		rec.SeenAddr = &seen
	})

	if !weInitiated {
		return nil
	}

	var actions []Action
	for _, addr := range predict(pkt.Addr) {
		actions = append(actions, Action{SendTo: h, Send: wire.NotifyPublicAddress{Addr: addr}})
	}
	return actions
}

// HandleNotifyPublicAddress records (or logs a contradiction against) the
// remote's PublicAddress component. A previously known value wins: per the
// design notes, contradictions are logged and the first observation stands.
func HandleNotifyPublicAddress(store *entity.Store, h entity.Handle, pkt wire.NotifyPublicAddress, logger *slog.Logger) {
	store.Mutate(h, func(rec *entity.Record) {
		if rec.PublicAddress != nil && *rec.PublicAddress != pkt.Addr {
			if logger != nil {
				logger.Warn("discovery: public address contradiction, keeping first value",
					slog.String("first", *rec.PublicAddress),
					slog.String("new", pkt.Addr))
			}
			return
		}
		addr := pkt.Addr
		rec.PublicAddress = &addr
	})
}
