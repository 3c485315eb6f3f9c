// Package router implements the traversal-routing rule: a stateless greedy
// forward of a Traversal packet toward the peer whose outgoing coordinate
// best predicts the destination, or local delivery when we are the recipient.
package router

import (
	"log/slog"

	"github.com/dither/ditherd/internal/entity"
	"github.com/dither/ditherd/internal/wire"
)

// Decision is the outcome of routing one Traversal packet.
type Decision int

const (
	// DecisionDeliverLocal means the packet's recipient is this node; the
	// caller should decode and deliver the inner payload locally.
	DecisionDeliverLocal Decision = iota
	// DecisionForward means the packet should be forwarded unmodified to
	// the entity named in Next.
	DecisionForward
	// DecisionDrop means no eligible next hop exists; the caller should log
	// and discard the packet.
	DecisionDrop
)

// String renders the Decision using the same labels the metrics collector
// uses for its traversal_decisions_total counter.
func (d Decision) String() string {
	switch d {
	case DecisionDeliverLocal:
		return "deliver_local"
	case DecisionForward:
		return "forward"
	case DecisionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Result is the outcome of Route.
type Result struct {
	Decision Decision
	Next     entity.Handle
}

// Route decides what to do with a received Traversal packet. selfID is this
// node's own RemoteID; store is the entity store of known peers.
//
// No per-traversal state is retained and no duplicate suppression is
// performed: a caller wanting reliable delivery must layer retries on top.
func Route(store *entity.Store, selfID wire.RemoteID, pkt wire.Traversal, logger *slog.Logger) Result {
	if pkt.Recipient == selfID {
		return Result{Decision: DecisionDeliverLocal}
	}

	var best entity.Handle
	var bestScore float64
	haveBest := false

	store.Each(func(h entity.Handle, rec *entity.Record) {
		if rec.Coordinates == nil {
			return
		}
		score := dot(rec.Coordinates.Out, pkt.Destination)
		if !haveBest || score > bestScore {
			best = h
			bestScore = score
			haveBest = true
		}
	})

	if !haveBest {
		if logger != nil {
			logger.Warn("traversal: no peer with coordinates to forward toward destination",
				slog.String("recipient", pkt.Recipient.String()))
		}
		return Result{Decision: DecisionDrop}
	}

	return Result{Decision: DecisionForward, Next: best}
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	s := 0.0
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}
