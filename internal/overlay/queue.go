package overlay

import (
	"log"
	"time"

	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// QueuedMessage lives in the outbound queue (spec §3).
type QueuedMessage struct {
	Message     proto.Message
	EnqueueTime time.Time
	Deadline    *time.Time
	OnTimeout   func()
}

func (q *QueuedMessage) expired(now time.Time) bool {
	return q.Deadline != nil && now.After(*q.Deadline)
}

// enqueue appends qm to the outbound queue under lock.
func (r *Router) enqueue(qm *QueuedMessage) {
	r.mu.Lock()
	r.queue = append(r.queue, qm)
	r.mu.Unlock()
}

// hasQueuedRequestPeer reports whether the queue already holds a
// request-peer with the same from/to pair (re-queue policy dedup).
func (r *Router) hasQueuedRequestPeer(from, to string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, qm := range r.queue {
		m := qm.Message
		if m.Type == proto.TypeRequestPeer && m.From == from && m.To == to {
			return true
		}
	}
	return false
}

// requeue applies the re-queue policy (spec §4.2 "Re-queue policy").
func (r *Router) requeue(qm *QueuedMessage) {
	msg := qm.Message

	if msg.To == proto.ToSignal || msg.To == proto.ToSource {
		r.enqueue(qm)
		return
	}

	if msg.Type == proto.TypeRequestPeer {
		if !r.hasQueuedRequestPeer(msg.From, msg.To) {
			r.enqueue(qm)
		}
		return
	}

	r.enqueue(qm)
	rp := proto.Message{
		Type:      proto.TypeRequestPeer,
		From:      r.id,
		To:        msg.To,
		TTL:       r.ttl,
		ForwardBy: []string{},
	}
	r.enqueue(&QueuedMessage{Message: rp, EnqueueTime: time.Now()})
}

// processMessage is the routing decision (spec §4.2), evaluated in order:
//  1. heavy-admission path
//  2. direct send to an open neighbor
//  3. reverse-path delivery via message.route
//  4. broadcast of a forwardable type
//  5. re-queue
func (r *Router) processMessage(qm *QueuedMessage) {
	msg := qm.Message

	r.mu.Lock()
	policy := r.heavyPolicy
	r.mu.Unlock()

	if policy != nil && policy.IsHeavy(msg) && msg.To != proto.ToSignal && msg.To != proto.ToSource {
		conn, ok := r.table.Get(msg.To)
		if !ok || conn.WeightIn != WeightHeavy {
			r.emitWeightRequest(msg.To)
			r.requeue(qm)
			return
		}
		r.sendDirect(conn, msg, qm)
		return
	}

	if conn, ok := r.table.Get(msg.To); ok && conn.state() == transport.Open {
		r.sendDirect(conn, msg, qm)
		return
	}

	if len(msg.Route) > 0 {
		head := msg.Route[0]
		if conn, ok := r.table.Get(head); ok && conn.state() == transport.Open {
			rest := append([]string{}, msg.Route[1:]...)
			msg.Route = rest
			r.sendDirect(conn, msg, qm)
			return
		}
	}

	if proto.ForwardableTypes[msg.Type] {
		if r.Broadcast(msg) {
			return
		}
		r.requeue(qm)
		return
	}

	r.requeue(qm)
}

func (r *Router) sendDirect(conn *Connection, msg proto.Message, qm *QueuedMessage) {
	if err := conn.Adapter.Send(msg); err != nil {
		log.Printf("overlay: send to %s failed: %v", conn.RemoteID, err)
		r.requeue(qm)
		return
	}
	r.table.Touch(conn.RemoteID)
}

func (r *Router) emitWeightRequest(to string) {
	msg := proto.Message{
		Type: proto.TypeGossipWeight,
		From: r.id,
		To:   to,
		TTL:  r.ttl,
		Data: map[string]any{"value": proto.WeightRequestHeavy},
	}
	// Best-effort: routed the same way as any other message, but must not
	// itself re-enter the heavy-admission path.
	qm := &QueuedMessage{Message: msg, EnqueueTime: time.Now()}
	if conn, ok := r.table.Get(to); ok && conn.state() == transport.Open {
		r.sendDirect(conn, msg, qm)
		return
	}
	if proto.ForwardableTypes[msg.Type] {
		if r.Broadcast(msg) {
			return
		}
	}
	r.requeue(qm)
}
