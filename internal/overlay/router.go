// Package overlay implements the Peer Core / Router (spec §4.2): the
// component that owns the Connection Table, the ICE Candidate Buffer, the
// outbound queue, and the session handshake handlers, and that makes the
// routing decision for every outbound message.
package overlay

import (
	"log"
	"sync"
	"time"

	"github.com/petervdpas/meshcast/internal/emitter"
	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// TransportFactory creates a new, not-yet-open Transport Adapter toward
// remoteID. onLocalCandidate is invoked for every locally gathered ICE
// candidate so the Router can relay it as an icecandidate message.
type TransportFactory func(remoteID string, onLocalCandidate func(candidate string)) (transport.Adapter, error)

// Router is the Peer Core: created once per process, torn down on
// shutdown (spec §3 Lifecycles).
type Router struct {
	id  string
	ttl int

	queueTimeout   time.Duration
	connInactivity time.Duration

	newTransport TransportFactory

	table *ConnectionTable
	ice   *ICEBuffer
	Em    *emitter.Emitter

	mu            sync.Mutex
	queue         []*QueuedMessage
	heavyPolicy   HeavyPolicy
	gossipControl GossipControl
}

// Config bundles Router construction parameters.
type Config struct {
	SelfID         string
	TTL            int
	QueueTimeout   time.Duration
	ConnInactivity time.Duration
	NewTransport   TransportFactory
}

// New creates a Router and registers its own handshake handlers on the
// supplied Emitter. em is shared with any installed extensions.
func New(cfg Config, em *emitter.Emitter) *Router {
	if cfg.TTL == 0 {
		cfg.TTL = proto.DefaultTTL
	}
	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = proto.DefaultQueueTimeout
	}
	if cfg.ConnInactivity == 0 {
		cfg.ConnInactivity = proto.DefaultConnInactivity
	}
	r := &Router{
		id:             cfg.SelfID,
		ttl:            cfg.TTL,
		queueTimeout:   cfg.QueueTimeout,
		connInactivity: cfg.ConnInactivity,
		newTransport:   cfg.NewTransport,
		table:          newConnectionTable(),
		ice:            newICEBuffer(),
		Em:             em,
	}
	r.registerHandshakeHandlers()
	return r
}

// ID returns the router's own peer id.
func (r *Router) ID() string { return r.id }

// SetID adopts a new self id, used by the first-view handler (spec §4.2).
func (r *Router) SetID(id string) { r.id = id }

// Table exposes the Connection Table for read access by extensions
// (gossip view maintenance, media peer selection).
func (r *Router) Table() *ConnectionTable { return r.table }

// ICE exposes the ICE Candidate Buffer.
func (r *Router) ICE() *ICEBuffer { return r.ice }

// SetIncomingWeight updates the incoming weight of the connection to
// remoteID, if it exists. Used by the gossip:weight handler.
func (r *Router) SetIncomingWeight(remoteID, weight string) {
	if c, ok := r.table.Get(remoteID); ok {
		c.WeightIn = weight
	}
}

// SetOutgoingWeight updates the outgoing weight of the connection to
// remoteID, if it exists.
func (r *Router) SetOutgoingWeight(remoteID, weight string) {
	if c, ok := r.table.Get(remoteID); ok {
		c.WeightOut = weight
	}
}

// HeavyIncomingCount reports the number of Open connections with a heavy
// incoming weight (admission-control bookkeeping for gossip:weight).
func (r *Router) HeavyIncomingCount() int { return r.table.HeavyIncomingCount() }

// QueueLen reports the current outbound queue depth, used by the
// diagnostic snapshot (spec §12 expansion).
func (r *Router) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ConnectionCount reports how many entries the Connection Table holds.
func (r *Router) ConnectionCount() int {
	return len(r.table.Snapshot())
}

// Attach installs an externally created Transport Adapter (the rendezvous
// Signal Client, or any other out-of-band channel) into the Connection
// Table under remoteID, wiring it exactly like a negotiated peer session.
func (r *Router) Attach(remoteID string, adapter transport.Adapter) {
	r.bindAdapter(remoteID, adapter)
}

// send is the primary egress point (spec §4.2). If message.To == self.id
// the message loops back through the emitter; otherwise it is validated and
// handed to process_message.
func (r *Router) Send(msg proto.Message, timeout time.Duration, onTimeout func()) error {
	if msg.ID == "" {
		msg.ID = proto.NewID()
	}
	if msg.To == r.id {
		r.Em.Dispatch(msg)
		return nil
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	qm := &QueuedMessage{Message: msg, EnqueueTime: time.Now()}
	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		qm.Deadline = &deadline
		qm.OnTimeout = onTimeout
	}
	r.processMessage(qm)
	return nil
}

// RequestPeer emits a request-peer message toward to (default proto.ToAny),
// with ttl = self.ttl (spec §4.2).
func (r *Router) RequestPeer(to string, timeout time.Duration, onTimeout func()) error {
	if to == "" {
		to = proto.ToAny
	}
	msg := proto.Message{
		Type:      proto.TypeRequestPeer,
		From:      r.id,
		To:        to,
		TTL:       r.ttl,
		ForwardBy: []string{},
	}
	return r.Send(msg, timeout, onTimeout)
}

// RespondTo builds a reply to original, seeding route with original's
// forward set for reverse-path delivery (spec §4.2).
func (r *Router) RespondTo(original proto.Message, partial proto.Message) proto.Message {
	reply := partial
	reply.From = r.id
	reply.To = original.From
	reply.TTL = r.ttl
	reply.ForwardBy = []string{}
	reply.Route = append([]string{}, original.ForwardBy...)
	return reply
}

// Forward decrements ttl, pushes self onto forward_by, then sends. Callers
// must ensure message.TTL > 0 before calling.
func (r *Router) Forward(msg proto.Message) error {
	fwd := msg.Forwarded(r.id)
	return r.Send(fwd, 0, nil)
}

// Broadcast floods msg to every open connection whose remote is not in the
// exclusion set forward_by ∪ {from}, and is not the rendezvous. If zero
// targets are reached and message.From == self.id, it falls back to the
// rendezvous channel. Returns true iff at least one copy left the node.
func (r *Router) Broadcast(msg proto.Message) bool {
	excluded := make(map[string]bool, len(msg.ForwardBy)+1)
	for _, id := range msg.ForwardBy {
		excluded[id] = true
	}
	excluded[msg.From] = true

	sent := 0
	for _, c := range r.table.Snapshot() {
		if c.RemoteID == proto.ToSignal || excluded[c.RemoteID] {
			continue
		}
		if c.state() != transport.Open {
			continue
		}
		if err := c.Adapter.Send(msg); err != nil {
			log.Printf("overlay: broadcast send to %s failed: %v", c.RemoteID, err)
			continue
		}
		sent++
	}

	if sent > 0 {
		return true
	}
	if msg.From != r.id {
		return false
	}

	sig, ok := r.table.Get(proto.ToSignal)
	if !ok {
		return false
	}
	switch sig.state() {
	case transport.Open:
		if err := sig.Adapter.Send(msg); err != nil {
			log.Printf("overlay: rendezvous fallback send failed: %v", err)
			return false
		}
		return true
	case transport.Closing, transport.Closed:
		r.table.Remove(proto.ToSignal)
		return false
	default: // connecting
		return false
	}
}
