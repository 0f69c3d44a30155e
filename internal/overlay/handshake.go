package overlay

import (
	"context"
	"log"

	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// registerHandshakeHandlers wires the session handshake handlers (spec
// §4.2) and the first-view bootstrap handler onto the shared Emitter.
func (r *Router) registerHandshakeHandlers() {
	r.Em.On(proto.TypeRequestPeer, r.handleRequestPeer)
	r.Em.On(proto.TypeOffer, r.handleOffer)
	r.Em.On(proto.TypeAnswer, r.handleAnswer)
	r.Em.On(proto.TypeICECandidate, r.handleICECandidate)
	r.Em.On(proto.TypeFirstView, r.handleFirstView)
	r.Em.On(proto.TypeConnected, r.handleConnected)
}

// handleFirstView adopts self.id from the rendezvous-assigned identity.
// The gossip extension, registered after the router, uses the same
// dispatch to initialize its view (handler dispatch order == registration
// order, spec §5).
func (r *Router) handleFirstView(msg proto.Message) {
	data, _ := msg.Data.(map[string]any)
	if data == nil {
		return
	}
	if id, ok := data["id"].(string); ok && id != "" {
		r.SetID(id)
	}
}

// handleRequestPeer: if no live connection to from, create a new Transport
// Adapter toward from, open its channel, ask it to produce an offer
// asynchronously, and on completion respond with an offer message. Since
// to is typically the "any peer" sentinel, every neighbor (not just the
// ones that answer) also re-floods the request with ttl decremented and
// self pushed onto forward_by, so the TTL-bounded flood actually reaches
// beyond one hop (spec §1/§4.2, seed scenario §8.3).
func (r *Router) handleRequestPeer(msg proto.Message) {
	if msg.From == r.id {
		return
	}
	if msg.To != r.id {
		r.forwardInbound(msg)
	}
	if _, ok := r.table.Get(msg.From); ok {
		return
	}

	adapter, err := r.newTransport(msg.From, func(candidate string) {
		r.sendICECandidate(msg.From, candidate)
	})
	if err != nil {
		log.Printf("overlay: request-peer: create transport to %s: %v", msg.From, err)
		return
	}
	r.bindAdapter(msg.From, adapter)

	if err := adapter.CreateChannel(); err != nil {
		log.Printf("overlay: request-peer: create channel to %s: %v", msg.From, err)
		return
	}

	adapter.CreateSDPOffer(func(sdp string, err error) {
		if err != nil {
			log.Printf("overlay: request-peer: create offer to %s: %v", msg.From, err)
			return
		}
		reply := r.RespondTo(msg, proto.Message{Type: proto.TypeOffer, Data: sdp})
		_ = r.Send(reply, 0, nil)
	})
}

// handleOffer: create a Transport Adapter toward from, ask it to produce an
// answer given the remote descriptor, respond with the answer, then drain
// any previously buffered ICE candidates for from. Unlike request-peer,
// offer/answer/icecandidate are addressed to one specific peer; if this
// node isn't that peer it is only a relay on the flood path and must
// forward rather than act on the handshake itself (spec §4.2 step 4).
func (r *Router) handleOffer(msg proto.Message) {
	if msg.To != r.id {
		r.forwardInbound(msg)
		return
	}
	sdp, _ := msg.Data.(string)
	if sdp == "" {
		return
	}

	adapter, err := r.newTransport(msg.From, func(candidate string) {
		r.sendICECandidate(msg.From, candidate)
	})
	if err != nil {
		log.Printf("overlay: offer: create transport to %s: %v", msg.From, err)
		return
	}
	r.bindAdapter(msg.From, adapter)

	if lan, ok := adapter.(interface{ BindInbound(context.Context) error }); ok {
		go func() {
			if err := lan.BindInbound(context.Background()); err != nil {
				log.Printf("overlay: offer: bind inbound stream from %s: %v", msg.From, err)
			}
		}()
	}

	adapter.CreateSDPAnswer(sdp, func(answerSDP string, err error) {
		if err != nil {
			log.Printf("overlay: offer: create answer for %s: %v", msg.From, err)
			return
		}
		reply := r.RespondTo(msg, proto.Message{Type: proto.TypeAnswer, Data: answerSDP})
		_ = r.Send(reply, 0, nil)
		r.drainICEBuffer(msg.From, adapter)
	})
}

// handleAnswer: locate the existing Transport Adapter toward from (must be
// in Connecting) and apply the remote descriptor. An answer for a peer not
// currently connecting is a HandshakeMismatch: logged, not acted on. As
// with handleOffer, a mismatched destination means relay-and-return.
func (r *Router) handleAnswer(msg proto.Message) {
	if msg.To != r.id {
		r.forwardInbound(msg)
		return
	}
	sdp, _ := msg.Data.(string)
	if sdp == "" {
		return
	}
	conn, ok := r.table.Get(msg.From)
	if !ok || conn.state() != transport.Connecting {
		log.Printf("overlay: HandshakeMismatch: answer from %s but no connecting session", msg.From)
		return
	}
	conn.Adapter.SetRemoteDescription(sdp, func() {
		r.drainICEBuffer(msg.From, conn.Adapter)
	}, func(err error) {
		log.Printf("overlay: answer: set remote description from %s: %v", msg.From, err)
	})
}

// handleICECandidate applies the candidate if the Adapter exists, otherwise
// buffers it for later drain (spec §4.5). Also relay-and-return if this
// node isn't the addressed peer, per handleOffer's reasoning above.
func (r *Router) handleICECandidate(msg proto.Message) {
	if msg.To != r.id {
		r.forwardInbound(msg)
		return
	}
	cand, _ := msg.Data.(string)
	if cand == "" {
		return
	}
	conn, ok := r.table.Get(msg.From)
	if !ok {
		r.ice.Add(msg.From, cand)
		return
	}
	conn.Adapter.AddICECandidate(cand, nil, func(err error) {
		log.Printf("overlay: add ice candidate from %s: %v", msg.From, err)
	})
}

// handleConnected partitions the queue by message.To == r and resends the
// matching entries immediately (spec §4.2 "On channel open").
func (r *Router) handleConnected(msg proto.Message) {
	remote, _ := msg.Data.(string)
	if remote == "" {
		return
	}

	r.mu.Lock()
	var matching, rest []*QueuedMessage
	for _, qm := range r.queue {
		if qm.Message.To == remote {
			matching = append(matching, qm)
		} else {
			rest = append(rest, qm)
		}
	}
	r.queue = rest
	r.mu.Unlock()

	for _, qm := range matching {
		r.processMessage(qm)
	}
}

// forwardInbound re-floods an inbound forwardable message this node is not
// the final addressee of: ttl must still allow a hop and self must not
// already appear in forward_by (loop avoidance). Forward itself decrements
// ttl and appends self before handing off to Send/Broadcast, so a single
// copy reaches every open neighbor not already on the forward path.
func (r *Router) forwardInbound(msg proto.Message) {
	if msg.TTL <= 0 {
		return
	}
	if msg.HasForwarded(r.id) {
		return
	}
	if err := r.Forward(msg); err != nil {
		log.Printf("overlay: forward %s from %s: %v", msg.Type, msg.From, err)
	}
}

// bindAdapter installs adapter in the Connection Table and wires its
// callbacks to the Peer Core's dispatcher and connected-event emission.
func (r *Router) bindAdapter(remoteID string, adapter transport.Adapter) {
	conn := &Connection{
		RemoteID:  remoteID,
		Adapter:   adapter,
		WeightIn:  WeightLight,
		WeightOut: WeightLight,
	}
	r.table.Put(conn)

	adapter.OnMessage(func(msg proto.Message) {
		r.table.Touch(remoteID)
		r.Em.Dispatch(msg)
	})
	adapter.OnStateChange(func(s transport.State) {
		if s == transport.Open {
			r.table.Touch(remoteID)
			r.Em.Dispatch(proto.Message{Type: proto.TypeConnected, From: remoteID, To: r.id, Data: remoteID})
		}
	})
}

func (r *Router) sendICECandidate(to, candidate string) {
	msg := proto.Message{
		Type:      proto.TypeICECandidate,
		From:      r.id,
		To:        to,
		TTL:       r.ttl,
		ForwardBy: []string{},
		Data:      candidate,
	}
	_ = r.Send(msg, 0, nil)
}

// drainICEBuffer applies every buffered candidate for remoteID to adapter.
func (r *Router) drainICEBuffer(remoteID string, adapter transport.Adapter) {
	for _, cand := range r.ice.Drain(remoteID) {
		adapter.AddICECandidate(cand, nil, func(err error) {
			log.Printf("overlay: drain buffered candidate for %s: %v", remoteID, err)
		})
	}
}
