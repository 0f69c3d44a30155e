// Package proto defines the wire message schema shared by every component
// of the overlay: the router, the gossip engine, the media manager, and the
// signal client.
package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved `to` values (§6).
const (
	ToSignal = "signal" // the rendezvous channel
	ToSource = "source" // the origin media server
	ToAny    = "-1"     // sentinel: "any peer", used with request-peer
)

// Recognized message types (the closed set used by the core, §6).
const (
	TypeRequestPeer  = "request-peer"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "icecandidate"

	TypeFirstView       = "first-view"
	TypeSignalKeepalive = "signal:keepalive"
	TypeConnected       = "connected" // internal, emitted on channel open

	TypeGossipRequestExchange  = "gossip:request-exchange"
	TypeGossipAnswerRequest    = "gossip:answer-request"
	TypeGossipDescriptorUpdate = "gossip:descriptor-update"
	TypeGossipViewUpdate       = "gossip:view-update"
	TypeGossipBandwidth        = "gossip:bandwidth"
	TypeGossipWeight           = "gossip:weight"

	// Media types, layered on top of core routing by the media extension.
	TypeMediaIndexRequest  = "media:index-request"
	TypeMediaIndexResponse = "media:index-response"
	TypeMediaPartRequest   = "media:part-request"
	TypeMediaPartResponse  = "media:part-response"
	TypeMediaAvailability  = "media:availability"
)

// ForwardableTypes is the set process_message tries to broadcast when no
// direct route or route hint applies (§4.2 step 4).
var ForwardableTypes = map[string]bool{
	TypeICECandidate: true,
	TypeRequestPeer:  true,
	TypeOffer:        true,
	TypeAnswer:       true,
}

// Default timing constants (§6).
const (
	DefaultTTL               = 3
	DefaultQueueTimeout      = 1000 * time.Millisecond
	DefaultConnInactivity    = 10000 * time.Millisecond
	DefaultKeepaliveInterval = 30000 * time.Millisecond
)

// Weight values used by the gossip:weight protocol (§4.6).
const (
	WeightRequestHeavy = "request-heavy"
	WeightAckHeavy     = "ack-heavy"
	WeightNoAckHeavy   = "noack-heavy"
	WeightRequestLight = "request-light"
	WeightAckLight     = "ack-light"
	WeightNoAckLight   = "noack-light"
)

// Message is the wire record exchanged between peers, and between a peer
// and the rendezvous service.
type Message struct {
	// ID is not part of the normative wire schema (§6) but is stamped on
	// every message the Router originates, the same way the pack's
	// message-queue protocol tags each record with a uuid for log
	// correlation and dedup. Optional on the wire: a message arriving
	// without one is accepted as-is.
	ID        string   `json:"id,omitempty"`
	Type      string   `json:"type"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	TTL       int      `json:"ttl"`
	ForwardBy []string `json:"forward_by,omitempty"`
	Route     []string `json:"route,omitempty"`
	Data      any      `json:"data,omitempty"`
}

// NewID returns a fresh message-correlation id.
func NewID() string { return uuid.NewString() }

// requiresHandshakeFields lists types for which Validate requires forward_by
// to be present (§6); ttl is not checked.
var requiresHandshakeFields = map[string]bool{
	TypeRequestPeer:  true,
	TypeAnswer:       true,
	TypeICECandidate: true,
	TypeOffer:        true,
}

// InvalidMessageError reports a message that failed schema validation.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// Validate checks the minimal schema required before a message may be sent
// (§6, §7 InvalidMessage).
func (m Message) Validate() error {
	if m.Type == "" {
		return &InvalidMessageError{Reason: "missing type"}
	}
	if m.From == "" {
		return &InvalidMessageError{Reason: "missing from"}
	}
	if m.To == "" {
		return &InvalidMessageError{Reason: "missing to"}
	}
	if requiresHandshakeFields[m.Type] && m.ForwardBy == nil {
		return &InvalidMessageError{Reason: "missing forward_by for " + m.Type}
	}
	return nil
}

// HasForwarded reports whether id already appears in the forward set.
func (m Message) HasForwarded(id string) bool {
	for _, f := range m.ForwardBy {
		if f == id {
			return true
		}
	}
	return false
}

// Forwarded returns a copy of m with ttl decremented and self pushed onto
// forward_by exactly once. Callers must check TTL > 0 first.
func (m Message) Forwarded(self string) Message {
	out := m
	out.TTL = m.TTL - 1
	out.ForwardBy = append(append([]string{}, m.ForwardBy...), self)
	return out
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
