// Package transport defines the pluggable per-peer channel capability the
// Peer Core routes messages over (spec §4.3), plus two concrete backends:
// a pion/webrtc DataChannel adapter (the primary, browser-facing transport)
// and a libp2p host-stream adapter for same-host/LAN peers.
package transport

import (
	"errors"
	"sync"

	"github.com/petervdpas/meshcast/internal/proto"
)

// State is the Adapter's connection lifecycle. It moves strictly forward:
// Connecting -> Open -> (Closing)? -> Closed, with no re-opens.
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send when the adapter is not Open.
var ErrClosed = errors.New("transport: adapter closed")

// Adapter is the capability the Peer Core requires of a per-peer channel.
// Implementations must tolerate callbacks arriving out of handshake order
// and must not assume timing between offer/answer creation and the channel
// reaching Open.
type Adapter interface {
	// Send transmits a message over the channel. It must only be called
	// once State() == Open.
	Send(msg proto.Message) error

	// State reports the current lifecycle state.
	State() State

	// OnMessage registers the callback invoked for every inbound message.
	// Replaces any previously registered callback.
	OnMessage(func(proto.Message))

	// OnStateChange registers the callback invoked whenever State changes.
	OnStateChange(func(State))

	// CreateChannel opens the underlying data channel on the offering
	// side, before an SDP offer is generated.
	CreateChannel() error

	// CreateSDPOffer asynchronously produces a local offer and invokes cb
	// with the serialized descriptor once ready.
	CreateSDPOffer(cb func(sdp string, err error))

	// CreateSDPAnswer asynchronously produces a local answer for the given
	// remote offer and invokes cb with the serialized descriptor.
	CreateSDPAnswer(remoteSDP string, cb func(sdp string, err error))

	// SetRemoteDescription applies a remote SDP (answer) to a connection
	// previously placed in Connecting by CreateSDPOffer.
	SetRemoteDescription(sdp string, okCb func(), errCb func(error))

	// AddICECandidate applies a trickled remote candidate.
	AddICECandidate(candidate string, okCb func(), errCb func(error))

	// Close tears down the channel. Idempotent.
	Close() error
}

// baseState is the shared state-machine bookkeeping embedded by both
// backend implementations.
type baseState struct {
	mu            sync.Mutex
	state         State
	onMessage     func(proto.Message)
	onStateChange func(State)
}

func (b *baseState) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *baseState) OnMessage(cb func(proto.Message)) {
	b.mu.Lock()
	b.onMessage = cb
	b.mu.Unlock()
}

func (b *baseState) OnStateChange(cb func(State)) {
	b.mu.Lock()
	b.onStateChange = cb
	b.mu.Unlock()
}

// setState transitions to s and fires the state-change callback outside the
// lock. No-op if already closed (closed is terminal).
func (b *baseState) setState(s State) {
	b.mu.Lock()
	if b.state == Closed {
		b.mu.Unlock()
		return
	}
	b.state = s
	cb := b.onStateChange
	b.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (b *baseState) deliver(msg proto.Message) {
	b.mu.Lock()
	cb := b.onMessage
	b.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}
