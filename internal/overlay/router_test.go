package overlay

import (
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/meshcast/internal/emitter"
	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// fakeAdapter is a minimal in-memory transport.Adapter for router tests. It
// never actually negotiates anything; tests drive its state directly.
type fakeAdapter struct {
	mu    sync.Mutex
	state transport.State
	sent  []proto.Message

	onMessage     func(proto.Message)
	onStateChange func(transport.State)

	sendErr error
}

func newFakeAdapter(state transport.State) *fakeAdapter {
	return &fakeAdapter{state: state}
}

func (a *fakeAdapter) Send(msg proto.Message) error {
	if a.sendErr != nil {
		return a.sendErr
	}
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) State() transport.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAdapter) OnMessage(cb func(proto.Message)) { a.onMessage = cb }

func (a *fakeAdapter) OnStateChange(cb func(transport.State)) { a.onStateChange = cb }

func (a *fakeAdapter) CreateChannel() error { return nil }

func (a *fakeAdapter) CreateSDPOffer(cb func(sdp string, err error)) { cb("sdp-offer", nil) }

func (a *fakeAdapter) CreateSDPAnswer(remoteSDP string, cb func(sdp string, err error)) {
	cb("sdp-answer", nil)
}

func (a *fakeAdapter) SetRemoteDescription(sdp string, okCb func(), errCb func(error)) {
	if okCb != nil {
		okCb()
	}
}

func (a *fakeAdapter) AddICECandidate(candidate string, okCb func(), errCb func(error)) {
	if okCb != nil {
		okCb()
	}
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	a.state = transport.Closed
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) setState(s transport.State) {
	a.mu.Lock()
	a.state = s
	cb := a.onStateChange
	a.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (a *fakeAdapter) sentMessages() []proto.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]proto.Message, len(a.sent))
	copy(out, a.sent)
	return out
}

func newTestRouter(selfID string) *Router {
	return New(Config{SelfID: selfID, TTL: 3}, emitter.New())
}

func TestSendLoopback(t *testing.T) {
	r := newTestRouter("self")
	var got proto.Message
	r.Em.On("ping", func(msg proto.Message) { got = msg })

	if err := r.Send(proto.Message{Type: "ping", From: "self", To: "self"}, 0, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Type != "ping" {
		t.Fatal("loopback message was not dispatched")
	}
}

func TestSendDirectToOpenNeighbor(t *testing.T) {
	r := newTestRouter("self")
	adapter := newFakeAdapter(transport.Open)
	r.Attach("peer-a", adapter)

	msg := proto.Message{Type: proto.TypeOffer, From: "self", To: "peer-a", TTL: 3, ForwardBy: []string{}, Data: "sdp"}
	if err := r.Send(msg, 0, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := adapter.sentMessages()
	if len(sent) != 1 || sent[0].To != "peer-a" {
		t.Fatalf("sent = %v, want one message to peer-a", sent)
	}
}

func TestForwardDecrementsTTLAndAppendsForwardBy(t *testing.T) {
	r := newTestRouter("relay")
	adapter := newFakeAdapter(transport.Open)
	r.Attach("dst", adapter)

	msg := proto.Message{Type: proto.TypeOffer, From: "origin", To: "dst", TTL: 2, ForwardBy: []string{"origin"}, Data: "sdp"}
	if err := r.Forward(msg); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	sent := adapter.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %v, want exactly one message", sent)
	}
	if sent[0].TTL != 1 {
		t.Fatalf("TTL = %d, want 1", sent[0].TTL)
	}
	want := []string{"origin", "relay"}
	if len(sent[0].ForwardBy) != 2 || sent[0].ForwardBy[0] != want[0] || sent[0].ForwardBy[1] != want[1] {
		t.Fatalf("ForwardBy = %v, want %v", sent[0].ForwardBy, want)
	}
}

func TestBroadcastExcludesForwardedAndSelf(t *testing.T) {
	r := newTestRouter("self")
	a1 := newFakeAdapter(transport.Open)
	a2 := newFakeAdapter(transport.Open)
	a3 := newFakeAdapter(transport.Open)
	r.Attach("peer-a", a1)
	r.Attach("peer-b", a2)
	r.Attach("peer-c", a3)

	msg := proto.Message{Type: proto.TypeRequestPeer, From: "peer-b", To: proto.ToAny, TTL: 2, ForwardBy: []string{"peer-b"}}
	sent := r.Broadcast(msg)
	if !sent {
		t.Fatal("Broadcast reported no delivery")
	}
	if len(a1.sentMessages()) != 1 {
		t.Fatalf("peer-a should have received the broadcast, got %d", len(a1.sentMessages()))
	}
	if len(a2.sentMessages()) != 0 {
		t.Fatal("peer-b (the origin) must be excluded from its own broadcast")
	}
	if len(a3.sentMessages()) != 1 {
		t.Fatalf("peer-c should have received the broadcast, got %d", len(a3.sentMessages()))
	}
}

func TestBroadcastFallsBackToRendezvous(t *testing.T) {
	r := newTestRouter("self")
	sig := newFakeAdapter(transport.Open)
	r.Attach(proto.ToSignal, sig)

	msg := proto.Message{Type: proto.TypeRequestPeer, From: "self", To: proto.ToAny, TTL: 2, ForwardBy: []string{}}
	if !r.Broadcast(msg) {
		t.Fatal("expected broadcast to fall back to rendezvous and report success")
	}
	if len(sig.sentMessages()) != 1 {
		t.Fatalf("rendezvous adapter got %d messages, want 1", len(sig.sentMessages()))
	}
}

func TestQueueTimeoutFiresCallback(t *testing.T) {
	r := newTestRouter("self")

	fired := make(chan struct{}, 1)
	msg := proto.Message{Type: proto.TypeOffer, From: "self", To: "ghost", TTL: 3, ForwardBy: []string{}, Data: "sdp"}
	if err := r.Send(msg, 10*time.Millisecond, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if r.QueueLen() != 2 {
		// one requeued offer + one synthesized request-peer, per the
		// re-queue policy for a non-request-peer type with no connection.
		t.Fatalf("QueueLen = %d, want 2", r.QueueLen())
	}

	time.Sleep(15 * time.Millisecond)
	r.maintenanceTick()

	select {
	case <-fired:
	default:
		t.Fatal("expected OnTimeout to fire after the deadline elapsed")
	}
}

func TestConnectionCount(t *testing.T) {
	r := newTestRouter("self")
	if r.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", r.ConnectionCount())
	}
	r.Attach("peer-a", newFakeAdapter(transport.Open))
	r.Attach("peer-b", newFakeAdapter(transport.Connecting))
	if r.ConnectionCount() != 2 {
		t.Fatalf("ConnectionCount = %d, want 2", r.ConnectionCount())
	}
}

func TestHandleConnectedFlushesMatchingQueue(t *testing.T) {
	r := newTestRouter("self")
	adapter := newFakeAdapter(transport.Connecting)
	r.Attach("peer-a", adapter)

	msg := proto.Message{Type: proto.TypeOffer, From: "self", To: "peer-a", TTL: 3, ForwardBy: []string{}, Data: "sdp"}
	_ = r.Send(msg, 0, nil)
	if len(adapter.sentMessages()) != 0 {
		t.Fatal("message should not have been sent while connecting")
	}

	adapter.setState(transport.Open)

	// Both queued entries addressed to peer-a flush: the offer and the
	// request-peer the re-queue policy synthesized alongside it.
	sent := adapter.sentMessages()
	if len(sent) != 2 || sent[0].Type != proto.TypeOffer {
		t.Fatalf("expected the queued offer and request-peer to flush on connect, got %v", sent)
	}
}
