package media

import (
	"context"
	"testing"

	"github.com/petervdpas/meshcast/internal/emitter"
	"github.com/petervdpas/meshcast/internal/overlay"
	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// fakeAdapter is a minimal always-settable transport.Adapter used to
// exercise the media extension's message handlers without a real channel.
type fakeAdapter struct {
	state transport.State
	sent  []proto.Message
}

func newFakeAdapter(state transport.State) *fakeAdapter { return &fakeAdapter{state: state} }

func (a *fakeAdapter) Send(msg proto.Message) error {
	a.sent = append(a.sent, msg)
	return nil
}
func (a *fakeAdapter) State() transport.State { return a.state }
func (a *fakeAdapter) OnMessage(func(proto.Message))    {}
func (a *fakeAdapter) OnStateChange(func(transport.State)) {}
func (a *fakeAdapter) CreateChannel() error                { return nil }
func (a *fakeAdapter) CreateSDPOffer(cb func(string, error)) { cb("", nil) }
func (a *fakeAdapter) CreateSDPAnswer(_ string, cb func(string, error)) { cb("", nil) }
func (a *fakeAdapter) SetRemoteDescription(_ string, okCb func(), _ func(error)) {
	if okCb != nil {
		okCb()
	}
}
func (a *fakeAdapter) AddICECandidate(_ string, okCb func(), _ func(error)) {
	if okCb != nil {
		okCb()
	}
}
func (a *fakeAdapter) Close() error { return nil }

func TestIsHeavyOnlyForPartResponse(t *testing.T) {
	m := NewManager(&recordingSink{})
	if m.IsHeavy(proto.Message{Type: proto.TypeMediaPartResponse}) != true {
		t.Fatal("part response must be heavy")
	}
	if m.IsHeavy(proto.Message{Type: proto.TypeMediaIndexRequest}) {
		t.Fatal("index request must not be heavy")
	}
}

func TestHandleIndexRequestRespondsWithIndex(t *testing.T) {
	m := NewManager(&recordingSink{})
	idx := twoClusterIndex()
	if err := m.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	r := overlay.New(overlay.Config{SelfID: "self", TTL: 3}, emitter.New())
	adapter := newFakeAdapter(transport.Open)
	r.Attach("peer-a", adapter)

	handler := m.handleIndexRequest(r)
	handler(proto.Message{Type: proto.TypeMediaIndexRequest, From: "peer-a", To: "self", TTL: 3, ForwardBy: []string{}})

	if len(adapter.sent) != 1 || adapter.sent[0].Type != proto.TypeMediaIndexResponse {
		t.Fatalf("sent = %v, want a single index response", adapter.sent)
	}
}

func TestHandleIndexResponseDecodesAndSetsMetadata(t *testing.T) {
	m := NewManager(&recordingSink{})
	r := overlay.New(overlay.Config{SelfID: "self", TTL: 3}, emitter.New())

	data := map[string]any{
		"total_size": float64(100),
		"duration":   float64(4.5),
		"codec":      "vp9",
		"clusters": []any{
			map[string]any{"offset": float64(0), "timecode": float64(0)},
			map[string]any{"offset": float64(50), "timecode": float64(2)},
		},
	}

	handler := m.handleIndexResponse(r)
	handler(proto.Message{Type: proto.TypeMediaIndexResponse, From: "peer-a", To: "self", Data: data})

	if !m.HasIndex() {
		t.Fatal("expected HasIndex to be true after decoding the response")
	}
	hist := m.PartStatusHistogram()
	if hist[StatusNeeded.String()] != 2 {
		t.Fatalf("histogram = %v, want 2 needed parts", hist)
	}
}

func TestHandleAvailabilityRecordsParts(t *testing.T) {
	m := NewManager(&recordingSink{})
	r := overlay.New(overlay.Config{SelfID: "self", TTL: 3}, emitter.New())

	handler := m.handleAvailability(r)
	handler(proto.Message{Type: proto.TypeMediaAvailability, From: "peer-a", To: "self", Data: []any{float64(0), float64(2)}})

	if !m.RemoteHasPart("peer-a", 0) || !m.RemoteHasPart("peer-a", 2) {
		t.Fatal("expected peer-a's advertised parts to be recorded")
	}
	if m.RemoteHasPart("peer-a", 1) {
		t.Fatal("part 1 was never advertised")
	}
}

func TestPartRequestResponseRoundTrip(t *testing.T) {
	source := NewManager(&recordingSink{})
	idx := twoClusterIndex()
	if err := source.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	source.markPending(0)
	if err := source.Append(context.Background(), "0", []byte("segment-bytes")); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	waitUntil(t, func() bool { return source.PeerHasPart(0) })

	r := overlay.New(overlay.Config{SelfID: "source-node", TTL: 3}, emitter.New())
	adapter := newFakeAdapter(transport.Open)
	r.Attach("peer-a", adapter)

	reqHandler := source.handlePartRequest(r)
	reqHandler(proto.Message{Type: proto.TypeMediaPartRequest, From: "peer-a", To: "source-node", Data: "0"})

	if len(adapter.sent) != 1 {
		t.Fatalf("sent = %v, want a single part response", adapter.sent)
	}

	sink := &recordingSink{}
	dest := NewManager(sink)
	if err := dest.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata dest: %v", err)
	}
	dest.markPending(0)

	destRouter := overlay.New(overlay.Config{SelfID: "peer-a", TTL: 3}, emitter.New())
	respHandler := dest.handlePartResponse(destRouter)
	respHandler(adapter.sent[0])

	waitUntil(t, func() bool { return dest.PeerHasPart(0) })
}
