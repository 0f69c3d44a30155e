package gossip

import (
	"math"
	"testing"

	"github.com/petervdpas/meshcast/internal/emitter"
	"github.com/petervdpas/meshcast/internal/overlay"
	"github.com/petervdpas/meshcast/internal/proto"
)

func newTestEngine(selfID string) (*overlay.Router, *Engine) {
	r := overlay.New(overlay.Config{SelfID: selfID, TTL: 3}, emitter.New())
	e := New(r, Config{ViewSize: 8})
	r.Install(e.Extension())
	return r, e
}

func TestMaxConnectionsWithoutBandwidth(t *testing.T) {
	_, e := newTestEngine("self")

	e.mu.Lock()
	e.view = View{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	e.mu.Unlock()

	want := int(math.Ceil(math.Log(4)))
	if want < 1 {
		want = 1
	}
	if got := e.MaxConnections(); got != want {
		t.Fatalf("MaxConnections = %d, want %d", got, want)
	}
}

func TestMaxConnectionsEmptyViewFloorsAtOne(t *testing.T) {
	_, e := newTestEngine("self")
	if got := e.MaxConnections(); got != 1 {
		t.Fatalf("MaxConnections on empty view = %d, want 1", got)
	}
}

func TestMaxConnectionsWithBandwidth(t *testing.T) {
	_, e := newTestEngine("self")

	e.mu.Lock()
	e.view = View{
		{ID: "a", Media: &MediaDescriptor{Bandwidth: 100}},
		{ID: "b", Media: &MediaDescriptor{Bandwidth: 200}},
	}
	e.self.Media = &MediaDescriptor{Bandwidth: 150}
	e.mu.Unlock()

	base := math.Ceil(math.Log(3))
	want := int(math.Ceil(base * 150 / 150))
	if got := e.MaxConnections(); got != want {
		t.Fatalf("MaxConnections = %d, want %d", got, want)
	}
}

func TestMergeViewsDedupsFreshestWinsAndBounds(t *testing.T) {
	a := View{{ID: "x", Age: 1}, {ID: "y", Age: 1}}
	b := View{{ID: "x", Age: 2}, {ID: "z", Age: 1}}

	merged := mergeViews(a, b, 10)
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}

	var gotX NodeDescriptor
	found := false
	for _, d := range merged {
		if d.ID == "x" {
			gotX = d
			found = true
		}
	}
	if !found {
		t.Fatal("merged view missing id x")
	}
	if gotX.Age != 2 {
		t.Fatalf("gotX.Age = %d, want 2 (b's entry should win on collision)", gotX.Age)
	}
}

func TestMergeViewsBoundsToSize(t *testing.T) {
	a := View{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	b := View{{ID: "4"}, {ID: "5"}, {ID: "6"}}

	merged := mergeViews(a, b, 2)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2", len(merged))
	}
}

func TestViewIDsAndIndexOf(t *testing.T) {
	v := View{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	ids := v.IDs()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("IDs() = %v, want %v", ids, want)
		}
	}
	if v.indexOf("b") != 1 {
		t.Fatalf("indexOf(b) = %d, want 1", v.indexOf("b"))
	}
	if v.indexOf("missing") != -1 {
		t.Fatalf("indexOf(missing) = %d, want -1", v.indexOf("missing"))
	}
}

func TestHandleBandwidthTracksRollingMean(t *testing.T) {
	_, e := newTestEngine("self")

	e.handleBandwidth(proto.Message{Type: proto.TypeGossipBandwidth, From: "peer-a", Data: 10.0})
	e.handleBandwidth(proto.Message{Type: proto.TypeGossipBandwidth, From: "peer-a", Data: 20.0})

	e.mu.Lock()
	bw := e.self.Media.Bandwidth
	e.mu.Unlock()

	if bw != 15 {
		t.Fatalf("rolling mean bandwidth = %v, want 15", bw)
	}
}
