package gossip

import (
	"testing"

	"github.com/petervdpas/meshcast/internal/overlay"
	"github.com/petervdpas/meshcast/internal/proto"
)

func TestOnRequestHeavyGrantsWithinCap(t *testing.T) {
	r, e := newTestEngine("self")
	r.Attach("peer-a", newHeavyTestAdapter())

	e.onRequestHeavy(proto.Message{Type: proto.TypeGossipWeight, From: "peer-a", To: "self", TTL: 3})

	conn, ok := r.Table().Get("peer-a")
	if !ok {
		t.Fatal("peer-a connection missing")
	}
	if conn.WeightIn != overlay.WeightHeavy {
		t.Fatalf("WeightIn = %q, want heavy", conn.WeightIn)
	}
}

func TestOnRequestHeavyDeniedWhenAtCap(t *testing.T) {
	r, e := newTestEngine("self")
	// No bandwidth data and an empty view floors MaxConnections at 1, and
	// one heavy incoming connection already occupies that slot.
	r.Attach("peer-a", newHeavyTestAdapter())
	r.SetIncomingWeight("peer-a", overlay.WeightHeavy)
	r.Attach("peer-b", newHeavyTestAdapter())

	e.onRequestHeavy(proto.Message{Type: proto.TypeGossipWeight, From: "peer-b", To: "self", TTL: 3})

	conn, _ := r.Table().Get("peer-b")
	if conn.WeightIn == overlay.WeightHeavy {
		t.Fatal("peer-b should have been denied: at admission cap")
	}
}

func TestOnRequestLightAlwaysGrants(t *testing.T) {
	r, e := newTestEngine("self")
	r.Attach("peer-a", newHeavyTestAdapter())
	r.SetIncomingWeight("peer-a", overlay.WeightHeavy)

	e.onRequestLight(proto.Message{Type: proto.TypeGossipWeight, From: "peer-a", To: "self", TTL: 3})

	conn, _ := r.Table().Get("peer-a")
	if conn.WeightIn != overlay.WeightLight {
		t.Fatalf("WeightIn = %q, want light", conn.WeightIn)
	}
}

func TestHandleWeightAckUpdatesOutgoing(t *testing.T) {
	r, e := newTestEngine("self")
	r.Attach("peer-a", newHeavyTestAdapter())

	e.handleWeight(proto.Message{
		Type: proto.TypeGossipWeight, From: "peer-a", To: "self", TTL: 3,
		Data: map[string]any{"value": proto.WeightAckHeavy},
	})

	conn, _ := r.Table().Get("peer-a")
	if conn.WeightOut != overlay.WeightHeavy {
		t.Fatalf("WeightOut = %q, want heavy", conn.WeightOut)
	}
}
