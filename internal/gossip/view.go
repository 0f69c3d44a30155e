// Package gossip implements the Gossip Engine (spec §4.6): bounded random
// view maintenance, bandwidth-aware neighbor sizing, and the heavy/light
// connection-weight upgrade protocol. It runs on its own goroutine — the
// "separate cooperative worker context" of spec §5 — and talks to the
// Peer Core only through the shared Message Emitter and a small set of
// Router accessor methods (never holding the Connection Table itself).
package gossip

// MediaDescriptor is the media-related slice of a NodeDescriptor.
type MediaDescriptor struct {
	Bandwidth float64 `json:"bandwidth,omitempty"`
	Parts     []int   `json:"parts,omitempty"`
}

// NodeDescriptor is the gossip payload describing one known node (spec
// §3). Extra carries fields installed by other extensions via
// gossip:descriptor-update that this package doesn't know about natively.
type NodeDescriptor struct {
	ID    string           `json:"id"`
	Age   int64            `json:"age"`
	Media *MediaDescriptor  `json:"media,omitempty"`
	Extra map[string]any   `json:"-"`
}

// View is an ordered sequence of NodeDescriptors bounded by ViewSize.
type View []NodeDescriptor

// IDs returns just the peer ids in view order.
func (v View) IDs() []string {
	out := make([]string, len(v))
	for i, d := range v {
		out[i] = d.ID
	}
	return out
}

// indexOf returns the index of id in v, or -1.
func (v View) indexOf(id string) int {
	for i, d := range v {
		if d.ID == id {
			return i
		}
	}
	return -1
}

