package overlay

import "github.com/petervdpas/meshcast/internal/proto"

// HeavyPolicy is the capability interface an extension installs to declare
// which outbound messages require a heavy (bulk-capable) connection before
// they may be sent directly. The Router feature-tests for this — it must
// not require any specific extension to be present (spec §4.8, §9).
type HeavyPolicy interface {
	IsHeavy(msg proto.Message) bool
}

// GossipControl is the capability interface the gossip extension installs
// so the Router's heavy-admission path can learn the current admission cap
// without owning the view itself.
type GossipControl interface {
	MaxConnections() int
}

// Extension is a factory invoked with the Router as receiver. It may
// register message handlers on Router.Em and/or register itself as a
// HeavyPolicy / GossipControl via Router.SetHeavyPolicy / SetGossipControl.
type Extension func(r *Router)

// Install runs every extension factory against r in order. Mirrors the
// mixin-factory registrar of spec §4.8, replaced with an explicit
// capability-interface feature test per the design notes in §9.
func (r *Router) Install(extensions ...Extension) {
	for _, ext := range extensions {
		ext(r)
	}
}

// SetHeavyPolicy registers the HeavyPolicy implementation. Passing nil
// clears it (no message is ever treated as heavy).
func (r *Router) SetHeavyPolicy(p HeavyPolicy) {
	r.mu.Lock()
	r.heavyPolicy = p
	r.mu.Unlock()
}

// SetGossipControl registers the GossipControl implementation.
func (r *Router) SetGossipControl(g GossipControl) {
	r.mu.Lock()
	r.gossipControl = g
	r.mu.Unlock()
}
