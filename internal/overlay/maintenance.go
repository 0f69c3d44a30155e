package overlay

import (
	"context"
	"time"

	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// Run drives periodic queue and connection maintenance (spec §4.2) until
// ctx is cancelled, on a ticker of r.queueTimeout.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.queueTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maintenanceTick()
		}
	}
}

// maintenanceTick runs one maintenance pass: timeout expiry, re-processing
// of surviving queue entries, and connection sweep.
func (r *Router) maintenanceTick() {
	r.mu.Lock()
	current := r.queue
	r.queue = nil
	r.mu.Unlock()

	now := time.Now()
	var survivors []*QueuedMessage
	for _, qm := range current {
		if qm.expired(now) {
			if qm.OnTimeout != nil {
				qm.OnTimeout()
			}
			continue
		}
		survivors = append(survivors, qm)
	}

	for _, qm := range survivors {
		r.processMessage(qm)
	}

	r.sweepConnections(now)
}

// sweepConnections closes idle non-rendezvous connections and purges closed
// entries, per spec §3 and §4.2.
func (r *Router) sweepConnections(now time.Time) {
	for _, c := range r.table.Snapshot() {
		if c.RemoteID == proto.ToSignal {
			continue
		}
		switch c.state() {
		case transport.Open:
			if now.Sub(c.LastActivity) > r.connInactivity {
				_ = c.Adapter.Close()
			}
		case transport.Closed:
			r.table.Remove(c.RemoteID)
		}
	}
}
