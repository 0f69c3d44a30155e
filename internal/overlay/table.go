package overlay

import (
	"sync"
	"time"

	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// Weight values for a Connection's incoming/outgoing admission state.
const (
	WeightLight = "light"
	WeightHeavy = "heavy"
)

// Connection mirrors spec §3: one per remote id in the Connection Table,
// exactly one key "signal" for the rendezvous channel.
type Connection struct {
	RemoteID     string
	Adapter      transport.Adapter
	LastActivity time.Time
	WeightIn     string
	WeightOut    string
}

func (c *Connection) state() transport.State { return c.Adapter.State() }

// ConnectionTable is the Peer Core's exclusive map from peer-id to
// Transport Adapter, with the rendezvous channel under the special key
// proto.ToSignal.
type ConnectionTable struct {
	mu    sync.RWMutex
	byRid map[string]*Connection
}

func newConnectionTable() *ConnectionTable {
	return &ConnectionTable{byRid: make(map[string]*Connection)}
}

// Put installs a new Connection, replacing any existing entry for the same
// remote id.
func (t *ConnectionTable) Put(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byRid[c.RemoteID] = c
}

// Get returns the Connection for remoteID, if any.
func (t *ConnectionTable) Get(remoteID string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byRid[remoteID]
	return c, ok
}

// Remove deletes the entry for remoteID.
func (t *ConnectionTable) Remove(remoteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byRid, remoteID)
}

// Touch refreshes LastActivity for remoteID, if present.
func (t *ConnectionTable) Touch(remoteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byRid[remoteID]; ok {
		c.LastActivity = time.Now()
	}
}

// Snapshot returns a stable copy of every tracked Connection.
func (t *ConnectionTable) Snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, 0, len(t.byRid))
	for _, c := range t.byRid {
		out = append(out, c)
	}
	return out
}

// IsOpenNeighbor reports whether remoteID has a Connection in the Open
// state and is not the rendezvous key.
func (t *ConnectionTable) IsOpenNeighbor(remoteID string) bool {
	if remoteID == "" || remoteID == proto.ToSignal {
		return false
	}
	c, ok := t.Get(remoteID)
	return ok && c.state() == transport.Open
}

// HeavyIncomingCount reports how many connections currently have an Open
// state and a heavy incoming weight.
func (t *ConnectionTable) HeavyIncomingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.byRid {
		if c.state() == transport.Open && c.WeightIn == WeightHeavy {
			n++
		}
	}
	return n
}
