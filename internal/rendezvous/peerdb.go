package rendezvous

import (
	"database/sql"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

// peerRow is a durable record of a peer last seen by this rendezvous
// instance. The server writes and prunes rows but does not read them back:
// the first-view for newly connected peers comes from live connections only.
type peerRow struct {
	PeerID   string `json:"peer_id"`
	LastSeen int64  `json:"last_seen"`
}

// peerDB provides optional SQLite-backed peer last-seen persistence. Several
// instances may share the same database file, but no instance loads the rows,
// so peers registered by one instance are not visible to the others.
type peerDB struct {
	db *sql.DB
	mu sync.Mutex
}

// openPeerDB opens (or creates) a SQLite database for peer persistence.
func openPeerDB(path string) (*peerDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS peers (
		peer_id   TEXT PRIMARY KEY,
		last_seen INTEGER DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &peerDB{db: db}, nil
}

// upsert writes a peer row to SQLite.
func (p *peerDB) upsert(row peerRow) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.db.Exec(`INSERT INTO peers (peer_id, last_seen) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET last_seen=excluded.last_seen`,
		row.PeerID, row.LastSeen)
	if err != nil {
		log.Printf("peerdb: upsert error: %v", err)
	}
}

// remove deletes a peer from SQLite.
func (p *peerDB) remove(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, peerID)
}

// cleanupStale removes peers older than the given threshold (unix millis).
func (p *peerDB) cleanupStale(thresholdMillis int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.db.Exec(`DELETE FROM peers WHERE last_seen < ?`, thresholdMillis)
}

// loadAll returns all peers from SQLite.
func (p *peerDB) loadAll() ([]peerRow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(`SELECT peer_id, last_seen FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []peerRow
	for rows.Next() {
		var r peerRow
		if err := rows.Scan(&r.PeerID, &r.LastSeen); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// close closes the database.
func (p *peerDB) close() error {
	return p.db.Close()
}
