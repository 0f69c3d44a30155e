// Package rendezvous implements the bootstrap/relay service peers dial on
// first run: a hub of persistent bidirectional connections (spec §4.4) that
// hands each newcomer a first-view of other connected peers and relays
// messages addressed directly to a peer id or broadcast to "any"/"signal"
// when the overlay itself has no route (spec §7 UnknownDestination
// fallback). It never inspects message bodies beyond type/from/to.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/util"
)

const (
	maxConns      = 4096 // global connection limit
	maxConnsPerIP = 20    // per-IP connection limit
	staleAfter    = 24 * time.Hour

	maxSSEClients      = 256 // global admin SSE connection limit
	maxSSEClientsPerIP = 5    // per-IP admin SSE connection limit
)

// rateBucketCap bounds the ring buffer used for per-IP connect rate limiting.
const rateBucketCap = 120

type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peerConn is one connected peer's live websocket session.
type peerConn struct {
	id     string
	ip     string
	ws     *websocket.Conn
	outbox chan proto.Message
}

type Server struct {
	addr string
	srv  *http.Server

	mu    sync.Mutex
	conns map[string]*peerConn // peer id -> connection

	connIPs map[string]string // peer id -> remote ip, for per-IP accounting

	peerDB *peerDB // nil when persistence is disabled

	rateMu     sync.Mutex
	rateWindow map[string]*rateBucket

	sseClients   map[chan []byte]struct{}
	sseClientIPs map[chan []byte]string
}

// rosterEvent is the payload streamed to /events subscribers on every
// connect/disconnect (spec §12 expansion: admin roster-churn view).
type rosterEvent struct {
	Kind string `json:"kind"` // "connect" | "disconnect"
	ID   string `json:"id"`
	At   int64  `json:"at"`
}

// New constructs a Server. dbPath may be empty to run without persistence.
func New(addr string, dbPath string) *Server {
	s := &Server{
		addr:         addr,
		conns:        map[string]*peerConn{},
		connIPs:      map[string]string{},
		rateWindow:   map[string]*rateBucket{},
		sseClients:   map[chan []byte]struct{}{},
		sseClientIPs: map[chan []byte]string{},
	}

	if dbPath != "" {
		db, err := openPeerDB(dbPath)
		if err != nil {
			log.Printf("rendezvous: peer DB open failed: %v (running in-memory only)", err)
		} else {
			s.peerDB = db
		}
	}

	return s
}

func (s *Server) Start(ctx context.Context) error {
	go s.cleanupStaleLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/peers.json", s.handlePeersJSON)
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/events", s.handleEvents(ctx))

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("rendezvous: server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) URL() string {
	return "ws://" + s.addr + "/connect"
}

// handleConnect upgrades to a websocket, registers the peer once its first
// frame reveals its id, and relays every subsequent frame per the relay
// policy in deliver.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r.RemoteAddr)
	if !s.allowConnect(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var pc *peerConn
	defer func() {
		if pc != nil {
			s.unregister(pc)
		} else {
			ws.Close()
		}
	}()

	for {
		var msg proto.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if pc == nil {
			pc, err = s.register(msg.From, ip, ws)
			if err != nil {
				_ = ws.WriteJSON(proto.Message{Type: "error", From: proto.ToSignal, To: msg.From, Data: err.Error()})
				return
			}
		}
		s.deliver(pc, msg)
	}
}

// register admits a newly identified peer: caps global/per-IP connection
// counts, replaces any stale session under the same id, starts its writer
// goroutine, and sends it a first-view of currently connected peers.
func (s *Server) register(id, ip string, ws *websocket.Conn) (*peerConn, error) {
	if id == "" {
		return nil, fmt.Errorf("missing peer id")
	}

	s.mu.Lock()
	if len(s.conns) >= maxConns {
		s.mu.Unlock()
		return nil, fmt.Errorf("too many connections (%d)", maxConns)
	}
	ipCount := 0
	for _, existingIP := range s.connIPs {
		if existingIP == ip {
			ipCount++
		}
	}
	if ipCount >= maxConnsPerIP {
		s.mu.Unlock()
		return nil, fmt.Errorf("too many connections from %s (%d)", ip, maxConnsPerIP)
	}

	if old, ok := s.conns[id]; ok {
		close(old.outbox)
		_ = old.ws.Close()
	}

	pc := &peerConn{id: id, ip: ip, ws: ws, outbox: make(chan proto.Message, 64)}
	s.conns[id] = pc
	s.connIPs[id] = ip

	view := make([]string, 0, len(s.conns))
	for pid := range s.conns {
		if pid != id {
			view = append(view, pid)
		}
	}
	s.mu.Unlock()

	if s.peerDB != nil {
		s.peerDB.upsert(peerRow{PeerID: id, LastSeen: time.Now().UnixMilli()})
	}

	go s.writeLoop(pc)
	pc.outbox <- proto.Message{Type: proto.TypeFirstView, From: proto.ToSignal, To: id, Data: map[string]any{"id": id, "view": view}}
	s.publishRosterEvent(rosterEvent{Kind: "connect", ID: id, At: time.Now().UnixMilli()})

	return pc, nil
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	if cur, ok := s.conns[pc.id]; ok && cur == pc {
		delete(s.conns, pc.id)
		delete(s.connIPs, pc.id)
		close(pc.outbox)
	}
	s.mu.Unlock()
	_ = pc.ws.Close()
	s.publishRosterEvent(rosterEvent{Kind: "disconnect", ID: pc.id, At: time.Now().UnixMilli()})
}

// handleEvents streams roster-churn events (connect/disconnect) to an admin
// view over Server-Sent Events, grounded on the teacher's own /events
// handler (spec §12 expansion: admin roster view, not steady-state traffic).
func (s *Server) handleEvents(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		ch := make(chan []byte, 64)
		remoteIP := extractIP(r.RemoteAddr)
		if err := s.addSSEClient(ch, remoteIP); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		defer s.removeSSEClient(ch)

		_, _ = w.Write([]byte(": ok\n\n"))
		flusher.Flush()

		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				_, _ = w.Write([]byte(": ping\n\n"))
				flusher.Flush()
			case b := <-ch:
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(b)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func (s *Server) addSSEClient(ch chan []byte, remoteIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sseClients) >= maxSSEClients {
		return fmt.Errorf("too many SSE connections (%d)", maxSSEClients)
	}
	ipCount := 0
	for _, ip := range s.sseClientIPs {
		if ip == remoteIP {
			ipCount++
		}
	}
	if ipCount >= maxSSEClientsPerIP {
		return fmt.Errorf("too many SSE connections from %s (%d)", remoteIP, maxSSEClientsPerIP)
	}

	s.sseClients[ch] = struct{}{}
	s.sseClientIPs[ch] = remoteIP
	return nil
}

func (s *Server) removeSSEClient(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sseClients[ch]; !ok {
		return
	}
	delete(s.sseClients, ch)
	delete(s.sseClientIPs, ch)
	close(ch)
}

func (s *Server) publishRosterEvent(ev rosterEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.sseClients {
		select {
		case ch <- b:
		default:
			// slow subscriber; drop rather than block the relay loop
		}
	}
}

func (s *Server) writeLoop(pc *peerConn) {
	for msg := range pc.outbox {
		msg.TTL = 0
		if err := pc.ws.WriteJSON(msg); err != nil {
			return
		}
	}
}

// deliver implements the relay policy: direct messages go straight to the
// addressed peer if connected; anything addressed to "any" or "signal" is
// relayed to every other connected peer (the broadcast-of-last-resort path,
// spec §7 UnknownDestination). signal-keepalive frames are swallowed — they
// only exist to keep the channel itself alive.
func (s *Server) deliver(from *peerConn, msg proto.Message) {
	if msg.Type == proto.TypeSignalKeepalive {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.To {
	case proto.ToAny, proto.ToSignal:
		for id, pc := range s.conns {
			if id == from.id {
				continue
			}
			s.send(pc, msg)
		}
	default:
		if pc, ok := s.conns[msg.To]; ok {
			s.send(pc, msg)
		}
	}
}

func (s *Server) send(pc *peerConn, msg proto.Message) {
	select {
	case pc.outbox <- msg:
	default:
		// slow client; drop rather than block the relay loop
	}
}

func (s *Server) handlePeersJSON(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(ids)
}

func (s *Server) cleanupStaleLoop(ctx context.Context) {
	if s.peerDB == nil {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.peerDB.cleanupStale(time.Now().Add(-staleAfter).UnixMilli())
		}
	}
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Server) allowConnect(ip string) bool {
	window := time.Minute
	now := time.Now()
	cutoff := now.Add(-window)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	bucket, ok := s.rateWindow[ip]
	if !ok {
		bucket = &rateBucket{}
		s.rateWindow[ip] = bucket
	}

	for bucket.count > 0 {
		oldest := bucket.times[bucket.head]
		if oldest.After(cutoff) {
			break
		}
		bucket.head = (bucket.head + 1) % rateBucketCap
		bucket.count--
	}

	if bucket.count >= rateBucketCap {
		return false
	}

	idx := (bucket.head + bucket.count) % rateBucketCap
	bucket.times[idx] = now
	bucket.count++
	return true
}
