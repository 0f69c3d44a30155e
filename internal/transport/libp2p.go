package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/meshcast/internal/proto"
)

func init() {
	// Tune libp2p subsystem log levels: swarm2 to errors only, autonat to
	// warnings, relay and autorelay to info.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

// DataProtoID is the libp2p stream protocol used by the LAN transport
// backend to carry overlay messages once a stream is established.
const DataProtoID = protocol.ID("/meshcast/data/1.0.0")

const mdnsServiceTag = "meshcast-mdns"

// LANHost wraps a libp2p host shared by every LANAdapter on this node. It is
// the LAN-transport counterpart of the per-process PeerConnection factory
// the WebRTC backend needs: one libp2p host serves every peer.
type LANHost struct {
	Host host.Host

	mu       sync.Mutex
	inbound  map[peer.ID]chan network.Stream
	pending  map[peer.ID]network.Stream
	discover func(peer.AddrInfo)
}

// NewLANHost starts a libp2p host listening on listenPort, with mDNS
// discovery enabled for same-LAN bootstrap. onDiscover is invoked for every
// peer mDNS finds (typically wired to emit a request-peer toward it).
func NewLANHost(priv crypto.PrivKey, listenPort int, onDiscover func(peer.AddrInfo)) (*LANHost, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: new libp2p host: %w", err)
	}

	lh := &LANHost{
		Host:     h,
		inbound:  make(map[peer.ID]chan network.Stream),
		pending:  make(map[peer.ID]network.Stream),
		discover: onDiscover,
	}

	h.SetStreamHandler(DataProtoID, func(s network.Stream) {
		remote := s.Conn().RemotePeer()
		lh.mu.Lock()
		ch, ok := lh.inbound[remote]
		if ok {
			delete(lh.inbound, remote)
		}
		lh.mu.Unlock()
		if ok {
			ch <- s
			return
		}
		// The answerer hasn't called awaitInboundStream yet (the offer
		// message carrying its instruction to do so is still in flight).
		// Hold the stream until it asks.
		lh.mu.Lock()
		if old, exists := lh.pending[remote]; exists {
			_ = old.Close()
		}
		lh.pending[remote] = s
		lh.mu.Unlock()
	})

	svc := mdns.NewMdnsService(h, mdnsServiceTag, mdnsNotifee{lh: lh})
	if err := svc.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("transport: start mdns: %w", err)
	}

	return lh, nil
}

type mdnsNotifee struct{ lh *LANHost }

func (n mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if n.lh.discover != nil {
		n.lh.discover(pi)
	}
}

// awaitInboundStream returns a channel that yields the next stream dialed by
// p. If p has already dialed in (and is waiting in the pending set), the
// channel is pre-filled and returned immediately.
func (lh *LANHost) awaitInboundStream(p peer.ID) chan network.Stream {
	ch := make(chan network.Stream, 1)
	lh.mu.Lock()
	if s, ok := lh.pending[p]; ok {
		delete(lh.pending, p)
		ch <- s
	} else {
		lh.inbound[p] = ch
	}
	lh.mu.Unlock()
	return ch
}

func (lh *LANHost) forgetInboundStream(p peer.ID) {
	lh.mu.Lock()
	delete(lh.inbound, p)
	delete(lh.pending, p)
	lh.mu.Unlock()
}

// descriptor is the LAN transport's equivalent of an SDP offer/answer: the
// advertising peer's id and dialable multiaddrs. There is no ICE trickle
// phase, so AddICECandidate is a no-op that acknowledges immediately.
type descriptor struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// LANAdapter is the Transport Adapter backend for same-host/LAN peers,
// using a libp2p stream instead of a WebRTC DataChannel. Message framing is
// newline-delimited JSON over the stream, mirroring the way the content
// stream handler in the teacher's host serves single framed records.
type LANAdapter struct {
	baseState

	host   *LANHost
	peerID peer.ID

	streamMu sync.Mutex
	stream   network.Stream
	writer   *bufio.Writer
}

// NewLANAdapter creates an adapter toward remoteID. The adapter does not
// dial until CreateChannel is called; SetRemoteDescription only records the
// remote's addresses.
func NewLANAdapter(lh *LANHost, remoteID peer.ID) *LANAdapter {
	return &LANAdapter{
		baseState: baseState{state: Connecting},
		host:      lh,
		peerID:    remoteID,
	}
}

// CreateChannel dials the remote peer directly, assuming its address is
// already known to the host's peerstore (e.g. from mDNS discovery).
func (a *LANAdapter) CreateChannel() error {
	s, err := a.host.Host.NewStream(context.Background(), a.peerID, DataProtoID)
	if err != nil {
		return fmt.Errorf("transport: open lan stream to %s: %w", a.peerID, err)
	}
	a.bindStream(s)
	a.setState(Open)
	return nil
}

// BindInbound waits (up to ctx's deadline) for the stream the remote peer
// dials in, then binds it. The answering side of an offer/answer exchange
// calls this instead of CreateChannel, which is for the dialing side.
func (a *LANAdapter) BindInbound(ctx context.Context) error {
	ch := a.host.awaitInboundStream(a.peerID)
	select {
	case s := <-ch:
		a.bindStream(s)
		a.setState(Open)
		return nil
	case <-ctx.Done():
		a.host.forgetInboundStream(a.peerID)
		return ctx.Err()
	}
}

func (a *LANAdapter) bindStream(s network.Stream) {
	a.streamMu.Lock()
	a.stream = s
	a.writer = bufio.NewWriter(s)
	a.streamMu.Unlock()

	go a.readLoop(s)
}

func (a *LANAdapter) readLoop(s network.Stream) {
	dec := json.NewDecoder(bufio.NewReader(s))
	for {
		var msg proto.Message
		if err := dec.Decode(&msg); err != nil {
			a.setState(Closed)
			return
		}
		a.deliver(msg)
	}
}

// Send writes msg as a single JSON line on the stream.
func (a *LANAdapter) Send(msg proto.Message) error {
	a.streamMu.Lock()
	w := a.writer
	a.streamMu.Unlock()
	if w == nil {
		return fmt.Errorf("transport: no lan stream to %s", a.peerID)
	}
	if a.State() != Open {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

// CreateSDPOffer produces this host's descriptor (id + dialable addrs).
func (a *LANAdapter) CreateSDPOffer(cb func(sdp string, err error)) {
	d := descriptor{
		PeerID: a.host.Host.ID().String(),
		Addrs:  addrStrings(a.host.Host.Addrs()),
	}
	b, err := json.Marshal(d)
	cb(string(b), err)
}

// CreateSDPAnswer records the remote descriptor's addresses in the
// peerstore and returns our own descriptor as the answer.
func (a *LANAdapter) CreateSDPAnswer(remoteSDP string, cb func(sdp string, err error)) {
	if err := a.applyRemoteDescriptor(remoteSDP); err != nil {
		cb("", err)
		return
	}
	a.CreateSDPOffer(cb)
}

// SetRemoteDescription records the remote peer's dialable addresses.
func (a *LANAdapter) SetRemoteDescription(sdp string, okCb func(), errCb func(error)) {
	if err := a.applyRemoteDescriptor(sdp); err != nil {
		if errCb != nil {
			errCb(err)
		}
		return
	}
	if okCb != nil {
		okCb()
	}
}

func (a *LANAdapter) applyRemoteDescriptor(raw string) error {
	var d descriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return fmt.Errorf("transport: decode lan descriptor: %w", err)
	}
	pid, err := peer.Decode(d.PeerID)
	if err != nil {
		return fmt.Errorf("transport: decode lan peer id: %w", err)
	}
	addrs := make([]ma.Multiaddr, 0, len(d.Addrs))
	for _, s := range d.Addrs {
		if m, err := ma.NewMultiaddr(s); err == nil {
			addrs = append(addrs, m)
		}
	}
	a.host.Host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)
	return nil
}

// AddICECandidate is a no-op for the LAN backend: addresses are carried
// wholesale in the descriptor, there is no trickle phase.
func (a *LANAdapter) AddICECandidate(candidate string, okCb func(), errCb func(error)) {
	if okCb != nil {
		okCb()
	}
}

// Close tears down the underlying stream. Idempotent.
func (a *LANAdapter) Close() error {
	a.setState(Closing)
	a.host.forgetInboundStream(a.peerID)
	a.streamMu.Lock()
	s := a.stream
	a.streamMu.Unlock()
	var err error
	if s != nil {
		err = s.Close()
	}
	a.setState(Closed)
	return err
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
