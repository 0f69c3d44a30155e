// Package node wires every component of a single meshcast process
// together: identity, the Peer Core, the gossip and media extensions, and
// whichever transport and bootstrap backends the configuration selects.
// This is the composition root the teacher's own process entrypoint plays
// for its host/service bundle, generalized to this overlay's components.
package node

import (
	"context"
	"fmt"
	"log"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/meshcast/internal/config"
	"github.com/petervdpas/meshcast/internal/emitter"
	"github.com/petervdpas/meshcast/internal/gossip"
	"github.com/petervdpas/meshcast/internal/identity"
	"github.com/petervdpas/meshcast/internal/media"
	"github.com/petervdpas/meshcast/internal/overlay"
	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/rendezvous"
	"github.com/petervdpas/meshcast/internal/transport"
	"github.com/petervdpas/meshcast/internal/util"
)

// Node bundles every long-lived component one process owns.
type Node struct {
	cfg config.Config

	Identity *identity.Identity
	Emitter  *emitter.Emitter
	Router   *overlay.Router
	Gossip   *gossip.Engine
	Media    *media.Manager

	lanHost       *transport.LANHost
	pubsub        *pubsub.PubSub
	signal        *rendezvous.Client
	rendezvousSrv *rendezvous.Server
	origin        *media.OriginFetcher
}

// New builds a Node from cfg. It does not start any network activity;
// call Run for that.
func New(cfg config.Config) (*Node, error) {
	id, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("node: load identity: %w", err)
	}

	n := &Node{cfg: cfg, Identity: id, Emitter: emitter.New()}

	newTransport, err := n.buildTransportFactory(id)
	if err != nil {
		return nil, err
	}

	n.Router = overlay.New(overlay.Config{
		SelfID:         id.PeerID.String(),
		TTL:            cfg.Overlay.TTL,
		QueueTimeout:   time.Duration(cfg.Overlay.QueueTimeoutMs) * time.Millisecond,
		ConnInactivity: time.Duration(cfg.Overlay.InactivityMs) * time.Millisecond,
		NewTransport:   newTransport,
	}, n.Emitter)

	n.Gossip = gossip.New(n.Router, gossip.Config{
		ViewSize:         cfg.Gossip.ViewSize,
		ExchangeInterval: time.Duration(cfg.Gossip.ExchangeSec) * time.Second,
	})

	n.Media = media.NewManager(media.NewFileSink(cfg.Media.OutputFile))
	n.Media.ChunkSize = cfg.Media.ChunkSize

	n.Router.Install(n.Gossip.Extension(), n.Media.Extension())

	if cfg.Media.OriginURL != "" {
		n.origin = media.NewOriginFetcher(cfg.Media.OriginURL)
	}

	return n, nil
}

// buildTransportFactory picks the webrtc or lan backend per
// cfg.Overlay.Transport. The lan backend also starts the shared libp2p host
// and its mDNS discovery loop, which feeds discovered peers back into the
// Router as request-peer messages once it exists.
func (n *Node) buildTransportFactory(id *identity.Identity) (overlay.TransportFactory, error) {
	if n.cfg.Overlay.Transport != "lan" {
		return func(remoteID string, onLocalCandidate func(string)) (transport.Adapter, error) {
			return transport.NewWebRTCAdapter(remoteID, onLocalCandidate)
		}, nil
	}

	lh, err := transport.NewLANHost(id.PrivateKey, n.cfg.Overlay.ListenPort, func(pi peer.AddrInfo) {
		if n.Router == nil {
			return
		}
		remote := pi.ID.String()
		if remote == n.Router.ID() {
			return
		}
		if err := n.Router.RequestPeer(remote, 0, nil); err != nil {
			log.Printf("node: request-peer to discovered lan peer %s: %v", remote, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("node: start lan host: %w", err)
	}
	n.lanHost = lh

	return func(remoteID string, onLocalCandidate func(string)) (transport.Adapter, error) {
		pid, err := peer.Decode(remoteID)
		if err != nil {
			return nil, fmt.Errorf("node: decode lan peer id %q: %w", remoteID, err)
		}
		return transport.NewLANAdapter(lh, pid), nil
	}, nil
}

// Run starts every background loop (router maintenance, gossip exchange,
// the download driver, and whichever of the rendezvous host/client and
// pubsub fanout the configuration enables) and blocks until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.Signal.RendezvousHost {
		srv := rendezvous.New(n.cfg.Signal.RendezvousListenAddr, n.cfg.Signal.RendezvousDB)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("node: start rendezvous host: %w", err)
		}
		n.rendezvousSrv = srv
		log.Printf("node: rendezvous host listening on %s", n.cfg.Signal.RendezvousListenAddr)
	}

	if n.cfg.Signal.RendezvousURL != "" {
		if err := n.dialSignal(); err != nil {
			return err
		}
	}

	if n.lanHost != nil {
		ps, err := pubsub.NewGossipSub(ctx, n.lanHost.Host)
		if err != nil {
			return fmt.Errorf("node: start pubsub: %w", err)
		}
		n.pubsub = ps
		if err := n.Gossip.EnablePubSubFanout(ctx, ps, n.cfg.Overlay.MdnsTag+"-gossip"); err != nil {
			log.Printf("node: enable pubsub fanout: %v", err)
		}
	}

	if n.cfg.Media.ClusterDir != "" {
		if err := n.Media.WatchClusterDir(ctx, n.cfg.Media.ClusterDir); err != nil {
			log.Printf("node: watch cluster dir %s: %v", n.cfg.Media.ClusterDir, err)
		}
	}

	go n.Router.Run(ctx)
	go n.Gossip.Run(ctx)
	go n.runDownloadLoop(ctx)

	<-ctx.Done()
	return n.Close()
}

// dialSignal connects the Signal Client and attaches it to the Connection
// Table under the reserved "signal" key, the same way a negotiated peer
// session is bound.
func (n *Node) dialSignal() error {
	c, err := rendezvous.NewClient(n.cfg.Signal.RendezvousURL, n.Router.ID(), time.Duration(n.cfg.Signal.KeepaliveMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("node: dial rendezvous: %w", err)
	}
	n.signal = c
	n.Router.Attach(proto.ToSignal, c)
	return nil
}

// runDownloadLoop drives segment acquisition once metadata is known: it
// requests the segment index from a random open neighbor until one
// answers, fetches the head region from the origin server if configured,
// then repeatedly asks NextPartsToDownload for outstanding work and issues
// either a peer request or an origin fetch per part.
func (n *Node) runDownloadLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	headFetched := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !n.Media.HasIndex() {
				n.requestIndex()
				continue
			}
			if n.origin != nil && !headFetched {
				if err := n.Media.FetchHead(ctx, n.origin); err != nil {
					log.Printf("node: fetch head from origin: %v", err)
				} else {
					headFetched = true
				}
			}
			if requeued := n.Media.RequeueStalePending(media.DefaultPendingRetry); requeued > 0 {
				log.Printf("node: requeued %d stale-pending part(s)", requeued)
			}
			for part, target := range n.Media.NextPartsToDownload(4) {
				n.requestPart(ctx, part, target)
			}
		}
	}
}

func (n *Node) requestIndex() {
	var candidates []string
	for _, c := range n.Router.Table().Snapshot() {
		if c.RemoteID != proto.ToSignal && n.Router.Table().IsOpenNeighbor(c.RemoteID) {
			candidates = append(candidates, c.RemoteID)
		}
	}
	if len(candidates) == 0 {
		return
	}
	target := util.Shuffle(candidates)[0]
	msg := proto.Message{
		Type: proto.TypeMediaIndexRequest,
		From: n.Router.ID(),
		To:   target,
		TTL:  n.cfg.Overlay.TTL,
	}
	if err := n.Router.Send(msg, 0, nil); err != nil {
		log.Printf("node: request media index from %s: %v", target, err)
	}
}

func (n *Node) requestPart(ctx context.Context, part int, target string) {
	if target == proto.ToSource {
		if n.origin == nil {
			return
		}
		if err := n.Media.FetchPart(ctx, n.origin, part); err != nil {
			log.Printf("node: fetch part %d from origin: %v", part, err)
		}
		return
	}

	msg := proto.Message{
		Type: proto.TypeMediaPartRequest,
		From: n.Router.ID(),
		To:   target,
		TTL:  n.cfg.Overlay.TTL,
		Data: fmt.Sprintf("%d", part),
	}
	if err := n.Router.Send(msg, 0, nil); err != nil {
		log.Printf("node: request part %d from %s: %v", part, target, err)
	}
}

// Close tears down the signal connection and, for the lan backend, the
// libp2p host. Idempotent enough for a single process shutdown.
func (n *Node) Close() error {
	if n.signal != nil {
		_ = n.signal.Close()
	}
	if n.lanHost != nil {
		_ = n.lanHost.Host.Close()
	}
	return nil
}

// Snapshot is the node's diagnostic view: queue depth, connection count,
// gossip view size, and a part-status histogram, enough to tell at a glance
// whether a node is starved, flooding, or caught up. It is returned by
// Node.Snapshot; the node itself does not serve it over HTTP.
type Snapshot struct {
	SelfID          string         `json:"self_id"`
	QueueLen        int            `json:"queue_len"`
	ConnectionCount int            `json:"connection_count"`
	ViewSize        int            `json:"view_size"`
	PartStatus      map[string]int `json:"part_status"`
}

// Snapshot builds the current diagnostic view.
func (n *Node) Snapshot() Snapshot {
	return Snapshot{
		SelfID:          n.Router.ID(),
		QueueLen:        n.Router.QueueLen(),
		ConnectionCount: n.Router.ConnectionCount(),
		ViewSize:        len(n.Gossip.Snapshot()),
		PartStatus:      n.Media.PartStatusHistogram(),
	}
}
