package gossip

import (
	"context"
	"math"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/meshcast/internal/overlay"
	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/util"
)

// Config bundles Engine construction parameters.
type Config struct {
	ViewSize         int
	ExchangeInterval time.Duration
}

// Engine is the Gossip Engine extension (spec §4.6). Installed on a Router
// via overlay.Extension, it registers its own message handlers and exposes
// itself as an overlay.GossipControl so the Router's heavy-admission path
// can query MaxConnections without the Router ever touching the view.
type Engine struct {
	router *overlay.Router
	cfg    Config

	mu          sync.Mutex
	view        View
	self        NodeDescriptor
	bandwidths  []float64
	fanoutTopic *pubsub.Topic

	// viewUpdates carries view-update events from this worker back toward
	// whatever wants a read-only snapshot (spec §5: "Peer Core only caches
	// a snapshot"). Buffered so the worker never blocks on a slow reader.
	viewUpdates chan View
}

// New constructs an Engine bound to router. Call Install to wire it in.
func New(router *overlay.Router, cfg Config) *Engine {
	if cfg.ViewSize <= 0 {
		cfg.ViewSize = 32
	}
	if cfg.ExchangeInterval <= 0 {
		cfg.ExchangeInterval = 5 * time.Second
	}
	return &Engine{
		router:      router,
		cfg:         cfg,
		self:        NodeDescriptor{ID: router.ID(), Age: 0},
		viewUpdates: make(chan View, 4),
	}
}

// Extension returns the overlay.Extension hook that registers e's handlers
// and installs e as the Router's GossipControl and message handlers, per
// the capability-interface pattern of spec §4.8/§9.
func (e *Engine) Extension() overlay.Extension {
	return func(r *overlay.Router) {
		r.SetGossipControl(e)
		r.Em.On(proto.TypeFirstView, e.handleFirstView)
		r.Em.On(proto.TypeGossipRequestExchange, e.handleRequestExchange)
		r.Em.On(proto.TypeGossipAnswerRequest, e.handleAnswerRequest)
		r.Em.On(proto.TypeGossipDescriptorUpdate, e.handleDescriptorUpdate)
		r.Em.On(proto.TypeGossipBandwidth, e.handleBandwidth)
		r.Em.On(proto.TypeGossipWeight, e.handleWeight)
	}
}

// ViewUpdates exposes the channel of view-update snapshots the Peer Core
// (or any other reader) may cache.
func (e *Engine) ViewUpdates() <-chan View { return e.viewUpdates }

// Snapshot returns a copy of the current view.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(View, len(e.view))
	copy(out, e.view)
	return out
}

// Run drives the periodic view exchange until ctx is cancelled — the
// "separate cooperative context" of spec §5.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ExchangeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.exchangeWithRandomNeighbor()
			e.publishFanout(ctx)
		}
	}
}

// exchangeWithRandomNeighbor sends a gossip:request-exchange to a randomly
// selected open neighbor.
func (e *Engine) exchangeWithRandomNeighbor() {
	conns := e.router.Table().Snapshot()
	var open []string
	for _, c := range conns {
		if c.RemoteID != proto.ToSignal && e.router.Table().IsOpenNeighbor(c.RemoteID) {
			open = append(open, c.RemoteID)
		}
	}
	if len(open) == 0 {
		return
	}
	target := util.Shuffle(open)[0]
	msg := proto.Message{
		Type: proto.TypeGossipRequestExchange,
		From: e.router.ID(),
		To:   target,
		TTL:  1,
		Data: e.viewPayload(),
	}
	_ = e.router.Send(msg, 0, nil)
}

func (e *Engine) viewPayload() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{"view": e.view, "self": e.self}
}

// handleFirstView initializes the view on first contact with the
// rendezvous (spec §4.2/§4.6).
func (e *Engine) handleFirstView(msg proto.Message) {
	data, _ := msg.Data.(map[string]any)
	if data == nil {
		return
	}
	e.mu.Lock()
	e.self.ID = e.router.ID()
	if raw, ok := data["view"].([]any); ok {
		e.view = decodeView(raw)
	}
	e.mu.Unlock()
	e.publishViewUpdate()
}

// handleRequestExchange replies with our own view slice and self
// descriptor via gossip:answer-request.
func (e *Engine) handleRequestExchange(msg proto.Message) {
	reply := e.router.RespondTo(msg, proto.Message{
		Type: proto.TypeGossipAnswerRequest,
		Data: e.viewPayload(),
	})
	_ = e.router.Send(reply, 0, nil)
	e.mergeRemoteView(msg.Data)
}

// handleAnswerRequest merges the remote's view slice into ours.
func (e *Engine) handleAnswerRequest(msg proto.Message) {
	e.mergeRemoteView(msg.Data)
}

func (e *Engine) mergeRemoteView(data any) {
	m, _ := data.(map[string]any)
	if m == nil {
		return
	}
	raw, _ := m["view"].([]any)
	incoming := decodeView(raw)

	e.mu.Lock()
	merged := mergeViews(e.view, incoming, e.cfg.ViewSize)
	e.view = merged
	e.mu.Unlock()
	e.publishViewUpdate()
}

// mergeViews combines two views, preferring entries from b on id
// collision (freshest wins), bounded to size.
func mergeViews(a, b View, size int) View {
	byID := make(map[string]NodeDescriptor, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))
	for _, d := range a {
		if _, ok := byID[d.ID]; !ok {
			order = append(order, d.ID)
		}
		byID[d.ID] = d
	}
	for _, d := range b {
		if _, ok := byID[d.ID]; !ok {
			order = append(order, d.ID)
		}
		byID[d.ID] = d
	}
	shuffled := util.Shuffle(order)
	if len(shuffled) > size {
		shuffled = shuffled[:size]
	}
	out := make(View, len(shuffled))
	for i, id := range shuffled {
		out[i] = byID[id]
	}
	return out
}

func decodeView(raw []any) View {
	out := make(View, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		d := NodeDescriptor{}
		if id, ok := m["id"].(string); ok {
			d.ID = id
		}
		if age, ok := m["age"].(float64); ok {
			d.Age = int64(age)
		}
		if media, ok := m["media"].(map[string]any); ok {
			md := &MediaDescriptor{}
			if bw, ok := media["bandwidth"].(float64); ok {
				md.Bandwidth = bw
			}
			d.Media = md
		}
		if d.ID != "" {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) publishViewUpdate() {
	select {
	case e.viewUpdates <- e.Snapshot():
	default:
	}
}

// handleBandwidth appends a bandwidth sample and republishes the rolling
// mean into the node's own descriptor (spec §4.6).
func (e *Engine) handleBandwidth(msg proto.Message) {
	bw, ok := msg.Data.(float64)
	if !ok {
		return
	}
	e.mu.Lock()
	e.bandwidths = append(e.bandwidths, bw)
	if e.self.Media == nil {
		e.self.Media = &MediaDescriptor{}
	}
	e.self.Media.Bandwidth = util.Mean(e.bandwidths)
	e.mu.Unlock()
}

// handleDescriptorUpdate applies a path-addressed patch to the node's own
// descriptor and reflects it back into the view (spec §4.6).
func (e *Engine) handleDescriptorUpdate(msg proto.Message) {
	patch, ok := msg.Data.(map[string]any)
	if !ok {
		return
	}
	path, _ := patch["path"].([]any)
	value := patch["value"]

	e.mu.Lock()
	defer e.mu.Unlock()
	applyPatch(&e.self, path, value)
	if idx := e.view.indexOf(e.self.ID); idx >= 0 {
		e.view[idx] = e.self
	}
}

func applyPatch(d *NodeDescriptor, path []any, value any) {
	if len(path) == 0 {
		return
	}
	key, _ := path[0].(string)
	switch key {
	case "age":
		if f, ok := value.(float64); ok {
			d.Age = int64(f)
		}
	case "media":
		if d.Media == nil {
			d.Media = &MediaDescriptor{}
		}
		if len(path) > 1 {
			if sub, _ := path[1].(string); sub == "bandwidth" {
				if f, ok := value.(float64); ok {
					d.Media.Bandwidth = f
				}
			}
		}
	default:
		if d.Extra == nil {
			d.Extra = map[string]any{}
		}
		d.Extra[key] = value
	}
}

// MaxConnections implements overlay.GossipControl (spec §4.6):
// ceil(log(|view|+1)) · self_mean_bw/view_mean_bw if at least one neighbor
// advertises bandwidth, else ceil(log(|view|+1)).
func (e *Engine) MaxConnections() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := math.Ceil(math.Log(float64(len(e.view)+1)))
	if base < 1 {
		base = 1
	}

	var viewBW []float64
	for _, d := range e.view {
		if d.Media != nil && d.Media.Bandwidth > 0 {
			viewBW = append(viewBW, d.Media.Bandwidth)
		}
	}
	if len(viewBW) == 0 {
		return int(base)
	}

	selfBW := 0.0
	if e.self.Media != nil {
		selfBW = e.self.Media.Bandwidth
	}
	viewMean := util.Mean(viewBW)
	if viewMean == 0 {
		return int(base)
	}
	return int(math.Ceil(base * selfBW / viewMean))
}
