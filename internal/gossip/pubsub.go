package gossip

import (
	"context"
	"encoding/json"
	"log"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// EnablePubSubFanout joins topic on ps and starts a fan-out loop that
// floods this node's view snapshot to every LAN-transport neighbor at
// once, alongside (not instead of) the point-to-point exchange Run drives
// (spec §11 domain-stack expansion: libp2p-pubsub wires the gossip
// engine's view snapshots to every same-host/LAN peer in one shot, the
// way the teacher's host joined a pubsub topic for its own broadcast
// needs). Safe to call once per Engine; ctx bounds both goroutines.
func (e *Engine) EnablePubSubFanout(ctx context.Context, ps *pubsub.PubSub, topic string) error {
	t, err := ps.Join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.fanoutTopic = t
	e.mu.Unlock()

	go e.pubsubReadLoop(ctx, sub)
	return nil
}

func (e *Engine) pubsubReadLoop(ctx context.Context, sub *pubsub.Subscription) {
	selfID := e.router.ID()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if string(m.ReceivedFrom) == selfID {
			continue
		}
		var payload struct {
			View View `json:"view"`
		}
		if err := json.Unmarshal(m.Data, &payload); err != nil {
			log.Printf("gossip: decode pubsub fanout: %v", err)
			continue
		}
		e.mu.Lock()
		e.view = mergeViews(e.view, payload.View, e.cfg.ViewSize)
		e.mu.Unlock()
		e.publishViewUpdate()
	}
}

// publishFanout floods the current view over the pubsub topic, if
// EnablePubSubFanout was called. No-op otherwise.
func (e *Engine) publishFanout(ctx context.Context) {
	e.mu.Lock()
	topic := e.fanoutTopic
	view := e.view
	e.mu.Unlock()
	if topic == nil {
		return
	}
	b, err := json.Marshal(struct {
		View View `json:"view"`
	}{View: view})
	if err != nil {
		return
	}
	if err := topic.Publish(ctx, b); err != nil {
		log.Printf("gossip: publish pubsub fanout: %v", err)
	}
}
