package gossip

import (
	"log"

	"github.com/petervdpas/meshcast/internal/overlay"
	"github.com/petervdpas/meshcast/internal/proto"
)

// handleWeight implements the gossip:weight protocol (spec §4.6). Weight
// itself lives on the Router's Connection Table, which the Peer Core owns
// exclusively (spec §5) — this handler only decides the new value and
// asks the Router to apply it.
func (e *Engine) handleWeight(msg proto.Message) {
	data, _ := msg.Data.(map[string]any)
	if data == nil {
		return
	}
	value, _ := data["value"].(string)

	switch value {
	case proto.WeightRequestHeavy:
		e.onRequestHeavy(msg)
	case proto.WeightRequestLight:
		e.onRequestLight(msg)
	case proto.WeightAckHeavy:
		e.router.SetOutgoingWeight(msg.From, overlay.WeightHeavy)
	case proto.WeightAckLight:
		e.router.SetOutgoingWeight(msg.From, overlay.WeightLight)
	case proto.WeightNoAckHeavy, proto.WeightNoAckLight:
		// no-op
	default:
		log.Printf("gossip: unknown weight value %q from %s", value, msg.From)
	}
}

func (e *Engine) onRequestHeavy(msg proto.Message) {
	conn, ok := e.router.Table().Get(msg.From)
	reply := proto.WeightNoAckHeavy
	if ok && conn.WeightIn != overlay.WeightHeavy && e.router.HeavyIncomingCount() < e.MaxConnections() {
		e.router.SetIncomingWeight(msg.From, overlay.WeightHeavy)
		reply = proto.WeightAckHeavy
	}
	e.reply(msg, reply)
}

func (e *Engine) onRequestLight(msg proto.Message) {
	e.router.SetIncomingWeight(msg.From, overlay.WeightLight)
	e.reply(msg, proto.WeightAckLight)
}

func (e *Engine) reply(msg proto.Message, value string) {
	out := e.router.RespondTo(msg, proto.Message{
		Type: proto.TypeGossipWeight,
		Data: map[string]any{"value": value},
	})
	_ = e.router.Send(out, 0, nil)
}
