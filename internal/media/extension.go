package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/petervdpas/meshcast/internal/overlay"
	"github.com/petervdpas/meshcast/internal/proto"
)

// Extension returns the overlay.Extension hook wiring the Media Manager's
// message handlers onto the Router, and installing it as the Router's
// HeavyPolicy (part responses carry bulk payloads and require an
// upgraded/heavy connection before being sent directly, spec §4.2 step 1).
func (m *Manager) Extension() overlay.Extension {
	return func(r *overlay.Router) {
		r.SetHeavyPolicy(m)
		r.Em.On(proto.TypeMediaIndexRequest, m.handleIndexRequest(r))
		r.Em.On(proto.TypeMediaIndexResponse, m.handleIndexResponse(r))
		r.Em.On(proto.TypeMediaPartRequest, m.handlePartRequest(r))
		r.Em.On(proto.TypeMediaPartResponse, m.handlePartResponse(r))
		r.Em.On(proto.TypeMediaAvailability, m.handleAvailability(r))
	}
}

// IsHeavy implements overlay.HeavyPolicy: only part responses (the bulk
// payload) require heavy admission; requests and metadata are small.
func (m *Manager) IsHeavy(msg proto.Message) bool {
	return msg.Type == proto.TypeMediaPartResponse
}

func (m *Manager) handleIndexRequest(r *overlay.Router) func(proto.Message) {
	return func(msg proto.Message) {
		m.mu.Lock()
		idx := m.index
		m.mu.Unlock()
		if idx == nil {
			return
		}
		reply := r.RespondTo(msg, proto.Message{Type: proto.TypeMediaIndexResponse, Data: idx})
		_ = r.Send(reply, 0, nil)
	}
}

func (m *Manager) handleIndexResponse(r *overlay.Router) func(proto.Message) {
	return func(msg proto.Message) {
		data, ok := msg.Data.(map[string]any)
		if !ok {
			return
		}
		idx, err := decodeSegmentIndex(data)
		if err != nil {
			log.Printf("media: decode segment index from %s: %v", msg.From, err)
			return
		}
		if err := m.SetMetadata(idx); err != nil {
			log.Printf("media: set metadata from %s: %v", msg.From, err)
		}
	}
}

func (m *Manager) handlePartRequest(r *overlay.Router) func(proto.Message) {
	return func(msg proto.Message) {
		numStr, _ := msg.Data.(string)
		part, _, _, err := parsePartNumber(numStr)
		if err != nil || !m.PeerHasPart(part) {
			return
		}

		if m.ChunkSize > 0 {
			chunks, err := m.ChunkedPart(m.ChunkSize, part)
			if err == nil && len(chunks) > 1 {
				m.sendChunked(r, msg, part, chunks)
				return
			}
		}

		m.mu.Lock()
		buf := m.parts[part].Buffer
		m.mu.Unlock()

		reply := r.RespondTo(msg, proto.Message{
			Type: proto.TypeMediaPartResponse,
			Data: map[string]any{
				"number": numStr,
				"data":   base64.StdEncoding.EncodeToString(buf),
			},
		})
		_ = r.Send(reply, 0, nil)
	}
}

// sendChunked emits one media:part-response per chunk, addressed as
// "p:c:n" (spec §4.7 append), tagging the whole batch with a shared
// correlation id purely for log diagnostics.
func (m *Manager) sendChunked(r *overlay.Router, original proto.Message, part int, chunks [][]byte) {
	batch := uuid.NewString()
	n := len(chunks)
	for c, data := range chunks {
		numStr := fmt.Sprintf("%d:%d:%d", part, c, n)
		reply := r.RespondTo(original, proto.Message{
			Type: proto.TypeMediaPartResponse,
			Data: map[string]any{
				"number": numStr,
				"data":   base64.StdEncoding.EncodeToString(data),
			},
		})
		if err := r.Send(reply, 0, nil); err != nil {
			log.Printf("media: chunk batch %s: send chunk %s: %v", batch, numStr, err)
		}
	}
}

func (m *Manager) handlePartResponse(r *overlay.Router) func(proto.Message) {
	return func(msg proto.Message) {
		data, ok := msg.Data.(map[string]any)
		if !ok {
			return
		}
		numStr, _ := data["number"].(string)
		b64, _ := data["data"].(string)
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			log.Printf("media: decode part payload from %s: %v", msg.From, err)
			return
		}
		if err := m.Append(context.Background(), numStr, raw); err != nil {
			log.Printf("media: append part from %s: %v", msg.From, err)
		}
	}
}

func (m *Manager) handleAvailability(r *overlay.Router) func(proto.Message) {
	return func(msg proto.Message) {
		raw, ok := msg.Data.([]any)
		if !ok {
			return
		}
		parts := make([]int, 0, len(raw))
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				parts = append(parts, int(f))
			}
		}
		m.RecordAvailability(msg.From, parts)
	}
}

func decodeSegmentIndex(data map[string]any) (SegmentIndex, error) {
	var idx SegmentIndex
	if ts, ok := data["total_size"].(float64); ok {
		idx.TotalSize = int64(ts)
	}
	if d, ok := data["duration"].(float64); ok {
		idx.Duration = d
	}
	if c, ok := data["codec"].(string); ok {
		idx.Codec = c
	}
	rawClusters, _ := data["clusters"].([]any)
	for _, rc := range rawClusters {
		cm, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		var c Cluster
		if off, ok := cm["offset"].(float64); ok {
			c.Offset = int64(off)
		}
		if tc, ok := cm["timecode"].(float64); ok {
			c.Timecode = tc
		}
		if sum, ok := cm["sha256"].(string); ok {
			c.SHA256 = sum
		}
		idx.Clusters = append(idx.Clusters, c)
	}
	return idx, nil
}
