package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/meshcast/internal/proto"
)

const dataChannelLabel = "meshcast"

// WebRTCAdapter is the primary Transport Adapter backend: one DataChannel
// per remote peer, negotiated via SDP offer/answer and ICE candidates
// relayed over the overlay itself (never directly — spec §4.2 handshake
// handlers carry the descriptors as ordinary messages).
//
// The PC lifecycle mirrors the original call session: ICE candidates that
// arrive before SetRemoteDescription are buffered and flushed once the
// remote description lands.
type WebRTCAdapter struct {
	baseState

	peerID string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	dcMu          sync.Mutex
	remoteDescSet bool
	pendingICE    []webrtc.ICECandidateInit

	onLocalCandidate func(candidate string)
}

// NewWebRTCAdapter creates the PeerConnection toward peerID. onLocalCandidate
// is invoked for every gathered local ICE candidate so the caller can relay
// it as an icecandidate message through the router.
func NewWebRTCAdapter(peerID string, onLocalCandidate func(candidate string)) (*WebRTCAdapter, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}

	a := &WebRTCAdapter{
		baseState:        baseState{state: Connecting},
		peerID:           peerID,
		pc:               pc,
		onLocalCandidate: onLocalCandidate,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || a.onLocalCandidate == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("transport: marshal local candidate for %s: %v", peerID, err)
			return
		}
		a.onLocalCandidate(string(b))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			a.setState(Open)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			a.setState(Closed)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		a.bindDataChannel(dc)
	})

	return a, nil
}

// CreateChannel opens the DataChannel on the offering side, before the SDP
// offer is produced.
func (a *WebRTCAdapter) CreateChannel() error {
	dc, err := a.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("transport: create data channel: %w", err)
	}
	a.bindDataChannel(dc)
	return nil
}

func (a *WebRTCAdapter) bindDataChannel(dc *webrtc.DataChannel) {
	a.dcMu.Lock()
	a.dc = dc
	a.dcMu.Unlock()

	dc.OnOpen(func() {
		a.setState(Open)
	})
	dc.OnClose(func() {
		a.setState(Closed)
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		var msg proto.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("transport: decode message from %s: %v", a.peerID, err)
			return
		}
		a.deliver(msg)
	})
}

// Send transmits msg over the DataChannel.
func (a *WebRTCAdapter) Send(msg proto.Message) error {
	a.dcMu.Lock()
	dc := a.dc
	a.dcMu.Unlock()
	if dc == nil {
		return fmt.Errorf("transport: no data channel to %s", a.peerID)
	}
	if a.State() != Open {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dc.Send(b)
}

// CreateSDPOffer produces a local offer and sets it as the local description.
func (a *WebRTCAdapter) CreateSDPOffer(cb func(sdp string, err error)) {
	go func() {
		offer, err := a.pc.CreateOffer(nil)
		if err != nil {
			cb("", fmt.Errorf("transport: create offer: %w", err))
			return
		}
		if err := a.pc.SetLocalDescription(offer); err != nil {
			cb("", fmt.Errorf("transport: set local description (offer): %w", err))
			return
		}
		cb(offer.SDP, nil)
	}()
}

// CreateSDPAnswer applies the remote offer and produces a local answer.
func (a *WebRTCAdapter) CreateSDPAnswer(remoteSDP string, cb func(sdp string, err error)) {
	go func() {
		if err := a.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: remoteSDP,
		}); err != nil {
			cb("", fmt.Errorf("transport: set remote description (offer): %w", err))
			return
		}
		a.flushPendingICE()

		answer, err := a.pc.CreateAnswer(nil)
		if err != nil {
			cb("", fmt.Errorf("transport: create answer: %w", err))
			return
		}
		if err := a.pc.SetLocalDescription(answer); err != nil {
			cb("", fmt.Errorf("transport: set local description (answer): %w", err))
			return
		}
		cb(answer.SDP, nil)
	}()
}

// SetRemoteDescription applies a remote answer to a connection previously
// placed in Connecting by CreateSDPOffer.
func (a *WebRTCAdapter) SetRemoteDescription(sdp string, okCb func(), errCb func(error)) {
	go func() {
		if err := a.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sdp,
		}); err != nil {
			if errCb != nil {
				errCb(fmt.Errorf("transport: set remote description (answer): %w", err))
			}
			return
		}
		a.flushPendingICE()
		if okCb != nil {
			okCb()
		}
	}()
}

// AddICECandidate applies a trickled candidate, buffering it if the remote
// description has not landed yet.
func (a *WebRTCAdapter) AddICECandidate(candidate string, okCb func(), errCb func(error)) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		if errCb != nil {
			errCb(fmt.Errorf("transport: decode candidate: %w", err))
		}
		return
	}

	a.dcMu.Lock()
	if !a.remoteDescSet {
		a.pendingICE = append(a.pendingICE, init)
		a.dcMu.Unlock()
		if okCb != nil {
			okCb()
		}
		return
	}
	a.dcMu.Unlock()

	if err := a.pc.AddICECandidate(init); err != nil {
		if errCb != nil {
			errCb(fmt.Errorf("transport: add ice candidate: %w", err))
		}
		return
	}
	if okCb != nil {
		okCb()
	}
}

func (a *WebRTCAdapter) flushPendingICE() {
	a.dcMu.Lock()
	a.remoteDescSet = true
	pending := a.pendingICE
	a.pendingICE = nil
	a.dcMu.Unlock()

	for _, c := range pending {
		if err := a.pc.AddICECandidate(c); err != nil {
			log.Printf("transport: flush buffered candidate for %s: %v", a.peerID, err)
		}
	}
}

// Close tears down the PeerConnection. Idempotent.
func (a *WebRTCAdapter) Close() error {
	a.setState(Closing)
	err := a.pc.Close()
	a.setState(Closed)
	return err
}
