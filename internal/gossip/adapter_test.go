package gossip

import (
	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// heavyTestAdapter is a minimal always-open transport.Adapter stand-in used
// to exercise the weight-upgrade protocol without any real channel.
type heavyTestAdapter struct {
	sent []proto.Message
}

func newHeavyTestAdapter() *heavyTestAdapter { return &heavyTestAdapter{} }

func (a *heavyTestAdapter) Send(msg proto.Message) error {
	a.sent = append(a.sent, msg)
	return nil
}
func (a *heavyTestAdapter) State() transport.State                          { return transport.Open }
func (a *heavyTestAdapter) OnMessage(func(proto.Message))                   {}
func (a *heavyTestAdapter) OnStateChange(func(transport.State))             {}
func (a *heavyTestAdapter) CreateChannel() error                            { return nil }
func (a *heavyTestAdapter) CreateSDPOffer(cb func(sdp string, err error))    { cb("", nil) }
func (a *heavyTestAdapter) CreateSDPAnswer(_ string, cb func(string, error)) { cb("", nil) }
func (a *heavyTestAdapter) SetRemoteDescription(_ string, okCb func(), _ func(error)) {
	if okCb != nil {
		okCb()
	}
}
func (a *heavyTestAdapter) AddICECandidate(_ string, okCb func(), _ func(error)) {
	if okCb != nil {
		okCb()
	}
}
func (a *heavyTestAdapter) Close() error { return nil }
