// Package rendezvous implements both sides of the bootstrap/relay
// capability (spec §4.4): the Server a fleet of nodes dial into, and the
// Client, which is itself a Transport Adapter instance (spec §1, §4.4)
// installed under the Connection Table's special "signal" key.
package rendezvous

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/transport"
)

// Client is the Signal Client: a persistent bidirectional text-frame
// channel toward the rendezvous service (spec §4.4), satisfying the same
// transport.Adapter capability the overlay's peer-to-peer backends do, so
// the Router can treat "signal" like any other Connection Table entry.
type Client struct {
	mu    sync.Mutex
	state transport.State

	url  string
	conn *websocket.Conn

	keepalive time.Duration

	onMessage     func(proto.Message)
	onStateChange func(transport.State)

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient dials baseURL/connect, announces selfID, and returns a Client
// already in the Open state.
// keepalive is the interval at which a signal:keepalive self-message is
// emitted to prevent platforms that idle out bidirectional connections
// after ~30s from tearing the channel down (spec §4.4); zero disables it.
func NewClient(baseURL, selfID string, keepalive time.Duration) (*Client, error) {
	wsURL, err := toWebsocketURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", wsURL, err)
	}

	c := &Client{
		state:     transport.Connecting,
		url:       wsURL,
		conn:      conn,
		keepalive: keepalive,
		done:      make(chan struct{}),
	}

	// The server identifies a newly upgraded connection by the From field
	// of its first frame (see Server.handleConnect); a keepalive frame is
	// the natural choice since the server already swallows that type
	// unconditionally instead of relaying it.
	if err := conn.WriteJSON(proto.Message{Type: proto.TypeSignalKeepalive, From: selfID, To: proto.ToSignal}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: announce: %w", err)
	}

	c.setState(transport.Open)
	go c.readLoop()
	if keepalive > 0 {
		go c.keepaliveLoop(selfID)
	}
	return c, nil
}

func toWebsocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/connect"
	return u.String(), nil
}

// Send serializes msg as a single text frame, with ttl forced to 0 on the
// wire toward the rendezvous (spec §6 "Rendezvous framing").
func (c *Client) Send(msg proto.Message) error {
	msg.TTL = 0
	c.mu.Lock()
	conn := c.conn
	st := c.state
	c.mu.Unlock()
	if st != transport.Open {
		return transport.ErrClosed
	}
	return conn.WriteJSON(msg)
}

// State reports the adapter's lifecycle state.
func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers the callback invoked for every frame parsed off the
// rendezvous connection and dispatched through the peer's Message Emitter.
func (c *Client) OnMessage(cb func(proto.Message)) {
	c.mu.Lock()
	c.onMessage = cb
	c.mu.Unlock()
}

// OnStateChange registers the callback invoked whenever State changes.
func (c *Client) OnStateChange(cb func(transport.State)) {
	c.mu.Lock()
	c.onStateChange = cb
	c.mu.Unlock()
}

// CreateChannel is a no-op: the rendezvous connection is already open by
// the time a Client exists (it is not offered/answered like a peer
// session).
func (c *Client) CreateChannel() error { return nil }

// CreateSDPOffer, CreateSDPAnswer, SetRemoteDescription, and
// AddICECandidate have no meaning for the rendezvous channel; they satisfy
// transport.Adapter so the Client can occupy the Connection Table's
// "signal" slot alongside real peer sessions.
func (c *Client) CreateSDPOffer(cb func(sdp string, err error)) { cb("", nil) }

func (c *Client) CreateSDPAnswer(_ string, cb func(sdp string, err error)) { cb("", nil) }

func (c *Client) SetRemoteDescription(_ string, okCb func(), _ func(error)) {
	if okCb != nil {
		okCb()
	}
}

func (c *Client) AddICECandidate(_ string, okCb func(), _ func(error)) {
	if okCb != nil {
		okCb()
	}
}

// Close tears down the websocket connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.setState(transport.Closing)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		err = conn.Close()
		c.setState(transport.Closed)
	})
	return err
}

func (c *Client) setState(s transport.State) {
	c.mu.Lock()
	if c.state == transport.Closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Client) readLoop() {
	for {
		var msg proto.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.setState(transport.Closed)
			return
		}
		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(msg)
		}
	}
}

func (c *Client) keepaliveLoop(selfID string) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(proto.Message{Type: proto.TypeSignalKeepalive, From: selfID, To: proto.ToSignal}); err != nil {
				log.Printf("rendezvous: keepalive failed: %v", err)
			}
		}
	}
}
