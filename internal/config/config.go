// Package config loads and validates the node's runtime configuration, the
// same load-or-create-default pattern the teacher uses for its own config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/meshcast/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Overlay  Overlay  `json:"overlay"`
	Signal   Signal   `json:"signal"`
	Gossip   Gossip   `json:"gossip"`
	Media    Media    `json:"media"`
	Viewer   Viewer   `json:"viewer"`
}

// Identity holds the path to the node's persisted Ed25519 key.
type Identity struct {
	KeyFile string `json:"key_file"`
}

// Overlay configures the Peer Core / Router (spec §4.1-4.2).
type Overlay struct {
	ListenPort     int    `json:"listen_port"`
	MdnsTag        string `json:"mdns_tag"`
	TTL            int    `json:"ttl"`
	QueueTimeoutMs int    `json:"queue_timeout_ms"`
	InactivityMs   int    `json:"inactivity_ms"`

	// Transport selects the Transport Adapter backend: "webrtc" (the
	// primary, browser-facing backend) or "lan" (the libp2p host-stream
	// backend for same-host/LAN peers, spec §11 expansion).
	Transport string `json:"transport"`
}

// Signal configures the rendezvous/signal bootstrap client (spec §4.4).
type Signal struct {
	RendezvousURL    string `json:"rendezvous_url"`
	KeepaliveMs      int    `json:"keepalive_ms"`

	// RendezvousHost, when true, runs a local rendezvous service on
	// RendezvousListenAddr instead of (or in addition to) dialing out.
	RendezvousHost       bool   `json:"rendezvous_host"`
	RendezvousListenAddr string `json:"rendezvous_listen_addr"`
	RendezvousDB         string `json:"rendezvous_db"`
}

// Gossip configures the Gossip Engine's view exchange (spec §4.6).
type Gossip struct {
	ViewSize         int `json:"view_size"`
	ExchangeSec      int `json:"exchange_interval_seconds"`
}

// Media configures segment chunking and the optional disk-ingest mode
// (spec §4.7).
type Media struct {
	ChunkSize  int    `json:"chunk_size"`
	ClusterDir string `json:"cluster_dir"`

	// OriginURL, when set, lets the node fall back to a direct ranged GET
	// against the origin media server for any part no peer advertises
	// (the proto.ToSource sentinel NextPartsToDownload hands back).
	OriginURL string `json:"origin_url"`

	// OutputFile is where the default file-backed playback sink writes
	// reassembled segments, in append order.
	OutputFile string `json:"output_file"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Overlay: Overlay{
			ListenPort:     0,
			MdnsTag:        "meshcast-mdns",
			TTL:            3,
			QueueTimeoutMs: 1000,
			InactivityMs:   10000,
			Transport:      "webrtc",
		},
		Signal: Signal{
			RendezvousURL:        "",
			KeepaliveMs:          30000,
			RendezvousHost:       false,
			RendezvousListenAddr: "127.0.0.1:8787",
			RendezvousDB:         "data/rendezvous.db",
		},
		Gossip: Gossip{
			ViewSize:    32,
			ExchangeSec: 5,
		},
		Media: Media{
			ChunkSize:  16 * 1024,
			ClusterDir: "",
			OriginURL:  "",
			OutputFile: "data/playback.out",
		},
		Viewer: Viewer{
			HTTPAddr: "",
			Debug:    false,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.Overlay.ListenPort < 0 || c.Overlay.ListenPort > 65535 {
		return errors.New("overlay.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Overlay.MdnsTag) == "" {
		return errors.New("overlay.mdns_tag is required")
	}
	if c.Overlay.TTL <= 0 {
		return errors.New("overlay.ttl must be > 0")
	}
	if c.Overlay.QueueTimeoutMs <= 0 {
		return errors.New("overlay.queue_timeout_ms must be > 0")
	}
	if c.Overlay.InactivityMs <= 0 {
		return errors.New("overlay.inactivity_ms must be > 0")
	}
	if c.Overlay.Transport != "webrtc" && c.Overlay.Transport != "lan" {
		return errors.New("overlay.transport must be \"webrtc\" or \"lan\"")
	}

	if c.Signal.KeepaliveMs <= 0 {
		return errors.New("signal.keepalive_ms must be > 0")
	}
	if rv := strings.TrimSpace(c.Signal.RendezvousURL); rv != "" {
		if err := validateRendezvousURL(rv); err != nil {
			return fmt.Errorf("signal.rendezvous_url: %w", err)
		}
	}
	if c.Signal.RendezvousHost && strings.TrimSpace(c.Signal.RendezvousListenAddr) == "" {
		return errors.New("signal.rendezvous_listen_addr is required when rendezvous_host is enabled")
	}

	if c.Gossip.ViewSize <= 0 {
		return errors.New("gossip.view_size must be > 0")
	}
	if c.Gossip.ExchangeSec <= 0 {
		return errors.New("gossip.exchange_interval_seconds must be > 0")
	}

	if c.Media.ChunkSize <= 0 {
		return errors.New("media.chunk_size must be > 0")
	}

	return nil
}

func validateRendezvousURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be http, https, ws, or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
