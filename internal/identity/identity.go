// Package identity generates and persists the node's Ed25519 keypair. The
// key gives the node a stable local fingerprint to present to the
// rendezvous service on reconnect — it is never used for channel
// authentication (spec §1 Non-goals: cryptographic identity or
// authenticated channels).
package identity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity bundles the node's persisted key material and derived peer id.
type Identity struct {
	PrivateKey p2pcrypto.PrivKey
	PeerID     peer.ID
}

// LoadOrCreate reads the Ed25519 private key at keyFile, generating and
// persisting a new one if absent or corrupt — the same pattern the
// teacher's p2p host bootstrap uses for its own identity.
func LoadOrCreate(keyFile string) (*Identity, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("identity: generated new key at %s", keyFile)
	} else {
		log.Printf("identity: loaded key from %s", keyFile)
	}

	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}
	return &Identity{PrivateKey: priv, PeerID: pid}, nil
}

func loadOrCreateKey(keyFile string) (p2pcrypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := p2pcrypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("identity: corrupt key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("identity: marshal key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("identity: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("identity: save key: %w", err)
	}

	return priv, true, nil
}
