package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesThenPersists(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")

	first, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate (generate): %v", err)
	}
	if first.PeerID == "" {
		t.Fatal("expected a non-empty derived peer id")
	}

	second, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}
	if second.PeerID != first.PeerID {
		t.Fatalf("reloaded identity has a different peer id: %s vs %s", second.PeerID, first.PeerID)
	}
}

func TestLoadOrCreateRecoversFromCorruptKey(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")

	if err := os.WriteFile(keyFile, []byte("not a valid key"), 0o600); err != nil {
		t.Fatalf("seed corrupt key: %v", err)
	}

	id, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate should recover from a corrupt key: %v", err)
	}
	if id.PeerID == "" {
		t.Fatal("expected a freshly generated peer id")
	}
}
