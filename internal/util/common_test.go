package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	cases := []struct {
		base, rel, want string
	}{
		{"/data", "clusters", "/data/clusters"},
		{"/data", "/abs/path", "/abs/path"},
		{"/data", "../escape", filepath.Clean("/data/../escape")},
	}
	for _, tc := range cases {
		if got := ResolvePath(tc.base, tc.rel); got != tc.want {
			t.Errorf("ResolvePath(%q, %q) = %q, want %q", tc.base, tc.rel, got, tc.want)
		}
	}
}

func TestValidatePeerID(t *testing.T) {
	if _, err := ValidatePeerID("   "); err == nil {
		t.Fatal("expected error for blank peer id")
	}
	got, err := ValidatePeerID("  abc123  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "abc123" {
		t.Fatalf("ValidatePeerID = %q, want abc123", got)
	}
}

func TestWriteJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	type payload struct {
		Name string `json:"name"`
	}

	if err := WriteJSONFile(path, payload{Name: "meshcast"}); err != nil {
		t.Fatalf("WriteJSONFile: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got payload
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Name != "meshcast" {
		t.Fatalf("got.Name = %q, want meshcast", got.Name)
	}
}
