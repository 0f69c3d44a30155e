package overlay

import "testing"

func TestICEBufferAddDrainHas(t *testing.T) {
	b := newICEBuffer()

	if b.Has("peer-a") {
		t.Fatal("fresh buffer must not have candidates")
	}

	b.Add("peer-a", "cand-1")
	b.Add("peer-a", "cand-2")
	if !b.Has("peer-a") {
		t.Fatal("buffer should report buffered candidates")
	}

	got := b.Drain("peer-a")
	if len(got) != 2 || got[0] != "cand-1" || got[1] != "cand-2" {
		t.Fatalf("Drain = %v, want [cand-1 cand-2]", got)
	}

	if b.Has("peer-a") {
		t.Fatal("buffer should be empty after Drain")
	}
	if got := b.Drain("peer-a"); got != nil {
		t.Fatalf("second Drain = %v, want nil", got)
	}
}
