package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/meshcast/internal/proto"
)

// recordingSink is a PlaybackSink that records every Append call in order.
type recordingSink struct {
	mu       sync.Mutex
	opened   string
	appended [][]byte
	ended    bool
}

func (s *recordingSink) Open(codec string) error {
	s.mu.Lock()
	s.opened = codec
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Append(ctx context.Context, data []byte) error {
	s.mu.Lock()
	s.appended = append(s.appended, data)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) EndOfStream() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *recordingSink) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

func (s *recordingSink) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func twoClusterIndex() SegmentIndex {
	return SegmentIndex{
		TotalSize: 100,
		Codec:     "vp9",
		Clusters: []Cluster{
			{Offset: 0},
			{Offset: 50},
		},
	}
}

func TestHasIndex(t *testing.T) {
	m := NewManager(&recordingSink{})
	if m.HasIndex() {
		t.Fatal("HasIndex should be false before SetMetadata")
	}
	if err := m.SetMetadata(twoClusterIndex()); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if !m.HasIndex() {
		t.Fatal("HasIndex should be true after SetMetadata")
	}
}

func TestAppendWholePart(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(sink)
	if err := m.SetMetadata(twoClusterIndex()); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	m.markPending(0)

	if err := m.Append(context.Background(), "0", []byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	waitUntil(t, func() bool { return sink.appendCount() == 1 })
}

func TestAppendChunkedPartReassembly(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(sink)
	if err := m.SetMetadata(twoClusterIndex()); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	m.markPending(0)

	if err := m.Append(context.Background(), "0:1:3", []byte("def")); err != nil {
		t.Fatalf("Append chunk 1: %v", err)
	}
	if m.PeerHasPart(0) {
		t.Fatal("part should not be available until every chunk arrives")
	}
	if err := m.Append(context.Background(), "0:0:3", []byte("abc")); err != nil {
		t.Fatalf("Append chunk 0: %v", err)
	}
	if err := m.Append(context.Background(), "0:2:3", []byte("ghi")); err != nil {
		t.Fatalf("Append chunk 2: %v", err)
	}

	if !m.PeerHasPart(0) {
		t.Fatal("part 0 should be available once every chunk has arrived")
	}
	waitUntil(t, func() bool { return sink.appendCount() == 1 })

	sink.mu.Lock()
	got := string(sink.appended[0])
	sink.mu.Unlock()
	if got != "abcdefghi" {
		t.Fatalf("reassembled buffer = %q, want abcdefghi", got)
	}
}

func TestAppendUnexpectedPartError(t *testing.T) {
	m := NewManager(&recordingSink{})
	if err := m.SetMetadata(twoClusterIndex()); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	// part 0 is still "needed", never marked pending.
	err := m.Append(context.Background(), "0", []byte("x"))
	if err == nil {
		t.Fatal("expected an UnexpectedPartError")
	}
	if _, ok := err.(*UnexpectedPartError); !ok {
		t.Fatalf("err = %v (%T), want *UnexpectedPartError", err, err)
	}
}

func TestHeadMustPrecedeEndOfStream(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(sink)
	if err := m.SetMetadata(SegmentIndex{Clusters: []Cluster{{Offset: 0}}}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	m.markPending(0)

	if err := m.Append(context.Background(), "0", []byte("part")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	waitUntil(t, func() bool { return sink.appendCount() == 1 })
	time.Sleep(10 * time.Millisecond)
	if sink.isEnded() {
		t.Fatal("EndOfStream must not fire before the head has been appended")
	}

	m.AppendHead(context.Background(), []byte("head"))
	waitUntil(t, func() bool { return sink.isEnded() })
}

func TestNextPartsToDownloadPrefersAdvertisingPeer(t *testing.T) {
	m := NewManager(&recordingSink{})
	idx := SegmentIndex{Clusters: []Cluster{{Offset: 0}, {Offset: 10}, {Offset: 20}}}
	if err := m.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	m.RecordAvailability("peer-a", []int{0, 1})

	out := m.NextPartsToDownload(2)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0] != "peer-a" || out[1] != "peer-a" {
		t.Fatalf("out = %v, want parts 0 and 1 routed to peer-a", out)
	}
}

func TestNextPartsToDownloadFallsBackToSource(t *testing.T) {
	m := NewManager(&recordingSink{})
	idx := SegmentIndex{Clusters: []Cluster{{Offset: 0}}}
	if err := m.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	out := m.NextPartsToDownload(1)
	if out[0] != proto.ToSource {
		t.Fatalf("out[0] = %q, want %q", out[0], proto.ToSource)
	}
}

func TestNextPartsToDownloadMarksPending(t *testing.T) {
	m := NewManager(&recordingSink{})
	idx := SegmentIndex{Clusters: []Cluster{{Offset: 0}}}
	if err := m.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	m.NextPartsToDownload(1)
	hist := m.PartStatusHistogram()
	if hist[StatusPending.String()] != 1 {
		t.Fatalf("histogram = %v, want one pending part", hist)
	}
}

func TestPartStatusHistogram(t *testing.T) {
	m := NewManager(&recordingSink{})
	idx := SegmentIndex{Clusters: []Cluster{{Offset: 0}, {Offset: 10}}}
	if err := m.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	hist := m.PartStatusHistogram()
	if hist[StatusNeeded.String()] != 2 {
		t.Fatalf("histogram = %v, want 2 needed", hist)
	}
}

func TestChunkedPartRequiresAvailableOrAdded(t *testing.T) {
	m := NewManager(&recordingSink{})
	idx := SegmentIndex{Clusters: []Cluster{{Offset: 0}}}
	if err := m.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if _, err := m.ChunkedPart(4, 0); err == nil {
		t.Fatal("expected an error chunking a still-needed part")
	}
}

func TestDigestMismatchDoesNotRollBackStatus(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(sink)
	idx := SegmentIndex{Clusters: []Cluster{{Offset: 0, SHA256: "deadbeef"}}}
	if err := m.SetMetadata(idx); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	m.markPending(0)

	if err := m.Append(context.Background(), "0", []byte("mismatched content")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	waitUntil(t, func() bool { return sink.appendCount() == 1 })

	if !m.PeerHasPart(0) {
		t.Fatal("a wrong digest must not roll back the part's available/added status")
	}
}
