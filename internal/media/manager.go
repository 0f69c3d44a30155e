package media

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/petervdpas/meshcast/internal/proto"
	"github.com/petervdpas/meshcast/internal/util"
)

// DefaultPendingRetry bounds how long a part may sit pending before
// RequeueStalePending makes it eligible for NextPartsToDownload again.
const DefaultPendingRetry = 15 * time.Second

// Manager holds the SegmentIndex, the Part table, and the reassembly
// pipeline (spec §4.7). It is destroyed along with the process; parts are
// created when the SegmentIndex arrives (spec §3 Lifecycles).
type Manager struct {
	sink PlaybackSink

	// ChunkSize bounds how large a single network part-response payload
	// may be before the extension's handlePartRequest splits it into
	// chunked messages (spec §4.7 chunked_part). Zero disables chunking;
	// callers set it from config.Media.ChunkSize.
	ChunkSize int

	mu         sync.Mutex
	index      *SegmentIndex
	parts      []*Part
	remoteAvail RemoteAvailability
	headDone   bool
	pipe       *pipeline
}

// NewManager constructs an empty Manager bound to sink.
func NewManager(sink PlaybackSink) *Manager {
	return &Manager{
		sink:        sink,
		remoteAvail: make(RemoteAvailability),
	}
}

// SetMetadata populates parts[i] = {number:i, status:needed} for each
// cluster and opens the playback source bound to meta.Codec.
func (m *Manager) SetMetadata(meta SegmentIndex) error {
	m.mu.Lock()
	m.index = &meta
	m.parts = make([]*Part, len(meta.Clusters))
	for i := range meta.Clusters {
		m.parts[i] = &Part{Number: i, Status: StatusNeeded}
	}
	m.pipe = newPipeline(m.sink)
	m.mu.Unlock()

	return m.sink.Open(meta.Codec)
}

// HasIndex reports whether SetMetadata has been called yet.
func (m *Manager) HasIndex() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index != nil
}

// RangeOfPart returns the inclusive HTTP byte-range [lo, hi] for cluster i.
func (m *Manager) RangeOfPart(i int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil || i < 0 || i >= len(m.index.Clusters) {
		return "", fmt.Errorf("media: part %d out of range", i)
	}
	lo := m.index.Clusters[i].Offset
	var hi int64
	if i+1 < len(m.index.Clusters) {
		hi = m.index.Clusters[i+1].Offset - 1
	} else {
		hi = m.index.TotalSize - 1
	}
	return fmt.Sprintf("bytes=%d-%d", lo, hi), nil
}

// RangeOfHead returns the inclusive HTTP byte-range for the head region.
func (m *Manager) RangeOfHead() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil || len(m.index.Clusters) == 0 {
		return "", fmt.Errorf("media: no segment index set")
	}
	return fmt.Sprintf("bytes=0-%d", m.index.Clusters[0].Offset-1), nil
}

// AppendHead submits bytes to the ordered append chain behind whatever is
// already queued there. The chain does not hold numbered parts back until
// the head arrives: the head precedes a part only if it is submitted before
// it. End of stream is not signalled until AppendHead has been called.
func (m *Manager) AppendHead(ctx context.Context, data []byte) {
	m.mu.Lock()
	pipe := m.pipe
	m.headDone = true
	m.mu.Unlock()
	if pipe == nil {
		return
	}
	pipe.submit(ctx, -1, data, func() {
		m.mu.Lock()
		allAdded := m.allPartsAdded()
		m.mu.Unlock()
		if allAdded {
			m.sink.EndOfStream()
		}
	})
}

// Append implements append(number, bytes) (spec §4.7). number is either
// "p" (whole part p) or "p:c:n" (chunk c of n for part p).
func (m *Manager) Append(ctx context.Context, number string, data []byte) error {
	p, chunk, total, err := parsePartNumber(number)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if p < 0 || p >= len(m.parts) {
		m.mu.Unlock()
		return fmt.Errorf("media: part %d out of range", p)
	}
	part := m.parts[p]
	if part.Status != StatusPending {
		m.mu.Unlock()
		return &UnexpectedPartError{Part: p, Status: part.Status}
	}

	var ready []byte
	if chunk != nil {
		if part.Chunks == nil {
			part.Chunks = make(map[int][]byte)
			part.ExpectedChunks = total
		}
		part.Chunks[*chunk] = data
		if len(part.Chunks) == part.ExpectedChunks {
			buf := make([]byte, 0, totalLen(part.Chunks))
			for i := 0; i < part.ExpectedChunks; i++ {
				buf = append(buf, part.Chunks[i]...)
			}
			ready = buf
		}
	} else {
		ready = data
	}

	if ready != nil {
		part.Buffer = ready
		part.Status = StatusAvailable
	}
	m.mu.Unlock()

	if ready != nil {
		m.onPartAvailable(ctx, p)
	}
	return nil
}

func totalLen(chunks map[int][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}

// onPartAvailable enqueues the completed part into the playback pipeline
// and verifies its digest, if one was supplied by the demuxer.
func (m *Manager) onPartAvailable(ctx context.Context, p int) {
	m.mu.Lock()
	pipe := m.pipe
	part := m.parts[p]
	buf := part.Buffer
	var wantDigest string
	if m.index != nil && p < len(m.index.Clusters) {
		wantDigest = m.index.Clusters[p].SHA256
	}
	m.mu.Unlock()

	if wantDigest != "" {
		go m.verifyDigest(p, buf, wantDigest)
	}

	pipe.submit(ctx, p, buf, func() {
		m.mu.Lock()
		part.Status = StatusAdded
		allAdded := m.allPartsAdded()
		m.mu.Unlock()
		if allAdded {
			m.sink.EndOfStream()
		}
	})
}

// verifyDigest computes the SHA-256 digest of buf and logs a mismatch; it
// never rolls back the part's status (spec §7 DigestMismatch).
func (m *Manager) verifyDigest(p int, buf []byte, want string) {
	sum := sha256simd.Sum256(buf)
	got := fmt.Sprintf("%x", sum)
	if got != strings.ToLower(want) {
		log.Printf("media: DigestMismatch on part %d: want %s got %s", p, want, got)
	}
}

func (m *Manager) allPartsAdded() bool {
	if !m.headDone {
		return false
	}
	for _, p := range m.parts {
		if p.Status != StatusAdded {
			return false
		}
	}
	return len(m.parts) > 0
}

// markPending transitions a needed part to pending once a request for it
// has been issued.
func (m *Manager) markPending(p int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p >= 0 && p < len(m.parts) && m.parts[p].Status == StatusNeeded {
		m.parts[p].Status = StatusPending
		m.parts[p].PendingSince = time.Now()
	}
}

// RequeueStalePending resets any part that has sat pending longer than
// threshold back to needed, so the next NextPartsToDownload call retries
// it against a (possibly different) peer. Best-effort per spec §9 — there
// is no guarantee the original request was ever lost, only that it hasn't
// answered in time.
func (m *Manager) RequeueStalePending(threshold time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, p := range m.parts {
		if p.Status == StatusPending && now.Sub(p.PendingSince) > threshold {
			p.Status = StatusNeeded
			p.PendingSince = time.Time{}
			n++
		}
	}
	return n
}

// NextPartsToDownload takes the first k needed parts in index order; for
// each, picks a random peer advertising it (shuffled, first match), or the
// sentinel proto.ToSource if none claims it.
func (m *Manager) NextPartsToDownload(k int) map[int]string {
	m.mu.Lock()
	var needed []int
	for _, p := range m.parts {
		if len(needed) >= k {
			break
		}
		if p.Status == StatusNeeded {
			needed = append(needed, p.Number)
		}
	}
	avail := m.remoteAvail
	m.mu.Unlock()

	peers := make([]string, 0, len(avail))
	for r := range avail {
		peers = append(peers, r)
	}

	out := make(map[int]string, len(needed))
	for _, p := range needed {
		out[p] = proto.ToSource
		for _, r := range util.Shuffle(peers) {
			if avail.Has(r, p) {
				out[p] = r
				break
			}
		}
		m.markPending(p)
	}
	return out
}

// ChunkedPart splits parts[p].Buffer into contiguous chunks of at most
// chunkSize bytes. Callable only when status ∈ {available, added}.
func (m *Manager) ChunkedPart(chunkSize, p int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p < 0 || p >= len(m.parts) {
		return nil, fmt.Errorf("media: part %d out of range", p)
	}
	part := m.parts[p]
	if part.Status != StatusAvailable && part.Status != StatusAdded {
		return nil, fmt.Errorf("media: chunked_part requires available or added status, got %s", part.Status)
	}
	var chunks [][]byte
	for off := 0; off < len(part.Buffer); off += chunkSize {
		end := off + chunkSize
		if end > len(part.Buffer) {
			end = len(part.Buffer)
		}
		chunks = append(chunks, part.Buffer[off:end])
	}
	return chunks, nil
}

// PeerHasPart reports parts[p].status ∈ {available, added}.
func (m *Manager) PeerHasPart(p int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p < 0 || p >= len(m.parts) {
		return false
	}
	s := m.parts[p].Status
	return s == StatusAvailable || s == StatusAdded
}

// RemoteHasPart reports p ∈ RemoteAvailability[r].
func (m *Manager) RemoteHasPart(r string, p int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteAvail.Has(r, p)
}

// RecordAvailability records that remote advertises parts.
func (m *Manager) RecordAvailability(remote string, parts []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteAvail.Set(remote, parts)
}

// PartStatusHistogram counts parts per status, for the diagnostic snapshot
// (spec §12 expansion).
func (m *Manager) PartStatusHistogram() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := map[string]int{}
	for _, p := range m.parts {
		hist[p.Status.String()]++
	}
	return hist
}

// OwnAvailability returns the part numbers this node currently has
// available or added, for advertising to peers.
func (m *Manager) OwnAvailability() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, p := range m.parts {
		if p.Status == StatusAvailable || p.Status == StatusAdded {
			out = append(out, p.Number)
		}
	}
	return out
}

// parsePartNumber parses "p" or "p:c:n" into (part, chunk, total).
func parsePartNumber(s string) (int, *int, int, error) {
	fields := strings.Split(s, ":")
	p, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, nil, 0, fmt.Errorf("media: invalid part number %q: %w", s, err)
	}
	if len(fields) == 1 {
		return p, nil, 0, nil
	}
	if len(fields) != 3 {
		return 0, nil, 0, fmt.Errorf("media: invalid chunk spec %q", s)
	}
	c, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, 0, fmt.Errorf("media: invalid chunk index %q: %w", s, err)
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, nil, 0, fmt.Errorf("media: invalid chunk total %q: %w", s, err)
	}
	return p, &c, n, nil
}
