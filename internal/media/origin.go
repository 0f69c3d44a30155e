package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// OriginFetcher fetches head and part bytes directly from the origin media
// server (the proto.ToSource fallback NextPartsToDownload hands back when
// no peer advertises a needed part). Out of scope per spec §1 beyond this
// narrow boundary: a plain ranged GET, expecting 206 (or 200 when the
// server ignores the Range header entirely).
type OriginFetcher struct {
	BaseURL string
	HTTP    *http.Client
}

// NewOriginFetcher returns a fetcher against baseURL using http.DefaultClient.
func NewOriginFetcher(baseURL string) *OriginFetcher {
	return &OriginFetcher{BaseURL: baseURL, HTTP: http.DefaultClient}
}

// FetchRange performs an HTTP GET with the given inclusive byte range
// (e.g. "bytes=0-1023", as returned by RangeOfHead/RangeOfPart) and
// returns the body bytes.
func (f *OriginFetcher) FetchRange(ctx context.Context, rangeHeader string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", rangeHeader)

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: origin fetch %s: unexpected status %s", rangeHeader, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// FetchHead fetches the head region and appends it via m.AppendHead.
func (m *Manager) FetchHead(ctx context.Context, f *OriginFetcher) error {
	rng, err := m.RangeOfHead()
	if err != nil {
		return err
	}
	data, err := f.FetchRange(ctx, rng)
	if err != nil {
		return err
	}
	m.AppendHead(ctx, data)
	return nil
}

// FetchPart fetches part p from the origin and appends it as a whole part.
func (m *Manager) FetchPart(ctx context.Context, f *OriginFetcher, p int) error {
	rng, err := m.RangeOfPart(p)
	if err != nil {
		return err
	}
	m.markPending(p)
	data, err := f.FetchRange(ctx, rng)
	if err != nil {
		return err
	}
	return m.Append(ctx, fmt.Sprintf("%d", p), data)
}
