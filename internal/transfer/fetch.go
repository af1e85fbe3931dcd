package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher opens OBJECT_URL sources for streaming.
type Fetcher interface {
	// Open returns the body and its length, -1 when unknown.
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// HTTPFetcher downloads sources with a plain GET.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher wraps client; nil means http.DefaultClient. Deadlines come
// from the per-record context.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// HostRouter sends each URL to the fetcher registered for its host and
// falls back to a default fetcher.
type HostRouter struct {
	fallback Fetcher
	byHost   map[string]Fetcher
}

func NewHostRouter(fallback Fetcher) *HostRouter {
	return &HostRouter{fallback: fallback, byHost: make(map[string]Fetcher)}
}

// Handle registers f for every host in hosts.
func (r *HostRouter) Handle(f Fetcher, hosts ...string) {
	for _, h := range hosts {
		r.byHost[strings.ToLower(h)] = f
	}
}

func (r *HostRouter) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, err
	}
	if f, ok := r.byHost[strings.ToLower(u.Hostname())]; ok {
		return f.Open(ctx, rawURL)
	}
	return r.fallback.Open(ctx, rawURL)
}

// readTracker remembers the error returned by the source stream so a failed
// upload can be attributed to the download side.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
