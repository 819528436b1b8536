package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel transport errors.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrUnsupported = errors.New("operation not supported by transport")
)

// Fetcher is the transport behind the loader.
type Fetcher interface {
	// Fetch returns the raw content of a resource.
	Fetch(ctx context.Context, u string) ([]byte, error)
	// Exchange sends a JSON payload and returns the raw response.
	Exchange(ctx context.Context, u string, payload []byte) ([]byte, error)
}

// FileFetcher serves relative paths and file:// URLs from Root.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) resolve(u string) (string, error) {
	if strings.HasPrefix(u, "file://") {
		parsed, err := url.Parse(u)
		if err != nil {
			return "", err
		}
		return filepath.FromSlash(parsed.Path), nil
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if filepath.IsAbs(u) {
		return u, nil
	}
	root := f.Root
	if root == "" {
		root = "."
	}
	return filepath.Join(root, filepath.FromSlash(u)), nil
}

// Fetch reads the file behind u.
func (f FileFetcher) Fetch(ctx context.Context, u string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.resolve(u)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	return data, err
}

// Exchange is not available on the file system.
func (f FileFetcher) Exchange(context.Context, string, []byte) ([]byte, error) {
	return nil, ErrUnsupported
}

// HTTPFetcher talks to http and https URLs. GETs of static resources are
// retried on 5xx responses; exchanges are sent exactly once.
type HTTPFetcher struct {
	Client   *http.Client
	Header   http.Header
	Attempts int
	Backoff  time.Duration
}

// NewHTTPFetcher returns a fetcher with a bounded client.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		Attempts: 3,
		Backoff:  200 * time.Millisecond,
	}
}

func (h *HTTPFetcher) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// Fetch GETs u.
func (h *HTTPFetcher) Fetch(ctx context.Context, u string) ([]byte, error) {
	var body []byte
	err := retry(ctx, h.Attempts, h.Backoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		b, err := h.do(req)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// Exchange POSTs payload as JSON to u.
func (h *HTTPFetcher) Exchange(ctx context.Context, u string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	b, err := h.do(req)
	var re *retryableError
	if errors.As(err, &re) {
		return nil, re.err
	}
	return b, err
}

func (h *HTTPFetcher) do(req *http.Request) ([]byte, error) {
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL)
	case resp.StatusCode >= 500:
		return nil, retryable(fmt.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// MuxFetcher routes http(s) URLs to HTTP and everything else to Files.
type MuxFetcher struct {
	HTTP  Fetcher
	Files Fetcher
}

func (m MuxFetcher) pick(u string) Fetcher {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return m.HTTP
	}
	return m.Files
}

func (m MuxFetcher) Fetch(ctx context.Context, u string) ([]byte, error) {
	f := m.pick(u)
	if f == nil {
		return nil, fmt.Errorf("%w: no transport for %s", ErrUnsupported, u)
	}
	return f.Fetch(ctx, u)
}

func (m MuxFetcher) Exchange(ctx context.Context, u string, payload []byte) ([]byte, error) {
	f := m.pick(u)
	if f == nil {
		return nil, fmt.Errorf("%w: no transport for %s", ErrUnsupported, u)
	}
	return f.Exchange(ctx, u, payload)
}
