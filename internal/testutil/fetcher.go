package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrMissing is returned by MapFetcher for unknown URLs.
var ErrMissing = errors.New("testutil: no such resource")

// MapFetcher is an in-memory resource transport that counts calls. It
// satisfies loader.Fetcher.
//
// Gate makes Fetch of a URL block until the returned release func runs,
// which lets tests pile up concurrent requests behind one fetch.
type MapFetcher struct {
	mu        sync.Mutex
	files     map[string]string
	fetches   map[string]int
	exchanges []Exchange
	gates     map[string]chan struct{}
	started   map[string]chan struct{}

	// Respond answers exchanges; nil echoes the payload back.
	Respond func(url string, payload []byte) ([]byte, error)
}

// Exchange records one request/response call.
type Exchange struct {
	URL     string
	Payload string
}

// NewMapFetcher serves the given url -> content map.
func NewMapFetcher(files map[string]string) *MapFetcher {
	if files == nil {
		files = map[string]string{}
	}
	return &MapFetcher{
		files:   files,
		fetches: map[string]int{},
		gates:   map[string]chan struct{}{},
		started: map[string]chan struct{}{},
	}
}

// Set adds or replaces a resource.
func (m *MapFetcher) Set(url, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[url] = content
}

// Gate blocks fetches of url until release is called. started is closed
// once the first blocked fetch has begun.
func (m *MapFetcher) Gate(url string) (started <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := make(chan struct{})
	s := make(chan struct{})
	m.gates[url] = g
	m.started[url] = s
	var once sync.Once
	return s, func() { once.Do(func() { close(g) }) }
}

func (m *MapFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	m.fetches[url]++
	gate := m.gates[url]
	if s, ok := m.started[url]; ok {
		close(s)
		delete(m.started, url)
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, url)
	}
	return []byte(content), nil
}

func (m *MapFetcher) Exchange(ctx context.Context, url string, payload []byte) ([]byte, error) {
	m.mu.Lock()
	m.exchanges = append(m.exchanges, Exchange{URL: url, Payload: string(payload)})
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		return respond(url, payload)
	}
	return payload, nil
}

// Fetches returns how many times url reached the transport.
func (m *MapFetcher) Fetches(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[url]
}

// Exchanges returns a copy of every exchange so far.
func (m *MapFetcher) Exchanges() []Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Exchange(nil), m.exchanges...)
}
