// Package loader fetches external resources by URL, caches them, and
// coalesces concurrent requests for the same URL into one transport call.
//
// A load request is a list of specs loaded in parallel; a single spec
// yields its bare result, several yield a list with one slot per input.
package loader

import (
	"context"
	"fmt"
	"log/slog"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ccmrt/internal/future"
	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/metrics"
	"github.com/roach88/ccmrt/internal/waitlist"
)

// DefaultCacheSize bounds the resource cache when no size is given.
const DefaultCacheSize = 1024

// Loader is safe for concurrent use.
type Loader struct {
	fetcher   Fetcher
	cacheSize int
	cache     *lru.Cache[string, ir.IRValue]
	waiting   *waitlist.Waitlist[ir.IRValue]
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithCacheSize bounds the number of cached resources. Evicted resources
// are fetched again on their next request.
func WithCacheSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.cacheSize = n
		}
	}
}

// WithMetrics records fetches, hits and coalesced requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a loader over the given transport.
func New(f Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher:   f,
		cacheSize: DefaultCacheSize,
		waiting:   waitlist.New[ir.IRValue](),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.cache = newCache(l.cacheSize)
	return l
}

func newCache(size int) *lru.Cache[string, ir.IRValue] {
	c, err := lru.New[string, ir.IRValue](size)
	if err != nil {
		// size is always positive here
		panic(fmt.Sprintf("loader: %v", err))
	}
	return c
}

// Load loads every spec concurrently. One spec yields its bare result;
// several yield an IRArray in input order.
func (l *Loader) Load(ctx context.Context, specs ...Spec) (ir.IRValue, error) {
	if len(specs) == 1 {
		return l.loadOne(ctx, specs[0])
	}
	results, err := l.LoadAll(ctx, specs)
	if err != nil {
		return nil, err
	}
	return ir.IRArray(results), nil
}

// LoadAsync is Load on its own goroutine. When every spec is already
// cached the returned future is resolved before LoadAsync returns.
func (l *Loader) LoadAsync(ctx context.Context, specs ...Spec) *future.Future[ir.IRValue] {
	if l.allCached(specs) {
		v, err := l.Load(ctx, specs...)
		if err != nil {
			return future.Failed[ir.IRValue](err)
		}
		return future.Resolved(v)
	}
	return future.Go(ctx, func(ctx context.Context) (ir.IRValue, error) {
		return l.Load(ctx, specs...)
	})
}

// LoadArgs parses descriptor arguments and loads them.
func (l *Loader) LoadArgs(ctx context.Context, args ir.IRArray) (ir.IRValue, error) {
	specs, err := ParseSpecs(args)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, specs...)
}

// LoadAll loads specs concurrently and returns one result per spec.
func (l *Loader) LoadAll(ctx context.Context, specs []Spec) ([]ir.IRValue, error) {
	results := make([]ir.IRValue, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range specs {
		i, s := i, s
		g.Go(func() error {
			v, err := l.loadOne(gctx, s)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (l *Loader) loadOne(ctx context.Context, s Spec) (ir.IRValue, error) {
	switch s := s.(type) {
	case URL:
		return l.loadURL(ctx, string(s))
	case Exchange:
		return l.exchange(ctx, s.URL, s.Payload)
	case Serial:
		out := make(ir.IRArray, 0, len(s))
		for _, item := range s {
			v, err := l.loadOne(ctx, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case Parallel:
		results, err := l.LoadAll(ctx, s)
		if err != nil {
			return nil, err
		}
		return ir.IRArray(results), nil
	default:
		return nil, fmt.Errorf("unknown resource spec %T", s)
	}
}

func (l *Loader) loadURL(ctx context.Context, u string) (ir.IRValue, error) {
	kind := KindOf(u)
	if kind == KindExchange {
		return l.exchange(ctx, u, nil)
	}

	if v, ok := l.cache.Get(u); ok {
		l.metrics.ResourceHit()
		return ir.Clone(v), nil
	}

	leader, done := l.waiting.Join(u)
	if !leader {
		l.metrics.ResourceCoalesced()
		l.logger.Debug("resource in flight, waiting", "url", u)
		v, err := waitlist.Await(ctx, done)
		if err != nil {
			return nil, err
		}
		return ir.Clone(v), nil
	}

	// the previous leader may have finished between the miss and Join
	if v, ok := l.cache.Get(u); ok {
		l.waiting.Release(u, v, nil)
		return ir.Clone(v), nil
	}

	v, err := l.fetch(ctx, u, kind)
	if err == nil {
		l.cache.Add(u, v)
	} else {
		l.logger.Warn("resource load failed", "url", u, "error", err)
	}
	l.waiting.Release(u, v, err)
	if err != nil {
		return nil, err
	}
	return ir.Clone(v), nil
}

func (l *Loader) fetch(ctx context.Context, u string, kind Kind) (ir.IRValue, error) {
	l.logger.Debug("fetching resource", "url", u, "kind", kind)
	l.metrics.ResourceFetched(string(kind))

	data, err := l.fetcher.Fetch(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", u, err)
	}
	v, err := decode(kind, u, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", u, err)
	}
	return v, nil
}

func (l *Loader) exchange(ctx context.Context, u string, payload ir.IRObject) (ir.IRValue, error) {
	if payload == nil {
		payload = ir.IRObject{}
	}
	body, err := ir.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", u, err)
	}
	l.metrics.ResourceFetched(string(KindExchange))
	l.logger.Debug("exchange", "url", u)

	resp, err := l.fetcher.Exchange(ctx, u, body)
	if err != nil {
		return nil, fmt.Errorf("exchange %s: %w", u, err)
	}
	if v, err := ir.Unmarshal(resp); err == nil {
		return v, nil
	}
	// non-JSON replies are passed through as text
	return ir.IRString(resp), nil
}

// Exchange sends payload to u and returns the decoded response. Exchanges
// always reach the transport.
func (l *Loader) Exchange(ctx context.Context, u string, payload ir.IRObject) (ir.IRValue, error) {
	return l.exchange(ctx, u, payload)
}

// Provide registers a resource that arrived out of band (for example a
// component bundle announcing itself). Waiters parked on u are serviced.
func (l *Loader) Provide(u string, v ir.IRValue) {
	l.cache.Add(u, v)
	if l.waiting.InFlight(u) {
		l.waiting.Release(u, v, nil)
	}
}

// Cached returns a copy of the cached resource at u.
func (l *Loader) Cached(u string) (ir.IRValue, bool) {
	v, ok := l.cache.Peek(u)
	if !ok {
		return nil, false
	}
	return ir.Clone(v), true
}

// Clear drops every cached resource. In-flight loads are unaffected.
func (l *Loader) Clear() {
	l.cache.Purge()
}

func (l *Loader) allCached(specs []Spec) bool {
	for _, s := range specs {
		switch s := s.(type) {
		case URL:
			if KindOf(string(s)) == KindExchange || !l.cache.Contains(string(s)) {
				return false
			}
		case Serial:
			if !l.allCached(s) {
				return false
			}
		case Parallel:
			if !l.allCached(s) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func decode(kind Kind, u string, data []byte) (ir.IRValue, error) {
	switch kind {
	case KindJSON:
		return ir.Unmarshal(data)
	case KindYAML:
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return ir.FromGo(raw)
	case KindCUE:
		return decodeCUE(u, data)
	case KindMarkup:
		return ir.IRString(data), nil
	case KindAsset:
		// assets are applied by the host; the result marks them loaded
		return ir.IRString(u), nil
	}
	return nil, fmt.Errorf("no decoder for %s", kind)
}

func decodeCUE(u string, data []byte) (ir.IRValue, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(u))
	if err := v.Err(); err != nil {
		return nil, err
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return ir.Unmarshal(b)
}
