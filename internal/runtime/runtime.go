// Package runtime wires the loader, the datastores, the registry and the
// engine into one value. Everything that would otherwise be process-wide
// (resource cache, store interning, registered components, the instance
// arena) belongs to a Runtime; two runtimes share nothing.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/ccmrt/internal/config"
	"github.com/roach88/ccmrt/internal/datastore"
	"github.com/roach88/ccmrt/internal/engine"
	"github.com/roach88/ccmrt/internal/future"
	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/loader"
	"github.com/roach88/ccmrt/internal/metrics"
	"github.com/roach88/ccmrt/internal/registry"
	"github.com/roach88/ccmrt/internal/store"
)

// Runtime owns all component runtime state.
type Runtime struct {
	cfg      config.Config
	loader   *loader.Loader
	db       *store.Store
	ownsDB   bool
	stores   *datastore.Manager
	registry *registry.Registry
	engine   *engine.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type options struct {
	fetcher  loader.Fetcher
	catalog  registry.Catalog
	elements registry.ElementRegistrar
	observer engine.Observer
	flowGen  engine.FlowTokenGenerator
	user     datastore.Authenticator
	dialer   datastore.SocketDialer
	db       *store.Store
	logger   *slog.Logger
}

// Option configures a Runtime.
type Option func(*options)

// WithFetcher replaces the file/HTTP resource transport.
func WithFetcher(f loader.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithCatalog sets the component code catalog.
func WithCatalog(c registry.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithElementRegistrar receives a tag per registered component.
func WithElementRegistrar(e registry.ElementRegistrar) Option {
	return func(o *options) { o.elements = e }
}

// WithObserver receives lifecycle events.
func WithObserver(obs engine.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithFlowGenerator sets the flow token generator.
func WithFlowGenerator(g engine.FlowTokenGenerator) Option {
	return func(o *options) { o.flowGen = g }
}

// WithUser sets the credentials sent to remote stores. It overrides the
// user and token of the config.
func WithUser(u datastore.Authenticator) Option {
	return func(o *options) { o.user = u }
}

// WithSocketDialer replaces the WebSocket dialer of remote stores.
func WithSocketDialer(d datastore.SocketDialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithDatabase uses an already open database. The runtime does not close
// it.
func WithDatabase(db *store.Store) Option {
	return func(o *options) { o.db = db }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New builds a runtime from cfg. Persistent stores live in cfg.Database,
// or in memory when it is empty.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		cfg:     cfg,
		metrics: metrics.New(),
		logger:  o.logger,
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = loader.MuxFetcher{
			HTTP:  loader.NewHTTPFetcher(cfg.HTTPTimeout),
			Files: loader.FileFetcher{Root: cfg.ResourceRoot},
		}
	}
	r.loader = loader.New(fetcher,
		loader.WithCacheSize(cfg.ResourceCacheSize),
		loader.WithMetrics(r.metrics),
		loader.WithLogger(r.logger),
	)

	r.db = o.db
	if r.db == nil {
		r.ownsDB = true
		path := cfg.Database
		if path == "" {
			path = ":memory:"
		}
		db, err := store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		r.db = db
	}

	user := o.user
	if user == nil && cfg.User != "" {
		user = datastore.StaticUser{Name: cfg.User, Secret: cfg.Token}
	}
	storeOpts := []datastore.Option{
		datastore.WithDatabase(r.db),
		datastore.WithMetrics(r.metrics),
		datastore.WithLogger(r.logger),
	}
	if user != nil {
		storeOpts = append(storeOpts, datastore.WithUser(user))
	}
	if o.dialer != nil {
		storeOpts = append(storeOpts, datastore.WithSocketDialer(o.dialer))
	}
	r.stores = datastore.NewManager(r.loader, storeOpts...)

	regOpts := []registry.Option{registry.WithLogger(r.logger)}
	if o.catalog != nil {
		regOpts = append(regOpts, registry.WithCatalog(o.catalog))
	}
	if o.elements != nil {
		regOpts = append(regOpts, registry.WithElementRegistrar(o.elements))
	}
	r.registry = registry.New(r.loader, regOpts...)

	engOpts := []engine.Option{
		engine.WithMaxInstances(cfg.MaxInstances),
		engine.WithMetrics(r.metrics),
		engine.WithLogger(r.logger),
	}
	if o.observer != nil {
		engOpts = append(engOpts, engine.WithObserver(o.observer))
	}
	if o.flowGen != nil {
		engOpts = append(engOpts, engine.WithFlowGenerator(o.flowGen))
	}
	r.engine = engine.New(r.registry, r.stores, r.loader, engOpts...)

	return r, nil
}

// Load loads resources; one spec yields a bare result.
func (r *Runtime) Load(ctx context.Context, specs ...loader.Spec) (ir.IRValue, error) {
	return r.loader.Load(ctx, specs...)
}

// LoadAsync starts a load and returns its future. A load served entirely
// from the cache is already resolved.
func (r *Runtime) LoadAsync(ctx context.Context, specs ...loader.Spec) *future.Future[ir.IRValue] {
	return r.loader.LoadAsync(ctx, specs...)
}

// Provide caches a resource that arrived without being fetched, such as
// a bundled manifest. Loads waiting on u receive it.
func (r *Runtime) Provide(u string, v ir.IRValue) {
	r.loader.Provide(u, v)
}

// Component registers a component from a definition, index or manifest
// URL. Non-nil defaults yield a variant.
func (r *Runtime) Component(ctx context.Context, src any, defaults ir.IRValue) (*registry.Definition, error) {
	return r.registry.Register(ctx, src, defaults)
}

// Instance creates an instance with every dependency resolved and its
// lifecycle run.
func (r *Runtime) Instance(ctx context.Context, ref any, config ir.IRValue) (*engine.Instance, error) {
	return r.engine.Instance(ctx, ref, config)
}

// Render creates an instance and renders it.
func (r *Runtime) Render(ctx context.Context, ref any, config ir.IRValue) (*engine.Instance, error) {
	return r.engine.Render(ctx, ref, config)
}

// Store opens (or reuses) a datastore.
func (r *Runtime) Store(ctx context.Context, settings ir.IRObject) (*datastore.Datastore, error) {
	return r.stores.Open(ctx, settings)
}

// Dataset reads a record, or the records matching a query, from a
// datastore.
func (r *Runtime) Dataset(ctx context.Context, settings ir.IRObject, lookup ir.IRValue) (ir.IRValue, error) {
	return r.stores.Dataset(ctx, settings, lookup)
}

// Clear forgets cached resources and interned datastores. Registered
// components stay, and so do created instances: the engine's arena keeps
// them for parent lookups until the runtime is dropped.
func (r *Runtime) Clear() {
	r.loader.Clear()
	r.stores.Clear()
	r.logger.Debug("runtime cleared")
}

// Close releases sockets and the database.
func (r *Runtime) Close() error {
	var errs []error
	if err := r.stores.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.ownsDB {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the settings the runtime was built from.
func (r *Runtime) Config() config.Config { return r.cfg }

// Loader returns the resource loader.
func (r *Runtime) Loader() *loader.Loader { return r.loader }

// Stores returns the datastore manager.
func (r *Runtime) Stores() *datastore.Manager { return r.stores }

// Registry returns the component registry.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Engine returns the instantiation engine.
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// Database returns the SQLite database backing persistent stores.
func (r *Runtime) Database() *store.Store { return r.db }

// Metrics returns the runtime's metrics.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }
