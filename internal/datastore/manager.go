package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/loader"
	"github.com/roach88/ccmrt/internal/metrics"
	"github.com/roach88/ccmrt/internal/remote"
	"github.com/roach88/ccmrt/internal/store"
	"github.com/roach88/ccmrt/internal/waitlist"
)

// ErrNoDatabase is returned when settings ask for a persistent store but
// the manager has no database.
var ErrNoDatabase = errors.New("no persistent database configured")

// SocketDialer opens a socket transport. remote.DialSocket is the default.
type SocketDialer func(ctx context.Context, url string, hello ir.IRArray, opts ...remote.SocketOption) (*remote.SocketTransport, error)

// Manager opens datastores and interns them by source, so every request
// for the same {db, store, url} shares one datastore and one record cache.
//
// Thread-safety: all methods are safe for concurrent use. Concurrent
// opens of one source build it once; the others wait for it.
type Manager struct {
	loader  *loader.Loader
	db      *store.Store
	dial    SocketDialer
	user    Authenticator
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	stores     map[string]*Datastore
	synthetic  int
	transports []remote.Transport
	opening    *waitlist.Waitlist[*Datastore]
}

// Option configures a Manager.
type Option func(*Manager)

// WithDatabase enables persistent stores backed by db.
func WithDatabase(db *store.Store) Option {
	return func(m *Manager) { m.db = db }
}

// WithSocketDialer replaces the socket dialer.
func WithSocketDialer(d SocketDialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithUser sets the credentials used by remote stores whose settings name
// no user.
func WithUser(u Authenticator) Option {
	return func(m *Manager) { m.user = u }
}

// WithMetrics counts store operations.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a manager loading initial records and HTTP exchanges
// through l.
func NewManager(l *loader.Loader, opts ...Option) *Manager {
	m := &Manager{
		loader:  l,
		dial:    remote.DialSocket,
		logger:  slog.Default(),
		stores:  make(map[string]*Datastore),
		opening: waitlist.New[*Datastore](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the datastore for settings, creating and initializing it
// on first use.
//
// Settings recognize local (initial records, or the URL of a resource
// holding them), store, db, url, datasets, delayed and user. An object
// with none of local, store, url, db, delayed or user is itself taken as
// the initial records. Settings without db, store or url have no identity:
// every such Open creates a new datastore.
func (m *Manager) Open(ctx context.Context, raw ir.IRObject) (*Datastore, error) {
	return m.open(ctx, raw, false)
}

// OpenDeferred is Open without calling Init on a newly created datastore.
// The caller must Init it before relying on pushed changes.
func (m *Manager) OpenDeferred(ctx context.Context, raw ir.IRObject) (*Datastore, error) {
	return m.open(ctx, raw, true)
}

func (m *Manager) open(ctx context.Context, raw ir.IRObject, deferInit bool) (*Datastore, error) {
	raw = normalizeSettings(raw)
	source := ir.SourceKey(raw)

	if source == "{}" {
		m.mu.Lock()
		m.synthetic++
		source = "#" + strconv.Itoa(m.synthetic)
		m.mu.Unlock()
		return m.build(ctx, source, raw, deferInit)
	}

	if ds := m.interned(source); ds != nil {
		return ds, nil
	}

	leader, done := m.opening.Join(source)
	if !leader {
		m.logger.Debug("datastore opening, waiting", "source", source)
		return waitlist.Await(ctx, done)
	}

	if ds := m.interned(source); ds != nil {
		m.opening.Release(source, ds, nil)
		return ds, nil
	}

	ds, err := m.build(ctx, source, raw, deferInit)
	if err == nil {
		m.mu.Lock()
		m.stores[source] = ds
		m.mu.Unlock()
	} else {
		m.logger.Warn("datastore open failed", "source", source, "error", err)
	}
	m.opening.Release(source, ds, err)
	return ds, err
}

func (m *Manager) interned(source string) *Datastore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores[source]
}

func (m *Manager) build(ctx context.Context, source string, raw ir.IRObject, deferInit bool) (*Datastore, error) {
	s := parseSettings(raw)
	ds := &Datastore{
		manager:  m,
		source:   source,
		digest:   ir.SourceDigest(source),
		settings: s,
		level:    s.level(),
		local:    make(map[string]ir.IRObject),
		user:     s.user,
	}
	if ds.user == nil {
		ds.user = m.user
	}

	if err := ds.seed(ctx, s.local); err != nil {
		return nil, fmt.Errorf("initial records of %s: %w", source, err)
	}

	switch ds.level {
	case LevelPersistent:
		if m.db == nil {
			return nil, fmt.Errorf("store %q: %w", s.store, ErrNoDatabase)
		}
		created, err := m.db.EnsureObjectStore(ctx, s.db, s.store)
		if err != nil {
			return nil, fmt.Errorf("open object store %q: %w", s.store, err)
		}
		if created {
			m.logger.Info("created object store", "db", s.db, "store", s.store)
		}
	case LevelRemote:
		if s.socket() {
			sock, err := m.dial(ctx, s.url, s.hello(),
				remote.WithSocketLogger(m.logger), remote.WithSocketMetrics(m.metrics))
			if err != nil {
				return nil, fmt.Errorf("connect %s: %w", s.url, err)
			}
			ds.transport, ds.socket = sock, sock
		} else {
			if m.loader == nil {
				return nil, fmt.Errorf("remote store %s needs a resource loader", s.url)
			}
			ds.transport = remote.NewHTTPTransport(s.url, m.loader)
		}
		m.mu.Lock()
		m.transports = append(m.transports, ds.transport)
		m.mu.Unlock()
	}

	m.logger.Debug("opened datastore", "source", source, "level", ds.level)

	if !deferInit && !s.delayed {
		if err := ds.Init(ctx); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// Dataset opens the datastore for settings and fetches lookup from it.
func (m *Manager) Dataset(ctx context.Context, raw ir.IRObject, lookup ir.IRValue) (ir.IRValue, error) {
	ds, err := m.Open(ctx, raw)
	if err != nil {
		return nil, err
	}
	return ds.Fetch(ctx, lookup)
}

// Stores returns the sources of all interned datastores.
func (m *Manager) Stores() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.stores))
	for s := range m.stores {
		out = append(out, s)
	}
	return out
}

// Clear forgets every interned datastore. Later opens build new ones.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.stores = make(map[string]*Datastore)
	m.mu.Unlock()
}

// Close closes every remote transport ever opened.
func (m *Manager) Close() error {
	m.mu.Lock()
	transports := m.transports
	m.transports = nil
	m.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Close(); err != nil && !errors.Is(err, remote.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
