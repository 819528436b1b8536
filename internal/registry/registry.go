// Package registry keeps component definitions.
//
// A definition is registered at most once per index and never replaced.
// References resolve in three ways: a *Definition registers itself, an
// index string finds a registered definition (or builds one from the
// catalog), and a manifest URL is loaded through the resource loader and
// registered from its contents.
//
// Manifests are data: name, optional version and default config. Behavior
// comes from the Catalog entry with the manifest's name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/loader"
)

var (
	// ErrUnknownComponent is returned for an index that is neither
	// registered nor in the catalog.
	ErrUnknownComponent = errors.New("unknown component")

	// ErrInvalidManifest is returned for manifests without a usable name.
	ErrInvalidManifest = errors.New("invalid component manifest")

	// ErrUnbound is returned by factories before an Instantiator is bound.
	ErrUnbound = errors.New("registry has no instantiator")
)

// ElementRegistrar receives the element tag of each new definition.
type ElementRegistrar interface {
	RegisterElement(tag string, def *Definition) error
}

// Registry holds definitions by index.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	loader   *loader.Loader
	catalog  Catalog
	elements ElementRegistrar
	logger   *slog.Logger

	mu   sync.Mutex
	defs map[string]*Definition
	inst Instantiator
}

// Option configures a Registry.
type Option func(*Registry)

// WithCatalog sets the component code catalog.
func WithCatalog(c Catalog) Option {
	return func(r *Registry) { r.catalog = c }
}

// WithElementRegistrar registers an element tag per definition.
func WithElementRegistrar(e ElementRegistrar) Option {
	return func(r *Registry) { r.elements = e }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New returns an empty registry loading manifests through l.
func New(l *loader.Loader, opts ...Option) *Registry {
	r := &Registry{
		loader:  l,
		catalog: Catalog{},
		logger:  slog.Default(),
		defs:    make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind installs the instantiator used by definitions' factories.
func (r *Registry) Bind(inst Instantiator) {
	r.mu.Lock()
	r.inst = inst
	r.mu.Unlock()
}

func (r *Registry) instantiator() Instantiator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst == nil {
		return unbound{}
	}
	return r.inst
}

type unbound struct{}

func (unbound) Instantiate(context.Context, *Definition, ir.IRValue, bool) (ir.IRValue, error) {
	return nil, ErrUnbound
}

// Register resolves src to a registered definition. src is a *Definition,
// an index or a manifest URL (as string or ir.IRString). With non-nil
// defaults the result is a variant carrying those defaults; a node as
// defaults is shorthand for {"element": node}.
func (r *Registry) Register(ctx context.Context, src any, defaults ir.IRValue) (*Definition, error) {
	def, err := r.register(ctx, src)
	if err != nil {
		return nil, err
	}
	switch d := defaults.(type) {
	case nil, ir.IRNull:
		return def, nil
	case ir.IRObject:
		return def.Variant(d), nil
	case ir.Node:
		return def.Variant(ir.IRObject{"element": d}), nil
	}
	return nil, fmt.Errorf("component %s: defaults must be an object, got %T", def.Index, defaults)
}

func (r *Registry) register(ctx context.Context, src any) (*Definition, error) {
	switch s := src.(type) {
	case *Definition:
		return r.add(ctx, s)
	case ir.IRString:
		return r.registerRef(ctx, string(s))
	case string:
		return r.registerRef(ctx, s)
	case ir.IRObject:
		def, err := r.fromManifest(s)
		if err != nil {
			return nil, err
		}
		return r.add(ctx, def)
	}
	return nil, fmt.Errorf("%w: cannot register %T", ErrInvalidManifest, src)
}

func (r *Registry) registerRef(ctx context.Context, ref string) (*Definition, error) {
	if !isURL(ref) {
		ix, err := ParseIndex(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownComponent, err)
		}
		if def, ok := r.Get(ix.String()); ok {
			return def, nil
		}
		comp, ok := r.catalog[ix.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, ref)
		}
		return r.add(ctx, &Definition{
			Name:    ix.Name,
			Version: ix.Version,
			Config:  ir.CloneObject(comp.Config),
		})
	}

	if index, ok := ManifestIndex(ref); ok {
		if def, ok := r.Get(index); ok {
			return def, nil
		}
	}
	if r.loader == nil {
		return nil, fmt.Errorf("cannot load %s: no resource loader", ref)
	}
	r.logger.Debug("loading component manifest", "url", ref)
	v, err := r.loader.Load(ctx, loader.URL(ref))
	if err != nil {
		return nil, fmt.Errorf("load component %s: %w", ref, err)
	}
	m, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %T", ErrInvalidManifest, ref, v)
	}
	def, err := r.fromManifest(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return r.add(ctx, def)
}

// fromManifest builds an unregistered definition from manifest data:
// {"name": ..., "version": "X.Y.Z" | [X, Y, Z], "index": ..., "config": {...}}.
func (r *Registry) fromManifest(m ir.IRObject) (*Definition, error) {
	def := &Definition{Config: m.Object("config")}
	if index := m.String("index"); index != "" {
		ix, err := ParseIndex(index)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		def.Name, def.Version = ix.Name, ix.Version
	}
	if name := m.String("name"); name != "" && def.Name == "" {
		def.Name = name
	}
	if def.Name == "" || !namePattern.MatchString(def.Name) {
		return nil, fmt.Errorf("%w: name %q", ErrInvalidManifest, def.Name)
	}
	if def.Version == nil {
		switch v := m["version"].(type) {
		case ir.IRString:
			ver, err := ParseVersion(string(v))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
			}
			def.Version = ver
		case ir.IRArray:
			if len(v) != 3 {
				return nil, fmt.Errorf("%w: version needs three parts", ErrInvalidManifest)
			}
			for _, p := range v {
				n, ok := p.(ir.IRInt)
				if !ok || n < 0 {
					return nil, fmt.Errorf("%w: version part %v", ErrInvalidManifest, p)
				}
				def.Version = append(def.Version, int(n))
			}
		}
	}
	return def, nil
}

// add registers def under its index unless the index is taken, then runs
// the one-time setup of whichever definition holds the index.
func (r *Registry) add(ctx context.Context, def *Definition) (*Definition, error) {
	if def.Base != nil {
		// variants are never registered; their base is
		if _, err := r.add(ctx, def.Root()); err != nil {
			return nil, err
		}
		return def, nil
	}

	def.Index = Index{Name: def.Name, Version: def.Version}.String()

	r.mu.Lock()
	existing, ok := r.defs[def.Index]
	if !ok {
		r.prepare(def)
		r.defs[def.Index] = def
		existing = def
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("registered component", "index", def.Index)
		if r.elements != nil {
			if err := r.elements.RegisterElement("ccm-"+def.Index, def); err != nil {
				return nil, fmt.Errorf("register element for %s: %w", def.Index, err)
			}
		}
	}
	if err := existing.runSetup(ctx); err != nil {
		return nil, fmt.Errorf("setup %s: %w", existing.Index, err)
	}
	return existing, nil
}

// prepare binds a new definition to the registry and its catalog entry.
func (r *Registry) prepare(def *Definition) {
	def.registry = r
	comp, hasCode := r.catalog[def.Name]
	if def.New == nil && hasCode {
		def.New = comp.New
	}
	if def.setup == nil && hasCode {
		def.setup = comp.Setup
	}
	if def.Config == nil {
		def.Config = ir.IRObject{}
	}
}

// Get returns the definition registered under index.
func (r *Registry) Get(index string) (*Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[index]
	return def, ok
}

// List returns all definitions ordered by index.
func (r *Registry) List() []*Definition {
	r.mu.Lock()
	defs := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	r.mu.Unlock()
	slices.SortFunc(defs, func(a, b *Definition) int { return strings.Compare(a.Index, b.Index) })
	return defs
}
