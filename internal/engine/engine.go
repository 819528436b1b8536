package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ccmrt/internal/datastore"
	"github.com/roach88/ccmrt/internal/dep"
	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/loader"
	"github.com/roach88/ccmrt/internal/metrics"
	"github.com/roach88/ccmrt/internal/registry"
)

// Engine instantiates components registered in a registry.
//
// Thread-safety: flows may run concurrently. Within a flow, construction
// and lifecycle hooks happen on the calling goroutine; only dependency
// loads fan out.
type Engine struct {
	registry     *registry.Registry
	stores       *datastore.Manager
	loader       *loader.Loader
	arena        *Arena
	clock        *Clock
	flowGen      FlowTokenGenerator
	maxInstances int
	observer     Observer
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxInstances sets the per-flow construction quota.
func WithMaxInstances(n int) Option {
	return func(e *Engine) { e.maxInstances = n }
}

// WithFlowGenerator sets the flow token generator.
func WithFlowGenerator(g FlowTokenGenerator) Option {
	return func(e *Engine) { e.flowGen = g }
}

// WithClock sets the clock stamping lifecycle events.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithObserver receives lifecycle events.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an Engine and binds it as reg's instantiator, so definition
// factories create instances through it.
func New(reg *registry.Registry, stores *datastore.Manager, l *loader.Loader, opts ...Option) *Engine {
	e := &Engine{
		registry:     reg,
		stores:       stores,
		loader:       l,
		arena:        NewArena(),
		clock:        NewClock(),
		flowGen:      UUIDv7Generator{},
		maxInstances: DefaultMaxInstances,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	reg.Bind(e)
	return e
}

// Arena returns the arena holding every instance.
func (e *Engine) Arena() *Arena { return e.arena }

// Instance registers ref if needed and creates an instance of it.
func (e *Engine) Instance(ctx context.Context, ref any, config ir.IRValue) (*Instance, error) {
	def, err := e.define(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, def, config, false, nil)
}

// Render creates an instance of ref and calls its render hook.
func (e *Engine) Render(ctx context.Context, ref any, config ir.IRValue) (*Instance, error) {
	def, err := e.define(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, def, config, true, nil)
}

// Instantiate implements registry.Instantiator.
func (e *Engine) Instantiate(ctx context.Context, def *registry.Definition, config ir.IRValue, render bool) (ir.IRValue, error) {
	inst, err := e.run(ctx, def, config, render, nil)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *Engine) define(ctx context.Context, ref any) (*registry.Definition, error) {
	def, err := e.registry.Register(ctx, ref, nil)
	if err == nil {
		return def, nil
	}
	code := ErrCodeResolutionFailed
	if errors.Is(err, registry.ErrUnknownComponent) || errors.Is(err, registry.ErrInvalidManifest) {
		code = ErrCodeUnknownComponent
	}
	return nil, &RuntimeError{
		Code:    code,
		Message: "component " + describe(ref),
		Err:     err,
	}
}

func describe(ref any) string {
	switch r := ref.(type) {
	case ir.IRString:
		return string(r)
	case string:
		return r
	case ir.Named:
		return r.DisplayName()
	}
	return fmt.Sprintf("%T", ref)
}

// flow is one top-level instantiation.
type flow struct {
	engine *Engine
	token  string
	quota  *QuotaEnforcer
	queue  *taskQueue
	logger *slog.Logger

	// mu guards slot writes from concurrent dependency loads.
	mu      sync.Mutex
	renders []*Instance
}

func (e *Engine) run(ctx context.Context, def *registry.Definition, config ir.IRValue, render bool, parent *Instance) (*Instance, error) {
	f := &flow{
		engine: e,
		token:  e.flowGen.Generate(),
		quota:  NewQuotaEnforcer(e.maxInstances),
		queue:  newTaskQueue(),
	}
	f.logger = e.logger.With("flow", f.token)
	start := time.Now()
	f.logger.Debug("flow started", "component", def.Index, "render", render)

	root, err := f.build(ctx, def, config, parent)
	if err != nil {
		return nil, f.fail(err)
	}

	// drain nested instantiations oldest first
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, ok := f.queue.Pop()
		if !ok {
			break
		}
		if err := f.nested(ctx, t); err != nil {
			return nil, f.fail(err)
		}
	}

	found := f.discover(root)
	if err := f.initPass(ctx, found); err != nil {
		return nil, f.fail(err)
	}
	if err := f.readyPass(ctx, found); err != nil {
		return nil, f.fail(err)
	}
	for _, inst := range f.renders {
		if err := f.render(ctx, inst); err != nil {
			return nil, f.fail(err)
		}
	}
	if render {
		if err := f.render(ctx, root); err != nil {
			return nil, f.fail(err)
		}
	}

	e.metrics.FlowFinished(time.Since(start).Seconds())
	f.logger.Debug("flow finished",
		"root", root.Index,
		"instances", f.quota.Current(),
		"discovered", len(found),
	)
	return root, nil
}

// fail stamps the flow token on runtime errors and logs the abort.
func (f *flow) fail(err error) error {
	var re *RuntimeError
	if errors.As(err, &re) && re.FlowToken == "" {
		re.FlowToken = f.token
	}
	f.logger.Error("flow aborted", "error", err)
	return err
}

// build constructs one instance and resolves its dependencies.
func (f *flow) build(ctx context.Context, def *registry.Definition, config ir.IRValue, parent *Instance) (*Instance, error) {
	cfg, err := f.config(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := f.quota.Check(f.token); err != nil {
		return nil, err
	}

	fields := ir.Integrate(cfg, def.Defaults())
	if fields == nil {
		fields = ir.IRObject{}
	}
	id := def.NextID()
	inst := &Instance{
		ID:        id,
		Index:     instanceIndex(def, id),
		Component: def,
		Fields:    fields,
	}
	if parent != nil {
		inst.parent = parent.Index
		if el, ok := fields["element"].(ir.IRString); ok && el == "parent" {
			if pe, ok := parent.Fields["element"]; ok {
				fields["element"] = pe
			} else {
				delete(fields, "element")
			}
		}
	}
	if def.New != nil {
		inst.Behavior = def.New()
	}

	f.engine.arena.Add(inst)
	f.engine.metrics.InstanceCreated(def.Name)
	f.emit(EventCreated, inst.Index, inst.parent)
	f.logger.Debug("instance created", "instance", inst.Index, "parent", inst.parent)

	if err := f.resolve(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// config turns a config slot into a private object. A dataset descriptor
// is fetched first; a missing record is an empty config.
func (f *flow) config(ctx context.Context, config ir.IRValue) (ir.IRObject, error) {
	switch c := config.(type) {
	case nil, ir.IRNull:
		return ir.IRObject{}, nil
	case ir.IRObject:
		return ir.CloneObject(c), nil
	case ir.Node:
		return ir.IRObject{"element": c}, nil
	}

	d, err := dep.Parse(config)
	if err != nil {
		return nil, &RuntimeError{Code: ErrCodeInvalidDescriptor, Message: "instance config", Err: err}
	}
	fr, ok := d.(*dep.FetchRecord)
	if !ok {
		return nil, &RuntimeError{
			Code:    ErrCodeInvalidDescriptor,
			Message: fmt.Sprintf("instance config must be an object, a node or a dataset, got %T", config),
		}
	}
	v, err := f.engine.dataset(ctx, fr)
	if err != nil {
		return nil, newResolutionError(f.token, "", "config", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		f.logger.Debug("config record missing", "settings", fr.Settings, "lookup", fr.Lookup)
		return ir.IRObject{}, nil
	}
	return ir.CloneObject(obj), nil
}

// nested builds a queued instance and puts it into its slot.
func (f *flow) nested(ctx context.Context, t task) error {
	def, err := f.engine.define(ctx, t.ref)
	if err != nil {
		var re *RuntimeError
		if errors.As(err, &re) {
			re.Instance = t.parent.Index
			re.Message += " at " + t.path
		}
		return err
	}
	inst, err := f.build(ctx, def, t.config, t.parent)
	if err != nil {
		return err
	}
	f.mu.Lock()
	t.slot.set(inst)
	f.mu.Unlock()
	if t.render {
		f.renders = append(f.renders, inst)
	}
	return nil
}

type job struct {
	path string
	slot slot
	run  func(ctx context.Context) (ir.IRValue, error)
}

// resolve collects the descriptors in inst's fields, queues nested
// instances and resolves everything else concurrently.
func (f *flow) resolve(ctx context.Context, inst *Instance) error {
	var jobs []job
	if err := f.collect(inst, inst.Fields, "", &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			v, err := j.run(gctx)
			if err != nil {
				var re *RuntimeError
				if errors.As(err, &re) {
					return err
				}
				return newResolutionError(f.token, inst.Index, j.path, err)
			}
			f.mu.Lock()
			j.slot.set(v)
			f.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (f *flow) collect(inst *Instance, v ir.IRValue, path string, jobs *[]job) error {
	switch c := v.(type) {
	case ir.IRObject:
		for _, k := range c.SortedKeys() {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if err := f.visit(inst, c[k], slot{obj: c, key: k}, p, jobs); err != nil {
				return err
			}
		}
	case ir.IRArray:
		for i := range c {
			p := path + "[" + strconv.Itoa(i) + "]"
			if err := f.visit(inst, c[i], slot{arr: c, idx: i}, p, jobs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *flow) visit(inst *Instance, v ir.IRValue, s slot, path string, jobs *[]job) error {
	d, err := dep.Parse(v)
	if err != nil {
		return &RuntimeError{
			Code:      ErrCodeInvalidDescriptor,
			Message:   "at " + path,
			FlowToken: f.token,
			Instance:  inst.Index,
			Err:       err,
		}
	}

	e := f.engine
	add := func(run func(ctx context.Context) (ir.IRValue, error)) {
		*jobs = append(*jobs, job{path: path, slot: s, run: run})
	}

	switch d := d.(type) {
	case nil:
		// nodes, instances, definitions, stores and proxies are not walked
		switch v.(type) {
		case ir.IRObject, ir.IRArray:
			return f.collect(inst, v, path, jobs)
		}

	case *dep.LoadResource:
		add(func(ctx context.Context) (ir.IRValue, error) {
			if e.loader == nil {
				return nil, errors.New("no resource loader")
			}
			return e.loader.LoadArgs(ctx, d.Resources)
		})

	case *dep.RegisterComponent:
		add(func(ctx context.Context) (ir.IRValue, error) {
			def, err := e.registry.Register(ctx, d.Ref, d.Defaults)
			if err != nil {
				return nil, err
			}
			return def, nil
		})

	case *dep.OpenStore:
		add(func(ctx context.Context) (ir.IRValue, error) {
			if e.stores == nil {
				return nil, errors.New("no datastore manager")
			}
			// init is left to the lifecycle pass
			ds, err := e.stores.OpenDeferred(ctx, d.Settings)
			if err != nil {
				return nil, err
			}
			return ds, nil
		})

	case *dep.FetchRecord:
		add(func(ctx context.Context) (ir.IRValue, error) {
			res, err := e.dataset(ctx, d)
			if err != nil {
				return nil, err
			}
			if res == nil {
				return ir.IRNull{}, nil
			}
			return res, nil
		})

	case *dep.CreateInstance:
		f.queue.Push(task{
			ref:    d.Ref,
			config: d.Config,
			render: d.Render,
			parent: inst,
			slot:   s,
			path:   path,
		})

	case *dep.CreateLazyProxy:
		p := &Proxy{engine: e, ref: d.Ref, config: d.Config, parent: inst, slot: s}
		cd, err := dep.Parse(d.Config)
		if err != nil {
			return &RuntimeError{Code: ErrCodeInvalidDescriptor, Message: "proxy config at " + path, Instance: inst.Index, Err: err}
		}
		if fr, ok := cd.(*dep.FetchRecord); ok {
			add(func(ctx context.Context) (ir.IRValue, error) {
				cfg, err := e.dataset(ctx, fr)
				if err != nil {
					return nil, err
				}
				if obj, ok := cfg.(ir.IRObject); ok {
					p.config = obj
				} else {
					p.config = nil
				}
				return p, nil
			})
			return nil
		}
		s.set(p)
	}
	return nil
}

func (e *Engine) dataset(ctx context.Context, d *dep.FetchRecord) (ir.IRValue, error) {
	if e.stores == nil {
		return nil, errors.New("no datastore manager")
	}
	return e.stores.Dataset(ctx, d.Settings, d.Lookup)
}

func (f *flow) emit(kind EventKind, subject, parent string) {
	seq := f.engine.clock.Next()
	if f.engine.observer == nil {
		return
	}
	f.engine.observer.Observe(LifecycleEvent{
		Seq:     seq,
		Kind:    kind,
		Flow:    f.token,
		Subject: subject,
		Parent:  parent,
	})
}
