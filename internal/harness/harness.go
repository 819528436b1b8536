package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/roach88/ccmrt/internal/config"
	"github.com/roach88/ccmrt/internal/engine"
	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/runtime"
	"github.com/roach88/ccmrt/internal/testutil"
)

// Harness runs one scenario against a fresh runtime.
type Harness struct {
	rt      *runtime.Runtime
	trace   *engine.Trace
	fetcher *testutil.MapFetcher
	logger  *slog.Logger
}

// Option configures a run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger sends runtime logs to logger instead of discarding them.
func WithLogger(logger *slog.Logger) Option {
	return func(o *runOptions) { o.logger = logger }
}

// Run executes a scenario and returns the result.
//
// Each scenario gets its own runtime over an in-memory database, a map
// fetcher serving its resources and a fixed flow token, so two runs of
// the same scenario produce the same trace.
//
// Step and assertion failures are reported in the result; the error is
// reserved for scenarios that cannot be set up.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	token := scenario.FlowToken
	if token == "" {
		token = DefaultFlowToken
	}

	h := &Harness{
		trace:   &engine.Trace{},
		fetcher: testutil.NewMapFetcher(scenario.Resources),
		logger:  o.logger,
	}

	cfg := config.Default()
	cfg.Database = ""
	if scenario.MaxInstances > 0 {
		cfg.MaxInstances = scenario.MaxInstances
	}
	rt, err := runtime.New(*cfg,
		runtime.WithFetcher(h.fetcher),
		runtime.WithObserver(h.trace),
		runtime.WithFlowGenerator(engine.NewFixedGenerator(token)),
		runtime.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}
	defer rt.Close()
	h.rt = rt

	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}
	result.Trace = traceEvents(h.trace.Events())

	actx := &AssertionContext{Runtime: rt, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// setup provides the scenario's bundled resources, registers its
// components and seeds its stores.
func (h *Harness) setup(ctx context.Context, s *Scenario) error {
	urls := make([]string, 0, len(s.Provided))
	for u := range s.Provided {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		v, err := ir.FromGo(s.Provided[u])
		if err != nil {
			return fmt.Errorf("provided[%s]: %w", u, err)
		}
		h.rt.Provide(u, v)
	}

	for i, c := range s.Components {
		manifest := ir.IRObject{"name": ir.IRString(c.Name)}
		if c.Version != "" {
			manifest["version"] = ir.IRString(c.Version)
		}
		cfg, err := toObject(c.Config)
		if err != nil {
			return fmt.Errorf("components[%d]: %w", i, err)
		}
		manifest["config"] = cfg
		def, err := h.rt.Component(ctx, manifest, nil)
		if err != nil {
			return fmt.Errorf("components[%d]: %w", i, err)
		}
		h.logger.Debug("component registered", "index", def.Index)
	}

	for i, seed := range s.Stores {
		settings, err := toObject(seed.Settings)
		if err != nil {
			return fmt.Errorf("stores[%d]: %w", i, err)
		}
		ds, err := h.rt.Store(ctx, settings)
		if err != nil {
			return fmt.Errorf("stores[%d]: %w", i, err)
		}
		for j, raw := range seed.Records {
			rec, err := toObject(raw)
			if err != nil {
				return fmt.Errorf("stores[%d].records[%d]: %w", i, j, err)
			}
			if _, err := ds.Set(ctx, rec); err != nil {
				return fmt.Errorf("stores[%d].records[%d]: %w", i, j, err)
			}
		}
		h.logger.Debug("store seeded", "source", ds.Source(), "records", len(seed.Records))
	}
	return nil
}

// executeStep builds one instance and checks it against the step.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) {
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("steps[%d]: ", i) + fmt.Sprintf(format, args...))
	}

	var cfg ir.IRValue
	if step.Config != nil {
		obj, err := toObject(step.Config)
		if err != nil {
			fail("config: %v", err)
			result.Roots = append(result.Roots, "")
			return
		}
		cfg = obj
	}

	var (
		inst *engine.Instance
		err  error
	)
	if step.Render != "" {
		inst, err = h.rt.Render(ctx, step.Render, cfg)
	} else {
		inst, err = h.rt.Instance(ctx, step.Instance, cfg)
	}

	if err != nil {
		result.Roots = append(result.Roots, "")
		if step.Error == "" {
			fail("%s: %v", step.Ref(), err)
			return
		}
		var re *engine.RuntimeError
		if !errors.As(err, &re) || string(re.Code) != step.Error {
			fail("%s: expected error %s, got %v", step.Ref(), step.Error, err)
		}
		return
	}
	result.Roots = append(result.Roots, inst.Index)
	if step.Error != "" {
		fail("%s: expected error %s, got instance %s", step.Ref(), step.Error, inst.Index)
		return
	}

	if step.Materialize != "" {
		v, _ := inst.Get(step.Materialize)
		p, ok := v.(*engine.Proxy)
		if !ok {
			fail("%s: field %q is not a proxy", inst.Index, step.Materialize)
			return
		}
		if _, err := p.Materialize(ctx); err != nil {
			fail("%s: materialize %q: %v", inst.Index, step.Materialize, err)
			return
		}
	}

	if step.Expect != nil {
		want, err := toObject(step.Expect)
		if err != nil {
			fail("expect: %v", err)
			return
		}
		if !ir.IsSubset(want, inst.Fields) {
			fail("%s: expected fields %v, got %v", inst.Index, ir.ToGo(want), ir.ToGo(inst.Fields))
		}
	}

	h.logger.Info("step completed", "step", i, "component", step.Ref(), "instance", inst.Index)
}
