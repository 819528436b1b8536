package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ccmrt/internal/datastore"
	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/loader"
	"github.com/roach88/ccmrt/internal/registry"
	"github.com/roach88/ccmrt/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hooks records lifecycle calls across all instances of a test.
type hooks struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (h *hooks) record(call string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	return h.fail[call]
}

func (h *hooks) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type widget struct{ h *hooks }

func (w *widget) Init(_ context.Context, inst *Instance) error {
	return w.h.record("init " + inst.Index)
}

func (w *widget) Ready(_ context.Context, inst *Instance) error {
	return w.h.record("ready " + inst.Index)
}

func (w *widget) Render(_ context.Context, inst *Instance) error {
	if el, ok := inst.Element().(*Element); ok {
		title, _ := inst.Get("title")
		el.SetContent("<h1>" + string(title.(ir.IRString)) + "</h1>")
	}
	return w.h.record("render " + inst.Index)
}

type fixture struct {
	engine  *Engine
	reg     *registry.Registry
	stores  *datastore.Manager
	fetcher *testutil.MapFetcher
	trace   *Trace
	hooks   *hooks
}

func newFixture(t *testing.T, files map[string]string, catalog registry.Catalog, opts ...Option) *fixture {
	t.Helper()
	h := &hooks{fail: map[string]error{}}
	newWidget := func() any { return &widget{h: h} }

	full := registry.Catalog{
		"box":  {New: newWidget, Config: ir.O("title", "box")},
		"leaf": {New: newWidget, Config: ir.O("title", "leaf")},
	}
	for k, v := range catalog {
		full[k] = v
	}

	f := testutil.NewMapFetcher(files)
	l := loader.New(f, loader.WithLogger(quietLogger()))
	reg := registry.New(l, registry.WithCatalog(full), registry.WithLogger(quietLogger()))
	stores := datastore.NewManager(l, datastore.WithLogger(quietLogger()))
	trace := &Trace{}

	opts = append([]Option{
		WithLogger(quietLogger()),
		WithObserver(trace),
		WithFlowGenerator(NewFixedGenerator("flow-1", "flow-2", "flow-3")),
	}, opts...)
	e := New(reg, stores, l, opts...)

	return &fixture{engine: e, reg: reg, stores: stores, fetcher: f, trace: trace, hooks: h}
}

func TestInstance_MergesDefaultsAndConfig(t *testing.T) {
	fx := newFixture(t, nil, registry.Catalog{
		"card": {Config: ir.O("title", "card", "style", ir.O("color", "red", "size", 1))},
	})

	inst, err := fx.engine.Instance(context.Background(), "card", ir.O("style.size", 2, "extra", true))
	require.NoError(t, err)

	assert.Equal(t, int64(1), inst.ID)
	assert.Equal(t, "card-1", inst.Index)
	assert.Equal(t, "card", inst.Component.Index)
	assert.Nil(t, inst.Behavior)
	assert.Equal(t, ir.O("title", "card", "style", ir.O("color", "red", "size", 2), "extra", true), inst.Fields)

	def, ok := fx.reg.Get("card")
	require.True(t, ok)
	assert.Equal(t, ir.O("color", "red", "size", 1), def.Config["style"], "defaults untouched")

	second, err := fx.engine.Instance(context.Background(), "card", nil)
	require.NoError(t, err)
	assert.Equal(t, "card-2", second.Index)
}

func TestInstance_BreadthFirstConstruction(t *testing.T) {
	fx := newFixture(t, nil, nil)

	root, err := fx.engine.Instance(context.Background(), "box", ir.O(
		"a", ir.A("ccm.instance", "leaf", ir.O("b", ir.A("ccm.instance", "leaf"))),
		"c", ir.A("ccm.instance", "leaf"),
	))
	require.NoError(t, err)

	// leaf-3 is a's child: both siblings come first
	assert.Equal(t, []string{"box-1", "leaf-1", "leaf-2", "leaf-3"}, fx.trace.Subjects(EventCreated))

	a := root.Fields["a"].(*Instance)
	c := root.Fields["c"].(*Instance)
	b := a.Fields["b"].(*Instance)
	assert.Equal(t, "leaf-1", a.Index)
	assert.Equal(t, "leaf-2", c.Index)
	assert.Equal(t, "leaf-3", b.Index)

	assert.Same(t, root, a.Parent())
	assert.Same(t, a, b.Parent())
	assert.Nil(t, root.Parent())
	assert.Equal(t, 4, fx.engine.Arena().Len())
}

func TestInstance_FindAndRoot(t *testing.T) {
	fx := newFixture(t, nil, nil)

	root, err := fx.engine.Instance(context.Background(), "box", ir.O(
		"theme", "dark",
		"a", ir.A("ccm.instance", "leaf", ir.O(
			"user", ir.O("name", "ann"),
			"b", ir.A("ccm.instance", "leaf"),
		)),
	))
	require.NoError(t, err)
	a := root.Fields["a"].(*Instance)
	b := a.Fields["b"].(*Instance)

	v, ok := b.Find("theme")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("dark"), v)

	// the nearest ancestor wins
	v, ok = b.Find("title")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("leaf"), v)

	v, ok = b.Find("user.name")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("ann"), v)

	// a.b is b itself
	_, ok = b.Find("b")
	assert.False(t, ok)
	_, ok = a.Find("user")
	assert.False(t, ok)

	v, ok = b.Find("a")
	require.True(t, ok)
	assert.Same(t, a, v)

	_, ok = root.Find("theme")
	assert.False(t, ok, "a root has no ancestors")

	assert.Same(t, root, b.Root())
	assert.Same(t, root, a.Root())
	assert.Same(t, root, root.Root())
}

func TestInstance_LifecycleOrder(t *testing.T) {
	fx := newFixture(t, nil, nil)

	_, err := fx.engine.Instance(context.Background(), "box", ir.O(
		"a", ir.A("ccm.instance", "leaf", ir.O("b", ir.A("ccm.instance", "leaf"))),
		"list", ir.A(ir.A("ccm.instance", "leaf")),
	))
	require.NoError(t, err)

	// discovery enters a's fields before the list
	assert.Equal(t, []string{
		"init box-1", "init leaf-1", "init leaf-3", "init leaf-2",
		"ready leaf-2", "ready leaf-3", "ready leaf-1", "ready box-1",
	}, fx.hooks.Calls())
	assert.Equal(t, []string{"box-1", "leaf-1", "leaf-2", "leaf-3"}, fx.trace.Subjects(EventCreated))

	events := fx.trace.Events()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
		assert.Equal(t, "flow-1", events[i].Flow)
	}
}

func TestInstance_SharedClockSpansFlows(t *testing.T) {
	fx := newFixture(t, nil, nil, WithClock(NewClockAt(100)))

	_, err := fx.engine.Instance(context.Background(), "leaf", nil)
	require.NoError(t, err)
	_, err = fx.engine.Instance(context.Background(), "leaf", nil)
	require.NoError(t, err)

	events := fx.trace.Events()
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, int64(101+i), ev.Seq)
	}
	assert.Equal(t, "flow-1", events[2].Flow)
	assert.Equal(t, "flow-2", events[3].Flow)
	assert.Equal(t, "leaf-2", events[3].Subject)
}

func TestInstance_ResolvesDataDependencies(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"data.json":   `{"n":1}`,
		"frag.html":   "<p>hi</p>",
		"people.json": `{"ann":{"name":"Ann"}}`,
	}, nil)

	root, err := fx.engine.Instance(context.Background(), "box", ir.O(
		"data", ir.A("ccm.load", "data.json"),
		"both", ir.A("ccm.load", "data.json", "frag.html"),
		"people", ir.A("ccm.store", ir.O("local", "people.json")),
		"ann", ir.A("ccm.dataset", ir.O("local", "people.json"), "ann"),
		"nobody", ir.A("ccm.dataset", ir.O("local", "people.json"), "bob"),
		"comp", ir.A("ccm.component", "leaf", ir.O("title", "variant")),
	))
	require.NoError(t, err)

	assert.Equal(t, ir.O("n", 1), root.Fields["data"])
	assert.Equal(t, ir.A(ir.O("n", 1), "<p>hi</p>"), root.Fields["both"])
	assert.Equal(t, ir.O("key", "ann", "name", "Ann"), root.Fields["ann"])
	assert.Equal(t, ir.IRNull{}, root.Fields["nobody"])

	ds, ok := root.Fields["people"].(*datastore.Datastore)
	require.True(t, ok)
	assert.True(t, ds.Initialized(), "store opened from config is initialized by the lifecycle pass")
	assert.Contains(t, fx.trace.Subjects(EventInit), ds.Source())

	def, ok := root.Fields["comp"].(*registry.Definition)
	require.True(t, ok)
	assert.Equal(t, ir.IRString("variant"), def.Config["title"])
	assert.Equal(t, 1, fx.fetcher.Fetches("data.json"))
}

func TestInstance_LoadsDependenciesConcurrently(t *testing.T) {
	fx := newFixture(t, map[string]string{"a.json": `1`, "b.json": `2`}, nil)
	started, release := fx.fetcher.Gate("a.json")
	defer release()

	type result struct {
		inst *Instance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		inst, err := fx.engine.Instance(context.Background(), "box", ir.O(
			"a", ir.A("ccm.load", "a.json"),
			"b", ir.A("ccm.load", "b.json"),
		))
		done <- result{inst, err}
	}()

	<-started
	assert.Eventually(t, func() bool { return fx.fetcher.Fetches("b.json") == 1 }, time.Second, 5*time.Millisecond)
	release()

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, ir.IRInt(1), res.inst.Fields["a"])
	assert.Equal(t, ir.IRInt(2), res.inst.Fields["b"])
}

func TestInstance_ConfigFromDataset(t *testing.T) {
	fx := newFixture(t, nil, nil)
	store := ir.O("local", ir.O("cfg", ir.O("title", "stored")))

	inst, err := fx.engine.Instance(context.Background(), "box", ir.A("ccm.dataset", store, "cfg"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("stored"), inst.Fields["title"])

	missing, err := fx.engine.Instance(context.Background(), "box", ir.A("ccm.dataset", store, "nope"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("box"), missing.Fields["title"], "missing record means empty config")
}

func TestInstance_ElementHandling(t *testing.T) {
	fx := newFixture(t, nil, nil)
	host := NewElement("div")

	root, err := fx.engine.Instance(context.Background(), "box", ir.O(
		"element", host,
		"child", ir.A("ccm.instance", "leaf", ir.O("element", "parent")),
	))
	require.NoError(t, err)
	assert.Same(t, host, root.Element())
	assert.Same(t, host, root.Fields["child"].(*Instance).Element())

	byNode, err := fx.engine.Instance(context.Background(), "leaf", host)
	require.NoError(t, err)
	assert.Same(t, host, byNode.Element())
}

func TestRender_RendersRootAndStartedChildren(t *testing.T) {
	fx := newFixture(t, nil, nil)
	host := NewElement("main")

	root, err := fx.engine.Render(context.Background(), "box", ir.O(
		"element", host,
		"title", "Hello",
		"started", ir.A("ccm.start", "leaf"),
		"plain", ir.A("ccm.instance", "leaf"),
	))
	require.NoError(t, err)

	assert.Equal(t, "<h1>Hello</h1>", host.Content())
	assert.Equal(t, []string{"leaf-2", "box-1"}, fx.trace.Subjects(EventRender))
	assert.Equal(t, "leaf-2", root.Fields["started"].(*Instance).Index)
}

func TestProxy_Materialize(t *testing.T) {
	fx := newFixture(t, nil, nil)

	root, err := fx.engine.Instance(context.Background(), "box", ir.O(
		"lazy", ir.A("ccm.proxy", "leaf", ir.O("title", "later")),
	))
	require.NoError(t, err)

	p, ok := root.Fields["lazy"].(*Proxy)
	require.True(t, ok)
	assert.Equal(t, []string{"box-1"}, fx.trace.Subjects(EventCreated), "proxy builds nothing")
	_, resolved := p.Resolved()
	assert.False(t, resolved)

	inst, err := p.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "leaf-1", inst.Index)
	assert.Equal(t, ir.IRString("later"), inst.Fields["title"])
	assert.Same(t, root, inst.Parent())
	assert.Same(t, inst, root.Fields["lazy"])
	assert.Contains(t, fx.hooks.Calls(), "render leaf-1")

	again, err := p.Materialize(context.Background())
	require.NoError(t, err)
	assert.Same(t, inst, again)
	assert.Equal(t, 2, fx.engine.Arena().Len())
}

func TestProxy_ConfigFromDataset(t *testing.T) {
	fx := newFixture(t, nil, nil)
	store := ir.O("local", ir.O("cfg", ir.O("title", "stored")))

	root, err := fx.engine.Instance(context.Background(), "box", ir.O(
		"lazy", ir.A("ccm.proxy", "leaf", ir.A("ccm.dataset", store, "cfg")),
	))
	require.NoError(t, err)

	inst, err := root.Fields["lazy"].(*Proxy).Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("stored"), inst.Fields["title"])
}

func TestInstance_QuotaStopsSelfReference(t *testing.T) {
	fx := newFixture(t, nil, registry.Catalog{
		"loop": {Config: ir.O("self", ir.A("ccm.instance", "loop"))},
	}, WithMaxInstances(5))

	_, err := fx.engine.Instance(context.Background(), "loop", nil)
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))

	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "flow-1", re.FlowToken)
	assert.Len(t, fx.trace.Subjects(EventCreated), 5)
	assert.Empty(t, fx.trace.Subjects(EventInit))
}

func TestInstance_Errors(t *testing.T) {
	boom := errors.New("boom")
	fx := newFixture(t, nil, nil)
	fx.hooks.fail["ready leaf-1"] = boom
	ctx := context.Background()

	_, err := fx.engine.Instance(ctx, "missing", nil)
	assert.True(t, IsUnknownComponent(err))
	assert.ErrorIs(t, err, registry.ErrUnknownComponent)

	_, err = fx.engine.Instance(ctx, "box", ir.O("child", ir.A("ccm.instance", "missing")))
	assert.True(t, IsUnknownComponent(err))

	_, err = fx.engine.Instance(ctx, "box", ir.O("bad", ir.A("ccm.store", 5)))
	assert.True(t, IsInvalidDescriptor(err))

	_, err = fx.engine.Instance(ctx, "box", ir.O("gone", ir.A("ccm.load", "gone.json")))
	assert.True(t, IsResolutionError(err))
	assert.ErrorIs(t, err, testutil.ErrMissing)

	_, err = fx.engine.Instance(ctx, "box", ir.O("x", ir.A("ccm.instance", "leaf")))
	assert.True(t, IsHookError(err))
	assert.ErrorIs(t, err, boom)
}

func TestDefinition_FactoriesCreateInstances(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()

	def, err := fx.reg.Register(ctx, "leaf", ir.O("title", "variant"))
	require.NoError(t, err)

	v, err := def.Instance(ctx, ir.O("extra", 1))
	require.NoError(t, err)
	inst, ok := v.(*Instance)
	require.True(t, ok)
	assert.Same(t, def, inst.Component)
	assert.Equal(t, ir.IRString("variant"), inst.Fields["title"])
	assert.Equal(t, "leaf-1", inst.Index)

	_, err = def.Render(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, fx.hooks.Calls(), "render leaf-2")
}

func TestInstance_ExistingInstanceInConfigIsNotReinitialized(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()

	shared, err := fx.engine.Instance(ctx, "leaf", nil)
	require.NoError(t, err)

	_, err = fx.engine.Instance(ctx, "box", ir.O("shared", shared))
	require.NoError(t, err)

	assert.Equal(t, []string{"init leaf-1", "ready leaf-1", "init box-1", "ready box-1"}, fx.hooks.Calls())
}
