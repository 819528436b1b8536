package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/loader"
	"github.com/roach88/ccmrt/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(files map[string]string, opts ...Option) (*Registry, *testutil.MapFetcher) {
	f := testutil.NewMapFetcher(files)
	l := loader.New(f, loader.WithLogger(quietLogger()))
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(l, opts...), f
}

type node struct{ ir.Extension }

func (node) NodeName() string { return "div" }

type recordingInstantiator struct {
	def    *Definition
	config ir.IRValue
	render bool
}

func (r *recordingInstantiator) Instantiate(_ context.Context, def *Definition, config ir.IRValue, render bool) (ir.IRValue, error) {
	r.def, r.config, r.render = def, config, render
	return ir.IRString("instance"), nil
}

type elements struct {
	mu   sync.Mutex
	tags []string
}

func (e *elements) RegisterElement(tag string, _ *Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags = append(e.tags, tag)
	return nil
}

func TestParseIndex(t *testing.T) {
	ix, err := ParseIndex("chat-2.1.3")
	require.NoError(t, err)
	assert.Equal(t, Index{Name: "chat", Version: []int{2, 1, 3}}, ix)
	assert.Equal(t, "chat-2.1.3", ix.String())

	ix, err = ParseIndex("chat")
	require.NoError(t, err)
	assert.Equal(t, "chat", ix.String())

	_, err = ParseIndex("chat-2.1")
	assert.Error(t, err)
	_, err = ParseIndex("a.b")
	assert.Error(t, err)
}

func TestManifestIndex(t *testing.T) {
	cases := map[string]string{
		"ccm.chat.json":                          "chat",
		"https://x.org/c/ccm.chat-2.1.3.json":    "chat-2.1.3",
		"components/ccm.chat-2.1.3.min.yaml?v=1": "chat-2.1.3",
		"ccm.quiz.cue#frag":                      "quiz",
	}
	for u, want := range cases {
		got, ok := ManifestIndex(u)
		assert.True(t, ok, u)
		assert.Equal(t, want, got, u)
	}
	for _, u := range []string{"chat.json", "ccm.chat.js", "ccm.chat-1.2.json"} {
		_, ok := ManifestIndex(u)
		assert.False(t, ok, u)
	}
}

func TestRegister_FromManifestURL(t *testing.T) {
	r, f := newTestRegistry(map[string]string{
		"c/ccm.chat-1.0.0.json": `{"name":"chat","version":"1.0.0","config":{"title":"Chat","html":{"tag":"div"}}}`,
	})
	ctx := context.Background()

	def, err := r.Register(ctx, "c/ccm.chat-1.0.0.json", nil)
	require.NoError(t, err)
	assert.Equal(t, "chat-1.0.0", def.Index)
	assert.Equal(t, "chat", def.Name)
	assert.Equal(t, []int{1, 0, 0}, def.Version)
	assert.Equal(t, ir.O("title", "Chat", "html", ir.O("tag", "div")), def.Config)

	again, err := r.Register(ctx, ir.IRString("c/ccm.chat-1.0.0.json"), nil)
	require.NoError(t, err)
	assert.Same(t, def, again)
	assert.Equal(t, 1, f.Fetches("c/ccm.chat-1.0.0.json"))

	byIndex, err := r.Register(ctx, "chat-1.0.0", nil)
	require.NoError(t, err)
	assert.Same(t, def, byIndex)
}

func TestRegister_ManifestWithoutConventionalName(t *testing.T) {
	r, _ := newTestRegistry(map[string]string{
		"components/chat.yaml": "name: chat\nversion: [2, 0, 1]\n",
	})

	def, err := r.Register(context.Background(), "components/chat.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "chat-2.0.1", def.Index)
	assert.Equal(t, ir.IRObject{}, def.Config)
}

func TestRegister_InvalidManifest(t *testing.T) {
	r, _ := newTestRegistry(map[string]string{
		"a/noname.json": `{"config":{}}`,
		"a/list.json":   `[1,2]`,
		"a/badver.json": `{"name":"x","version":"1.2"}`,
	})
	ctx := context.Background()

	for _, u := range []string{"a/noname.json", "a/list.json", "a/badver.json"} {
		_, err := r.Register(ctx, u, nil)
		assert.ErrorIs(t, err, ErrInvalidManifest, u)
	}
	assert.Empty(t, r.List())
}

func TestRegister_FromCatalog(t *testing.T) {
	var setups int
	r, _ := newTestRegistry(nil, WithCatalog(Catalog{
		"counter": {
			Config: ir.O("start", 1),
			Setup: func(context.Context, *Definition) error {
				setups++
				return nil
			},
		},
	}))
	ctx := context.Background()

	def, err := r.Register(ctx, "counter", nil)
	require.NoError(t, err)
	assert.Equal(t, "counter", def.Index)
	assert.Equal(t, ir.O("start", 1), def.Config)

	_, err = r.Register(ctx, "counter", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, setups)

	_, err = r.Register(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestRegister_SetupFailureIsSticky(t *testing.T) {
	boom := errors.New("boom")
	r, _ := newTestRegistry(nil, WithCatalog(Catalog{
		"broken": {Setup: func(context.Context, *Definition) error { return boom }},
	}))

	_, err := r.Register(context.Background(), "broken", nil)
	assert.ErrorIs(t, err, boom)
	_, err = r.Register(context.Background(), "broken", nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegister_FirstDefinitionWins(t *testing.T) {
	r, _ := newTestRegistry(nil)
	ctx := context.Background()

	first, err := r.Register(ctx, &Definition{Name: "box", Config: ir.O("v", 1)}, nil)
	require.NoError(t, err)
	second, err := r.Register(ctx, &Definition{Name: "box", Config: ir.O("v", 2)}, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, ir.O("v", 1), second.Config)
}

func TestRegister_Variant(t *testing.T) {
	r, _ := newTestRegistry(nil)
	ctx := context.Background()

	base, err := r.Register(ctx, &Definition{Name: "box", Config: ir.O("a", 1, "nested", ir.O("x", 1, "y", 1))}, nil)
	require.NoError(t, err)

	override := ir.O("nested.y", 2, "b", true)
	variant, err := r.Register(ctx, "box", override)
	require.NoError(t, err)

	assert.NotSame(t, base, variant)
	assert.Same(t, base, variant.Base)
	assert.Equal(t, "box", variant.Index)
	assert.Equal(t, ir.O("a", 1, "nested", ir.O("x", 1, "y", 2), "b", true), variant.Config)
	assert.Equal(t, ir.O("a", 1, "nested", ir.O("x", 1, "y", 1)), base.Config, "base untouched")

	override["b"] = ir.IRBool(false)
	assert.Equal(t, ir.IRBool(true), variant.Config["b"], "variant owns its defaults")

	got, ok := r.Get("box")
	require.True(t, ok)
	assert.Same(t, base, got)
}

func TestRegister_NodeDefaults(t *testing.T) {
	r, _ := newTestRegistry(nil)
	host := node{}

	def, err := r.Register(context.Background(), &Definition{Name: "box"}, host)
	require.NoError(t, err)
	assert.Equal(t, host, def.Config["element"])
}

func TestDefinition_IDsSharedWithVariants(t *testing.T) {
	r, _ := newTestRegistry(nil)
	ctx := context.Background()

	base, err := r.Register(ctx, &Definition{Name: "box"}, nil)
	require.NoError(t, err)
	variant := base.Variant(ir.O("x", 1))

	assert.Equal(t, int64(1), base.NextID())
	assert.Equal(t, int64(2), variant.NextID())
	assert.Equal(t, int64(3), base.NextID())
	assert.Equal(t, int64(3), variant.Instances())
}

func TestDefinition_FactoriesUseInstantiator(t *testing.T) {
	r, _ := newTestRegistry(nil)
	ctx := context.Background()

	def, err := r.Register(ctx, &Definition{Name: "box"}, nil)
	require.NoError(t, err)

	_, err = def.Instance(ctx, nil)
	assert.ErrorIs(t, err, ErrUnbound)

	inst := &recordingInstantiator{}
	r.Bind(inst)

	got, err := def.Render(ctx, ir.O("x", 1))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("instance"), got)
	assert.Same(t, def, inst.def)
	assert.Equal(t, ir.O("x", 1), inst.config)
	assert.True(t, inst.render)
}

func TestRegister_ElementTags(t *testing.T) {
	els := &elements{}
	r, _ := newTestRegistry(nil, WithElementRegistrar(els))
	ctx := context.Background()

	_, err := r.Register(ctx, &Definition{Name: "box", Version: []int{1, 2, 3}}, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, &Definition{Name: "box", Version: []int{1, 2, 3}}, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, &Definition{Name: "card"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"ccm-box-1.2.3", "ccm-card"}, els.tags)

	var indexes []string
	for _, d := range r.List() {
		indexes = append(indexes, d.Index)
	}
	assert.Equal(t, []string{"box-1.2.3", "card"}, indexes)
}
