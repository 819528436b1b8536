package loader

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/metrics"
	"github.com/roach88/ccmrt/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoader(files map[string]string, opts ...Option) (*Loader, *testutil.MapFetcher) {
	f := testutil.NewMapFetcher(files)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(f, opts...), f
}

func TestLoad_SingleResourceIsBare(t *testing.T) {
	l, _ := newTestLoader(map[string]string{"data.json": `{"key":"k","v":1}`})

	got, err := l.Load(context.Background(), URL("data.json"))
	require.NoError(t, err)
	assert.Equal(t, ir.O("key", "k", "v", 1), got)
}

func TestLoad_OneResultPerPosition(t *testing.T) {
	l, _ := newTestLoader(map[string]string{
		"a.json":     `1`,
		"b.yaml":     "name: b\ncount: 2\n",
		"frag.html":  "<p>hi</p>",
		"style.css":  "p{}",
		"config.cue": `title: "x"` + "\n" + `size: 3 * 2`,
	})

	got, err := l.Load(context.Background(),
		URL("a.json"), URL("b.yaml"), URL("frag.html"), URL("style.css"), URL("config.cue"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{
		ir.IRInt(1),
		ir.O("name", "b", "count", 2),
		ir.IRString("<p>hi</p>"),
		ir.IRString("style.css"),
		ir.O("title", "x", "size", 6),
	}, got)
}

func TestLoad_CachesResources(t *testing.T) {
	m := metrics.New()
	l, f := newTestLoader(map[string]string{"a.json": `{"x":1}`}, WithMetrics(m))

	for i := 0; i < 3; i++ {
		_, err := l.Load(context.Background(), URL("a.json"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.Fetches("a.json"))

	l.Clear()
	_, err := l.Load(context.Background(), URL("a.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.Fetches("a.json"))
}

func TestLoad_ReturnsCopies(t *testing.T) {
	l, _ := newTestLoader(map[string]string{"a.json": `{"x":1}`})

	v, err := l.Load(context.Background(), URL("a.json"))
	require.NoError(t, err)
	v.(ir.IRObject)["x"] = ir.IRInt(99)

	again, err := l.Load(context.Background(), URL("a.json"))
	require.NoError(t, err)
	assert.Equal(t, ir.O("x", 1), again)
}

func TestLoad_ConcurrentRequestsFetchOnce(t *testing.T) {
	l, f := newTestLoader(map[string]string{"slow.json": `{"ok":true}`})
	started, release := f.Gate("slow.json")

	const n = 10
	var wg sync.WaitGroup
	results := make([]ir.IRValue, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = l.Load(context.Background(), URL("slow.json"))
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Load(context.Background(), URL("slow.json"))
		}(i)
	}

	// wait until every follower is parked behind the leader
	require.Eventually(t, func() bool { return l.waiting.Waiting("slow.json") == n-1 }, time.Second, time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, f.Fetches("slow.json"))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ir.O("ok", true), results[i])
	}
}

func TestLoad_FailureReachesEveryWaiterAndIsNotCached(t *testing.T) {
	l, f := newTestLoader(nil)
	started, release := f.Gate("missing.json")

	errs := make(chan error, 2)
	go func() {
		_, err := l.Load(context.Background(), URL("missing.json"))
		errs <- err
	}()
	<-started
	go func() {
		_, err := l.Load(context.Background(), URL("missing.json"))
		errs <- err
	}()
	require.Eventually(t, func() bool { return l.waiting.Waiting("missing.json") == 1 }, time.Second, time.Millisecond)
	release()

	assert.ErrorIs(t, <-errs, testutil.ErrMissing)
	assert.ErrorIs(t, <-errs, testutil.ErrMissing)

	f.Set("missing.json", `2`)
	v, err := l.Load(context.Background(), URL("missing.json"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), v)
}

func TestLoad_SerialAndParallel(t *testing.T) {
	l, _ := newTestLoader(map[string]string{"a.json": `1`, "b.json": `2`, "c.json": `3`})

	spec, err := ParseSpec(ir.A("a.json", ir.A("b.json", "c.json")))
	require.NoError(t, err)
	assert.Equal(t, Serial{URL("a.json"), Parallel{URL("b.json"), URL("c.json")}}, spec)

	got, err := l.Load(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, ir.A(1, ir.A(2, 3)), got)
}

func TestLoad_ExchangeNeverCached(t *testing.T) {
	l, f := newTestLoader(nil)
	f.Respond = func(url string, payload []byte) ([]byte, error) {
		return []byte(`{"echo":` + string(payload) + `}`), nil
	}

	for i := 0; i < 2; i++ {
		got, err := l.Load(context.Background(), Exchange{URL: "api/notes", Payload: ir.O("key", "n1")})
		require.NoError(t, err)
		assert.Equal(t, ir.O("echo", ir.O("key", "n1")), got)
	}
	assert.Len(t, f.Exchanges(), 2)
}

func TestLoad_UnknownExtensionIsExchange(t *testing.T) {
	l, f := newTestLoader(nil)
	f.Respond = func(string, []byte) ([]byte, error) { return []byte("plain text"), nil }

	got, err := l.Load(context.Background(), URL("api/status"))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("plain text"), got)
	assert.Equal(t, []testutil.Exchange{{URL: "api/status", Payload: "{}"}}, f.Exchanges())
}

func TestLoadAsync_CachedIsResolvedImmediately(t *testing.T) {
	l, _ := newTestLoader(map[string]string{"a.json": `1`})

	_, err := l.Load(context.Background(), URL("a.json"))
	require.NoError(t, err)

	fut := l.LoadAsync(context.Background(), URL("a.json"))
	assert.True(t, fut.Ready())
	v, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(1), v)
}

func TestProvide_ServicesWaiters(t *testing.T) {
	l, f := newTestLoader(nil)
	started, release := f.Gate("bundle.json")

	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		_, _ = l.Load(context.Background(), URL("bundle.json"))
	}()
	<-started

	follower := make(chan ir.IRValue, 1)
	go func() {
		v, _ := l.Load(context.Background(), URL("bundle.json"))
		follower <- v
	}()
	require.Eventually(t, func() bool { return l.waiting.Waiting("bundle.json") == 1 }, time.Second, time.Millisecond)

	l.Provide("bundle.json", ir.O("name", "bundle"))
	assert.Equal(t, ir.O("name", "bundle"), <-follower)

	cached, ok := l.Cached("bundle.json")
	require.True(t, ok)
	assert.Equal(t, ir.O("name", "bundle"), cached)

	// the original fetch still fails, which must not evict the provided value
	release()
	<-leaderDone
	_, ok = l.Cached("bundle.json")
	assert.True(t, ok)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindJSON, KindOf("x/y.json?v=2"))
	assert.Equal(t, KindYAML, KindOf("c.YML"))
	assert.Equal(t, KindAsset, KindOf("https://cdn/x.min.js#frag"))
	assert.Equal(t, KindMarkup, KindOf("t.html"))
	assert.Equal(t, KindExchange, KindOf("https://host/api"))
}

func TestParseSpecExchangePair(t *testing.T) {
	s, err := ParseSpec(ir.A("api", ir.O("q", 1)))
	require.NoError(t, err)
	assert.Equal(t, Exchange{URL: "api", Payload: ir.O("q", 1)}, s)

	_, err = ParseSpec(ir.IRInt(3))
	assert.Error(t, err)
}
