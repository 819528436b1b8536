package waitlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitlist_LeaderThenFollowers(t *testing.T) {
	w := New[string]()

	leader, done := w.Join("a.json")
	require.True(t, leader)
	assert.Nil(t, done)
	assert.True(t, w.InFlight("a.json"))

	leader2, done2 := w.Join("a.json")
	require.False(t, leader2)
	assert.Equal(t, 1, w.Waiting("a.json"))

	w.Release("a.json", "payload", nil)

	v, err := Await(context.Background(), done2)
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
	assert.False(t, w.InFlight("a.json"))
}

func TestWaitlist_ServicesEveryFollower(t *testing.T) {
	w := New[int]()
	leader, _ := w.Join("k")
	require.True(t, leader)

	var followers []<-chan Result[int]
	for i := 0; i < 5; i++ {
		leader, done := w.Join("k")
		require.False(t, leader)
		followers = append(followers, done)
	}
	assert.Equal(t, 5, w.Waiting("k"))

	w.Release("k", 10, nil)
	for _, done := range followers {
		v, err := Await(context.Background(), done)
		require.NoError(t, err)
		assert.Equal(t, 10, v)
	}
	assert.Zero(t, w.Waiting("k"))
}

func TestWaitlist_ReleaseWithoutFlight(t *testing.T) {
	w := New[int]()
	assert.NotPanics(t, func() { w.Release("nothing", 1, nil) })
	assert.False(t, w.InFlight("nothing"))
}

func TestWaitlist_ErrorPropagates(t *testing.T) {
	w := New[int]()
	w.Join("k")
	_, done := w.Join("k")

	boom := errors.New("boom")
	w.Release("k", 0, boom)

	_, err := Await(context.Background(), done)
	assert.ErrorIs(t, err, boom)

	// the key is free again after a failed load
	leader, _ := w.Join("k")
	assert.True(t, leader)
}

func TestWaitlist_AwaitHonorsContext(t *testing.T) {
	w := New[int]()
	w.Join("k")
	_, done := w.Join("k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, done)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitlist_ConcurrentJoin(t *testing.T) {
	w := New[int]()
	const n = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		leaders int
		got     []int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			leader, done := w.Join("k")
			if leader {
				mu.Lock()
				leaders++
				mu.Unlock()
				// release only once everyone else is parked
				for w.Waiting("k") < n-1 {
					time.Sleep(time.Millisecond)
				}
				w.Release("k", 7, nil)
				return
			}
			v, err := Await(context.Background(), done)
			if err == nil {
				mu.Lock()
				got = append(got, v)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, leaders)
	assert.Len(t, got, n-1)
}
