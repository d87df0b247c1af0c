package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_Exclusive(t *testing.T) {
	l := New()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	assert.True(t, l.Held("k"))

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "k")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while key held")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}
}

func TestLock_DisjointKeysDoNotContend(t *testing.T) {
	l := New()
	ctx := context.Background()

	u1, err := l.Lock(ctx, UserKey(1))
	require.NoError(t, err)
	defer u1()

	done := make(chan struct{})
	go func() {
		u2, err := l.Lock(ctx, UserKey(2))
		if err == nil {
			u2()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint key blocked")
	}
}

func TestLock_FIFOOrder(t *testing.T) {
	l := New()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			u, err := l.Lock(ctx, "k")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			u()
		}(i)
		// Let each goroutine enqueue before starting the next.
		require.Eventually(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return len(l.slots["k"].waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	unlock()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, l.Held("k"))
}

func TestLock_CancelWhileWaiting(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, l.Held("k"), "cancelled waiter must not keep the key")
}

func TestDo_ReleasesOnError(t *testing.T) {
	l := New()
	err := l.Do(context.Background(), "k", func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, l.Held("k"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "user:7", UserKey(7))
	assert.Equal(t, "pair:1:2", PairKey(1, 2))
	assert.NotEqual(t, PairKey(1, 2), PairKey(2, 1))
	assert.Equal(t, "channel:10", ChannelKey(10))
	assert.Equal(t, "dm:1:2", DMKey(2, 1))
	assert.Equal(t, DMKey(1, 2), DMKey(2, 1))
}
