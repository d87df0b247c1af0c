package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func counter(n *int32) Task {
	return func(context.Context) error {
		atomic.AddInt32(n, 1)
		return nil
	}
}

func TestEvery_Fires(t *testing.T) {
	s := newScheduler(t)
	var n int32
	s.Every("tick", 10*time.Millisecond, counter(&n))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 3 }, time.Second, 5*time.Millisecond)
}

func TestEvery_Replaces(t *testing.T) {
	s := newScheduler(t)
	var first, second int32
	s.Every("task", 10*time.Millisecond, counter(&first))
	s.Every("task", 10*time.Millisecond, counter(&second))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&second) >= 2 }, time.Second, 5*time.Millisecond)
	stale := atomic.LoadInt32(&first)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stale, atomic.LoadInt32(&first))
	assert.Equal(t, []string{"task"}, s.Names())
}

func TestRun_Immediate(t *testing.T) {
	s := newScheduler(t)
	var n int32
	s.Every("slow", time.Hour, counter(&n))

	assert.True(t, s.Run("slow"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Run("missing"))
}

func TestRemove(t *testing.T) {
	s := newScheduler(t)
	var n int32
	s.Every("x", 10*time.Millisecond, counter(&n))
	s.Every("y", time.Hour, counter(&n))
	s.Remove("x")
	s.Remove("nope")

	assert.Equal(t, []string{"y"}, s.Names())
	time.Sleep(15 * time.Millisecond)
	stale := atomic.LoadInt32(&n)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stale, atomic.LoadInt32(&n))
}

func TestTasks_RecordsFailures(t *testing.T) {
	s := newScheduler(t)
	var n int32
	s.Every("flaky", 10*time.Millisecond, func(context.Context) error {
		switch atomic.AddInt32(&n, 1) % 3 {
		case 1:
			return errors.New("db down")
		case 2:
			panic("boom")
		}
		return nil
	})
	s.Every("idle", time.Hour, counter(new(int32)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 4 }, time.Second, 5*time.Millisecond)
	tasks := s.Tasks()
	require.Len(t, tasks, 2)

	flaky := tasks[0]
	assert.Equal(t, "flaky", flaky.Name)
	assert.GreaterOrEqual(t, flaky.Failures, int64(2))
	assert.Less(t, flaky.Failures, flaky.Runs)
	assert.NotNil(t, flaky.LastRun)

	idle := tasks[1]
	assert.Equal(t, "idle", idle.Name)
	assert.Zero(t, idle.Runs)
	assert.Nil(t, idle.LastRun)
	assert.Equal(t, time.Hour, idle.Interval)
}

func TestTasks_LastError(t *testing.T) {
	s := newScheduler(t)
	s.Every("bad", time.Hour, func(context.Context) error { return errors.New("nope") })
	s.Run("bad")
	require.Eventually(t, func() bool {
		tasks := s.Tasks()
		return len(tasks) == 1 && tasks[0].LastError == "nope"
	}, time.Second, 5*time.Millisecond)
}

func TestStop_CancelsTaskContext(t *testing.T) {
	s := New(zap.NewNop())
	started := make(chan struct{})
	var cancelled int32
	s.Every("long", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
		return ctx.Err()
	})
	s.Run("long")
	<-started
	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled), "Stop waits for the running task")
}

func TestEvery_AfterStopIgnored(t *testing.T) {
	s := New(zap.NewNop())
	s.Stop()
	s.Every("late", 10*time.Millisecond, counter(new(int32)))
	assert.Empty(t, s.Names())
	assert.False(t, s.Run("late"))
}
