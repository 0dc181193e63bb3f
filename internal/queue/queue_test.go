package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityThenFIFOOrder(t *testing.T) {
	q := New(Options{Workers: 1, PollInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	record := func(label string) Task {
		return func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil
		}
	}

	for _, tc := range []struct {
		label    string
		priority int
	}{{"5a", 5}, {"1a", 1}, {"5b", 5}, {"1b", 1}} {
		wg.Add(1)
		_, err := q.Put(record(tc.label), tc.priority)
		require.NoError(t, err)
	}

	q.Start()
	wg.Wait()
	q.Stop()

	assert.Equal(t, []string{"1a", "1b", "5a", "5b"}, order)
}

func TestPutReturnsDistinctIDs(t *testing.T) {
	q := New(Options{Workers: 1})
	a, err := q.Put(func(context.Context) error { return nil }, DefaultPriority)
	require.NoError(t, err)
	b, err := q.Put(func(context.Context) error { return nil }, DefaultPriority)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Stop())
}

func TestTaskIDAndFailuresDoNotKillWorkers(t *testing.T) {
	q := New(Options{Workers: 2, PollInterval: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()

	seen := make(chan string, 1)
	id, err := q.Put(func(ctx context.Context) error {
		seen <- TaskID(ctx)
		return nil
	}, 1)
	require.NoError(t, err)

	select {
	case got := <-seen:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task")
	}

	_, err = q.Put(func(context.Context) error { return errors.New("bad") }, 1)
	require.NoError(t, err)
	_, err = q.Put(func(context.Context) error { panic("worse") }, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = q.Put(func(context.Context) error { close(done); return nil }, 5)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers died after failing tasks")
	}
	assert.Empty(t, TaskID(context.Background()))
}

func TestStopDropsQueuedWork(t *testing.T) {
	q := New(Options{Workers: 1, PollInterval: 10 * time.Millisecond, JoinTimeout: time.Second})

	started := make(chan struct{})
	release := make(chan struct{})
	ran := make(chan string, 4)

	_, err := q.Put(func(context.Context) error {
		close(started)
		<-release
		ran <- "blocker"
		return nil
	}, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Put(func(context.Context) error { ran <- "queued"; return nil }, 5)
		require.NoError(t, err)
	}

	q.Start()
	<-started

	stopped := make(chan int)
	go func() { stopped <- q.Stop() }()

	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.Equal(t, 3, <-stopped)
	assert.Equal(t, "blocker", <-ran)
	assert.Empty(t, ran)

	_, err = q.Put(func(context.Context) error { return nil }, 1)
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestStopJoinTimeoutDoesNotHang(t *testing.T) {
	q := New(Options{Workers: 1, PollInterval: 10 * time.Millisecond, JoinTimeout: 50 * time.Millisecond})
	started := make(chan struct{})
	_, err := q.Put(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1)
	require.NoError(t, err)
	q.Start()
	<-started

	begin := time.Now()
	q.Stop()
	assert.Less(t, time.Since(begin), time.Second)
}
