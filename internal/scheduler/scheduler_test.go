package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlowJobDelaysOnlyItself(t *testing.T) {
	const (
		interval = 100 * time.Millisecond
		work     = 300 * time.Millisecond
	)

	s := New(5*time.Millisecond, nil)

	var mu sync.Mutex
	var starts, ends []time.Time
	require.NoError(t, s.Add("slow", interval, func(context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(work)
		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		return nil
	}))

	fastRuns := 0
	require.NoError(t, s.Add("fast", 20*time.Millisecond, func(context.Context) error {
		mu.Lock()
		fastRuns++
		mu.Unlock()
		return nil
	}))

	s.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 2
	}, 3*time.Second, 5*time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, starts[1].Sub(ends[0]), interval)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), work+interval)
	assert.Greater(t, fastRuns, 5, "fast job must keep its own cadence")
}

func TestFailingJobIsRescheduled(t *testing.T) {
	s := New(5*time.Millisecond, nil)

	var mu sync.Mutex
	calls := 0
	require.NoError(t, s.Add("flaky", 10*time.Millisecond, func(context.Context) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("first run explodes")
		}
		return errors.New("still failing")
	}))

	s.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, jobs[0].Runs, jobs[0].Failures)
}

func TestAddValidation(t *testing.T) {
	s := New(time.Second, nil)
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, s.Add("zero", 0, noop), ErrInvalidInterval)
	require.NoError(t, s.Add("a", time.Second, noop))
	assert.ErrorIs(t, s.Add("a", time.Second, noop), ErrJobExists)
}

func TestRemove(t *testing.T) {
	s := New(5*time.Millisecond, nil)
	var mu sync.Mutex
	calls := 0
	require.NoError(t, s.Add("gone", 10*time.Millisecond, func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}))

	assert.True(t, s.Remove("gone"))
	assert.False(t, s.Remove("gone"))

	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
	assert.Empty(t, s.Jobs())
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := New(5*time.Millisecond, nil)
	started := make(chan struct{})
	require.NoError(t, s.Add("blocking", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	s.Start()
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
