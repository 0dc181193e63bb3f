package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrderAndTopicFiltering(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.Subscribe("a", func(ev Event) error { got = append(got, "a1:"+ev.Data.(string)); return nil })
	bus.Subscribe("b", func(ev Event) error { got = append(got, "b1"); return nil })
	bus.Subscribe(Wildcard, func(ev Event) error { got = append(got, "*:"+ev.Topic); return nil })
	bus.Subscribe("a", func(ev Event) error { got = append(got, "a2"); return nil })

	assert.Zero(t, bus.Publish("a", "x"))
	assert.Equal(t, []string{"a1:x", "*:a", "a2"}, got)
	assert.Equal(t, 3, bus.Subscribers("a"))
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	bus := NewBus(nil)
	var reached []int

	bus.Subscribe("t", func(Event) error { reached = append(reached, 1); return errors.New("boom") })
	bus.Subscribe("t", func(Event) error { reached = append(reached, 2); panic("kaboom") })
	bus.Subscribe("t", func(Event) error { reached = append(reached, 3); return nil })

	failed := bus.Publish("t", nil)
	assert.Equal(t, 2, failed)
	assert.Equal(t, []int{1, 2, 3}, reached)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsubscribe := bus.Subscribe("t", func(Event) error { calls++; return nil })

	bus.Publish("t", nil)
	unsubscribe()
	unsubscribe()
	bus.Publish("t", nil)

	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.Subscribers("t"))
}

func TestSubscribeDuringPublishDoesNotDeadlock(t *testing.T) {
	bus := NewBus(nil)
	lateCalls := 0

	bus.Subscribe("t", func(Event) error {
		bus.Subscribe("t", func(Event) error { lateCalls++; return nil })
		return nil
	})

	bus.Publish("t", nil)
	assert.Zero(t, lateCalls, "handler added during publish must not see that publish")

	bus.Publish("t", nil)
	assert.Equal(t, 1, lateCalls)
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	total := 0
	bus.Subscribe("t", func(Event) error {
		mu.Lock()
		total++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish("t", nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 20, total)
}
