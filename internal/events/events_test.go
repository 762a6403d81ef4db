package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishDeliversOnlyToMatchingTopic(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.UnsubscribeAll()

	var mu sync.Mutex
	var gotJob, gotOther int

	bus.Subscribe(TopicJobCompleted, func(ev Event) {
		mu.Lock()
		gotJob++
		mu.Unlock()
	})
	bus.Subscribe(TopicJobFailed, func(ev Event) {
		mu.Lock()
		gotOther++
		mu.Unlock()
	})

	bus.Publish(Event{Topic: TopicJobCompleted, JobID: 1})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotJob == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, gotJob)
	require.Equal(t, 0, gotOther)
}

func TestSubscribeToTopicAllReceivesEverything(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.UnsubscribeAll()

	var mu sync.Mutex
	var count int
	bus.Subscribe(TopicAll, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Event{Topic: TopicJobAdded})
	bus.Publish(Event{Topic: TopicJobProgress})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.UnsubscribeAll()

	var mu sync.Mutex
	var count int
	id := bus.Subscribe(TopicJobAdded, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	bus.Unsubscribe(id)
	bus.Publish(Event{Topic: TopicJobAdded})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}

func TestHandlerPanicDoesNotCrashBus(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.UnsubscribeAll()

	var mu sync.Mutex
	var recovered bool
	bus.Subscribe(TopicJobAdded, func(ev Event) {
		panic("boom")
	})
	bus.Subscribe(TopicJobAdded, func(ev Event) {
		mu.Lock()
		recovered = true
		mu.Unlock()
	})

	bus.Publish(Event{Topic: TopicJobAdded})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return recovered
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "condition not met before deadline")
}
