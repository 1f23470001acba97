package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-mcp-client/event"
)

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := event.NewBroadcaster[int]()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	b.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := range 100 {
		b.Publish(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestBroadcasterSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := event.NewBroadcaster[string]()
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(func(string) { <-release })

	fast := make(chan string, 1)
	b.Subscribe(func(v string) { fast <- v })

	b.Publish("hello")

	select {
	case v := <-fast:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber was blocked by slow subscriber")
	}
	close(release)
}

func TestSubscriptionCancelIsIdempotent(t *testing.T) {
	b := event.NewBroadcaster[int]()
	defer b.Close()

	received := make(chan int, 10)
	sub := b.Subscribe(func(v int) { received <- v })
	require.Equal(t, 1, b.Len())

	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, b.Len())

	b.Publish(1)
	select {
	case v := <-received:
		t.Fatalf("received %d after cancel", v)
	case <-time.After(50 * time.Millisecond):
	}

	var nilSub *event.Subscription
	nilSub.Cancel()
}

func TestBroadcasterCloseDrainsQueuedValues(t *testing.T) {
	b := event.NewBroadcaster[int]()

	gate := make(chan struct{})
	received := make(chan int, 10)
	b.Subscribe(func(v int) {
		<-gate
		received <- v
	})

	b.Publish(1)
	b.Publish(2)
	b.Close()
	b.Close()
	close(gate)

	for _, want := range []int{1, 2} {
		select {
		case v := <-received:
			assert.Equal(t, want, v)
		case <-time.After(time.Second):
			t.Fatalf("value %d was not delivered after close", want)
		}
	}

	b.Publish(3)
	sub := b.Subscribe(func(int) { t.Error("subscriber on closed broadcaster was invoked") })
	sub.Cancel()
	assert.Equal(t, 0, b.Len())
}

func TestSubscriberCanCancelItself(t *testing.T) {
	b := event.NewBroadcaster[int]()
	defer b.Close()

	calls := make(chan int, 10)
	var sub *event.Subscription
	var once sync.Once
	ready := make(chan struct{})
	sub = b.Subscribe(func(v int) {
		<-ready
		calls <- v
		once.Do(sub.Cancel)
	})
	close(ready)

	b.Publish(1)
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	b.Publish(2)

	assert.Equal(t, 1, <-calls)
	select {
	case v := <-calls:
		t.Fatalf("received %d after self cancel", v)
	case <-time.After(50 * time.Millisecond):
	}
}
