package events

import (
	"sync"
	"testing"
	"time"

	"github.com/bigsaltyfishes/nmwatch/internal/nm"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(NewEvent(KindBusReconnected))
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	want := NewEvent(KindConnectionStateChanged)
	want.State = &StateChangeEvent{
		Connection: "/org/freedesktop/NetworkManager/ActiveConnection/3",
		Previous:   nm.ActiveStateActivating,
		Current:    nm.ActiveStateActivated,
		Reason:     nm.ReasonNone,
	}
	b.Publish(want)

	select {
	case got := <-ch:
		if got.ID != want.ID || got.Kind != want.Kind {
			t.Errorf("got event %v, want %v", got, want)
		}
		if got.State == nil || got.State.Current != nm.ActiveStateActivated {
			t.Errorf("got state payload %+v", got.State)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := 0; i < n; i++ {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	evt := NewEvent(KindDeviceAdded)
	b.Publish(evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.ID != evt.ID || got.Kind != evt.Kind {
				t.Errorf("subscriber %d: got %v, want %v", i, got, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New()
	ch := b.Subscribe(100)
	defer b.Unsubscribe(ch)

	var ids []string
	for i := 0; i < 50; i++ {
		e := NewEvent(KindConnectionStateChanged)
		ids = append(ids, e.ID)
		b.Publish(e)
	}
	for i, want := range ids {
		got := <-ch
		if got.ID != want {
			t.Fatalf("event %d: ID %s, want %s", i, got.ID, want)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	// Buffer size 1: the second publish is dropped.
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindDeviceAdded})
	b.Publish(Event{Kind: KindDeviceRemoved})

	got := <-ch
	if got.Kind != KindDeviceAdded {
		t.Errorf("got kind %q, want %q", got.Kind, KindDeviceAdded)
	}

	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}

	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)

	b.Unsubscribe(ch)

	// Reading from a closed channel returns the zero value immediately.
	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestDoubleUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)

	b.Unsubscribe(ch)
	// Must not panic.
	b.Unsubscribe(ch)
}

func TestSubscriberCount(t *testing.T) {
	b := New()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("initial count = %d, want 0", got)
	}

	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)

	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("after 2 subscribes = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("after 1 unsubscribe = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("after all unsubscribed = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup

	ch := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
			// Drops are expected; only absence of races matters.
		}
	}()

	var pubWg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				b.Publish(NewEvent(KindDeviceStateChanged))
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch) // Closes the channel, ending the draining goroutine.
	wg.Wait()
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	b.Unsubscribe(ch)

	// Publishing after the only subscriber is gone must not panic.
	b.Publish(NewEvent(KindBusDisconnected))
}
