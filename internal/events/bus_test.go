package events

import (
	"testing"
	"time"
)

func TestBus_PublishReachesSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: TypeTokenUpdated, ServerID: "s1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeTokenUpdated || ev.ServerID != "s1" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Type: TypeStatusChanged, ServerID: "s1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeStatusChanged {
				t.Errorf("Unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for fan-out")
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	// Nobody drains the channel; publishing past the buffer must not
	// block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(Event{Type: TypeTokenUpdated, ServerID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	// Cancel twice to exercise idempotence.
	cancel()

	b.Publish(Event{Type: TypeTokenRemoved, ServerID: "s1"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected no delivery after cancel")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()

	// Must not panic.
	b.Publish(Event{Type: TypeTokenUpdated, ServerID: "s1"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected channel closed, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected subscriber channel to be closed")
	}
}
