package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("sbx-1")

	event := &Event{SandboxID: "sbx-1", Type: "status", Data: "sandbox provisioned"}
	bus.Publish("sbx-1", event)

	select {
	case got := <-ch:
		if got != event {
			t.Fatalf("got %+v, want %+v", got, event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishScopedToSandbox(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("sbx-1")

	bus.Publish("sbx-2", &Event{SandboxID: "sbx-2", Type: "status"})

	select {
	case got := <-ch:
		t.Fatalf("received event for another sandbox: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ch1 := bus.Subscribe("sbx-1")
	ch2 := bus.Subscribe("sbx-1")

	bus.Publish("sbx-1", &Event{SandboxID: "sbx-1", Type: "command", Data: "ls"})

	for i, ch := range []chan *Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Data != "ls" {
				t.Fatalf("subscriber %d: got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("sbx-1")
	bus.Unsubscribe("sbx-1", ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Publishing afterwards must not panic.
	bus.Publish("sbx-1", &Event{SandboxID: "sbx-1", Type: "status"})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewInMemoryBus()
	bus.Subscribe("sbx-1") // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish("sbx-1", &Event{SandboxID: "sbx-1", Type: "status"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
