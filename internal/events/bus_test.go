package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	want := Event{
		Timestamp: time.Now(),
		Source:    SourceAgent,
		Kind:      KindRequestStart,
		Data:      map[string]any{"request_id": "r1"},
	}
	bus.Publish(want)

	select {
	case got := <-ch:
		if got.Source != want.Source || got.Kind != want.Kind {
			t.Errorf("got %+v, want %+v", got, want)
		}
		if got.Data["request_id"] != "r1" {
			t.Errorf("data = %v", got.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishToMultipleSubscribers(t *testing.T) {
	bus := New()
	a := bus.Subscribe(1)
	b := bus.Subscribe(1)
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(Event{Source: SourceTelegram, Kind: KindMessageReceived})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			if got.Kind != KindMessageReceived {
				t.Errorf("kind = %q", got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(1)
	defer bus.Unsubscribe(ch)

	// Fill the buffer, then publish more. Publish must return without
	// blocking.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: KindLLMCall})
	}

	// Only the buffered event survives.
	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(1)

	bus.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	// Repeat unsubscribe is a no-op.
	bus.Unsubscribe(ch)
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Kind: KindRequestComplete})
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount on nil bus = %d", got)
	}
}
