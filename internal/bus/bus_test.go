package bus

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishFanOut(t *testing.T) {
	b := New(nil)
	a := b.Subscribe("r1")
	c := b.Subscribe("r1")
	other := b.Subscribe("r2")
	defer b.Unsubscribe("r2", other)

	b.Publish("r1", Event{Type: EventAssistant, Content: "hello"})

	for _, ch := range []chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Content != "hello" {
				t.Errorf("wrong content: %q", ev.Content)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
	select {
	case ev := <-other:
		t.Errorf("cross-round delivery: %+v", ev)
	default:
	}

	b.Unsubscribe("r1", a)
	b.Unsubscribe("r1", c)
	if b.SubscriberCount("r1") != 0 {
		t.Error("subscribers not removed")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe("r1")
	b.Unsubscribe("r1", ch)
	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe("r1", ch)
}

func TestOverflowDropsOldestNonTerminal(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe("r1")
	defer b.Unsubscribe("r1", ch)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("r1", Event{Type: EventAssistant, Content: "x"})
	}
	b.Publish("r1", Event{Type: EventDone})

	// Drain; the terminal event must still be present.
	sawDone := false
	count := 0
	for {
		select {
		case ev := <-ch:
			count++
			if ev.Type == EventDone {
				sawDone = true
			}
		default:
			if !sawDone {
				t.Errorf("done event lost after overflow (%d events drained)", count)
			}
			if count > subscriberBuffer {
				t.Errorf("buffer exceeded bound: %d", count)
			}
			return
		}
	}
}

func TestTerminalNeverEvicted(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe("r1")
	defer b.Unsubscribe("r1", ch)

	b.Publish("r1", Event{Type: EventDone})
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("r1", Event{Type: EventInfo, Content: "late"})
	}

	sawDone := false
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventDone {
				sawDone = true
			}
		default:
			if !sawDone {
				t.Error("terminal event was evicted by later publishes")
			}
			return
		}
	}
}
