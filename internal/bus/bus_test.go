package bus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunStarted, RunEvent{RunID: "r1"})
	b.Publish(TopicMessageCreated, MessageEvent{MessageID: "m1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicRunStarted {
			t.Fatalf("topic = %s", ev.Topic)
		}
		if ev.Payload.(RunEvent).RunID != "r1" {
			t.Fatalf("payload = %+v", ev.Payload)
		}
	default:
		t.Fatal("no event received")
	}

	// The message event must not match the run. prefix.
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %s", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunCompleted, nil)
	b.Publish(TopicMessageProcessed, nil)

	if len(sub.Ch()) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sub.Ch()))
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicRunStarted, i)
	}
	if len(sub.Ch()) != defaultBufferSize {
		t.Fatalf("expected buffer capped at %d, got %d", defaultBufferSize, len(sub.Ch()))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel not closed")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d", b.SubscriberCount())
	}
	// Double unsubscribe is harmless.
	b.Unsubscribe(sub)
}
