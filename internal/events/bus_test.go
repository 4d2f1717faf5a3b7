package events

import "testing"

func TestSubscribePublish(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(TopicEngineEvent, 4)
	defer unsub()

	b.Publish(TopicEngineEvent, "one")
	b.Publish(TopicTradeUpdate, "other-topic")

	select {
	case got := <-ch:
		if got != "one" {
			t.Fatalf("got %v", got)
		}
	default:
		t.Fatal("expected a buffered message")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected cross-topic delivery: %v", got)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(TopicEngineEvent, 1)
	defer unsub()

	// The buffer holds one message; the rest are dropped, never blocking.
	for i := 0; i < 100; i++ {
		b.Publish(TopicEngineEvent, i)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(TopicEngineEvent, 1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// A second cancel and a late publish must both be harmless.
	unsub()
	b.Publish(TopicEngineEvent, "late")
}

func TestSubscribersAreIndependent(t *testing.T) {
	b := NewBus()
	ch1, unsub1 := b.Subscribe(TopicEngineEvent, 1)
	ch2, unsub2 := b.Subscribe(TopicEngineEvent, 1)
	defer unsub2()

	unsub1()
	b.Publish(TopicEngineEvent, "still delivered")

	if _, ok := <-ch1; ok {
		t.Fatal("cancelled subscriber received a message")
	}
	select {
	case got := <-ch2:
		if got != "still delivered" {
			t.Fatalf("got %v", got)
		}
	default:
		t.Fatal("surviving subscriber missed the message")
	}
}
