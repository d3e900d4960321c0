package bus

import (
	"testing"
	"time"
)

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe(TopicLiveData)
	defer sub.Unsubscribe()

	b.Publish(TopicLiveData, "hello")

	select {
	case got := <-sub.C:
		if got != "hello" {
			t.Errorf("got %v, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	b := New(Config{})
	b.Publish(TopicLiveData, "nobody home")
}

func TestPublish_IndependentTopics(t *testing.T) {
	b := New(Config{})
	subA := b.Subscribe(TopicLiveData)
	subB := b.Subscribe(TopicMQTTMetrics)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	b.Publish(TopicLiveData, 1)

	select {
	case <-subA.C:
	case <-time.After(time.Second):
		t.Fatal("topic A should have received the event")
	}

	select {
	case <-subB.C:
		t.Fatal("topic B should not have received the event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe(TopicLiveData)
	sub.Unsubscribe()

	b.Publish(TopicLiveData, "late")

	select {
	case v := <-sub.C:
		t.Fatalf("unsubscribed consumer should not receive events, got %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublish_DropsOnFullQueue(t *testing.T) {
	b := New(Config{QueueDepth: 4, EnqueueTimeout: 10 * time.Millisecond})
	sub := b.Subscribe(TopicLiveData)
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish(TopicLiveData, i)
	}

	if got := sub.Dropped(); got != 6 {
		t.Errorf("Dropped() = %d, want 6", got)
	}
	if got := len(sub.C); got != 4 {
		t.Errorf("len(sub.C) = %d, want 4", got)
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New(Config{})
	if got := b.SubscriberCount(TopicLiveData); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
	sub1 := b.Subscribe(TopicLiveData)
	sub2 := b.Subscribe(TopicLiveData)
	if got := b.SubscriberCount(TopicLiveData); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}
	sub1.Unsubscribe()
	if got := b.SubscriberCount(TopicLiveData); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}
	sub2.Unsubscribe()
}
