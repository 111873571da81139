package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.", 4)
	defer unsub()

	b.Publish(Event{Kind: "job.updated", Payload: "j1"})

	select {
	case evt := <-ch:
		if evt.Kind != "job.updated" {
			t.Errorf("kind = %q, want job.updated", evt.Kind)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	jobCh, unsubJob := b.Subscribe("job.", 4)
	defer unsubJob()
	allCh, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Publish(Event{Kind: "message.upserted"})

	select {
	case evt := <-jobCh:
		t.Fatalf("job. subscriber received %q", evt.Kind)
	default:
	}

	select {
	case evt := <-allCh:
		if evt.Kind != "message.upserted" {
			t.Errorf("kind = %q, want message.upserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("empty-namespace subscriber should receive everything")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("mutation.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: "mutation.settled"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 4)
	unsub()

	b.Publish(Event{Kind: "net.online"})

	select {
	case evt := <-ch:
		t.Fatalf("received %q after unsubscribe", evt.Kind)
	default:
	}
}
