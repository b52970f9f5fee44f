package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeDeliverySent})
	b.Publish(Event{Type: TypeDeliverySent}) // dropped

	e := <-ch
	if e.Time.IsZero() {
		t.Fatal("publish should stamp the event time")
	}
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unsub := b.Subscribe(1)
			b.Publish(Event{Type: "x"})
			unsub()
			unsub()
		}()
	}
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: "y"})
	}
	wg.Wait()
}

func TestHistoryKeepsNewestOfTrackedTypes(t *testing.T) {
	t.Parallel()
	h := NewHistory(2, TypeDeliverySent, TypeDeliveryFailed)
	h.Record(Event{Type: TypeDeliverySent, Data: 1})
	h.Record(Event{Type: TypeAdmissionReject, Data: 2})
	h.Record(Event{Type: TypeDeliveryFailed, Data: 3})
	h.Record(Event{Type: TypeDeliverySent, Data: 4})

	got := h.Recent(0)
	if len(got) != 2 || got[0].Data != 4 || got[1].Data != 3 {
		t.Fatalf("recent = %+v", got)
	}
	if one := h.Recent(1); len(one) != 1 || one[0].Data != 4 {
		t.Fatalf("recent(1) = %+v", one)
	}
}

func TestHistoryFollow(t *testing.T) {
	t.Parallel()
	b := New()
	h := NewHistory(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Follow(ctx, b)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.Recent(0)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("history never received an event")
		}
		b.Publish(Event{Type: TypeRelayVerified})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
