package eventbus

import (
	"sync"
	"testing"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	finished, unsubFinished := b.Subscribe(4, RunFinished)
	defer unsubFinished()

	b.Publish(Event{Type: RunStarted, Data: 1})
	b.Publish(Event{Type: RunFinished, Data: 2})

	if got := len(all); got != 2 {
		t.Fatalf("all received %d events", got)
	}
	if got := len(finished); got != 1 {
		t.Fatalf("finished received %d events", got)
	}
	e := <-finished
	if e.Data != 2 || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for range 10 {
		b.Publish(Event{Type: RunSkipped})
	}
	if len(ch) != 1 {
		t.Fatalf("buffer holds %d events", len(ch))
	}
}

func TestUnsubscribeClosesOnceAndStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(2)
	unsub()
	unsub()

	b.Publish(Event{Type: TickFailed})
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unsub := b.Subscribe(1)
			b.Publish(Event{Type: RunStarted})
			unsub()
		}()
	}
	for range 100 {
		b.Publish(Event{Type: RunFinished})
	}
	wg.Wait()
}
