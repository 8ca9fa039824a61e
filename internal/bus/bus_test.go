package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe("test.event", func(_ context.Context, evt Event) error {
		got = evt
		return nil
	})

	n := b.Publish(context.Background(), "test.event", "payload", WithSource("tester"))

	if n != 1 {
		t.Errorf("handlers invoked = %d, want 1", n)
	}
	if got.Type != "test.event" {
		t.Errorf("event type = %q, want %q", got.Type, "test.event")
	}
	if got.Payload != "payload" {
		t.Errorf("payload = %v, want %q", got.Payload, "payload")
	}
	if got.Source != "tester" {
		t.Errorf("source = %q, want %q", got.Source, "tester")
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := New()
	if n := b.Publish(context.Background(), "nobody.listens", nil); n != 0 {
		t.Errorf("handlers invoked = %d, want 0", n)
	}
}

func TestSubscribe_Once_FiresExactlyOnce(t *testing.T) {
	b := New()
	var calls int
	b.Subscribe("once.event", func(_ context.Context, _ Event) error {
		calls++
		return nil
	}, Once())

	b.Publish(context.Background(), "once.event", nil)
	b.Publish(context.Background(), "once.event", nil)

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestSubscribe_Once_ConcurrentPublishes(t *testing.T) {
	b := New()
	var calls atomic.Int64
	b.Subscribe("once.event", func(_ context.Context, _ Event) error {
		calls.Add(1)
		return nil
	}, Once())

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(context.Background(), "once.event", nil)
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want exactly 1", got)
	}
}

func TestSubscribe_Once_RemovedEvenWhenHandlerErrors(t *testing.T) {
	b := New()
	b.Subscribe("once.event", func(_ context.Context, _ Event) error {
		return errors.New("boom")
	}, Once())

	b.Publish(context.Background(), "once.event", nil)

	if n := b.Publish(context.Background(), "once.event", nil); n != 0 {
		t.Errorf("second publish invoked %d handlers, want 0", n)
	}
}

func TestPublish_PriorityOrdering(t *testing.T) {
	b := New()
	var order []string
	record := func(name string) Handler {
		return func(_ context.Context, _ Event) error {
			order = append(order, name)
			return nil
		}
	}

	b.Subscribe("ordered", record("low"), WithPriority(-1))
	b.Subscribe("ordered", record("default"))
	b.Subscribe("ordered", record("high"), WithPriority(10))

	b.Publish(context.Background(), "ordered", nil)

	want := []string{"high", "default", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestPublish_TiesRunInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	for i := range 5 {
		b.Subscribe("tie", func(_ context.Context, _ Event) error {
			order = append(order, i)
			return nil
		})
	}

	b.Publish(context.Background(), "tie", nil)

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want subscription order", order)
		}
	}
}

func TestPublish_HandlerErrorDoesNotStopOthers(t *testing.T) {
	b := New()
	var secondRan bool
	b.Subscribe("err.event", func(_ context.Context, _ Event) error {
		return errors.New("first handler failed")
	})
	b.Subscribe("err.event", func(_ context.Context, _ Event) error {
		secondRan = true
		return nil
	})

	b.Publish(context.Background(), "err.event", nil)

	if !secondRan {
		t.Error("second handler did not run after first errored")
	}
	if got := b.Metrics().HandlerErrors; got != 1 {
		t.Errorf("handler errors = %d, want 1", got)
	}
}

func TestUnsubscribe_DuringDispatch(t *testing.T) {
	b := New()
	var laterRan bool
	var laterID SubscriptionID

	b.Subscribe("self.modify", func(_ context.Context, _ Event) error {
		b.Unsubscribe(laterID)
		return nil
	}, WithPriority(1))
	laterID = b.Subscribe("self.modify", func(_ context.Context, _ Event) error {
		laterRan = true
		return nil
	})

	b.Publish(context.Background(), "self.modify", nil)

	if laterRan {
		t.Error("handler ran despite being unsubscribed mid-dispatch")
	}
}

func TestUnsubscribe_UnknownID(t *testing.T) {
	b := New()
	if b.Unsubscribe(SubscriptionID(42)) {
		t.Error("Unsubscribe returned true for unknown id")
	}
}

func TestWildcard_SeesEveryEvent(t *testing.T) {
	b := New()
	var seen []string
	b.Subscribe(Wildcard, func(_ context.Context, evt Event) error {
		seen = append(seen, evt.Type)
		return nil
	})

	b.Publish(context.Background(), "a", nil)
	b.Publish(context.Background(), "b", nil)

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("wildcard saw %v, want [a b]", seen)
	}
}

func TestPublish_Parallel_AllHandlersRun(t *testing.T) {
	b := New()
	var calls atomic.Int64
	for range 10 {
		b.Subscribe("par", func(_ context.Context, _ Event) error {
			calls.Add(1)
			return nil
		})
	}

	n := b.Publish(context.Background(), "par", nil, Parallel())

	if n != 10 {
		t.Errorf("handlers matched = %d, want 10", n)
	}
	if got := calls.Load(); got != 10 {
		t.Errorf("handlers ran = %d, want 10", got)
	}
}

func TestHistory_TrimsOnOverflow(t *testing.T) {
	b := New()
	for i := 0; i < historyCap+1; i++ {
		b.Publish(context.Background(), "evt", i)
	}

	h := b.History()
	if len(h) != historyTrim {
		t.Fatalf("history length = %d, want %d", len(h), historyTrim)
	}
	// The newest events survive the trim.
	if got := h[len(h)-1].Payload; got != historyCap {
		t.Errorf("newest retained payload = %v, want %d", got, historyCap)
	}
}

func TestMetrics_Counters(t *testing.T) {
	b := New()
	b.Subscribe("m", func(_ context.Context, _ Event) error { return nil })
	b.Subscribe(Wildcard, func(_ context.Context, _ Event) error { return nil })

	b.Publish(context.Background(), "m", nil)

	m := b.Metrics()
	if m.EventsPublished != 1 {
		t.Errorf("events published = %d, want 1", m.EventsPublished)
	}
	if m.HandlersInvoked != 2 {
		t.Errorf("handlers invoked = %d, want 2", m.HandlersInvoked)
	}
	if m.ActiveHandlers != 2 {
		t.Errorf("active handlers = %d, want 2", m.ActiveHandlers)
	}
	if m.WildcardHandlers != 1 {
		t.Errorf("wildcard handlers = %d, want 1", m.WildcardHandlers)
	}
}

func TestClear_RemovesSubscriptionsAndHistory(t *testing.T) {
	b := New()
	b.Subscribe("x", func(_ context.Context, _ Event) error { return nil })
	b.Publish(context.Background(), "x", nil)

	b.Clear()

	if n := b.Publish(context.Background(), "x", nil); n != 0 {
		t.Errorf("handlers after Clear = %d, want 0", n)
	}
	if h := b.History(); len(h) != 1 {
		// Clear drops old history; the publish above re-recorded one event.
		t.Errorf("history length = %d, want 1", len(h))
	}
}

func TestPublish_ConcurrentWithSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe("racy", func(_ context.Context, _ Event) error { return nil })
		}()
		go func() {
			defer wg.Done()
			b.Publish(context.Background(), "racy", nil)
		}()
	}
	wg.Wait()
}
