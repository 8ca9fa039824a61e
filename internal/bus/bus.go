// Package bus provides the typed publish/subscribe hub that connects the
// voicert subsystems without direct coupling.
//
// Components publish named events with an arbitrary payload; any component
// may subscribe, optionally once, with a priority ordering. Dispatch for a
// single Publish call is sequential by default (descending priority, ties in
// subscription order) so consumers get deterministic ordering; callers that
// do not need ordering may request parallel dispatch.
//
// A handler returning an error never prevents the remaining handlers from
// running — the error is logged and counted per handler. Handlers may
// unsubscribe themselves (or others) during their own invocation.
//
// Bus is safe for concurrent use.
package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Wildcard is the event type that matches every published event.
const Wildcard = "*"

const (
	// historyCap is the maximum number of retained events; on overflow the
	// history is trimmed to historyTrim. Retained for diagnostics only,
	// never for redelivery.
	historyCap  = 100
	historyTrim = 50
)

// Event is the value delivered to handlers.
type Event struct {
	// Type is the event name the publisher used.
	Type string

	// Payload is the publisher-supplied data. Handlers type-assert it.
	Payload any

	// Source identifies the publisher, when provided.
	Source string

	// Timestamp is when Publish was called.
	Timestamp time.Time
}

// Handler processes a single event. A non-nil error is logged and counted
// but does not affect other handlers.
type Handler func(ctx context.Context, evt Event) error

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// Once removes the subscription atomically after its first invocation, even
// if the handler returns an error.
func Once() SubscribeOption {
	return func(s *subscription) { s.once = true }
}

// WithPriority orders handlers within one dispatch; higher runs earlier.
// The default priority is 0.
func WithPriority(p int) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

// WithSource tags the event with the publisher's identity.
func WithSource(source string) PublishOption {
	return func(o *publishOptions) { o.source = source }
}

// Parallel dispatches handlers concurrently instead of sequentially.
// Ordering guarantees are lost; Publish still returns only after every
// handler has settled.
func Parallel() PublishOption {
	return func(o *publishOptions) { o.parallel = true }
}

type publishOptions struct {
	source   string
	parallel bool
}

// subscription is one registered handler.
type subscription struct {
	id       SubscriptionID
	event    string
	handler  Handler
	priority int
	once     bool

	// claimed flips to 1 when a once subscription has been taken for
	// invocation, so it can never fire twice even from racing publishes.
	claimed atomic.Bool
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	EventsPublished  int64
	HandlersInvoked  int64
	HandlerErrors    int64
	ActiveHandlers   int
	WildcardHandlers int
}

// Bus is the event hub. The zero value is not usable; create one with New.
type Bus struct {
	mu       sync.Mutex
	subs     map[string][]*subscription
	wildcard []*subscription
	history  []Event
	nextID   SubscriptionID

	published     atomic.Int64
	invoked       atomic.Int64
	handlerErrors atomic.Int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers handler for eventType (or for every event when
// eventType is [Wildcard]) and returns the subscription's id.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		event:   eventType,
		handler: handler,
	}
	for _, o := range opts {
		o(sub)
	}

	if eventType == Wildcard {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.subs[eventType] = append(b.subs[eventType], sub)
	}
	return sub.id
}

// Unsubscribe removes the subscription with the given id. Returns false when
// no such subscription exists (already removed, or a once subscription that
// has fired).
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.wildcard {
		if sub.id == id {
			b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
			return true
		}
	}
	for event, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[event] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[event]) == 0 {
					delete(b.subs, event)
				}
				return true
			}
		}
	}
	return false
}

// Publish delivers the event to all matching handlers and returns the number
// of handlers invoked. Sequential dispatch (the default) runs handlers in
// descending priority order, ties in subscription order; Publish returns
// only after every handler has settled in either mode.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) int {
	var po publishOptions
	for _, o := range opts {
		o(&po)
	}

	evt := Event{
		Type:      eventType,
		Payload:   payload,
		Source:    po.source,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	b.appendHistory(evt)

	// Snapshot matching subscriptions so handlers can (un)subscribe freely
	// during dispatch. Once subscriptions are claimed and removed here,
	// before their handler runs, so they fire at most once system-wide.
	matched := make([]*subscription, 0, len(b.wildcard)+len(b.subs[eventType]))
	matched = append(matched, b.wildcard...)
	matched = append(matched, b.subs[eventType]...)

	batch := matched[:0]
	for _, sub := range matched {
		if sub.once {
			if !sub.claimed.CompareAndSwap(false, true) {
				continue
			}
			b.removeLocked(sub)
		}
		batch = append(batch, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].priority > batch[j].priority
	})

	if po.parallel {
		var g errgroup.Group
		for _, sub := range batch {
			g.Go(func() error {
				b.invoke(ctx, sub, evt)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, sub := range batch {
			// A handler may have unsubscribed a later handler; honour that.
			if !sub.once && !b.active(sub) {
				continue
			}
			b.invoke(ctx, sub, evt)
		}
	}

	return len(batch)
}

// invoke runs one handler, isolating its error.
func (b *Bus) invoke(ctx context.Context, sub *subscription, evt Event) {
	b.invoked.Add(1)
	if err := sub.handler(ctx, evt); err != nil {
		b.handlerErrors.Add(1)
		slog.Error("event handler failed",
			"event", evt.Type,
			"subscription", sub.id,
			"err", err,
		)
	}
}

// active reports whether sub is still registered.
func (b *Bus) active(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.event == Wildcard {
		for _, s := range b.wildcard {
			if s == sub {
				return true
			}
		}
		return false
	}
	for _, s := range b.subs[sub.event] {
		if s == sub {
			return true
		}
	}
	return false
}

// removeLocked removes sub from its listener set. Must be called with b.mu
// held.
func (b *Bus) removeLocked(sub *subscription) {
	if sub.event == Wildcard {
		for i, s := range b.wildcard {
			if s == sub {
				b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
				return
			}
		}
		return
	}
	subs := b.subs[sub.event]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.event] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[sub.event]) == 0 {
				delete(b.subs, sub.event)
			}
			return
		}
	}
}

// appendHistory records evt in the bounded diagnostic history. Must be
// called with b.mu held.
func (b *Bus) appendHistory(evt Event) {
	b.history = append(b.history, evt)
	if len(b.history) > historyCap {
		b.history = append(b.history[:0:0], b.history[len(b.history)-historyTrim:]...)
	}
}

// History returns a copy of the retained event history, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	active := len(b.wildcard)
	for _, subs := range b.subs {
		active += len(subs)
	}
	wc := len(b.wildcard)
	b.mu.Unlock()

	return Metrics{
		EventsPublished:  b.published.Load(),
		HandlersInvoked:  b.invoked.Load(),
		HandlerErrors:    b.handlerErrors.Load(),
		ActiveHandlers:   active,
		WildcardHandlers: wc,
	}
}

// Clear removes all subscriptions and drops the event history.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
	b.wildcard = nil
	b.history = nil
}
