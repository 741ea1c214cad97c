package events

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// ErrBusClosed is returned by Publish after Close
var ErrBusClosed = errors.New("event bus is closed")

// Subscription is one named consumer of the bus
type Subscription struct {
	Name    string
	ch      chan *Event
	dropped atomic.Uint64
}

// Events returns the delivery channel. It is closed on Unsubscribe or when
// the bus closes.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Dropped counts events skipped because the subscriber was not keeping up
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans session events out to subscribers. Publishing never blocks on a
// slow subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{Name: name, ch: make(chan *Event, subscriberBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.Index(b.subs, sub)
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(sub.ch)
}

// Publish stamps event with an ID and timestamp if missing and offers it to
// every subscriber
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Close closes every subscription. Later publishes fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stream subscribes under name and forwards the events matching filter to
// the returned channel until ctx is done or the bus closes
func (b *Bus) Stream(ctx context.Context, name string, filter EventFilter) <-chan *Event {
	sub := b.Subscribe(name)
	out := make(chan *Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer b.Unsubscribe(sub)

		for {
			select {
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if !filter.Match(event) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
