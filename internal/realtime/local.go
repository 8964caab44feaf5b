package realtime

import (
	"context"
	"log"
	"sync"
	"time"
)

const defaultBuffer = 64

// LocalBroker fans events out to in-process subscribers. A subscriber whose
// buffer is full is dropped and its channel closed.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[*Subscription]Filter
	buffer int
}

func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &LocalBroker{subs: make(map[*Subscription]Filter), buffer: buffer}
}

func (b *LocalBroker) Publish(_ context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub, filter := range b.subs {
		if !filter.Match(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			delete(b.subs, sub)
			close(sub.events)
			log.Printf("[realtime] dropped slow subscriber (table=%q source=%q)", filter.Table, filter.SourceID)
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(b.buffer)

	b.mu.Lock()
	b.subs[sub] = filter
	b.mu.Unlock()

	stopAfter := context.AfterFunc(ctx, func() { b.remove(sub) })
	sub.stop = func() {
		stopAfter()
		b.remove(sub)
	}
	return sub, nil
}

func (b *LocalBroker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.events)
	}
}

// Subscribers reports how many subscriptions are live.
func (b *LocalBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
