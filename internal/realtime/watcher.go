package realtime

import (
	"context"
	"log"
	"time"
)

const DefaultReconnectDelay = 5 * time.Second

type Handler func(ctx context.Context, event Event)

// Watcher keeps one subscription alive. When the subscription fails or is
// dropped it waits ReconnectDelay and subscribes again, until ctx ends.
type Watcher struct {
	Name           string
	Broker         Broker
	Filter         Filter
	Handler        Handler
	ReconnectDelay time.Duration
}

func (w *Watcher) Run(ctx context.Context) {
	delay := w.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	for {
		sub, err := w.Broker.Subscribe(ctx, w.Filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[realtime] %s subscribe failed: %v", w.Name, err)
		} else {
			w.drain(ctx, sub)
			sub.Close()
		}

		if ctx.Err() != nil {
			return
		}
		log.Printf("[realtime] %s subscription lost, reconnecting in %s", w.Name, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) drain(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			w.Handler(ctx, event)
		}
	}
}
