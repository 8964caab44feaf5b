// Package refresher keeps the stored totals of active sessions current. It
// recomputes a session as soon as one of its bills or ledger entries changes
// and sweeps every active session on a fixed interval as a fallback.
package refresher

import (
	"context"
	"log"
	"sync"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
)

const DefaultInterval = 30 * time.Second

type TotalsRefresher interface {
	RefreshSessionTotals(ctx context.Context, sessionID string) (*domain.SessionTotals, error)
	RefreshActiveSessions(ctx context.Context) (int, error)
}

type Refresher struct {
	totals         TotalsRefresher
	broker         realtime.Broker
	interval       time.Duration
	reconnectDelay time.Duration
}

func New(totals TotalsRefresher, broker realtime.Broker, interval time.Duration, reconnectDelay time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if reconnectDelay <= 0 {
		reconnectDelay = realtime.DefaultReconnectDelay
	}
	return &Refresher{
		totals:         totals,
		broker:         broker,
		interval:       interval,
		reconnectDelay: reconnectDelay,
	}
}

// Run blocks until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, table := range []string{realtime.TableBills, realtime.TableTransactions} {
		watcher := &realtime.Watcher{
			Name:           "refresher-" + table,
			Broker:         r.broker,
			Filter:         realtime.Filter{Table: table},
			Handler:        r.handle,
			ReconnectDelay: r.reconnectDelay,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	log.Printf("[refresher] started (poll every %s)", r.interval)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Printf("[refresher] stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) handle(ctx context.Context, event realtime.Event) {
	if event.SessionID == "" {
		return
	}
	if _, err := r.totals.RefreshSessionTotals(ctx, event.SessionID); err != nil && ctx.Err() == nil {
		log.Printf("[refresher] WARN: session=%s after %s/%s: %v", event.SessionID, event.Table, event.Action, err)
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	if _, err := r.totals.RefreshActiveSessions(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[refresher] WARN: sweep failed: %v", err)
	}
}
