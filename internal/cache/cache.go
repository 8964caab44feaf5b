package cache

import (
	"context"
	"log"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
)

// SessionTotalsCache holds the last computed totals per session.
type SessionTotalsCache interface {
	Get(ctx context.Context, sessionID string) (*domain.SessionTotals, bool, error)
	Set(ctx context.Context, totals *domain.SessionTotals, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

type NoopSessionTotalsCache struct{}

func (NoopSessionTotalsCache) Get(_ context.Context, _ string) (*domain.SessionTotals, bool, error) {
	return nil, false, nil
}

func (NoopSessionTotalsCache) Set(_ context.Context, _ *domain.SessionTotals, _ time.Duration) error {
	return nil
}

func (NoopSessionTotalsCache) Delete(_ context.Context, _ string) error {
	return nil
}

// Invalidator drops cached totals when a bill or ledger row of a session changes.
type Invalidator struct {
	Cache SessionTotalsCache
}

func (i Invalidator) Handle(ctx context.Context, event realtime.Event) {
	if event.SessionID == "" {
		return
	}
	switch event.Table {
	case realtime.TableBills, realtime.TableTransactions, realtime.TableSessions:
	default:
		return
	}
	if err := i.Cache.Delete(ctx, event.SessionID); err != nil {
		log.Printf("[cache] WARN: invalidate session %s: %v", event.SessionID, err)
	}
}
