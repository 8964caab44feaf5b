package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
)

type recordingCache struct {
	NoopSessionTotalsCache
	deleted []string
}

func (c *recordingCache) Delete(_ context.Context, sessionID string) error {
	c.deleted = append(c.deleted, sessionID)
	return nil
}

func TestInvalidatorDropsSessionScopedChanges(t *testing.T) {
	rec := &recordingCache{}
	inv := Invalidator{Cache: rec}
	ctx := context.Background()

	inv.Handle(ctx, realtime.Event{Table: realtime.TableBills, SessionID: "ses_1"})
	inv.Handle(ctx, realtime.Event{Table: realtime.TableTransactions, SessionID: "ses_2"})
	inv.Handle(ctx, realtime.Event{Table: realtime.TableProducts, SessionID: "ses_3"})
	inv.Handle(ctx, realtime.Event{Table: realtime.TableBills})

	if len(rec.deleted) != 2 || rec.deleted[0] != "ses_1" || rec.deleted[1] != "ses_2" {
		t.Fatalf("unexpected invalidations: %v", rec.deleted)
	}
}

func TestNoopCacheAlwaysMisses(t *testing.T) {
	var c SessionTotalsCache = NoopSessionTotalsCache{}
	if err := c.Set(context.Background(), &domain.SessionTotals{SessionID: "ses_1"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), "ses_1"); ok {
		t.Fatalf("expected miss")
	}
}

func TestRedisSessionTotalsCache(t *testing.T) {
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POS_TEST_REDIS_ADDR to run redis cache test")
	}
	client := NewRedisClient(addr, "", 0)
	defer client.Close()
	c := NewRedisSessionTotalsCache(client)
	ctx := context.Background()

	totals := &domain.SessionTotals{SessionID: "ses_cache_test", TotalCash: decimal.RequireFromString("180"), BillCount: 1}
	if err := c.Set(ctx, totals, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, totals.SessionID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.TotalCash.Equal(totals.TotalCash) {
		t.Fatalf("expected cash 180, got %s", got.TotalCash)
	}
	if err := c.Delete(ctx, totals.SessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, totals.SessionID); ok {
		t.Fatalf("expected miss after delete")
	}
}
