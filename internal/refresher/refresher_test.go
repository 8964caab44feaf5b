package refresher

import (
	"context"
	"sync"
	"testing"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
)

type recordingTotals struct {
	mu       sync.Mutex
	sessions []string
	sweeps   int
}

func (r *recordingTotals) RefreshSessionTotals(_ context.Context, sessionID string) (*domain.SessionTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return &domain.SessionTotals{SessionID: sessionID}, nil
}

func (r *recordingTotals) RefreshActiveSessions(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return 0, nil
}

func (r *recordingTotals) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sessions...), r.sweeps
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRefresherReactsToBillAndLedgerEvents(t *testing.T) {
	broker := realtime.NewLocalBroker(16)
	totals := &recordingTotals{}
	r := New(totals, broker, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	waitFor(t, "watchers to subscribe", func() bool { return broker.Subscribers() == 2 })

	publish := func(table string, sessionID string) {
		_ = broker.Publish(ctx, realtime.Event{Table: table, Action: realtime.ActionInsert, ID: "x", SessionID: sessionID})
	}
	publish(realtime.TableBills, "ses-1")
	publish(realtime.TableTransactions, "ses-2")
	publish(realtime.TableProducts, "ses-3")
	publish(realtime.TableBills, "")

	waitFor(t, "both sessions to refresh", func() bool {
		sessions, _ := totals.snapshot()
		return len(sessions) == 2
	})
	time.Sleep(50 * time.Millisecond)
	sessions, _ := totals.snapshot()
	if len(sessions) != 2 {
		t.Fatalf("expected only bill and ledger events with a session to refresh, got %v", sessions)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("refresher did not stop after cancel")
	}
}

func TestRefresherSweepsOnInterval(t *testing.T) {
	totals := &recordingTotals{}
	r := New(totals, realtime.NewLocalBroker(4), 20*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, "two sweeps", func() bool {
		_, sweeps := totals.snapshot()
		return sweeps >= 2
	})
}
