package realtime

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestFilterMatch(t *testing.T) {
	event := Event{Table: TableBills, SourceID: "src_1", SessionID: "ses_1"}
	cases := []struct {
		filter Filter
		want   bool
	}{
		{Filter{}, true},
		{Filter{Table: TableBills}, true},
		{Filter{Table: TableTransactions}, false},
		{Filter{Table: TableBills, SessionID: "ses_1"}, true},
		{Filter{Table: TableBills, SessionID: "ses_2"}, false},
		{Filter{SourceID: "src_2"}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Match(event); got != tc.want {
			t.Fatalf("filter %+v: expected %v, got %v", tc.filter, tc.want, got)
		}
	}
}

func TestLocalBrokerDeliversMatchingEventsOnly(t *testing.T) {
	broker := NewLocalBroker(8)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, Filter{Table: TableBills, SessionID: "ses_1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	_ = broker.Publish(ctx, Event{Table: TableBills, Action: ActionInsert, ID: "bill_other", SessionID: "ses_2"})
	_ = broker.Publish(ctx, Event{Table: TableBills, Action: ActionInsert, ID: "bill_1", SessionID: "ses_1"})

	got := receive(t, sub)
	if got.ID != "bill_1" {
		t.Fatalf("expected bill_1, got %s", got.ID)
	}
	if got.At.IsZero() {
		t.Fatalf("expected publish time to be stamped")
	}
}

func TestLocalBrokerDropsSlowSubscriber(t *testing.T) {
	broker := NewLocalBroker(1)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = broker.Publish(ctx, Event{Table: TableBills, ID: "a"})
	_ = broker.Publish(ctx, Event{Table: TableBills, ID: "b"})

	if broker.Subscribers() != 0 {
		t.Fatalf("expected slow subscriber to be removed")
	}
	<-sub.Events()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected channel closed after drop")
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	broker := NewLocalBroker(4)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := broker.Subscribe(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected no events after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed after context cancel")
	}
}

func TestWatcherResubscribesAfterDrop(t *testing.T) {
	broker := NewLocalBroker(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	release := make(chan struct{})
	watcher := &Watcher{
		Name:           "test",
		Broker:         broker,
		ReconnectDelay: 10 * time.Millisecond,
		Handler: func(ctx context.Context, event Event) {
			if handled.Add(1) == 1 {
				<-release
			}
		},
	}
	go watcher.Run(ctx)

	waitFor(t, func() bool { return broker.Subscribers() == 1 })
	_ = broker.Publish(ctx, Event{ID: "1"})
	waitFor(t, func() bool { return handled.Load() == 1 })
	// handler is blocked: fill the buffer, then overflow to force a drop
	_ = broker.Publish(ctx, Event{ID: "2"})
	_ = broker.Publish(ctx, Event{ID: "3"})
	close(release)

	waitFor(t, func() bool { return broker.Subscribers() == 1 })
	_ = broker.Publish(ctx, Event{ID: "4"})
	waitFor(t, func() bool { return handled.Load() >= 3 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POS_TEST_REDIS_ADDR to run redis broker test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	broker := NewRedisBroker(client, "pos:changes:test")

	sub, err := broker.Subscribe(ctx, Filter{Table: TableBills})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	_ = broker.Publish(ctx, Event{Table: TableProducts, ID: "ignored"})
	if err := broker.Publish(ctx, Event{Table: TableBills, Action: ActionUpdate, ID: "bill_1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, sub); got.ID != "bill_1" {
		t.Fatalf("expected bill_1, got %+v", got)
	}
}
