// Package realtime carries row-change events between writers and whoever
// needs to react to them: cache invalidation, the totals refresher and
// websocket clients.
package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

const (
	TableSources        = "sources"
	TableSessions       = "sessions"
	TableBills          = "bills"
	TableTransactions   = "transactions"
	TableProducts       = "products"
	TableStockMovements = "stock_movements"
	TableServices       = "services"
	TableConsignments   = "consignments"
	TableCategories     = "categories"
	TablePayers         = "payers"
	TableSuppliers      = "suppliers"
)

type Event struct {
	Table     string    `json:"table"`
	Action    string    `json:"action"`
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Filter selects events. Empty fields match anything.
type Filter struct {
	Table     string `json:"table,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (f Filter) Match(e Event) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.SourceID != "" && f.SourceID != e.SourceID {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	return true
}

type Broker interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (*Subscription, error)
}

// Subscription delivers matching events until it is closed, its context ends,
// or the broker drops it. Events is closed in all three cases.
type Subscription struct {
	events chan Event
	stop   func()
	once   sync.Once
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{events: make(chan Event, buffer)}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}
