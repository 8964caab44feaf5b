package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedSource(t *testing.T, s *Store, stock int) (*domain.Source, *domain.Product) {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	source, err := s.CreateSource(ctx, domain.Source{Name: fmt.Sprintf("IT %d", stamp), Owner: "it-owner"})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	t.Cleanup(func() {
		_ = s.DeleteSource(context.Background(), source.ID)
	})

	product, err := s.CreateProduct(ctx, domain.Product{
		SourceID:     source.ID,
		Name:         "Produk IT",
		Price:        decimal.NewFromInt(12000),
		PurchaseCost: decimal.NewFromInt(9000),
		CurrentStock: stock,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return source, product
}

func checkoutDraft(source *domain.Source, product *domain.Product, key string, qty int) domain.CheckoutDraft {
	now := time.Now().UTC()
	total := product.Price.Mul(decimal.NewFromInt(int64(qty)))
	return domain.CheckoutDraft{
		Bill: domain.Bill{
			SourceID:       source.ID,
			IdempotencyKey: key,
			Items:          []domain.LineItem{{ID: product.ID, Name: product.Name, Price: product.Price, Quantity: qty, Type: domain.ItemTypeProduct}},
			Subtotal:       total,
			Total:          total,
			PaidAmount:     total,
			Status:         domain.BillStatusPaid,
			PaymentMethod:  domain.PaymentCash,
			BillDate:       now,
			CreatedBy:      "it-owner",
		},
		Transaction: domain.Transaction{
			SourceID:   source.ID,
			Amount:     total,
			Type:       domain.TransactionIncome,
			CreatedBy:  "it-owner",
			OccurredAt: now,
		},
	}
}

func TestConcurrentCheckoutsDoNotOversell(t *testing.T) {
	s := openTestStore(t)
	source, product := seedSource(t, s, 3)
	stamp := time.Now().UnixNano()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateCheckout(context.Background(), checkoutDraft(source, product, fmt.Sprintf("it-%d-%d", stamp, i), 1))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	sold := 0
	for err := range errs {
		switch {
		case err == nil:
			sold++
		case errors.Is(err, store.ErrInsufficientStock):
		default:
			t.Fatalf("unexpected checkout error: %v", err)
		}
	}
	if sold != 3 {
		t.Fatalf("expected 3 successful checkouts, got %d", sold)
	}

	current, err := s.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if current.CurrentStock != 0 {
		t.Fatalf("expected stock 0, got %d", current.CurrentStock)
	}
}

func TestCheckoutReplayAndBillDeleteCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	source, product := seedSource(t, s, 10)
	key := fmt.Sprintf("it-replay-%d", time.Now().UnixNano())

	first, err := s.CreateCheckout(ctx, checkoutDraft(source, product, key, 2))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	second, err := s.CreateCheckout(ctx, checkoutDraft(source, product, key, 2))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Duplicate || second.Bill.ID != first.Bill.ID || len(second.Movements) != 1 {
		t.Fatalf("expected stored result on replay, got %+v", second)
	}

	current, _ := s.GetProduct(ctx, product.ID)
	if current.CurrentStock != 8 {
		t.Fatalf("expected stock 8 after one decrement, got %d", current.CurrentStock)
	}

	removed, err := s.DeleteBills(ctx, source.ID, []string{first.Bill.ID})
	if err != nil || removed != 1 {
		t.Fatalf("delete bills: removed=%d err=%v", removed, err)
	}
	txs, err := s.ListTransactions(ctx, domain.TransactionFilter{SourceID: source.ID})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected ledger rows removed with bill, got %d", len(txs))
	}
}

func TestSecondActiveSessionIsRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	source, _ := seedSource(t, s, 1)

	if _, err := s.CreateSession(ctx, domain.Session{SourceID: source.ID, OpenedBy: "it-owner"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	_, err := s.CreateSession(ctx, domain.Session{SourceID: source.ID, OpenedBy: "it-owner"})
	if !errors.Is(err, store.ErrActiveSessionExists) {
		t.Fatalf("expected active session conflict, got %v", err)
	}
}

func TestIdempotencyKeyIsScopedPerSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first, firstProduct := seedSource(t, s, 5)
	second, secondProduct := seedSource(t, s, 5)
	key := fmt.Sprintf("it-shared-%d", time.Now().UnixNano())

	a, err := s.CreateCheckout(ctx, checkoutDraft(first, firstProduct, key, 1))
	if err != nil {
		t.Fatalf("checkout on first source: %v", err)
	}
	b, err := s.CreateCheckout(ctx, checkoutDraft(second, secondProduct, key, 1))
	if err != nil {
		t.Fatalf("checkout on second source: %v", err)
	}
	if b.Duplicate || b.Bill.ID == a.Bill.ID || b.Bill.SourceID != second.ID {
		t.Fatalf("expected a fresh bill on the second source, got %+v", b.Bill)
	}
}

func TestCloseSessionFreezesCommittedBillsAndRefusesLateOnes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	source, product := seedSource(t, s, 5)
	session, err := s.CreateSession(ctx, domain.Session{SourceID: source.ID, OpenedBy: "it-owner"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	stamp := time.Now().UnixNano()

	draft := checkoutDraft(source, product, fmt.Sprintf("it-in-%d", stamp), 1)
	draft.Bill.SessionID = session.ID
	draft.Transaction.SessionID = session.ID
	if _, err := s.CreateCheckout(ctx, draft); err != nil {
		t.Fatalf("checkout in session: %v", err)
	}

	closed, totals, err := s.CloseSession(ctx, session.ID, "it-owner", time.Now().UTC())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if totals.BillCount != 1 || !closed.TotalSales.Equal(product.Price) {
		t.Fatalf("expected the committed bill in frozen totals, got %+v / %s", totals, closed.TotalSales)
	}

	late := checkoutDraft(source, product, fmt.Sprintf("it-late-%d", stamp), 1)
	late.Bill.SessionID = session.ID
	late.Transaction.SessionID = session.ID
	if _, err := s.CreateCheckout(ctx, late); !errors.Is(err, store.ErrSessionNotActive) {
		t.Fatalf("expected checkout into closed session to fail, got %v", err)
	}
	current, _ := s.GetProduct(ctx, product.ID)
	if current.CurrentStock != 4 {
		t.Fatalf("expected refused checkout to leave stock at 4, got %d", current.CurrentStock)
	}
}

func TestUpdateBillPaymentIsConditionalOnStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	source, product := seedSource(t, s, 5)
	result, err := s.CreateCheckout(ctx, checkoutDraft(source, product, fmt.Sprintf("it-cas-%d", time.Now().UnixNano()), 1))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if _, err := s.UpdateBillPayment(ctx, result.Bill.ID, domain.BillStatusPaid, domain.BillStatusCancelled, decimal.Zero, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = s.UpdateBillPayment(ctx, result.Bill.ID, domain.BillStatusPaid, domain.BillStatusPaid, result.Bill.Total, time.Now().UTC())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected stale status to conflict, got %v", err)
	}
	if _, err := s.UpdateBillPayment(ctx, "bill_missing", domain.BillStatusPaid, domain.BillStatusPaid, decimal.Zero, time.Now().UTC()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for a missing bill, got %v", err)
	}
}
