package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/store"
)

func newSourceWithProduct(t *testing.T, s *Store, stock int) (domain.Source, domain.Product) {
	t.Helper()
	ctx := context.Background()
	source, err := s.CreateSource(ctx, domain.Source{Name: "Warung Test", Owner: "owner"})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	product, err := s.CreateProduct(ctx, domain.Product{
		SourceID:     source.ID,
		Name:         "Gula 1kg",
		Price:        decimal.NewFromInt(17000),
		PurchaseCost: decimal.NewFromInt(14000),
		CurrentStock: stock,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return *source, *product
}

func draftFor(sourceID string, key string, items ...domain.LineItem) domain.CheckoutDraft {
	return domain.CheckoutDraft{
		Bill: domain.Bill{
			SourceID:       sourceID,
			IdempotencyKey: key,
			Items:          items,
			Status:         domain.BillStatusPaid,
			PaymentMethod:  domain.PaymentCash,
			CreatedBy:      "owner",
		},
		Transaction: domain.Transaction{
			SourceID: sourceID,
			Amount:   decimal.NewFromInt(17000),
			Type:     domain.TransactionIncome,
		},
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	s := New()
	source, product := newSourceWithProduct(t, s, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateCheckout(context.Background(), draftFor(source.ID, fmt.Sprintf("idem-%d", i), domain.LineItem{
				ID: product.ID, Name: product.Name, Price: product.Price, Quantity: 1, Type: domain.ItemTypeProduct,
			}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected checkout error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 5 || rejected != 15 {
		t.Fatalf("expected 5 sales and 15 rejections, got %d/%d", succeeded, rejected)
	}
	current, _ := s.GetProduct(context.Background(), product.ID)
	if current.CurrentStock != 0 {
		t.Fatalf("expected stock 0, got %d", current.CurrentStock)
	}
	movements, _ := s.ListStockMovements(context.Background(), product.ID, 0)
	if len(movements) != 5 {
		t.Fatalf("expected 5 sale movements, got %d", len(movements))
	}
}

func TestCheckoutFailureLeavesNothingBehind(t *testing.T) {
	s := New()
	ctx := context.Background()
	source, plenty := newSourceWithProduct(t, s, 10)
	scarce, err := s.CreateProduct(ctx, domain.Product{SourceID: source.ID, Name: "Telur", Price: decimal.NewFromInt(2000), CurrentStock: 1})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	_, err = s.CreateCheckout(ctx, draftFor(source.ID, "idem-partial",
		domain.LineItem{ID: plenty.ID, Price: plenty.Price, Quantity: 3, Type: domain.ItemTypeProduct},
		domain.LineItem{ID: scarce.ID, Price: scarce.Price, Quantity: 2, Type: domain.ItemTypeProduct},
	))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	current, _ := s.GetProduct(ctx, plenty.ID)
	if current.CurrentStock != 10 {
		t.Fatalf("expected first item untouched at 10, got %d", current.CurrentStock)
	}
	bills, _ := s.ListBills(ctx, domain.BillFilter{SourceID: source.ID})
	if len(bills) != 0 {
		t.Fatalf("expected no bill after failed checkout, got %d", len(bills))
	}
	txs, _ := s.ListTransactions(ctx, domain.TransactionFilter{SourceID: source.ID})
	if len(txs) != 0 {
		t.Fatalf("expected no ledger entry after failed checkout, got %d", len(txs))
	}
}

func TestCheckoutReplayReturnsStoredResult(t *testing.T) {
	s := New()
	ctx := context.Background()
	source, product := newSourceWithProduct(t, s, 10)
	draft := draftFor(source.ID, "idem-replay", domain.LineItem{ID: product.ID, Price: product.Price, Quantity: 3, Type: domain.ItemTypeProduct})

	first, err := s.CreateCheckout(ctx, draft)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := s.CreateCheckout(ctx, draft)
	if err != nil {
		t.Fatalf("replayed checkout: %v", err)
	}
	if !second.Duplicate || second.Bill.ID != first.Bill.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Bill.ID, second.Bill)
	}
	if len(second.Movements) != 1 || second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("expected stored movements and transaction on replay")
	}
	current, _ := s.GetProduct(ctx, product.ID)
	if current.CurrentStock != 7 {
		t.Fatalf("expected single decrement to 7, got %d", current.CurrentStock)
	}
}

func TestSingleActiveSessionPerSource(t *testing.T) {
	s := New()
	source, _ := newSourceWithProduct(t, s, 1)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSession(context.Background(), domain.Session{SourceID: source.ID, OpenedBy: "owner"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		if err == nil {
			created++
			continue
		}
		if !errors.Is(err, store.ErrActiveSessionExists) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one active session, got %d", created)
	}
}

func TestApplyStockChangeRejectsNegativeStock(t *testing.T) {
	s := New()
	_, product := newSourceWithProduct(t, s, 2)

	_, _, err := s.ApplyStockChange(context.Background(), domain.StockChange{Movement: domain.StockMovement{
		ProductID: product.ID, Quantity: -3, MovementType: domain.MovementAdjustment,
	}})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	updated, movement, err := s.ApplyStockChange(context.Background(), domain.StockChange{
		Movement: domain.StockMovement{ProductID: product.ID, Quantity: 2, MovementType: domain.MovementPurchase, UnitCost: decimal.NewFromInt(20000)},
		Reprice:  true,
	})
	if err != nil {
		t.Fatalf("apply purchase: %v", err)
	}
	if updated.CurrentStock != 4 || movement.StockAfter != 4 {
		t.Fatalf("expected stock 4, got %d (movement %d)", updated.CurrentStock, movement.StockAfter)
	}
	if !updated.PurchaseCost.Equal(decimal.NewFromInt(17000)) {
		t.Fatalf("expected weighted cost 17000, got %s", updated.PurchaseCost)
	}
}

func TestIdempotencyKeysAreScopedPerSource(t *testing.T) {
	s := New()
	ctx := context.Background()
	first, firstProduct := newSourceWithProduct(t, s, 5)
	second, secondProduct := newSourceWithProduct(t, s, 5)

	a, err := s.CreateCheckout(ctx, draftFor(first.ID, "k1", domain.LineItem{ID: firstProduct.ID, Price: firstProduct.Price, Quantity: 1, Type: domain.ItemTypeProduct}))
	if err != nil {
		t.Fatalf("checkout on first source: %v", err)
	}
	b, err := s.CreateCheckout(ctx, draftFor(second.ID, "k1", domain.LineItem{ID: secondProduct.ID, Price: secondProduct.Price, Quantity: 2, Type: domain.ItemTypeProduct}))
	if err != nil {
		t.Fatalf("checkout on second source: %v", err)
	}
	if b.Duplicate || b.Bill.ID == a.Bill.ID || b.Bill.SourceID != second.ID {
		t.Fatalf("expected a fresh bill on the second source, got %+v", b.Bill)
	}
	if current, _ := s.GetProduct(ctx, secondProduct.ID); current.CurrentStock != 3 {
		t.Fatalf("expected second source stock 3, got %d", current.CurrentStock)
	}

	found, err := s.FindCheckoutByIdempotency(ctx, first.ID, "k1")
	if err != nil || found.Bill.ID != a.Bill.ID {
		t.Fatalf("expected lookup on first source to return %s, got %v %v", a.Bill.ID, found, err)
	}
	if _, err := s.FindCheckoutByIdempotency(ctx, "src_other", "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for an unrelated source, got %v", err)
	}
}

func TestClosedSessionRefusesNewRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	source, product := newSourceWithProduct(t, s, 5)
	session, err := s.CreateSession(ctx, domain.Session{SourceID: source.ID, OpenedBy: "owner"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	draft := draftFor(source.ID, "in-session", domain.LineItem{ID: product.ID, Price: product.Price, Quantity: 1, Type: domain.ItemTypeProduct})
	draft.Bill.SessionID = session.ID
	draft.Bill.Total = decimal.NewFromInt(17000)
	draft.Transaction.SessionID = session.ID
	if _, err := s.CreateCheckout(ctx, draft); err != nil {
		t.Fatalf("checkout in session: %v", err)
	}

	closed, totals, err := s.CloseSession(ctx, session.ID, "owner", time.Now().UTC())
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if totals.BillCount != 1 || !closed.TotalSales.Equal(decimal.NewFromInt(17000)) {
		t.Fatalf("expected the committed bill in the frozen totals, got %+v / %s", totals, closed.TotalSales)
	}

	late := draftFor(source.ID, "late", domain.LineItem{ID: product.ID, Price: product.Price, Quantity: 1, Type: domain.ItemTypeProduct})
	late.Bill.SessionID = session.ID
	if _, err := s.CreateCheckout(ctx, late); !errors.Is(err, store.ErrSessionNotActive) {
		t.Fatalf("expected checkout into closed session to fail, got %v", err)
	}
	if current, _ := s.GetProduct(ctx, product.ID); current.CurrentStock != 4 {
		t.Fatalf("expected refused checkout to leave stock at 4, got %d", current.CurrentStock)
	}
	if _, err := s.CreateTransaction(ctx, domain.Transaction{
		SourceID: source.ID, SessionID: session.ID, Amount: decimal.NewFromInt(500), Type: domain.TransactionExpense,
	}); !errors.Is(err, store.ErrSessionNotActive) {
		t.Fatalf("expected expense into closed session to fail, got %v", err)
	}
	if _, _, err := s.CloseSession(ctx, session.ID, "owner", time.Now().UTC()); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected second close to fail, got %v", err)
	}
}

func TestUpdateBillPaymentRejectsStaleStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	source, product := newSourceWithProduct(t, s, 5)
	draft := draftFor(source.ID, "pay", domain.LineItem{ID: product.ID, Price: product.Price, Quantity: 1, Type: domain.ItemTypeProduct})
	draft.Bill.Status = domain.BillStatusPending
	draft.Bill.Total = decimal.NewFromInt(17000)
	result, err := s.CreateCheckout(ctx, draft)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if _, err := s.UpdateBillPayment(ctx, result.Bill.ID, domain.BillStatusPending, domain.BillStatusCancelled, decimal.Zero, time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = s.UpdateBillPayment(ctx, result.Bill.ID, domain.BillStatusPending, domain.BillStatusPaid, decimal.NewFromInt(17000), time.Now())
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected payment against stale status to conflict, got %v", err)
	}
	bill, _ := s.GetBill(ctx, result.Bill.ID)
	if bill.Status != domain.BillStatusCancelled || !bill.PaidAmount.IsZero() {
		t.Fatalf("expected bill to stay cancelled and unpaid, got %s %s", bill.Status, bill.PaidAmount)
	}
}

func TestDeleteSourceRemovesScopedRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	doomed, product := newSourceWithProduct(t, s, 5)
	kept, keptProduct := newSourceWithProduct(t, s, 5)

	session, err := s.CreateSession(ctx, domain.Session{SourceID: doomed.ID, OpenedBy: "owner"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	draft := draftFor(doomed.ID, "k1", domain.LineItem{ID: product.ID, Price: product.Price, Quantity: 1, Type: domain.ItemTypeProduct})
	draft.Bill.SessionID = session.ID
	doomedBill, err := s.CreateCheckout(ctx, draft)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := s.CreateCheckout(ctx, draftFor(kept.ID, "k1", domain.LineItem{ID: keptProduct.ID, Price: keptProduct.Price, Quantity: 1, Type: domain.ItemTypeProduct})); err != nil {
		t.Fatalf("checkout on kept source: %v", err)
	}
	if _, err := s.CreateCategory(ctx, domain.Category{SourceID: doomed.ID, Name: "Sembako", Type: domain.CategoryProduct}); err != nil {
		t.Fatalf("create category: %v", err)
	}

	if err := s.DeleteSource(ctx, doomed.ID); err != nil {
		t.Fatalf("delete source: %v", err)
	}

	if _, err := s.GetProduct(ctx, product.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected product gone, got %v", err)
	}
	if _, err := s.GetSession(ctx, session.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	if _, err := s.GetBill(ctx, doomedBill.Bill.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected bill gone, got %v", err)
	}
	if txs, _ := s.ListTransactions(ctx, domain.TransactionFilter{SourceID: doomed.ID}); len(txs) != 0 {
		t.Fatalf("expected ledger gone, got %d rows", len(txs))
	}
	if movements, _ := s.ListStockMovements(ctx, product.ID, 0); len(movements) != 0 {
		t.Fatalf("expected movements gone, got %d", len(movements))
	}
	if categories, _ := s.ListCategories(ctx, doomed.ID, ""); len(categories) != 0 {
		t.Fatalf("expected categories gone, got %d", len(categories))
	}

	if current, _ := s.GetProduct(ctx, keptProduct.ID); current == nil || current.CurrentStock != 4 {
		t.Fatalf("expected other source untouched")
	}
	if bills, _ := s.ListBills(ctx, domain.BillFilter{SourceID: kept.ID}); len(bills) != 1 {
		t.Fatalf("expected other source bill kept, got %d", len(bills))
	}
}
