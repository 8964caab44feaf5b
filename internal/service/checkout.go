package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/pricing"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

// Checkout turns a cart into a bill, its income ledger entry, and one stock
// decrement plus sale movement per product line, all persisted as one unit.
// A repeated idempotency key returns the first result with Duplicate set.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	items, err := normalizeLineItems(req.Items)
	if err != nil {
		return domain.CheckoutResult{}, err
	}
	if req.SourceID == "" {
		return domain.CheckoutResult{}, invalid("source_id", "required")
	}
	if req.Discount.IsNegative() {
		return domain.CheckoutResult{}, invalid("discount", "must not be negative")
	}
	if req.PaidAmount.IsNegative() {
		return domain.CheckoutResult{}, invalid("paid_amount", "must not be negative")
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if !isPaymentMethod(req.PaymentMethod) {
		return domain.CheckoutResult{}, invalid("payment_method", "must be cash or transfer")
	}

	totals := pricing.Compute(items, req.Discount)
	if totals.Discount.GreaterThan(totals.Subtotal) {
		return domain.CheckoutResult{}, invalid("discount", "exceeds subtotal")
	}

	if _, err := s.authorize(ctx, req.SourceID, true); err != nil {
		return domain.CheckoutResult{}, err
	}
	if req.PayerID != "" {
		if _, err := s.repo.GetPayer(ctx, req.PayerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CheckoutResult{}, invalid("payer_id", "unknown payer")
			}
			return domain.CheckoutResult{}, err
		}
	}

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey == "" {
		idemKey = xid.New("idem")
	}
	now := time.Now().UTC()
	billDate := now
	if req.Date != nil && !req.Date.IsZero() {
		billDate = req.Date.UTC()
	}

	var result *domain.CheckoutResult
	err = s.withActiveSession(ctx, req.SourceID, func(sessionID string) error {
		var createErr error
		result, createErr = s.repo.CreateCheckout(ctx, checkoutDraft(actor, req, idemKey, items, totals, sessionID, billDate, now))
		return createErr
	})
	if err != nil {
		return domain.CheckoutResult{}, err
	}
	if result.Duplicate {
		if result.Bill.SourceID != req.SourceID {
			return domain.CheckoutResult{}, fmt.Errorf("idempotency key %s: %w", idemKey, store.ErrConflict)
		}
		return *result, nil
	}

	created := result.Bill
	s.logAudit(ctx, created.SourceID, "checkout", "bill", created.ID,
		fmt.Sprintf("total=%s,paid=%s,status=%s,payment=%s,discount=%s,items=%d",
			created.Total, created.PaidAmount, created.Status, created.PaymentMethod, created.Discount, len(created.Items)))

	s.invalidateTotals(ctx, created.SessionID)
	s.publish(ctx, realtime.TableBills, realtime.ActionInsert, created.ID, created.SourceID, created.SessionID)
	s.publish(ctx, realtime.TableTransactions, realtime.ActionInsert, result.Transaction.ID, created.SourceID, created.SessionID)
	for _, movement := range result.Movements {
		s.publish(ctx, realtime.TableProducts, realtime.ActionUpdate, movement.ProductID, created.SourceID, created.SessionID)
		s.publish(ctx, realtime.TableStockMovements, realtime.ActionInsert, movement.ID, created.SourceID, created.SessionID)
	}
	return *result, nil
}

func checkoutDraft(actor domain.Actor, req domain.CheckoutRequest, idemKey string, items []domain.LineItem,
	totals pricing.Totals, sessionID string, billDate time.Time, now time.Time) domain.CheckoutDraft {
	bill := domain.Bill{
		ID:             xid.New("bill"),
		SourceID:       req.SourceID,
		SessionID:      sessionID,
		PayerID:        req.PayerID,
		IdempotencyKey: idemKey,
		Items:          items,
		Subtotal:       totals.Subtotal,
		Discount:       totals.Discount,
		Tax:            totals.Tax,
		Total:          totals.Total,
		PaidAmount:     pricing.StoredPaid(totals.Total, req.PaidAmount),
		Status:         pricing.DeriveStatus(totals.Total, req.PaidAmount),
		PaymentMethod:  req.PaymentMethod,
		BillDate:       billDate,
		CreatedBy:      actor.Username,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ledger := domain.Transaction{
		ID:          xid.New("trx"),
		SourceID:    req.SourceID,
		SessionID:   sessionID,
		BillID:      bill.ID,
		Amount:      totals.Total,
		Type:        domain.TransactionIncome,
		PayerID:     req.PayerID,
		Description: "Penjualan " + bill.ID,
		CreatedBy:   actor.Username,
		OccurredAt:  billDate,
		CreatedAt:   now,
	}
	return domain.CheckoutDraft{Bill: bill, Transaction: ledger}
}

func normalizeLineItems(items []domain.LineItem) ([]domain.LineItem, error) {
	if len(items) == 0 {
		return nil, invalid("items", "cart is empty")
	}
	normalized := make([]domain.LineItem, 0, len(items))
	for i, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		item.Name = strings.TrimSpace(item.Name)
		field := fmt.Sprintf("items[%d]", i)
		if item.ID == "" {
			return nil, invalid(field+".id", "required")
		}
		if item.Quantity < 1 {
			return nil, invalid(field+".quantity", "must be at least 1")
		}
		if item.Price.IsNegative() {
			return nil, invalid(field+".price", "must not be negative")
		}
		switch item.Type {
		case domain.ItemTypeProduct:
		case domain.ItemTypeService:
			item.CurrentStock = nil
		default:
			return nil, invalid(field+".type", "must be product or service")
		}
		normalized = append(normalized, item)
	}
	return normalized, nil
}

func isPaymentMethod(method string) bool {
	return method == domain.PaymentCash || method == domain.PaymentTransfer
}
