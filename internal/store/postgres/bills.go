package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

const billColumns = `id, source_id, COALESCE(session_id, ''), COALESCE(payer_id, ''), idempotency_key, items,
	subtotal, discount, tax, total, paid_amount, status, payment_method, bill_date, created_by, created_at, updated_at`

func scanBill(row rowScanner) (*domain.Bill, error) {
	var bill domain.Bill
	var items []byte
	if err := row.Scan(
		&bill.ID, &bill.SourceID, &bill.SessionID, &bill.PayerID, &bill.IdempotencyKey, &items,
		&bill.Subtotal, &bill.Discount, &bill.Tax, &bill.Total, &bill.PaidAmount,
		&bill.Status, &bill.PaymentMethod, &bill.BillDate, &bill.CreatedBy, &bill.CreatedAt, &bill.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &bill.Items); err != nil {
		return nil, fmt.Errorf("decode bill %s items: %w", bill.ID, err)
	}
	return &bill, nil
}

// CreateCheckout writes the bill, its income entry, the stock decrements and
// the sale movements in one transaction. Each decrement is conditional on
// enough stock, so concurrent checkouts can never oversell. The bill's session
// row is share-locked for the whole transaction, which keeps CloseSession
// waiting until the bill is committed and counted.
func (s *Store) CreateCheckout(ctx context.Context, draft domain.CheckoutDraft) (*domain.CheckoutResult, error) {
	bill := draft.Bill
	if bill.IdempotencyKey == "" || bill.SourceID == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	for _, item := range bill.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
	}

	if existing, err := s.FindCheckoutByIdempotency(ctx, bill.SourceID, bill.IdempotencyKey); err == nil {
		existing.Duplicate = true
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	bill.UpdatedAt = bill.CreatedAt
	items, err := json.Marshal(bill.Items)
	if err != nil {
		return nil, err
	}

	tx := draft.Transaction
	if tx.ID == "" {
		tx.ID = xid.New("trx")
	}
	tx.BillID = bill.ID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = bill.CreatedAt
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = bill.BillDate
	}

	movements := make([]domain.StockMovement, 0, len(bill.Items))
	err = s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if err := lockActiveSession(ctx, q, bill.SessionID, bill.SourceID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO bills (
				id, source_id, session_id, payer_id, idempotency_key, items,
				subtotal, discount, tax, total, paid_amount, status, payment_method,
				bill_date, created_by, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`, bill.ID, bill.SourceID, nullIfEmpty(bill.SessionID), nullIfEmpty(bill.PayerID), bill.IdempotencyKey, string(items),
			bill.Subtotal, bill.Discount, bill.Tax, bill.Total, bill.PaidAmount, bill.Status, bill.PaymentMethod,
			bill.BillDate, bill.CreatedBy, bill.CreatedAt, bill.UpdatedAt); err != nil {
			return err
		}

		for _, item := range bill.Items {
			if item.Type != domain.ItemTypeProduct {
				continue
			}
			var stockAfter int
			var unitCost decimal.Decimal
			err := q.QueryRowContext(ctx, `
				UPDATE products
				SET current_stock = current_stock - $1, updated_at = $2
				WHERE id = $3 AND source_id = $4 AND current_stock >= $1
				RETURNING current_stock, purchase_cost
			`, item.Quantity, bill.CreatedAt, item.ID, bill.SourceID).Scan(&stockAfter, &unitCost)
			if errors.Is(err, sql.ErrNoRows) {
				return s.decrementError(ctx, item.ID, bill.SourceID)
			}
			if err != nil {
				return err
			}

			movement := domain.StockMovement{
				ID:           xid.New("mov"),
				ProductID:    item.ID,
				SourceID:     bill.SourceID,
				Quantity:     -item.Quantity,
				MovementType: domain.MovementSale,
				UnitCost:     unitCost,
				ReferenceID:  bill.ID,
				StockAfter:   stockAfter,
				CreatedBy:    bill.CreatedBy,
				CreatedAt:    bill.CreatedAt,
			}
			if err := insertMovement(ctx, q, movement); err != nil {
				return err
			}
			movements = append(movements, movement)
		}

		return insertTransaction(ctx, q, tx)
	})
	if err != nil {
		if isUniqueViolation(err) {
			// a concurrent request with the same key won the race
			if existing, lookupErr := s.FindCheckoutByIdempotency(ctx, bill.SourceID, bill.IdempotencyKey); lookupErr == nil {
				existing.Duplicate = true
				return existing, nil
			}
		}
		return nil, err
	}

	return &domain.CheckoutResult{Bill: bill, Transaction: tx, Movements: movements}, nil
}

// lockActiveSession share-locks an active session row until the surrounding
// transaction ends. An empty id means the row has no session.
func lockActiveSession(ctx context.Context, q queryer, sessionID string, sourceID string) error {
	if sessionID == "" {
		return nil
	}
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM sessions WHERE id = $1 AND source_id = $2 AND status = 'active' FOR SHARE
	`, sessionID, sourceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrSessionNotActive)
	}
	return err
}

func (s *Store) decrementError(ctx context.Context, productID string, sourceID string) error {
	var exists bool
	if err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM products WHERE id = $1 AND source_id = $2)
	`, productID, sourceID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	return fmt.Errorf("product %s: %w", productID, store.ErrInsufficientStock)
}

func (s *Store) FindCheckoutByIdempotency(ctx context.Context, sourceID string, key string) (*domain.CheckoutResult, error) {
	bill, err := scanBill(s.conn(ctx).QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills
		WHERE source_id = $1 AND idempotency_key = $2`, sourceID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	result := &domain.CheckoutResult{Bill: *bill}
	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE bill_id = $1 AND type = 'income' ORDER BY created_at LIMIT 1`, bill.ID)
	if err != nil {
		return nil, err
	}
	if len(txs) > 0 {
		result.Transaction = txs[0]
	}
	result.Movements, err = s.queryMovements(ctx, `SELECT `+movementColumns+` FROM stock_movements
		WHERE reference_id = $1 AND movement_type = 'sale' ORDER BY created_at, id`, bill.ID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	bill, err := scanBill(s.conn(ctx).QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return bill, nil
}

func (s *Store) ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	w := &where{}
	if filter.SourceID != "" {
		w.add("source_id = $%d", filter.SourceID)
	}
	if filter.SessionID != "" {
		w.add("session_id = $%d", filter.SessionID)
	}
	if filter.Status != "" {
		w.add("status = $%d", filter.Status)
	}
	w.between("bill_date", filter.From, filter.To)
	query := `SELECT ` + billColumns + ` FROM bills` + w.String() + ` ORDER BY created_at DESC, id DESC` + w.limit(filter.Limit)

	rows, err := s.conn(ctx).QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.Bill, 0, 32)
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, *bill)
	}
	return bills, rows.Err()
}

func (s *Store) UpdateBillPayment(ctx context.Context, id string, fromStatus string, status string, paid decimal.Decimal, at time.Time) (*domain.Bill, error) {
	bill, err := scanBill(s.conn(ctx).QueryRowContext(ctx, `
		UPDATE bills SET status = $3, paid_amount = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+billColumns, id, fromStatus, status, paid, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, lookupErr := s.GetBill(ctx, id)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return nil, fmt.Errorf("bill %s is %s: %w", id, current.Status, store.ErrConflict)
		}
		return nil, err
	}
	return bill, nil
}

// DeleteBills removes bills of one source. Their ledger rows go with them
// through ON DELETE CASCADE; stock movements stay as history.
func (s *Store) DeleteBills(ctx context.Context, sourceID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM bills WHERE source_id = $1 AND id = ANY($2)`, sourceID, ids)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) CountBillsByStatus(ctx context.Context, sourceID string, from time.Time, to time.Time) (map[string]int, error) {
	w := &where{}
	w.add("source_id = $%d", sourceID)
	w.between("bill_date", from, to)
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM bills`+w.String()+` GROUP BY status`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
