package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/xid"
)

func (s *Service) GetBill(ctx context.Context, billID string) (*domain.Bill, error) {
	bill, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, bill.SourceID, false); err != nil {
		return nil, err
	}
	return bill, nil
}

func (s *Service) ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	if _, err := s.authorize(ctx, filter.SourceID, false); err != nil {
		return nil, err
	}
	if filter.Status != "" && !isBillStatus(filter.Status) {
		return nil, invalid("status", "unknown bill status")
	}
	filter.Limit = clampLimit(filter.Limit, 100, 500)
	return s.repo.ListBills(ctx, filter)
}

// SetBillStatus moves a bill between statuses. The paid amount follows the
// status: paid means fully paid, every other status clears it. Use
// RecordPayment for partial payments. A bill changed by someone else since it
// was read fails with store.ErrConflict.
func (s *Service) SetBillStatus(ctx context.Context, billID string, status string) (*domain.Bill, error) {
	bill, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, bill.SourceID, true); err != nil {
		return nil, err
	}

	var paid decimal.Decimal
	switch status {
	case domain.BillStatusPaid:
		paid = bill.Total
	case domain.BillStatusPending, domain.BillStatusActive, domain.BillStatusCancelled:
		paid = decimal.Zero
	case domain.BillStatusPartiallyPaid:
		return nil, invalid("status", "partially_paid needs a payment amount")
	default:
		return nil, invalid("status", "unknown bill status")
	}

	updated, err := s.repo.UpdateBillPayment(ctx, billID, bill.Status, status, paid, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.afterBillChange(ctx, bill, updated, "bill_status")
	return updated, nil
}

// RecordPayment sets the amount paid so far. An amount covering the total
// marks the bill paid. The write only lands while the bill still has the
// status it was validated against, so a concurrent cancel is never undone.
func (s *Service) RecordPayment(ctx context.Context, billID string, amount decimal.Decimal) (*domain.Bill, error) {
	bill, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, bill.SourceID, true); err != nil {
		return nil, err
	}
	if bill.Status == domain.BillStatusCancelled {
		return nil, invalid("status", "cancelled bill cannot take payments")
	}
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be greater than zero")
	}
	if amount.GreaterThan(bill.Total) {
		return nil, invalid("amount", "exceeds bill total")
	}

	status := domain.BillStatusPartiallyPaid
	if amount.GreaterThanOrEqual(bill.Total) {
		status = domain.BillStatusPaid
	}
	updated, err := s.repo.UpdateBillPayment(ctx, billID, bill.Status, status, amount, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.afterBillChange(ctx, bill, updated, "bill_payment")
	return updated, nil
}

func (s *Service) afterBillChange(ctx context.Context, before *domain.Bill, after *domain.Bill, action string) {
	s.logAudit(ctx, after.SourceID, action, "bill", after.ID,
		fmt.Sprintf("status=%s->%s,paid=%s->%s", before.Status, after.Status, before.PaidAmount, after.PaidAmount))
	s.invalidateTotals(ctx, after.SessionID)
	s.publish(ctx, realtime.TableBills, realtime.ActionUpdate, after.ID, after.SourceID, after.SessionID)
}

// DeleteBills removes bills and their ledger entries. Stock movements stay as
// history. Only admins and source owners may delete.
func (s *Service) DeleteBills(ctx context.Context, sourceID string, ids []string) (int, error) {
	if _, _, err := s.authorizeOwner(ctx, sourceID); err != nil {
		return 0, err
	}
	cleaned := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if !xid.Valid(id) {
			return 0, invalid("ids", fmt.Sprintf("malformed bill id %q", id))
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	if len(cleaned) == 0 {
		return 0, invalid("ids", "at least one bill id is required")
	}

	sessions := make(map[string]struct{})
	for _, id := range cleaned {
		if bill, err := s.repo.GetBill(ctx, id); err == nil && bill.SourceID == sourceID && bill.SessionID != "" {
			sessions[bill.SessionID] = struct{}{}
		}
	}

	deleted, err := s.repo.DeleteBills(ctx, sourceID, cleaned)
	if err != nil {
		return 0, err
	}
	s.logAudit(ctx, sourceID, "bill_delete", "bill", strings.Join(cleaned, ","), fmt.Sprintf("requested=%d,deleted=%d", len(cleaned), deleted))
	for sessionID := range sessions {
		s.invalidateTotals(ctx, sessionID)
	}
	for _, id := range cleaned {
		s.publish(ctx, realtime.TableBills, realtime.ActionDelete, id, sourceID, "")
	}
	return deleted, nil
}

// BuildBillReceipt renders the bill for a thermal printer.
func (s *Service) BuildBillReceipt(ctx context.Context, billID string) (domain.BillReceipt, error) {
	bill, err := s.GetBill(ctx, billID)
	if err != nil {
		return domain.BillReceipt{}, err
	}
	source, err := s.repo.GetSource(ctx, bill.SourceID)
	if err != nil {
		return domain.BillReceipt{}, err
	}

	lines := []string{
		"KasirBuku",
		source.Name,
		"========================",
		"Nota: " + bill.ID,
		"Tanggal: " + bill.BillDate.Format("2006-01-02 15:04"),
		"Kasir: " + bill.CreatedBy,
		"------------------------",
	}
	for _, item := range bill.Items {
		lines = append(lines, fmt.Sprintf("%s x%d", item.Name, item.Quantity))
		lines = append(lines, "  "+item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))).StringFixed(2))
	}
	lines = append(lines,
		"------------------------",
		"Subtotal : "+bill.Subtotal.StringFixed(2),
		"Diskon   : "+bill.Discount.StringFixed(2),
		"PPN incl : "+bill.Tax.StringFixed(2),
		"Total    : "+bill.Total.StringFixed(2),
		"Bayar    : "+bill.PaidAmount.StringFixed(2),
		"Sisa     : "+bill.Total.Sub(bill.PaidAmount).StringFixed(2),
		"Metode   : "+bill.PaymentMethod,
		"========================",
		"Terima kasih",
		"",
	)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, 0x1d, 0x56, 0x41, 0x10)

	return domain.BillReceipt{
		BillID:       bill.ID,
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("receipt-%s.bin", bill.ID),
	}, nil
}

func isBillStatus(status string) bool {
	switch status {
	case domain.BillStatusPending, domain.BillStatusActive, domain.BillStatusPartiallyPaid,
		domain.BillStatusPaid, domain.BillStatusCancelled:
		return true
	}
	return false
}
