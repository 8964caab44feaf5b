package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
)

const maxStatsDays = 366

// Stats summarises the ledger and bills of a source between two dates
// (YYYY-MM-DD, both inclusive). Empty dates mean today.
func (s *Service) Stats(ctx context.Context, sourceID string, from string, to string) (domain.Stats, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return domain.Stats{}, err
	}

	now := time.Now().UTC()
	start, err := parseDay(strings.TrimSpace(from), now)
	if err != nil {
		return domain.Stats{}, err
	}
	end, err := parseDay(strings.TrimSpace(to), start)
	if err != nil {
		return domain.Stats{}, err
	}
	if end.Before(start) {
		return domain.Stats{}, invalid("to", "must not be before from")
	}
	if end.Sub(start) > maxStatsDays*24*time.Hour {
		return domain.Stats{}, invalid("to", "range is limited to one year")
	}
	until := end.Add(24 * time.Hour)

	txs, err := s.repo.ListTransactions(ctx, domain.TransactionFilter{SourceID: sourceID, From: start, To: until})
	if err != nil {
		return domain.Stats{}, err
	}
	bills, err := s.repo.ListBills(ctx, domain.BillFilter{SourceID: sourceID, From: start, To: until})
	if err != nil {
		return domain.Stats{}, err
	}
	counts, err := s.repo.CountBillsByStatus(ctx, sourceID, start, until)
	if err != nil {
		return domain.Stats{}, err
	}

	stats := summarize(txs, bills)
	stats.SourceID = sourceID
	stats.From = start.Format("2006-01-02")
	stats.To = end.Format("2006-01-02")
	stats.BillsByStatus = counts
	return stats, nil
}

func summarize(txs []domain.Transaction, bills []domain.Bill) domain.Stats {
	stats := domain.Stats{
		Income:      decimal.Zero,
		Expense:     decimal.Zero,
		Outstanding: decimal.Zero,
	}

	type categoryKey struct{ id, kind string }
	byCategory := make(map[categoryKey]*domain.CategoryTotal)
	byDay := make(map[string]*domain.DayTotal)

	cancelled := make(map[string]struct{})
	for _, bill := range bills {
		if bill.Status == domain.BillStatusCancelled {
			cancelled[bill.ID] = struct{}{}
		}
	}

	for _, tx := range txs {
		if _, skip := cancelled[tx.BillID]; skip {
			continue
		}
		stats.Transactions++
		day := tx.OccurredAt.UTC().Format("2006-01-02")
		dayTotal, ok := byDay[day]
		if !ok {
			dayTotal = &domain.DayTotal{Date: day, Income: decimal.Zero, Expense: decimal.Zero}
			byDay[day] = dayTotal
		}
		if tx.Type == domain.TransactionExpense {
			stats.Expense = stats.Expense.Add(tx.Amount)
			dayTotal.Expense = dayTotal.Expense.Add(tx.Amount)
		} else {
			stats.Income = stats.Income.Add(tx.Amount)
			dayTotal.Income = dayTotal.Income.Add(tx.Amount)
		}

		key := categoryKey{id: tx.CategoryID, kind: tx.Type}
		total, ok := byCategory[key]
		if !ok {
			total = &domain.CategoryTotal{CategoryID: tx.CategoryID, Type: tx.Type, Total: decimal.Zero}
			byCategory[key] = total
		}
		total.Total = total.Total.Add(tx.Amount)
		total.Count++
	}
	stats.Net = stats.Income.Sub(stats.Expense)

	byPayment := make(map[string]*domain.PaymentTotal)
	for _, bill := range bills {
		if bill.Status == domain.BillStatusCancelled {
			continue
		}
		stats.Outstanding = stats.Outstanding.Add(bill.Total.Sub(bill.PaidAmount))
		total, ok := byPayment[bill.PaymentMethod]
		if !ok {
			total = &domain.PaymentTotal{PaymentMethod: bill.PaymentMethod, Total: decimal.Zero}
			byPayment[bill.PaymentMethod] = total
		}
		total.Bills++
		total.Total = total.Total.Add(bill.Total)
	}

	stats.ByCategory = make([]domain.CategoryTotal, 0, len(byCategory))
	for _, total := range byCategory {
		stats.ByCategory = append(stats.ByCategory, *total)
	}
	slices.SortFunc(stats.ByCategory, func(a, b domain.CategoryTotal) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return b.Total.Cmp(a.Total)
	})

	stats.ByDay = make([]domain.DayTotal, 0, len(byDay))
	for _, total := range byDay {
		stats.ByDay = append(stats.ByDay, *total)
	}
	slices.SortFunc(stats.ByDay, func(a, b domain.DayTotal) int {
		return strings.Compare(a.Date, b.Date)
	})

	stats.ByPayment = make([]domain.PaymentTotal, 0, len(byPayment))
	for _, total := range byPayment {
		stats.ByPayment = append(stats.ByPayment, *total)
	}
	slices.SortFunc(stats.ByPayment, func(a, b domain.PaymentTotal) int {
		return strings.Compare(a.PaymentMethod, b.PaymentMethod)
	})
	return stats
}

// ListAuditLogs returns one day of audit entries; an empty date means the
// last 24 hours.
func (s *Service) ListAuditLogs(ctx context.Context, sourceID string, date string, limit int) ([]domain.AuditLog, error) {
	if _, _, err := s.authorizeOwner(ctx, sourceID); err != nil {
		return nil, err
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		day, err := parseDay(strings.TrimSpace(date), time.Time{})
		if err != nil {
			return nil, err
		}
		from = day
	}
	return s.repo.ListAuditLogs(ctx, sourceID, from, from.Add(24*time.Hour), clampLimit(limit, 100, 500))
}
