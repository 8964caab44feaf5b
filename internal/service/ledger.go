package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

// RecordTransaction books a manual income or expense entry. It is tagged with
// the source's active session when there is one.
func (s *Service) RecordTransaction(ctx context.Context, sourceID string, req domain.TransactionCreateRequest) (*domain.Transaction, error) {
	actor, err := s.authorize(ctx, sourceID, true)
	if err != nil {
		return nil, err
	}
	if req.Type != domain.TransactionIncome && req.Type != domain.TransactionExpense {
		return nil, invalid("type", "must be income or expense")
	}
	if !req.Amount.IsPositive() {
		return nil, invalid("amount", "must be greater than zero")
	}
	if req.CategoryID != "" {
		category, err := s.repo.GetCategory(ctx, req.CategoryID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, invalid("category_id", "unknown category")
			}
			return nil, err
		}
		if category.SourceID != sourceID || category.Type != req.Type {
			return nil, invalid("category_id", "category does not match source and type")
		}
	}
	if req.PayerID != "" {
		if _, err := s.repo.GetPayer(ctx, req.PayerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, invalid("payer_id", "unknown payer")
			}
			return nil, err
		}
	}

	now := time.Now().UTC()
	occurredAt := now
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		occurredAt = req.OccurredAt.UTC()
	}

	var tx *domain.Transaction
	err = s.withActiveSession(ctx, sourceID, func(sessionID string) error {
		var createErr error
		tx, createErr = s.repo.CreateTransaction(ctx, domain.Transaction{
			ID:          xid.New("trx"),
			SourceID:    sourceID,
			SessionID:   sessionID,
			Amount:      req.Amount,
			Type:        req.Type,
			CategoryID:  req.CategoryID,
			PayerID:     req.PayerID,
			Description: strings.TrimSpace(req.Description),
			CreatedBy:   actor.Username,
			OccurredAt:  occurredAt,
			CreatedAt:   now,
		})
		return createErr
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, sourceID, "transaction_create", "transaction", tx.ID, fmt.Sprintf("type=%s,amount=%s,session=%s", tx.Type, tx.Amount, tx.SessionID))
	s.invalidateTotals(ctx, tx.SessionID)
	s.publish(ctx, realtime.TableTransactions, realtime.ActionInsert, tx.ID, sourceID, tx.SessionID)
	return tx, nil
}

func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if _, err := s.authorize(ctx, filter.SourceID, false); err != nil {
		return nil, err
	}
	if filter.Type != "" && filter.Type != domain.TransactionIncome && filter.Type != domain.TransactionExpense {
		return nil, invalid("type", "must be income or expense")
	}
	filter.Limit = clampLimit(filter.Limit, 100, 1000)
	return s.repo.ListTransactions(ctx, filter)
}
