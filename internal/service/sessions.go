package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/store"
)

// GetActiveSession returns nil without error when the source has no active session.
func (s *Service) GetActiveSession(ctx context.Context, sourceID string) (*domain.Session, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	session, err := s.repo.GetActiveSession(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// StartSession opens a session for the source. When another session is
// already active the error names it and wraps store.ErrActiveSessionExists.
func (s *Service) StartSession(ctx context.Context, sourceID string) (*domain.Session, error) {
	actor, err := s.authorize(ctx, sourceID, true)
	if err != nil {
		return nil, err
	}

	session, err := s.repo.CreateSession(ctx, domain.Session{
		SourceID:  sourceID,
		StartTime: time.Now().UTC(),
		OpenedBy:  actor.Username,
	})
	if err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			if existing, lookupErr := s.repo.GetActiveSession(ctx, sourceID); lookupErr == nil {
				return nil, fmt.Errorf("session %s: %w", existing.ID, store.ErrActiveSessionExists)
			}
		}
		return nil, err
	}

	s.logAudit(ctx, sourceID, "session_start", "session", session.ID, "")
	s.publish(ctx, realtime.TableSessions, realtime.ActionInsert, session.ID, sourceID, session.ID)
	return session, nil
}

// CloseSession freezes the final totals on the session. The store sums and
// closes in one step. Bills still pending stay pending.
func (s *Service) CloseSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	actor, err := s.authorize(ctx, session.SourceID, true)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusActive {
		return nil, invalid("status", "only an active session can be closed")
	}

	closed, totals, err := s.repo.CloseSession(ctx, sessionID, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidateTotals(ctx, sessionID)

	s.logAudit(ctx, closed.SourceID, "session_close", "session", closed.ID,
		fmt.Sprintf("cash=%s,transfer=%s,sales=%s,expenses=%s,bills=%d",
			totals.TotalCash, totals.TotalTransfer, totals.TotalSales, totals.TotalExpenses, totals.BillCount))
	s.publish(ctx, realtime.TableSessions, realtime.ActionUpdate, closed.ID, closed.SourceID, closed.ID)
	return closed, nil
}

func (s *Service) ReconcileSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.authorizeOwner(ctx, session.SourceID); err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusClosed {
		return nil, invalid("status", "only a closed session can be reconciled")
	}

	reconciled, err := s.repo.ReconcileSession(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, reconciled.SourceID, "session_reconcile", "session", reconciled.ID, "")
	s.publish(ctx, realtime.TableSessions, realtime.ActionUpdate, reconciled.ID, reconciled.SourceID, reconciled.ID)
	return reconciled, nil
}

func (s *Service) ListSessions(ctx context.Context, sourceID string, limit int) ([]domain.Session, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, sourceID, clampLimit(limit, 20, 200))
}

// ComputeTotals returns the session's running totals, from cache when fresh.
// Closed sessions report the totals frozen at close time.
func (s *Service) ComputeTotals(ctx context.Context, sessionID string) (*domain.SessionTotals, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, session.SourceID, false); err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusActive {
		totals, err := s.repo.SumSessionTotals(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		totals.TotalCash = session.TotalCash
		totals.TotalTransfer = session.TotalTransfer
		totals.TotalSales = session.TotalSales
		totals.TotalExpenses = session.TotalExpenses
		return &totals, nil
	}

	if cached, ok, err := s.totals.Get(ctx, sessionID); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: totals cache read session=%s: %v", sessionID, err)
	}
	return s.RefreshSessionTotals(ctx, sessionID)
}

// RefreshSessionTotals recomputes a session's totals, writes the snapshot to
// the session row and caches it. It performs no permission check.
func (s *Service) RefreshSessionTotals(ctx context.Context, sessionID string) (*domain.SessionTotals, error) {
	totals, err := s.repo.SumSessionTotals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSessionTotals(ctx, totals); err != nil {
		return nil, err
	}
	if err := s.totals.Set(ctx, &totals, s.totalsTTL); err != nil {
		log.Printf("[service] WARN: totals cache write session=%s: %v", sessionID, err)
	}
	return &totals, nil
}

// RefreshActiveSessions refreshes every active session and reports how many succeeded.
func (s *Service) RefreshActiveSessions(ctx context.Context) (int, error) {
	sessions, err := s.repo.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, session := range sessions {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := s.RefreshSessionTotals(ctx, session.ID); err != nil {
			log.Printf("[service] WARN: refresh totals session=%s: %v", session.ID, err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
