package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"kasirbuku/backend/internal/cache"
	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/xid"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
)

// ValidationError is a rejected input. It matches store.ErrInvalidTransaction
// under errors.Is so callers can treat both the same way.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return store.ErrInvalidTransaction
}

func invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const defaultTotalsTTL = 60 * time.Second

type Service struct {
	repo      store.Repository
	broker    realtime.Broker
	totals    cache.SessionTotalsCache
	totalsTTL time.Duration
}

func New(repo store.Repository, broker realtime.Broker, totals cache.SessionTotalsCache, totalsTTL time.Duration) *Service {
	if broker == nil {
		broker = realtime.NewLocalBroker(0)
	}
	if totals == nil {
		totals = cache.NoopSessionTotalsCache{}
	}
	if totalsTTL <= 0 {
		totalsTTL = defaultTotalsTTL
	}
	return &Service{
		repo:      repo,
		broker:    broker,
		totals:    totals,
		totalsTTL: totalsTTL,
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return actor, err
	}
	if actor.Role != domain.RoleAdmin {
		return actor, ErrForbidden
	}
	return actor, nil
}

// authorize checks the actor against the source's permission rows. Admins pass
// everywhere; viewers may only read.
func (s *Service) authorize(ctx context.Context, sourceID string, write bool) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return actor, err
	}
	if sourceID == "" {
		return actor, invalid("source_id", "required")
	}
	if _, err := s.repo.GetSource(ctx, sourceID); err != nil {
		return actor, err
	}
	if actor.Role == domain.RoleAdmin {
		return actor, nil
	}

	perm, err := s.repo.GetSourcePermission(ctx, sourceID, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return actor, ErrForbidden
		}
		return actor, err
	}
	if write && perm.Role == domain.SourceRoleViewer {
		return actor, ErrForbidden
	}
	return actor, nil
}

// authorizeOwner allows admins and the source owner only.
func (s *Service) authorizeOwner(ctx context.Context, sourceID string) (domain.Actor, *domain.Source, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return actor, nil, err
	}
	source, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return actor, nil, err
	}
	if actor.Role == domain.RoleAdmin || source.Owner == actor.Username {
		return actor, source, nil
	}
	perm, err := s.repo.GetSourcePermission(ctx, sourceID, actor.Username)
	if err == nil && perm.Role == domain.SourceRoleOwner {
		return actor, source, nil
	}
	return actor, nil, ErrForbidden
}

// activeSessionID returns "" when the source has no active session. It is
// looked up on every call and never cached.
func (s *Service) activeSessionID(ctx context.Context, sourceID string) (string, error) {
	session, err := s.repo.GetActiveSession(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return session.ID, nil
}

// withActiveSession runs write against the source's active session id. When
// that session closes before the write commits, the store refuses the write
// with ErrSessionNotActive and it is retried once with a fresh lookup.
func (s *Service) withActiveSession(ctx context.Context, sourceID string, write func(sessionID string) error) error {
	for attempt := 0; ; attempt++ {
		sessionID, err := s.activeSessionID(ctx, sourceID)
		if err != nil {
			return err
		}
		err = write(sessionID)
		if attempt == 0 && errors.Is(err, store.ErrSessionNotActive) {
			log.Printf("[service] session %s closed mid-write on source=%s, retrying", sessionID, sourceID)
			continue
		}
		return err
	}
}

func (s *Service) publish(ctx context.Context, table string, action string, id string, sourceID string, sessionID string) {
	event := realtime.Event{
		Table:     table,
		Action:    action,
		ID:        id,
		SourceID:  sourceID,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
	if err := s.broker.Publish(ctx, event); err != nil {
		log.Printf("[realtime] WARN: publish %s/%s id=%s: %v", table, action, id, err)
	}
}

func (s *Service) invalidateTotals(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := s.totals.Delete(ctx, sessionID); err != nil {
		log.Printf("[service] WARN: invalidate totals session=%s: %v", sessionID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, sourceID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		SourceID:      sourceID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func clampLimit(limit int, fallback int, max int) int {
	if limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func parseDay(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return time.Date(fallback.Year(), fallback.Month(), fallback.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, invalid("date", "expected YYYY-MM-DD")
	}
	return parsed.UTC(), nil
}
