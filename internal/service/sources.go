package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/xid"
)

// ListSources returns every source to admins and only owned or shared
// sources to everyone else.
func (s *Service) ListSources(ctx context.Context) ([]domain.Source, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	sources, err := s.repo.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleAdmin {
		return sources, nil
	}

	perms, err := s.repo.ListPermissionsByUser(ctx, actor.Username)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(perms))
	for _, perm := range perms {
		allowed[perm.SourceID] = struct{}{}
	}
	visible := make([]domain.Source, 0, len(perms))
	for _, source := range sources {
		if _, ok := allowed[source.ID]; ok || source.Owner == actor.Username {
			visible = append(visible, source)
		}
	}
	return visible, nil
}

func (s *Service) GetSource(ctx context.Context, sourceID string) (*domain.Source, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.GetSource(ctx, sourceID)
}

// CreateSource makes the caller the owner of the new source.
func (s *Service) CreateSource(ctx context.Context, req domain.SourceRequest) (*domain.Source, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}

	source, err := s.repo.CreateSource(ctx, domain.Source{
		ID:        xid.New("src"),
		Name:      name,
		Owner:     actor.Username,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, source.ID, "source_create", "source", source.ID, "name="+source.Name)
	s.publish(ctx, realtime.TableSources, realtime.ActionInsert, source.ID, source.ID, "")
	return source, nil
}

func (s *Service) RenameSource(ctx context.Context, sourceID string, req domain.SourceRequest) (*domain.Source, error) {
	_, source, err := s.authorizeOwner(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	previous := source.Name
	source.Name = name

	updated, err := s.repo.UpdateSource(ctx, *source)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, sourceID, "source_rename", "source", sourceID, fmt.Sprintf("name=%s->%s", previous, updated.Name))
	s.publish(ctx, realtime.TableSources, realtime.ActionUpdate, sourceID, sourceID, "")
	return updated, nil
}

func (s *Service) DeleteSource(ctx context.Context, sourceID string) error {
	if _, _, err := s.authorizeOwner(ctx, sourceID); err != nil {
		return err
	}
	if err := s.repo.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	s.logAudit(ctx, sourceID, "source_delete", "source", sourceID, "")
	s.publish(ctx, realtime.TableSources, realtime.ActionDelete, sourceID, sourceID, "")
	return nil
}

func (s *Service) ListSourceAccess(ctx context.Context, sourceID string) ([]domain.SourcePermission, error) {
	if _, err := s.authorize(ctx, sourceID, false); err != nil {
		return nil, err
	}
	return s.repo.ListSourcePermissions(ctx, sourceID)
}

// GrantSourceAccess shares a source with another user as editor or viewer.
func (s *Service) GrantSourceAccess(ctx context.Context, sourceID string, req domain.SourceAccessRequest) (*domain.SourcePermission, error) {
	_, source, err := s.authorizeOwner(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, invalid("username", "required")
	}
	if username == source.Owner {
		return nil, invalid("username", "owner already has full access")
	}
	if req.Role != domain.SourceRoleEditor && req.Role != domain.SourceRoleViewer {
		return nil, invalid("role", "must be editor or viewer")
	}

	perm := domain.SourcePermission{
		SourceID:  sourceID,
		Username:  username,
		Role:      req.Role,
		GrantedAt: time.Now().UTC(),
	}
	if err := s.repo.UpsertSourcePermission(ctx, perm); err != nil {
		return nil, err
	}
	s.logAudit(ctx, sourceID, "source_grant", "source_permission", username, "role="+req.Role)
	s.publish(ctx, realtime.TableSources, realtime.ActionUpdate, sourceID, sourceID, "")
	return &perm, nil
}

func (s *Service) RevokeSourceAccess(ctx context.Context, sourceID string, username string) error {
	_, source, err := s.authorizeOwner(ctx, sourceID)
	if err != nil {
		return err
	}
	if username == source.Owner {
		return invalid("username", "owner access cannot be revoked")
	}
	if err := s.repo.DeleteSourcePermission(ctx, sourceID, username); err != nil {
		return err
	}
	s.logAudit(ctx, sourceID, "source_revoke", "source_permission", username, "")
	s.publish(ctx, realtime.TableSources, realtime.ActionUpdate, sourceID, sourceID, "")
	return nil
}
