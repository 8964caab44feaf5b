package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func (s *userStoreStub) UpdateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[user.Username]
	if !ok {
		return store.ErrNotFound
	}
	existing.Role = user.Role
	existing.Active = user.Active
	s.users[user.Username] = existing
	return nil
}

func newStubWithAdmin() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := newStubWithAdmin()

	manager := NewAuthManager("test-secret", time.Hour, "123456", users)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	stored, err := users.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if stored[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	users := newStubWithAdmin()

	manager := NewAuthManager("test-secret", time.Hour, "123456", users)
	created, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "KasirBaru",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if created.Username != "kasirbaru" || created.Role != domain.RoleUser {
		t.Fatalf("unexpected user %+v", created)
	}

	stored, err := users.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range stored {
		if stored[i].Username == "kasirbaru" {
			found = &stored[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected user to be saved")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "kasirbaru",
		Password: "pass1234",
	}); err != nil {
		t.Fatalf("login with hashed user failed: %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", newStubWithAdmin())

	cases := []struct {
		name string
		req  domain.UserCreateRequest
		want error
	}{
		{"short username", domain.UserCreateRequest{Username: "abc", Password: "pass1234"}, store.ErrInvalidTransaction},
		{"space in username", domain.UserCreateRequest{Username: "kasir dua", Password: "pass1234"}, store.ErrInvalidTransaction},
		{"short password", domain.UserCreateRequest{Username: "kasirdua", Password: "12345"}, store.ErrInvalidTransaction},
		{"unknown role", domain.UserCreateRequest{Username: "kasirdua", Password: "pass1234", Role: "owner"}, store.ErrInvalidTransaction},
		{"duplicate", domain.UserCreateRequest{Username: "admin", Password: "pass1234"}, store.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := manager.CreateUser(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDeactivatedUserCannotLoginOrUseToken(t *testing.T) {
	users := newStubWithAdmin()
	manager := NewAuthManager("test-secret", time.Hour, "123456", users)
	ctx := context.Background()

	if _, err := manager.CreateUser(ctx, domain.UserCreateRequest{Username: "kasir", Password: "kasir123"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	login, err := manager.Login(ctx, domain.LoginRequest{Username: "kasir", Password: "kasir123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	admin := domain.Actor{Username: "admin", Role: domain.RoleAdmin}
	inactive := false
	if _, err := manager.UpdateUser(ctx, admin, "kasir", domain.UserUpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := manager.ParseToken(login.AccessToken); err == nil {
		t.Fatalf("expected token of deactivated user to be rejected")
	}
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "kasir", Password: "kasir123"}); !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestAdminCannotDemoteThemselves(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", newStubWithAdmin())
	admin := domain.Actor{Username: "admin", Role: domain.RoleAdmin}
	role := domain.RoleUser

	_, err := manager.UpdateUser(context.Background(), admin, "admin", domain.UserUpdateRequest{Role: &role})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", newStubWithAdmin())
	other := NewAuthManager("other-secret", time.Hour, "123456", newStubWithAdmin())

	login, err := other.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := manager.ParseToken(login.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	own, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor, err := manager.ParseToken(own.AccessToken)
	if err != nil {
		t.Fatalf("parse own token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	users := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", users)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
