package main

import (
	"context"
	"testing"

	"kasirbuku/backend/internal/cache"
	"kasirbuku/backend/internal/config"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "123456"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidatePINStrength(t *testing.T) {
	for _, pin := range []string{"777777", "234567", "876543", "112233"} {
		if err := validatePINStrength(pin); err == nil {
			t.Fatalf("expected %s to be rejected", pin)
		}
	}
	if err := validatePINStrength("739154"); err != nil {
		t.Fatalf("expected 739154 to pass, got %v", err)
	}
}

func TestOpenRepositoryFallsBackToMemory(t *testing.T) {
	repo, closeFn, err := openRepository(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("expected no closer for the in-memory store")
	}
	if _, ok := repo.(*memory.Store); !ok {
		t.Fatalf("expected in-memory store, got %T", repo)
	}
}

func TestOpenRealtimeWithoutRedisStaysLocal(t *testing.T) {
	broker, totals, closeFn := openRealtime(context.Background(), config.Config{})
	if closeFn != nil {
		t.Fatalf("expected no closer without redis")
	}
	if _, ok := broker.(*realtime.LocalBroker); !ok {
		t.Fatalf("expected local broker, got %T", broker)
	}
	if _, ok := totals.(cache.NoopSessionTotalsCache); !ok {
		t.Fatalf("expected noop totals cache, got %T", totals)
	}
}
