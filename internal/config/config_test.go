package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadFallsBackOnBadIntervals(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("SESSION_POLL_SECONDS", "abc")
	t.Setenv("REALTIME_RECONNECT_SECONDS", "0")
	t.Setenv("SESSION_TOTALS_TTL_SECONDS", "120")

	cfg := Load()
	if cfg.SessionPollSeconds != 30 {
		t.Fatalf("expected poll fallback 30, got %d", cfg.SessionPollSeconds)
	}
	if cfg.RealtimeReconnectSeconds != 5 {
		t.Fatalf("expected reconnect fallback 5, got %d", cfg.RealtimeReconnectSeconds)
	}
	if cfg.SessionTotalsTTLSeconds != 120 {
		t.Fatalf("expected totals ttl 120, got %d", cfg.SessionTotalsTTLSeconds)
	}
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "PORT=9191\nREDIS_ADDR=redis:6379\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("PORT", "")
	t.Setenv("REDIS_ADDR", "localhost:6380")
	// only absent variables are filled from the file
	os.Unsetenv("PORT")

	cfg := Load()
	if cfg.Port != "9191" {
		t.Fatalf("expected PORT from env file, got %q", cfg.Port)
	}
	if cfg.RedisAddr != "localhost:6380" {
		t.Fatalf("expected real environment to win, got %q", cfg.RedisAddr)
	}
}
