package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"kasirbuku/backend/internal/cache"
	"kasirbuku/backend/internal/config"
	"kasirbuku/backend/internal/httpapi"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/refresher"
	"kasirbuku/backend/internal/service"
	"kasirbuku/backend/internal/store"
	"kasirbuku/backend/internal/store/memory"
	pgstore "kasirbuku/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	broker, totalsCache, closeRedis := openRealtime(ctx, cfg)
	if closeRedis != nil {
		closers = append(closers, closeRedis)
	}

	svc := service.New(repo, broker, totalsCache, time.Duration(cfg.SessionTotalsTTLSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, broker, cfg.AllowedOrigin)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var background sync.WaitGroup
	reconnect := time.Duration(cfg.RealtimeReconnectSeconds) * time.Second

	totalsRefresher := refresher.New(svc, broker, time.Duration(cfg.SessionPollSeconds)*time.Second, reconnect)
	invalidator := &realtime.Watcher{
		Name:           "totals-invalidator",
		Broker:         broker,
		Handler:        cache.Invalidator{Cache: totalsCache}.Handle,
		ReconnectDelay: reconnect,
	}
	background.Add(2)
	go func() {
		defer background.Done()
		totalsRefresher.Run(bgCtx)
	}()
	go func() {
		defer background.Done()
		invalidator.Run(bgCtx)
	}()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("bookkeeping backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopBackground()
	background.Wait()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// openRepository uses postgres when DATABASE_URL is set and the seeded
// in-memory store otherwise.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Println("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	log.Println("repository: postgres")
	return pg, pg.Close, nil
}

// openRealtime shares change events and cached totals over Redis when it is
// reachable. Otherwise events stay in process and totals are not cached.
func openRealtime(ctx context.Context, cfg config.Config) (realtime.Broker, cache.SessionTotalsCache, func() error) {
	if cfg.RedisAddr == "" {
		log.Println("realtime: local, cache: noop")
		return realtime.NewLocalBroker(256), cache.NoopSessionTotalsCache{}, nil
	}
	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	totals := cache.NewRedisSessionTotalsCache(client)
	if err := totals.Ping(ctx); err != nil {
		log.Printf("redis unavailable (%v), using local broker and noop cache", err)
		_ = client.Close()
		return realtime.NewLocalBroker(256), cache.NoopSessionTotalsCache{}, nil
	}
	log.Println("realtime: redis, cache: redis")
	return realtime.NewRedisBroker(client, realtime.DefaultChannel), totals, client.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
