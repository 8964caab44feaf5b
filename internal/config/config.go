package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	ManagerPIN               string
	SessionPollSeconds       int
	RealtimeReconnectSeconds int
	SessionTotalsTTLSeconds  int
}

// Load reads the environment. A .env file in the working directory, or the
// file named by ENV_FILE, fills in variables that are not already set.
func Load() Config {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] WARN: could not read %s: %v", envFile, err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:                strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:               strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		SessionPollSeconds:       getPositiveInt("SESSION_POLL_SECONDS", 30),
		RealtimeReconnectSeconds: getPositiveInt("REALTIME_RECONNECT_SECONDS", 5),
		SessionTotalsTTLSeconds:  getPositiveInt("SESSION_TOTALS_TTL_SECONDS", 60),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
