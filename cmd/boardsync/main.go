package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/openboards/boardsync/internal/httpapi"
	"github.com/openboards/boardsync/internal/ledger"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}

	addr := os.Getenv("BOARDSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize ledger store: %v", err)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(ledger.New(store), httpapi.ServerConfig{
		JWTSecret:       os.Getenv("BOARDSYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("BOARDSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("BOARDSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("BOARDSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("boardsync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (ledger.Store, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("BOARDSYNC_STORE_PROFILE")))
	dsn := strings.TrimSpace(os.Getenv("BOARDSYNC_POSTGRES_DSN"))
	switch profile {
	case "", "memory", "inmemory":
		if profile == "" && dsn != "" {
			return ledger.NewPostgresStore(dsn)
		}
		return ledger.NewMemoryStore(), nil
	case "postgres", "production", "prod":
		if dsn == "" {
			return nil, fmt.Errorf("BOARDSYNC_POSTGRES_DSN is required when BOARDSYNC_STORE_PROFILE=%s", profile)
		}
		return ledger.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported BOARDSYNC_STORE_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
