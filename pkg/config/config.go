// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Tenant seeding. TenantSeedJSON takes precedence; TenantConfigFile is a
	// YAML file with the same entries for operators who prefer files over env.
	TenantSeedJSON   string
	TenantConfigFile string

	// Session verification
	SessionTTL time.Duration

	// External identity (bearer-token flow). Tenant config may override.
	Issuer  string
	JWKSURL string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string

	// Idempotency ledger sweep interval for expired records.
	LedgerSweepInterval time.Duration

	// RateLimitShortCircuit stops rule evaluation at the first rejection
	// instead of letting every rule record its window hit.
	RateLimitShortCircuit bool
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                 env("GATEWAY_ENV", "dev"),
		HTTPAddr:            env("GATEWAY_HTTP_ADDR", ":8080"),
		TenantSeedJSON:      env("TENANT_SEED_JSON", ""),
		TenantConfigFile:    env("TENANT_CONFIG_FILE", ""),
		SessionTTL:          envDur("SESSION_TTL_SEC", 31536000) * time.Second,
		Issuer:              env("OIDC_ISSUER", ""),
		JWKSURL:             env("JWKS_URL", ""),
		RedisURL:            env("REDIS_URL", ""),
		DatabaseURL:         env("DATABASE_URL", ""),
		LedgerSweepInterval: envDur("LEDGER_SWEEP_INTERVAL_SEC", 600) * time.Second,

		RateLimitShortCircuit: envBool("GATEWAY_RATELIMIT_SHORT_CIRCUIT", false),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; sessions and idempotency ledger disabled, using in-memory tenant registry")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
