package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty or missing)
// over Defaults, then applies AMM_* environment overrides. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.Addr, "AMM_SERVER_ADDR")
	setStringSlice(&cfg.Server.CORSOrigins, "AMM_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.RateLimit, "AMM_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "AMM_SERVER_RATE_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "AMM_SERVER_IDEMPOTENCY_TTL")
	setDuration(&cfg.Server.ShutdownTimeout, "AMM_SERVER_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.Server.SweepInterval, "AMM_SERVER_SWEEP_INTERVAL")

	// ── Database ──
	setStr(&cfg.Database.DSN, "AMM_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setBool(&cfg.Database.RunMigrations, "AMM_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "AMM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AMM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AMM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AMM_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "AMM_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "AMM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AMM_S3_REGION")
	setStr(&cfg.S3.Bucket, "AMM_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "AMM_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "AMM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AMM_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "AMM_S3_FORCE_PATH_STYLE")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "AMM_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET") // compatibility alias
	setDuration(&cfg.Auth.TokenTTL, "AMM_AUTH_TOKEN_TTL")
	setStringSlice(&cfg.Auth.AdminEmails, "AMM_AUTH_ADMIN_EMAILS")
	setStr(&cfg.Auth.SignupUSDT, "AMM_AUTH_SIGNUP_USDT")
	setStr(&cfg.Auth.SignupBET, "AMM_AUTH_SIGNUP_BET")

	// ── Engine ──
	setUint32(&cfg.Engine.ProtocolFeeBps, "AMM_ENGINE_PROTOCOL_FEE_BPS")
	setUint32(&cfg.Engine.MaxPriceImpactBps, "AMM_ENGINE_MAX_PRICE_IMPACT_BPS")
	setStr(&cfg.Engine.DefaultSeed, "AMM_ENGINE_DEFAULT_SEED")
	setDuration(&cfg.Engine.OpTimeout, "AMM_ENGINE_OP_TIMEOUT")
	setInt(&cfg.Engine.QueueSize, "AMM_ENGINE_QUEUE_SIZE")

	// ── Governance ──
	setStr(&cfg.Governance.MinCreationStake, "AMM_GOVERNANCE_MIN_CREATION_STAKE")
	setStr(&cfg.Governance.MinVoteStake, "AMM_GOVERNANCE_MIN_VOTE_STAKE")
	setStr(&cfg.Governance.Quorum, "AMM_GOVERNANCE_QUORUM")
	setDuration(&cfg.Governance.VotingPeriod, "AMM_GOVERNANCE_VOTING_PERIOD")

	// ── Oracle ──
	setStringSlice(&cfg.Oracle.Trusted, "AMM_ORACLE_TRUSTED")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "AMM_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
