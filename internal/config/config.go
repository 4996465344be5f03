// Package config loads server configuration from a TOML file, an optional
// .env file and AMM_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"outcome-exchange/internal/archive"
	"outcome-exchange/internal/cache"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/governance"
)

type Config struct {
	LogLevel   string           `toml:"log_level"`
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Auth       AuthConfig       `toml:"auth"`
	Engine     EngineConfig     `toml:"engine"`
	Governance GovernanceConfig `toml:"governance"`
	Oracle     OracleConfig     `toml:"oracle"`
}

// duration wraps time.Duration so TOML strings like "72h" decode directly.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       float64  `toml:"rate_limit"` // requests per second per user
	RateBurst       int      `toml:"rate_burst"`
	IdempotencyTTL  duration `toml:"idempotency_ttl"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	SweepInterval   duration `toml:"sweep_interval"`
}

// DatabaseConfig selects the store. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the shared idempotency store when Addr is set.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config enables settlement archiving when Bucket is set.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

type AuthConfig struct {
	JWTSecret   string   `toml:"jwt_secret"`
	TokenTTL    duration `toml:"token_ttl"`
	AdminEmails []string `toml:"admin_emails"`
	// Deposits credited to every new account. Decimal strings, e.g. "1000".
	SignupUSDT string `toml:"signup_usdt"`
	SignupBET  string `toml:"signup_bet"`
}

type EngineConfig struct {
	ProtocolFeeBps    uint32   `toml:"protocol_fee_bps"`
	MaxPriceImpactBps uint32   `toml:"max_price_impact_bps"`
	DefaultSeed       string   `toml:"default_seed"`
	OpTimeout         duration `toml:"op_timeout"`
	QueueSize         int      `toml:"queue_size"`
}

type GovernanceConfig struct {
	MinCreationStake string   `toml:"min_creation_stake"`
	MinVoteStake     string   `toml:"min_vote_stake"`
	Quorum           string   `toml:"quorum"`
	VotingPeriod     duration `toml:"voting_period"`
}

type OracleConfig struct {
	Trusted []string `toml:"trusted"`
}

// Defaults returns a Config suitable for local development.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			RateLimit:       20,
			RateBurst:       40,
			IdempotencyTTL:  duration{24 * time.Hour},
			ShutdownTimeout: duration{10 * time.Second},
			SweepInterval:   duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "outcome-exchange",
		},
		Auth: AuthConfig{
			TokenTTL:   duration{24 * time.Hour},
			SignupUSDT: "1000",
			SignupBET:  "500",
		},
		Engine: EngineConfig{
			ProtocolFeeBps:    100,
			MaxPriceImpactBps: 5000,
			DefaultSeed:       "100",
			OpTimeout:         duration{5 * time.Second},
			QueueSize:         64,
		},
		Governance: GovernanceConfig{
			MinCreationStake: "100",
			MinVoteStake:     "1",
			Quorum:           "1000",
			VotingPeriod:     duration{72 * time.Hour},
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		errs = append(errs, "server: rate_limit and rate_burst must be positive")
	}
	if c.Server.SweepInterval.Duration <= 0 {
		errs = append(errs, "server: sweep_interval must be positive")
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, "auth: jwt_secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		errs = append(errs, "auth: token_ttl must be positive")
	}
	for name, v := range map[string]string{
		"auth.signup_usdt":              c.Auth.SignupUSDT,
		"auth.signup_bet":               c.Auth.SignupBET,
		"engine.default_seed":           c.Engine.DefaultSeed,
		"governance.min_creation_stake": c.Governance.MinCreationStake,
		"governance.min_vote_stake":     c.Governance.MinVoteStake,
		"governance.quorum":             c.Governance.Quorum,
	} {
		if _, err := fixed.Parse(v); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if c.Engine.ProtocolFeeBps >= 10_000 {
		errs = append(errs, "engine: protocol_fee_bps must be below 10000")
	}
	if c.Engine.OpTimeout.Duration <= 0 {
		errs = append(errs, "engine: op_timeout must be positive")
	}
	if c.Governance.VotingPeriod.Duration <= 0 {
		errs = append(errs, "governance: voting_period must be positive")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// EngineConfig converts the engine section. Call after Validate.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		ProtocolFeeBps:    c.Engine.ProtocolFeeBps,
		MaxPriceImpactBps: c.Engine.MaxPriceImpactBps,
		DefaultSeed:       mustAmount(c.Engine.DefaultSeed),
		OpTimeout:         c.Engine.OpTimeout.Duration,
		QueueSize:         c.Engine.QueueSize,
	}
}

// GovernanceConfig converts the governance section. Call after Validate.
func (c *Config) GovernanceConfig() governance.Config {
	return governance.Config{
		MinCreationStake: mustAmount(c.Governance.MinCreationStake),
		MinVoteStake:     mustAmount(c.Governance.MinVoteStake),
		Quorum:           mustAmount(c.Governance.Quorum),
		VotingPeriod:     c.Governance.VotingPeriod.Duration,
		DefaultSeed:      mustAmount(c.Engine.DefaultSeed),
		OpTimeout:        c.Engine.OpTimeout.Duration,
	}
}

func (c *Config) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:       c.Redis.Addr,
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		PoolSize:   c.Redis.PoolSize,
		TLSEnabled: c.Redis.TLSEnabled,
	}
}

func (c *Config) ArchiveConfig() archive.Config {
	return archive.Config{
		Endpoint:       c.S3.Endpoint,
		Region:         c.S3.Region,
		Bucket:         c.S3.Bucket,
		Prefix:         c.S3.Prefix,
		AccessKey:      c.S3.AccessKey,
		SecretKey:      c.S3.SecretKey,
		ForcePathStyle: c.S3.ForcePathStyle,
	}
}

// SignupGrant returns the USDT and BET credited to new accounts.
func (c *Config) SignupGrant() (usdt, bet fixed.Amount) {
	return mustAmount(c.Auth.SignupUSDT), mustAmount(c.Auth.SignupBET)
}

func (c *Config) IsAdminEmail(email string) bool {
	for _, e := range c.Auth.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(e), email) {
			return true
		}
	}
	return false
}

func mustAmount(s string) fixed.Amount {
	a, err := fixed.Parse(s)
	if err != nil {
		return fixed.Zero()
	}
	return a
}
