/**
 * @description
 * This package handles the configuration management for the transfer-service. It
 * uses Viper to read configuration from environment variables, with an optional
 * .env file loaded first for local development.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/joho/godotenv: optional .env loading.
 *
 * @notes
 * - SOLANA_CUSTODY_KEY is a secret. It is never logged, and String() redacts it.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer-service.
type Config struct {
	ServerPort           string        `mapstructure:"SERVER_PORT"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DatabaseLockTimeout  time.Duration `mapstructure:"DATABASE_LOCK_TIMEOUT"`
	DatabaseStmtTimeout  time.Duration `mapstructure:"DATABASE_STATEMENT_TIMEOUT"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string        `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string        `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string        `mapstructure:"EVENTS_EXCHANGE"`
	SettlementQueue      string        `mapstructure:"SETTLEMENT_QUEUE"`
	SettlementPrefetch   int           `mapstructure:"SETTLEMENT_PREFETCH"`
	JWKSURL              string        `mapstructure:"JWKS_URL"`
	JWTIssuer            string        `mapstructure:"JWT_ISSUER"`
	InternalAPIKey       string        `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins   string        `mapstructure:"CORS_ALLOWED_ORIGINS"`

	TransferExpiry            time.Duration `mapstructure:"TRANSFER_EXPIRY"`
	AcceptAttemptLimit        int           `mapstructure:"ACCEPT_ATTEMPT_LIMIT"`
	AcceptAttemptWindow       time.Duration `mapstructure:"ACCEPT_ATTEMPT_WINDOW"`
	SolanaRPCURL              string        `mapstructure:"SOLANA_RPC_URL"`
	SolanaCustodyKey          string        `mapstructure:"SOLANA_CUSTODY_KEY"`
	SolanaCommitment          string        `mapstructure:"SOLANA_COMMITMENT"`
	BreakerFailureThreshold   int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerMonitoringWindow   time.Duration `mapstructure:"BREAKER_MONITORING_WINDOW"`
	BreakerOpenTimeout        time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
	BreakerSuccessThreshold   int           `mapstructure:"BREAKER_SUCCESS_THRESHOLD"`
	RetryMaxAttempts          int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialDelay         time.Duration `mapstructure:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay             time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	PollMaxAttempts           int           `mapstructure:"CONFIRMATION_POLL_MAX_ATTEMPTS"`
	PollInterval              time.Duration `mapstructure:"CONFIRMATION_POLL_INTERVAL"`
	PollTimeout               time.Duration `mapstructure:"CONFIRMATION_POLL_TIMEOUT"`
	SettlementClaimLease      time.Duration `mapstructure:"SETTLEMENT_CLAIM_LEASE"`
	SettlementUnknownAfter    time.Duration `mapstructure:"SETTLEMENT_UNKNOWN_AFTER"`
	SettlementMaxRetries      int           `mapstructure:"SETTLEMENT_MAX_RETRIES"`
	StuckSettlementAge        time.Duration `mapstructure:"STUCK_SETTLEMENT_AGE"`
	SettlementSweepSchedule   string        `mapstructure:"SETTLEMENT_SWEEP_SCHEDULE"`
	SettlementSweepBatchSize  int           `mapstructure:"SETTLEMENT_SWEEP_BATCH_SIZE"`
	SettlementSweepConcurrent int           `mapstructure:"SETTLEMENT_SWEEP_CONCURRENCY"`
	SettlementJobTimeout      time.Duration `mapstructure:"SETTLEMENT_JOB_TIMEOUT"`
}

// LoadConfig reads configuration from environment variables, after loading
// an optional .env file from path.
func LoadConfig(path string) (config Config, err error) {
	envFile := filepath.Join(path, ".env")
	if loadErr := godotenv.Load(envFile); loadErr != nil && !os.IsNotExist(loadErr) {
		log.Printf("level=warn component=config msg=\"failed to read .env file; using environment values\" path=%s err=%v", envFile, loadErr)
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := map[string]interface{}{
		"SERVER_PORT":                    "8080",
		"DATABASE_LOCK_TIMEOUT":          "5s",
		"DATABASE_STATEMENT_TIMEOUT":     "15s",
		"REDIS_RATE_LIMIT_PREFIX":        "transfer:rate_limit",
		"EVENTS_EXCHANGE":                "ticket_events",
		"SETTLEMENT_QUEUE":               "transfer_service.settlements",
		"SETTLEMENT_PREFETCH":            4,
		"CORS_ALLOWED_ORIGINS":           "*",
		"TRANSFER_EXPIRY":                "48h",
		"ACCEPT_ATTEMPT_LIMIT":           5,
		"ACCEPT_ATTEMPT_WINDOW":          "15m",
		"SOLANA_RPC_URL":                 "https://api.devnet.solana.com",
		"SOLANA_COMMITMENT":              "confirmed",
		"BREAKER_FAILURE_THRESHOLD":      5,
		"BREAKER_MONITORING_WINDOW":      "60s",
		"BREAKER_OPEN_TIMEOUT":           "30s",
		"BREAKER_SUCCESS_THRESHOLD":      3,
		"RETRY_MAX_ATTEMPTS":             3,
		"RETRY_INITIAL_DELAY":            "100ms",
		"RETRY_MAX_DELAY":                "2s",
		"CONFIRMATION_POLL_MAX_ATTEMPTS": 30,
		"CONFIRMATION_POLL_INTERVAL":     "2s",
		"CONFIRMATION_POLL_TIMEOUT":      "60s",
		"SETTLEMENT_CLAIM_LEASE":         "2m",
		"SETTLEMENT_UNKNOWN_AFTER":       "5m",
		"SETTLEMENT_MAX_RETRIES":         5,
		"STUCK_SETTLEMENT_AGE":           "5m",
		"SETTLEMENT_SWEEP_SCHEDULE":      "@every 1m",
		"SETTLEMENT_SWEEP_BATCH_SIZE":    100,
		"SETTLEMENT_SWEEP_CONCURRENCY":   4,
		"SETTLEMENT_JOB_TIMEOUT":         "2m",
	}
	for key, value := range defaults {
		viper.SetDefault(key, value)
		_ = viper.BindEnv(key)
	}

	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SOLANA_CUSTODY_KEY")

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.SolanaCustodyKey = strings.TrimSpace(config.SolanaCustodyKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "transfer:rate_limit"
	}
	config.SolanaCommitment = strings.ToLower(strings.TrimSpace(config.SolanaCommitment))
	switch config.SolanaCommitment {
	case "processed", "confirmed", "finalized":
	default:
		log.Printf("level=warn component=config msg=\"unknown solana commitment; using confirmed\" value=%q", config.SolanaCommitment)
		config.SolanaCommitment = "confirmed"
	}

	if config.SettlementMaxRetries <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive settlement retry budget configured; using default\" value=%d", config.SettlementMaxRetries)
		config.SettlementMaxRetries = 5
	}
	if config.SettlementSweepConcurrent <= 0 {
		config.SettlementSweepConcurrent = 1
	}
	if config.SettlementSweepBatchSize <= 0 {
		config.SettlementSweepBatchSize = 100
	}
	if config.SettlementJobTimeout <= config.PollTimeout {
		// Jobs must outlive the confirmation poll.
		config.SettlementJobTimeout = config.PollTimeout + 30*time.Second
	}

	return
}

// LedgerEnabled reports whether on-chain settlement can run.
func (c Config) LedgerEnabled() bool {
	return c.SolanaCustodyKey != "" && strings.TrimSpace(c.SolanaRPCURL) != ""
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// String renders the config for startup logs with secrets redacted.
func (c Config) String() string {
	return fmt.Sprintf("port=%s events_exchange=%s settlement_queue=%s solana_rpc=%s commitment=%s ledger_enabled=%t sweep_schedule=%q transfer_expiry=%s",
		c.ServerPort, c.EventsExchange, c.SettlementQueue, c.SolanaRPCURL, c.SolanaCommitment, c.LedgerEnabled(), c.SettlementSweepSchedule, c.TransferExpiry)
}
