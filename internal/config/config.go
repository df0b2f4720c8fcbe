// Package config handles firewall configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"

	"github.com/mbd888/txfirewall/internal/units"
	"github.com/mbd888/txfirewall/internal/validation"
)

// ConfigurationError reports a setting the firewall cannot start with.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Message)
}

// Config holds all firewall configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain access
	RPCURL  string
	ChainID int64

	// Spend limits, in wei
	PeriodCap      *uint256.Int
	PerTxCap       *uint256.Int
	PeriodLocation *time.Location
	ReservationTTL time.Duration // unconfirmed holds stop counting after this

	// Contract classification
	AllowlistMode   bool // ALLOWLIST was set, even if empty
	Allowlist       []string
	Blocklist       []string
	HonorSystemSafe bool

	// Simulation
	RequireSimulation    bool
	PayerAddress         string
	MaxSimulationRetries int
	SimulationTimeout    time.Duration

	PolicyFile       string
	AuditLogPath     string // append-only JSON lines file; in-memory only when empty
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Access control
	AdminSecret   string
	RequireAPIKey bool // check and spend routes need an issued sk_ key
	CORSOrigins   []string

	// Per-caller rate limit on check routes; zero RPM disables it
	RateLimitRPM   int
	RateLimitBurst int
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultPeriodCapETH      = "10"
	DefaultPerTxCapETH       = "1"
	DefaultPeriodTimezone    = "UTC"
	DefaultSimulationRetries = 2
	DefaultSimulationTimeout = 10 * time.Second
	DefaultReservationTTL    = 15 * time.Minute
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		Blocklist:         splitList(os.Getenv("BLOCKLIST")),
		PayerAddress:      strings.TrimSpace(os.Getenv("PAYER_ADDRESS")),
		PolicyFile:        os.Getenv("POLICY_FILE"),
		AuditLogPath:      os.Getenv("AUDIT_LOG_PATH"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		CORSOrigins:       splitList(os.Getenv("CORS_ORIGINS")),
		SimulationTimeout: DefaultSimulationTimeout,
		ReservationTTL:    DefaultReservationTTL,
		TraceSampleRatio:  1,
	}

	if raw, ok := os.LookupEnv("ALLOWLIST"); ok {
		cfg.AllowlistMode = true
		cfg.Allowlist = splitList(raw)
	}

	var err error
	if cfg.ChainID, err = getEnvInt64("CHAIN_ID", DefaultChainID); err != nil {
		return nil, err
	}
	if cfg.PeriodCap, err = getEnvEther("PERIOD_CAP_ETH", DefaultPeriodCapETH); err != nil {
		return nil, err
	}
	if cfg.PerTxCap, err = getEnvEther("PER_TX_CAP_ETH", DefaultPerTxCapETH); err != nil {
		return nil, err
	}
	if cfg.HonorSystemSafe, err = getEnvBool("HONOR_SYSTEM_SAFE", true); err != nil {
		return nil, err
	}
	if cfg.RequireSimulation, err = getEnvBool("REQUIRE_SIMULATION", true); err != nil {
		return nil, err
	}
	if cfg.RequireAPIKey, err = getEnvBool("REQUIRE_API_KEY", false); err != nil {
		return nil, err
	}
	retries, err := getEnvInt64("MAX_SIMULATION_RETRIES", DefaultSimulationRetries)
	if err != nil {
		return nil, err
	}
	cfg.MaxSimulationRetries = int(retries)
	rpm, err := getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)
	if err != nil {
		return nil, err
	}
	burst, err := getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRPM, cfg.RateLimitBurst = int(rpm), int(burst)
	if raw := os.Getenv("SIMULATION_TIMEOUT"); raw != "" {
		if cfg.SimulationTimeout, err = time.ParseDuration(raw); err != nil {
			return nil, &ConfigurationError{Field: "SIMULATION_TIMEOUT", Message: "must be a duration such as 10s"}
		}
	}
	if raw := os.Getenv("RESERVATION_TTL"); raw != "" {
		if cfg.ReservationTTL, err = time.ParseDuration(raw); err != nil {
			return nil, &ConfigurationError{Field: "RESERVATION_TTL", Message: "must be a duration such as 15m"}
		}
	}
	if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
		if cfg.TraceSampleRatio, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, &ConfigurationError{Field: "OTEL_TRACES_SAMPLER_ARG", Message: "must be a number between 0 and 1"}
		}
	}
	tz := getEnv("PERIOD_TIMEZONE", DefaultPeriodTimezone)
	if cfg.PeriodLocation, err = time.LoadLocation(tz); err != nil {
		return nil, &ConfigurationError{Field: "PERIOD_TIMEZONE", Message: fmt.Sprintf("unknown timezone %q", tz)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.PeriodCap == nil || c.PeriodCap.IsZero() {
		return &ConfigurationError{Field: "PERIOD_CAP_ETH", Message: "must be greater than zero"}
	}
	if c.PerTxCap == nil || c.PerTxCap.IsZero() {
		return &ConfigurationError{Field: "PER_TX_CAP_ETH", Message: "must be greater than zero"}
	}
	if c.PerTxCap.Gt(c.PeriodCap) {
		return &ConfigurationError{Field: "PER_TX_CAP_ETH", Message: "must not exceed PERIOD_CAP_ETH"}
	}
	if c.PayerAddress != "" && !validation.IsValidEthAddress(c.PayerAddress) {
		return &ConfigurationError{Field: "PAYER_ADDRESS", Message: "must be a valid Ethereum address (0x...)"}
	}
	if c.RequireSimulation && c.RPCURL == "" {
		return &ConfigurationError{Field: "RPC_URL", Message: "is required when REQUIRE_SIMULATION is enabled"}
	}
	if c.MaxSimulationRetries < 1 {
		return &ConfigurationError{Field: "MAX_SIMULATION_RETRIES", Message: "must be at least 1"}
	}
	if c.SimulationTimeout <= 0 {
		return &ConfigurationError{Field: "SIMULATION_TIMEOUT", Message: "must be positive"}
	}
	if c.ReservationTTL <= 0 {
		return &ConfigurationError{Field: "RESERVATION_TTL", Message: "must be positive"}
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return &ConfigurationError{Field: "ADMIN_SECRET", Message: "is required in production"}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return &ConfigurationError{Field: "OTEL_TRACES_SAMPLER_ARG", Message: "must be between 0 and 1"}
	}
	if c.RateLimitRPM < 0 || (c.RateLimitRPM > 0 && c.RateLimitBurst < 1) {
		return &ConfigurationError{Field: "RATE_LIMIT_BURST", Message: "must be at least 1 when rate limiting is enabled"}
	}
	if c.RequireAPIKey && c.AdminSecret == "" {
		return &ConfigurationError{Field: "ADMIN_SECRET", Message: "is required to issue keys when REQUIRE_API_KEY is enabled"}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Message: "must be an integer"}
	}
	return i, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &ConfigurationError{Field: key, Message: "must be true or false"}
	}
	return b, nil
}

func getEnvEther(key, defaultValue string) (*uint256.Int, error) {
	v, err := units.ParseEther(getEnv(key, defaultValue))
	if err != nil {
		return nil, &ConfigurationError{Field: key, Message: "must be a decimal ether amount"}
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
