package config

import (
    "errors"
    "fmt"
    "os"
    "strconv"
    "strings"
    "time"
)

// Config holds the application configuration.
type Config struct {
    Environment string
    HTTPAddr    string

    // Empty DatabaseURL selects the in-memory ledger, for dev and tests.
    DatabaseURL string
    RedisAddr   string
    ClaimDBPath string

    PlatformAccount  string
    FeeRateBps       int64
    AutoReleaseAfter time.Duration
    SweepSchedule    string

    AuthIssuer     string
    SigningKeyFile string

    WebhookAllowlist string
    EventChannel     string

    RateLimitCapacity int
    RateLimitRefill   float64
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
    cfg := &Config{
        Environment:      getenv("APP_ENV", "development"),
        HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
        DatabaseURL:      os.Getenv("DATABASE_URL"),
        RedisAddr:        os.Getenv("REDIS_ADDR"),
        ClaimDBPath:      os.Getenv("CLAIM_DB_PATH"),
        PlatformAccount:  getenv("PLATFORM_ACCOUNT", "platform"),
        SweepSchedule:    getenv("SWEEP_SCHEDULE", "@every 1m"),
        AuthIssuer:       getenv("AUTH_ISSUER", "market-infra"),
        SigningKeyFile:   os.Getenv("AUTH_SIGNING_KEY_FILE"),
        WebhookAllowlist: os.Getenv("WEBHOOK_ALLOWLIST"),
        EventChannel:     getenv("EVENT_CHANNEL", "funds.events"),
    }

    var err error
    if cfg.FeeRateBps, err = getenvInt64("ESCROW_FEE_BPS", 250); err != nil {
        return nil, err
    }
    if cfg.AutoReleaseAfter, err = getenvDuration("ESCROW_AUTO_RELEASE_AFTER", 72*time.Hour); err != nil {
        return nil, err
    }
    capacity, err := getenvInt64("RATE_LIMIT_CAPACITY", 20)
    if err != nil {
        return nil, err
    }
    cfg.RateLimitCapacity = int(capacity)
    if cfg.RateLimitRefill, err = getenvFloat("RATE_LIMIT_REFILL", 5); err != nil {
        return nil, err
    }

    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

// Validate checks that the configuration is valid. Production and staging
// must not fall back to the in-memory stores or an ephemeral signing key.
func (c *Config) Validate() error {
    if c.FeeRateBps < 0 || c.FeeRateBps > 10000 {
        return fmt.Errorf("ESCROW_FEE_BPS must be between 0 and 10000, got %d", c.FeeRateBps)
    }
    if c.AutoReleaseAfter <= 0 {
        return errors.New("ESCROW_AUTO_RELEASE_AFTER must be positive")
    }

    if c.Environment == "production" || c.Environment == "staging" {
        var missing []string
        if c.DatabaseURL == "" {
            missing = append(missing, "DATABASE_URL")
        }
        if c.RedisAddr == "" {
            missing = append(missing, "REDIS_ADDR")
        }
        if c.ClaimDBPath == "" {
            missing = append(missing, "CLAIM_DB_PATH")
        }
        if c.SigningKeyFile == "" {
            missing = append(missing, "AUTH_SIGNING_KEY_FILE")
        }
        if len(missing) > 0 {
            return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
        }
    }

    return nil
}

func getenv(key, fallback string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return fallback
}

func getenvInt64(key string, fallback int64) (int64, error) {
    v := os.Getenv(key)
    if v == "" {
        return fallback, nil
    }
    n, err := strconv.ParseInt(v, 10, 64)
    if err != nil {
        return 0, fmt.Errorf("%s: %w", key, err)
    }
    return n, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
    v := os.Getenv(key)
    if v == "" {
        return fallback, nil
    }
    f, err := strconv.ParseFloat(v, 64)
    if err != nil {
        return 0, fmt.Errorf("%s: %w", key, err)
    }
    return f, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
    v := os.Getenv(key)
    if v == "" {
        return fallback, nil
    }
    d, err := time.ParseDuration(v)
    if err != nil {
        return 0, fmt.Errorf("%s: %w", key, err)
    }
    return d, nil
}
