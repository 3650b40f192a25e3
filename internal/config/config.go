package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTPrivateKeyPath   string  `mapstructure:"JWT_PRIVATE_KEY_PATH"`
	JWTPublicKeyPath    string  `mapstructure:"JWT_PUBLIC_KEY_PATH"`
	JWTIssuer           string  `mapstructure:"JWT_ISSUER"`
	JWTAudience         string  `mapstructure:"JWT_AUDIENCE"`
	JWTAlgorithm        string  `mapstructure:"JWT_ALGORITHM"`
	JWTTTLHours         float64 `mapstructure:"JWT_TTL_HOURS"`
	JWTRefreshTTLHours  float64 `mapstructure:"JWT_REFRESH_TTL_HOURS"`
	JWTClockSkewSeconds int     `mapstructure:"JWT_CLOCK_SKEW_SECONDS"`
	FederationIssuer    string  `mapstructure:"FEDERATION_ISSUER"`
	FederationAudience  string  `mapstructure:"FEDERATION_AUDIENCE"`

	EnableResponseDelay bool    `mapstructure:"ENABLE_RESPONSE_DELAY"`
	MinResponseDelayMS  int     `mapstructure:"MIN_RESPONSE_DELAY_MS"`
	MaxResponseDelayMS  int     `mapstructure:"MAX_RESPONSE_DELAY_MS"`
	ErrorInjectionRate  float64 `mapstructure:"ERROR_INJECTION_RATE"`
	RetryAttempts       int     `mapstructure:"RETRY_ATTEMPTS"`
	RetryDelayMS        int     `mapstructure:"RETRY_DELAY_MS"`

	ResponseCacheTTLSeconds   int    `mapstructure:"RESPONSE_CACHE_TTL_SECONDS"`
	ResponseCacheBackend      string `mapstructure:"RESPONSE_CACHE_BACKEND"`
	ResponseCachePath         string `mapstructure:"RESPONSE_CACHE_PATH"`
	TokenCacheEnabled         bool   `mapstructure:"TOKEN_CACHE_ENABLED"`
	TokenRefreshBufferSeconds int    `mapstructure:"TOKEN_REFRESH_BUFFER_SECONDS"`

	TestAPIKeys   []string `mapstructure:"TEST_API_KEYS"`
	GrantSeedFile string   `mapstructure:"GRANT_SEED_FILE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("JWT_ISSUER", "gov.va.octo.vista-api-x")
	v.SetDefault("JWT_AUDIENCE", "gov.va.octo.vista-api-x")
	v.SetDefault("JWT_ALGORITHM", "RS256")
	v.SetDefault("JWT_TTL_HOURS", 0.05)
	v.SetDefault("JWT_REFRESH_TTL_HOURS", 1.0)
	v.SetDefault("JWT_CLOCK_SKEW_SECONDS", 30)
	v.SetDefault("FEDERATION_ISSUER", "gov.va.vamf.userservice.v2")
	v.SetDefault("FEDERATION_AUDIENCE", "vista-api-x")
	v.SetDefault("ENABLE_RESPONSE_DELAY", false)
	v.SetDefault("MIN_RESPONSE_DELAY_MS", 50)
	v.SetDefault("MAX_RESPONSE_DELAY_MS", 200)
	v.SetDefault("ERROR_INJECTION_RATE", 0.0)
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_DELAY_MS", 100)
	v.SetDefault("RESPONSE_CACHE_TTL_SECONDS", 300)
	v.SetDefault("RESPONSE_CACHE_BACKEND", "memory")
	v.SetDefault("RESPONSE_CACHE_PATH", "vistabridge-cache.db")
	v.SetDefault("TOKEN_CACHE_ENABLED", true)
	v.SetDefault("TOKEN_REFRESH_BUFFER_SECONDS", 30)
	v.SetDefault("TEST_API_KEYS", "test-standard-key-123,test-wildcard-key-456,test-limited-key-789")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CORS_ORIGINS",
		"JWT_PRIVATE_KEY_PATH", "JWT_PUBLIC_KEY_PATH", "JWT_ISSUER",
		"JWT_AUDIENCE", "JWT_ALGORITHM", "JWT_TTL_HOURS",
		"JWT_REFRESH_TTL_HOURS", "JWT_CLOCK_SKEW_SECONDS",
		"FEDERATION_ISSUER", "FEDERATION_AUDIENCE",
		"ENABLE_RESPONSE_DELAY", "MIN_RESPONSE_DELAY_MS",
		"MAX_RESPONSE_DELAY_MS", "ERROR_INJECTION_RATE",
		"RETRY_ATTEMPTS", "RETRY_DELAY_MS",
		"RESPONSE_CACHE_TTL_SECONDS", "RESPONSE_CACHE_BACKEND",
		"RESPONSE_CACHE_PATH", "TOKEN_CACHE_ENABLED",
		"TOKEN_REFRESH_BUFFER_SECONDS", "TEST_API_KEYS", "GRANT_SEED_FILE",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.TestAPIKeys == nil {
		if keys := v.GetString("TEST_API_KEYS"); keys != "" {
			cfg.TestAPIKeys = strings.Split(keys, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails closed on settings the server cannot run safely without.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTPrivateKeyPath == "" || c.JWTPublicKeyPath == "" {
			return fmt.Errorf("JWT_PRIVATE_KEY_PATH and JWT_PUBLIC_KEY_PATH are required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.JWTAlgorithm != "RS256" {
		return fmt.Errorf("unsupported JWT_ALGORITHM %q", c.JWTAlgorithm)
	}
	if c.MinResponseDelayMS > c.MaxResponseDelayMS {
		return fmt.Errorf("MIN_RESPONSE_DELAY_MS exceeds MAX_RESPONSE_DELAY_MS")
	}
	if c.ErrorInjectionRate < 0 || c.ErrorInjectionRate > 1 {
		return fmt.Errorf("ERROR_INJECTION_RATE must be in [0, 1]")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TokenTTL returns the access-token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTTTLHours * float64(time.Hour))
}

// RefreshTTL returns the refresh window added after token expiry.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.JWTRefreshTTLHours * float64(time.Hour))
}

// ClockSkew returns the validation leeway applied to time-based claims.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.JWTClockSkewSeconds) * time.Second
}
