package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Billing fallbacks, in the smallest currency unit.
	FileFeeAmount            int64  `mapstructure:"FILE_FEE_AMOUNT"`
	DefaultConsultationPrice int64  `mapstructure:"DEFAULT_CONSULTATION_PRICE"`
	DefaultLabTestPrice      int64  `mapstructure:"DEFAULT_LAB_TEST_PRICE"`
	Currency                 string `mapstructure:"CURRENCY"`
	Timezone                 string `mapstructure:"TIMEZONE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("FILE_FEE_AMOUNT", 2000)
	v.SetDefault("DEFAULT_CONSULTATION_PRICE", 5000)
	v.SetDefault("DEFAULT_LAB_TEST_PRICE", 15000)
	v.SetDefault("CURRENCY", "TZS")
	v.SetDefault("TIMEZONE", "Africa/Dar_es_Salaam")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"FILE_FEE_AMOUNT", "DEFAULT_CONSULTATION_PRICE", "DEFAULT_LAB_TEST_PRICE",
		"CURRENCY", "TIMEZONE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: every unauthenticated request is treated as an admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the hospital time zone used for receipt days and daily
// summaries. It falls back to UTC when the zone is unknown.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT verification source must be configured, and every billing fallback
// must be positive so a required fee is never charged as zero.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.FileFeeAmount <= 0 {
		return fmt.Errorf("FILE_FEE_AMOUNT must be positive, got %d", c.FileFeeAmount)
	}
	if c.DefaultConsultationPrice <= 0 {
		return fmt.Errorf("DEFAULT_CONSULTATION_PRICE must be positive, got %d", c.DefaultConsultationPrice)
	}
	if c.DefaultLabTestPrice <= 0 {
		return fmt.Errorf("DEFAULT_LAB_TEST_PRICE must be positive, got %d", c.DefaultLabTestPrice)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE is invalid: %w", err)
	}
	return nil
}
