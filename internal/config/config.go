package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	// Server
	Host string
	Port int

	// Admin
	AdminPassword string

	// Persistence
	AccountsStatePath string
	TokenDBPath       string

	// Proxies
	ProxyURI  string
	ProxyList string // newline-separated, '#' comments

	// Pool
	PoolSize int

	// Timeouts
	HTTPTimeout  time.Duration // per upstream call
	GuestTimeout time.Duration // guest token acquisition
	IdleTimeout  time.Duration // downstream request idle budget

	// Optional collaborators
	CapsolverAPIKey string
	MailAPIURL      string // mailbox-vendor HTTP API for login codes
	MailAPIKey      string

	// Logging
	LogLevel string
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		AccountsStatePath: envOr("ACCOUNTS_STATE_PATH", "accounts.json"),
		TokenDBPath:       envOr("TOKEN_DB_PATH", "tokens.json"),

		ProxyURI:  os.Getenv("PROXY_URI"),
		ProxyList: os.Getenv("PROXY_LIST"),

		PoolSize: envInt("POOL_SIZE", 5),

		HTTPTimeout:  envDuration("HTTP_TIMEOUT", 60*time.Second),
		GuestTimeout: envDuration("GUEST_TIMEOUT", 10*time.Second),
		IdleTimeout:  envDuration("IDLE_TIMEOUT", 255*time.Second),

		CapsolverAPIKey: os.Getenv("CAPSOLVER_API_KEY"),
		MailAPIURL:      os.Getenv("MAIL_API_URL"),
		MailAPIKey:      os.Getenv("MAIL_API_KEY"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.AdminPassword == "" {
		return errMissing("ADMIN_PASSWORD")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
