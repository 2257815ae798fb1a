package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/farm-auth/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Provider names accepted by AUTH_PROVIDER.
const (
	ProviderLocal = "local"
	ProviderOAuth = "oauth"
)

// Config holds all environment-based configuration for farmctl.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// AuthProvider selects the login flow: local credentials or an
	// identity-server browser session.
	AuthProvider string `env:"AUTH_PROVIDER" envDefault:"local"`

	APIBaseURL string `env:"API_BASE_URL"`

	// Identity server settings (required when AUTH_PROVIDER=oauth)
	IdentityBaseURL    string `env:"IDENTITY_BASE_URL"`
	AppOrigin          string `env:"APP_ORIGIN" envDefault:"http://localhost:8095"`
	CallbackPath       string `env:"CALLBACK_PATH" envDefault:"/auth/callback"`
	CallbackListenAddr string `env:"CALLBACK_LISTEN_ADDR" envDefault:":8095"`
	Tokenizer          string `env:"TOKENIZER" envDefault:"jwt"`

	// StateDB is the bbolt file holding the local token. Defaults to
	// ~/.farmctl/state.db.
	StateDB string `env:"STATE_DB"`

	// Login-flow session storage
	SessionStore  string        `env:"SESSION_STORE" envDefault:"memory"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"10m"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Defaults for `farmctl login` with the local provider.
	Username string `env:"FARM_USERNAME"`
	Password string `env:"FARM_PASSWORD"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.AuthProvider = strings.ToLower(strings.TrimSpace(cfg.AuthProvider))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDB == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolving default state path: %w", err)
		}

		cfg.StateDB = path
	}

	absPath, err := filepath.Abs(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("resolving STATE_DB to absolute path: %w", err)
	}

	cfg.StateDB = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	if !isAbsURL(c.APIBaseURL) {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL")
	}

	switch c.AuthProvider {
	case ProviderLocal:
	case ProviderOAuth:
		if c.IdentityBaseURL == "" {
			return fmt.Errorf("IDENTITY_BASE_URL is required when AUTH_PROVIDER is oauth")
		}

		if !isAbsURL(c.IdentityBaseURL) {
			return fmt.Errorf("IDENTITY_BASE_URL must be an absolute http(s) URL")
		}

		if !isAbsURL(c.AppOrigin) {
			return fmt.Errorf("APP_ORIGIN must be an absolute http(s) URL")
		}

		if !strings.HasPrefix(c.CallbackPath, "/") {
			return fmt.Errorf("CALLBACK_PATH must start with /")
		}

		if c.Tokenizer == "" {
			return fmt.Errorf("TOKENIZER must not be empty")
		}
	default:
		return fmt.Errorf("AUTH_PROVIDER must be %q or %q, got %q", ProviderLocal, ProviderOAuth, c.AuthProvider)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	return nil
}

func isAbsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsOAuth reports whether the identity-server session flow is selected.
func (c *Config) IsOAuth() bool {
	return c.AuthProvider == ProviderOAuth
}
