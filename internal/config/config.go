package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/msomdec/user-admin/internal/domain"
)

// Config holds runtime configuration. It is loaded once at startup and
// passed to the constructors that need it.
type Config struct {
	Port         string `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"user-admin.db" validate:"required"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	SupabaseURL       string `envconfig:"SUPABASE_URL" validate:"required,url"`
	SupabaseKey       string `envconfig:"SUPABASE_KEY" validate:"required"`
	SupabaseJWTSecret string `envconfig:"SUPABASE_JWT_SECRET"`

	DeleteFunction    string `envconfig:"DELETE_FUNCTION" default:"smooth-function" validate:"required"`
	EmailSyncFunction string `envconfig:"EMAIL_SYNC_FUNCTION" default:"update-user" validate:"required"`

	HTTPClientTimeout time.Duration `envconfig:"HTTP_CLIENT_TIMEOUT" default:"15s"`

	SessionSecret string        `envconfig:"SESSION_SECRET" validate:"required,min=32"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"168h"`
	// Default to secure cookies; disable only for local development.
	CookieSecure bool `envconfig:"COOKIE_SECURE" default:"true"`

	LoginRateLimit int `envconfig:"LOGIN_RATE_LIMIT" default:"10" validate:"gte=1"`
	// Attempts per minute for one account, from any address.
	LoginAccountRateLimit int `envconfig:"LOGIN_ACCOUNT_RATE_LIMIT" default:"5" validate:"gte=1"`

	// RedisAddr enables the reconciliation worker when set.
	RedisAddr string `envconfig:"REDIS_ADDR"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", domain.ErrConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	return nil
}

// WorkerEnabled reports whether the reconciliation worker should run.
func (c *Config) WorkerEnabled() bool {
	return c != nil && c.RedisAddr != ""
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}
