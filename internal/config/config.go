package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimit is the (max requests, window) pair for one route class.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Config contains all runtime settings for the chat service.
type Config struct {
	Env              string
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	DatabaseURL string

	GenerationURL          string
	GenerationMode         string
	GenerationTimeout      time.Duration
	GenerationTopK         int
	ContextWindowSize      int
	TitleGenerationEnabled bool

	JWTSecret          string
	TokenTTL           time.Duration
	GuestSessionSecret string
	GuestSessionTTL    time.Duration
	ReaperInterval     time.Duration

	// GuestMaxConversations caps the conversations one guest lease holds.
	GuestMaxConversations int

	RegisterRateLimit     RateLimit
	LoginRateLimit        RateLimit
	MessageRateLimit      RateLimit
	GuestSessionRateLimit RateLimit
	ConversationRateLimit RateLimit

	AdminToken string
}

// Development reports whether insecure defaults are acceptable.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		Env:                    envOrDefault("APP_ENV", "development"),
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "stoicguide"),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("LOG_FORMAT", "text"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		GenerationURL:          envOrDefault("GENERATION_SERVICE_URL", "http://localhost:8001"),
		GenerationMode:         envOrDefault("GENERATION_MODE", "http"),
		JWTSecret:              stringsTrimSpace("JWT_SECRET"),
		GuestSessionSecret:     stringsTrimSpace("GUEST_SESSION_SECRET"),
		AdminToken:             stringsTrimSpace("ADMIN_TOKEN"),
		ShutdownTimeout:        15 * time.Second,
		GenerationTimeout:      60 * time.Second,
		GenerationTopK:         3,
		ContextWindowSize:      6,
		TitleGenerationEnabled: true,
		TokenTTL:               7 * 24 * time.Hour,
		GuestSessionTTL:        24 * time.Hour,
		ReaperInterval:         time.Hour,
		RegisterRateLimit:      RateLimit{Max: 5, Window: 15 * time.Minute},
		LoginRateLimit:         RateLimit{Max: 10, Window: 15 * time.Minute},
		MessageRateLimit:       RateLimit{Max: 30, Window: time.Minute},
		GuestSessionRateLimit:  RateLimit{Max: 20, Window: time.Hour},
		ConversationRateLimit:  RateLimit{Max: 60, Window: time.Minute},
		GuestMaxConversations:  100,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.GenerationTopK, err = intFromEnv("GENERATION_TOP_K", cfg.GenerationTopK); err != nil {
		return Config{}, err
	}
	if cfg.ContextWindowSize, err = intFromEnv("CONTEXT_WINDOW_SIZE", cfg.ContextWindowSize); err != nil {
		return Config{}, err
	}
	if cfg.TitleGenerationEnabled, err = boolFromEnv("TITLE_GENERATION_ENABLED", cfg.TitleGenerationEnabled); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = durationFromEnv("JWT_TTL", cfg.TokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.GuestSessionTTL, err = durationFromEnv("GUEST_SESSION_TTL", cfg.GuestSessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReaperInterval, err = durationFromEnv("SESSION_REAPER_INTERVAL", cfg.ReaperInterval); err != nil {
		return Config{}, err
	}
	if cfg.RegisterRateLimit, err = rateLimitFromEnv("RATE_LIMIT_REGISTER", cfg.RegisterRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.LoginRateLimit, err = rateLimitFromEnv("RATE_LIMIT_LOGIN", cfg.LoginRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.MessageRateLimit, err = rateLimitFromEnv("RATE_LIMIT_MESSAGE", cfg.MessageRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.GuestSessionRateLimit, err = rateLimitFromEnv("RATE_LIMIT_GUEST_SESSION", cfg.GuestSessionRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.ConversationRateLimit, err = rateLimitFromEnv("RATE_LIMIT_CONVERSATION", cfg.ConversationRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.GuestMaxConversations, err = intFromEnv("GUEST_MAX_CONVERSATIONS", cfg.GuestMaxConversations); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.Development() {
		// Local runs get throwaway secrets so the service starts without setup.
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = "dev-jwt-secret"
		}
		if cfg.GuestSessionSecret == "" {
			cfg.GuestSessionSecret = "dev-guest-session-secret"
		}
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !c.Development() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when APP_ENV=%s", c.Env)
		}
		if c.GuestSessionSecret == "" {
			return fmt.Errorf("GUEST_SESSION_SECRET is required when APP_ENV=%s", c.Env)
		}
		if c.JWTSecret == c.GuestSessionSecret {
			return fmt.Errorf("JWT_SECRET and GUEST_SESSION_SECRET must differ")
		}
	}
	switch strings.ToLower(c.GenerationMode) {
	case "http", "mock":
	default:
		return fmt.Errorf("invalid GENERATION_MODE: %q (expected http|mock)", c.GenerationMode)
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if c.GenerationTopK <= 0 {
		return fmt.Errorf("GENERATION_TOP_K must be positive")
	}
	if c.ContextWindowSize <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW_SIZE must be positive")
	}
	if c.GuestSessionTTL < time.Minute {
		return fmt.Errorf("GUEST_SESSION_TTL must be at least 1m")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("SESSION_REAPER_INTERVAL must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive")
	}
	if c.GuestMaxConversations <= 0 {
		return fmt.Errorf("GUEST_MAX_CONVERSATIONS must be positive")
	}
	for name, rl := range map[string]RateLimit{
		"RATE_LIMIT_REGISTER":      c.RegisterRateLimit,
		"RATE_LIMIT_LOGIN":         c.LoginRateLimit,
		"RATE_LIMIT_MESSAGE":       c.MessageRateLimit,
		"RATE_LIMIT_GUEST_SESSION": c.GuestSessionRateLimit,
		"RATE_LIMIT_CONVERSATION":  c.ConversationRateLimit,
	} {
		if rl.Max <= 0 || rl.Window <= 0 {
			return fmt.Errorf("%s_MAX and %s_WINDOW must be positive", name, name)
		}
	}
	return nil
}

func rateLimitFromEnv(prefix string, fallback RateLimit) (RateLimit, error) {
	var (
		out = fallback
		err error
	)
	if out.Max, err = intFromEnv(prefix+"_MAX", fallback.Max); err != nil {
		return RateLimit{}, err
	}
	if out.Window, err = durationFromEnv(prefix+"_WINDOW", fallback.Window); err != nil {
		return RateLimit{}, err
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
