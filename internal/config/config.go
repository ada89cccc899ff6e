package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	SessionCookieName   string
	SessionIdleMinutes  int
	SessionAbsoluteHour int
	CSRFCookieName      string
	CookieSecureMode    string
	TrustProxy          bool
	CORSAllowedOrigins  []string

	PasswordMinLength int
	PasswordMaxLength int

	PushServiceURL  string
	PushServiceKey  string
	PushTimeoutSec  int
	PushTokenTable  string
	PushTokenDriver string
	PushTokenDSN    string

	WebhookTimeoutSec   int
	WebhookMaxBodyBytes int64

	CommandTTLMin   int
	CommandSweepMin int

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	BootstrapAdminPassword string
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		LogLevel:                 env("LOG_LEVEL", "info"),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		SessionCookieName:        env("SESSION_COOKIE_NAME", "gaterelay_session"),
		SessionIdleMinutes:       envInt("SESSION_IDLE_MINUTES", 30),
		SessionAbsoluteHour:      envInt("SESSION_ABSOLUTE_HOURS", 24),
		CSRFCookieName:           env("CSRF_COOKIE_NAME", "gaterelay_csrf"),
		CookieSecureMode:         strings.ToLower(env("COOKIE_SECURE_MODE", "auto")),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", 8),
		PasswordMaxLength:        envInt("PASSWORD_MAX_LENGTH", 128),
		PushServiceURL:           env("PUSH_SERVICE_URL", ""),
		PushServiceKey:           env("PUSH_SERVICE_KEY", ""),
		PushTimeoutSec:           envInt("PUSH_TIMEOUT_SEC", 8),
		PushTokenTable:           env("PUSH_TOKEN_TABLE", "device_tokens"),
		PushTokenDriver:          env("PUSH_TOKEN_DB_DRIVER", ""),
		PushTokenDSN:             env("PUSH_TOKEN_DB_DSN", ""),
		WebhookTimeoutSec:        envInt("WEBHOOK_TIMEOUT_SEC", 10),
		WebhookMaxBodyBytes:      int64(envInt("WEBHOOK_MAX_BODY_KB", 1024)) * 1024,
		CommandTTLMin:            envInt("COMMAND_TTL_MIN", 10),
		CommandSweepMin:          envInt("COMMAND_SWEEP_INTERVAL_MIN", 5),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		BootstrapAdminPassword:   env("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}

	if cfg.SessionIdleMinutes <= 0 || cfg.SessionAbsoluteHour <= 0 {
		return Config{}, fmt.Errorf("session timeouts must be positive")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if cfg.PasswordMinLength < 6 {
		return Config{}, fmt.Errorf("password min length must be >= 6")
	}
	if cfg.PasswordMaxLength < cfg.PasswordMinLength {
		return Config{}, fmt.Errorf("password max length must be >= min length")
	}
	switch cfg.CookieSecureMode {
	case "auto", "always", "never":
	default:
		return Config{}, fmt.Errorf("COOKIE_SECURE_MODE must be one of: auto, always, never")
	}
	if cfg.CommandTTLMin <= 0 {
		return Config{}, fmt.Errorf("COMMAND_TTL_MIN must be positive")
	}
	if cfg.CommandSweepMin <= 0 {
		return Config{}, fmt.Errorf("COMMAND_SWEEP_INTERVAL_MIN must be positive")
	}
	if cfg.WebhookTimeoutSec <= 0 || cfg.PushTimeoutSec <= 0 {
		return Config{}, fmt.Errorf("outbound timeouts must be positive")
	}
	if (cfg.PushTokenDriver == "") != (cfg.PushTokenDSN == "") {
		return Config{}, fmt.Errorf("PUSH_TOKEN_DB_DRIVER and PUSH_TOKEN_DB_DSN must be set together")
	}
	return cfg, nil
}

func (c Config) SessionIdleDuration() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c Config) SessionAbsoluteDuration() time.Duration {
	return time.Duration(c.SessionAbsoluteHour) * time.Hour
}

func (c Config) CommandTTL() time.Duration {
	return time.Duration(c.CommandTTLMin) * time.Minute
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSec) * time.Second
}

func (c Config) PushTimeout() time.Duration {
	return time.Duration(c.PushTimeoutSec) * time.Second
}

// ResolveCookieSecure decides the Secure flag for auth cookies. In "auto"
// mode the request itself is consulted: direct TLS, or a trusted proxy
// reporting X-Forwarded-Proto https.
func (c Config) ResolveCookieSecure(r *http.Request) bool {
	switch c.CookieSecureMode {
	case "always":
		return true
	case "never":
		return false
	}
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if c.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return false
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
