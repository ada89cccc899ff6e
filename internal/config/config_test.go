package config

import (
	"net/http/httptest"
	"testing"
)

func TestLoadPasswordBounds(t *testing.T) {
	t.Setenv("PASSWORD_MIN_LENGTH", "16")
	t.Setenv("PASSWORD_MAX_LENGTH", "12")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for invalid password bounds")
	}
}

func TestLoadRejectsInvalidCookieSecureMode(t *testing.T) {
	t.Setenv("COOKIE_SECURE_MODE", "sometimes")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for invalid COOKIE_SECURE_MODE")
	}
}

func TestLoadRejectsHalfConfiguredTokenRegistry(t *testing.T) {
	t.Setenv("PUSH_TOKEN_DB_DRIVER", "mysql")
	t.Setenv("PUSH_TOKEN_DB_DSN", "")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail when token DB driver is set without DSN")
	}
}

func TestLoadRejectsNonPositiveCommandTTL(t *testing.T) {
	t.Setenv("COMMAND_TTL_MIN", "0")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for zero command TTL")
	}
}

func TestLoadRejectsNonPositiveSweepInterval(t *testing.T) {
	t.Setenv("COMMAND_SWEEP_INTERVAL_MIN", "0")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected Load to fail for zero sweep interval")
	}
}

func TestResolveCookieSecureAuto(t *testing.T) {
	t.Setenv("COOKIE_SECURE_MODE", "auto")
	t.Setenv("TRUST_PROXY", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest("GET", "http://example.test", nil)
	if got := cfg.ResolveCookieSecure(req); got {
		t.Fatalf("expected http request to resolve secure=false")
	}

	req.Header.Set("X-Forwarded-Proto", "https")
	if got := cfg.ResolveCookieSecure(req); !got {
		t.Fatalf("expected proxied https request to resolve secure=true")
	}

	tlsReq := httptest.NewRequest("GET", "https://example.test", nil)
	if got := cfg.ResolveCookieSecure(tlsReq); !got {
		t.Fatalf("expected tls request to resolve secure=true")
	}
}
