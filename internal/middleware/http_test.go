package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gaterelay/internal/rate"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	assert.Equal(t, "10.0.0.5", ClientIP(r, false))
	assert.Equal(t, "1.2.3.4", ClientIP(r, true))
}

func TestCSRFFromCookie(t *testing.T) {
	ok := false
	h := CSRFFromCookie("csrf")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok = true
	}))

	r := httptest.NewRequest("POST", "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, ok)

	r = httptest.NewRequest("POST", "/", nil)
	r.AddCookie(&http.Cookie{Name: "csrf", Value: "t1"})
	r.Header.Set("X-CSRF-Token", "t2")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = httptest.NewRequest("POST", "/", nil)
	r.AddCookie(&http.Cookie{Name: "csrf", Value: "t1"})
	r.Header.Set("X-CSRF-Token", "t1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ok)

	// safe methods pass without a token
	r = httptest.NewRequest("GET", "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	l := rate.NewLimiter()
	h := RateLimit(l, "trigger", 2, time.Minute, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest("POST", "/trigger-command", nil)
		r.RemoteAddr = "10.0.0.9:5000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	r := httptest.NewRequest("POST", "/trigger-command", nil)
	r.RemoteAddr = "10.0.0.9:5000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a different client is unaffected
	r = httptest.NewRequest("POST", "/trigger-command", nil)
	r.RemoteAddr = "10.0.0.10:5000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}
