package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"gaterelay/internal/config"
	"gaterelay/internal/middleware"
	"gaterelay/internal/normalize"
	"gaterelay/internal/rate"
	"gaterelay/internal/service"
	"gaterelay/internal/store"
	"gaterelay/internal/util"
	"gaterelay/internal/webhook"
)

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter *rate.Limiter
}

func NewRouter(cfg config.Config, svc *service.Service, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handlers{
		cfg:     cfg,
		svc:     svc,
		limiter: rate.NewLimiter(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := map[string]any{
			"checked_at": time.Now().UTC().Format(time.RFC3339),
			"components": map[string]any{},
		}
		comps := ready["components"].(map[string]any)
		if err := h.svc.Store().Ping(r.Context()); err != nil {
			comps["sqlite"] = map[string]any{"ok": false, "error": err.Error()}
			ready["status"] = "degraded"
			util.WriteJSON(w, 503, ready)
			return
		}
		comps["sqlite"] = map[string]any{"ok": true}
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(h.limiter, "register", 10, time.Minute, h.cfg.TrustProxy)).Post("/register", h.Register)
		r.With(middleware.RateLimit(h.limiter, "login", 20, time.Minute, h.cfg.TrustProxy)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/password/question", h.SecretQuestion)
		r.With(middleware.RateLimit(h.limiter, "recover", 10, time.Minute, h.cfg.TrustProxy)).Post("/password/recover", h.RecoverPassword)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc, h.cfg.SessionCookieName))
			r.Get("/me", h.Me)
			r.Get("/aliases", h.ListAliases)

			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFFromCookie(h.cfg.CSRFCookieName))
				r.Post("/aliases", h.AddAlias)
				r.Delete("/aliases/{name}", h.RemoveAlias)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminOnly)
				r.Get("/users", h.AdminListUsers)
				r.Get("/audit-log", h.AdminAuditLog)
				r.Group(func(r chi.Router) {
					r.Use(middleware.CSRFFromCookie(h.cfg.CSRFCookieName))
					r.Delete("/users/{username}", h.AdminDeleteUser)
				})
			})
		})
	})

	// device and legacy endpoints; the gate hardware and the mobile app
	// authenticate by account name only, as the relay always has
	r.With(middleware.RateLimit(h.limiter, "trigger", 60, time.Minute, h.cfg.TrustProxy)).Post("/trigger-command", h.TriggerCommand)
	r.Post("/register-token", h.RegisterToken)
	r.Get("/device/command", h.DeviceCommand)
	r.Get("/fire-all", h.FireAll)
	r.Get("/{alias}", h.DirectFire)

	return r
}

type registerRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	SecretQuestion  string `json:"secret_question"`
	SecretAnswer    string `json:"secret_answer"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	u, err := h.svc.Register(r.Context(), req.Username, req.Password, req.ConfirmPassword, req.SecretQuestion, req.SecretAnswer)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			util.WriteError(w, 409, "username_taken", "username is already registered", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "register_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, map[string]string{"user_id": u.ID, "username": u.Username})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	token, user, err := h.svc.Login(r.Context(), req.Username, req.Password, r.RemoteAddr, r.UserAgent())
	if err != nil {
		username := normalize.Identity(req.Username)
		ip := middleware.ClientIP(r, h.cfg.TrustProxy)
		key := ip + "|" + username
		windowStart := time.Now().UTC().Truncate(15 * time.Minute)
		failCount, _ := h.svc.Store().IncrementRateEvent(r.Context(), key, "login_failed", windowStart)
		_ = h.svc.Store().CleanupRateEventsBefore(r.Context(), time.Now().UTC().Add(-24*time.Hour))
		if failCount > 3 {
			backoff := time.Duration(1<<min(failCount-3, 5)) * time.Second
			select {
			case <-time.After(backoff):
			case <-r.Context().Done():
			}
		}

		status, code := 401, "invalid_credentials"
		if failCount > 6 {
			status, code = 429, "rate_limited"
		}
		util.WriteError(w, status, code, "invalid credentials", middleware.RequestID(r.Context()))
		return
	}
	ip := middleware.ClientIP(r, h.cfg.TrustProxy)
	_ = h.svc.Store().DeleteRateEvents(r.Context(), ip+"|"+user.Username, "login_failed")

	csrfToken := randomToken()
	h.setAuthCookies(w, r, token, csrfToken)
	util.WriteJSON(w, 200, map[string]any{
		"user_id":    user.ID,
		"username":   user.Username,
		"admin":      user.IsAdmin(),
		"csrf_token": csrfToken,
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	c, _ := r.Cookie(h.cfg.SessionCookieName)
	if c != nil && c.Value != "" {
		_ = h.svc.Logout(r.Context(), c.Value)
	}
	h.clearAuthCookies(w, r)
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) SecretQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.SecretQuestion(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		util.WriteError(w, 404, "unknown_account", "account not found", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"secret_question": q})
}

func (h *Handlers) RecoverPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username     string `json:"username"`
		SecretAnswer string `json:"secret_answer"`
		NewPassword  string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.RecoverPassword(r.Context(), req.Username, req.SecretAnswer, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			util.WriteError(w, 401, "recover_failed", "account or secret answer did not match", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "recover_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	util.WriteJSON(w, 200, map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"admin":    u.IsAdmin(),
	})
}

// ---- aliases ----

func (h *Handlers) ListAliases(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	items, err := h.svc.ListAliases(r.Context(), u.ID)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "internal error", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items})
}

func (h *Handlers) AddAlias(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	var req struct {
		Name      string `json:"name"`
		TargetURL string `json:"target_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	a, err := h.svc.AddAlias(r.Context(), u.ID, req.Name, req.TargetURL)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			util.WriteError(w, 409, "alias_exists", "alias is already registered", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "alias_invalid", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, a)
}

func (h *Handlers) RemoveAlias(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	if err := h.svc.RemoveAlias(r.Context(), u.ID, chi.URLParam(r, "name")); err != nil {
		util.WriteError(w, 500, "internal_error", "internal error", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

// ---- admin ----

func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	users, err := h.svc.ListUsers(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "internal error", middleware.RequestID(r.Context()))
		return
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, map[string]any{
			"id":            u.ID,
			"username":      u.Username,
			"created_at":    u.CreatedAt,
			"last_login_at": u.LastLoginAt,
		})
	}
	util.WriteJSON(w, 200, map[string]any{"items": items, "page": page, "page_size": pageSize})
}

func (h *Handlers) AdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	admin, _ := middleware.User(r.Context())
	username := chi.URLParam(r, "username")
	if err := h.svc.DeleteUser(r.Context(), admin.ID, username); err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			util.WriteError(w, 403, "forbidden", "the admin account cannot be deleted", middleware.RequestID(r.Context()))
		case errors.Is(err, store.ErrNotFound):
			util.WriteError(w, 404, "unknown_account", "account not found", middleware.RequestID(r.Context()))
		default:
			util.WriteError(w, 500, "internal_error", "internal error", middleware.RequestID(r.Context()))
		}
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "deleted"})
}

func (h *Handlers) AdminAuditLog(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	items, err := h.svc.ListAudit(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "internal error", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items, "page": page, "page_size": pageSize})
}

// ---- device and gate endpoints ----

type triggerRequest struct {
	Account     string `json:"account"`
	GateAlias   string `json:"gateAlias"`
	RequestedBy string `json:"requestedBy"`
}

func (h *Handlers) TriggerCommand(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.GateAlias) == "" {
		util.WriteError(w, 400, "bad_request", "account and gateAlias are required", middleware.RequestID(r.Context()))
		return
	}
	cmd, report, err := h.svc.TriggerCommand(r.Context(), req.Account, req.GateAlias, req.RequestedBy)
	if err != nil {
		h.writeResolveError(w, r, err, req.GateAlias)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"command": cmd, "delivery": report})
}

func (h *Handlers) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Token   string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.svc.RegisterDeviceToken(r.Context(), req.Account, req.Token); err != nil {
		if errors.Is(err, service.ErrUnknownAccount) {
			util.WriteError(w, 404, "unknown_account", "account not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "register_token_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "registered"})
}

// DeviceCommand is polled by the mobile app after a push arrives. A hit
// marks the command consumed, so the same command is served at most once.
func (h *Handlers) DeviceCommand(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	gate := r.URL.Query().Get("gate")
	if account == "" || gate == "" {
		util.WriteError(w, 400, "bad_request", "account and gate are required", middleware.RequestID(r.Context()))
		return
	}
	cmd, err := h.svc.ReadDeviceCommand(r.Context(), account, gate)
	if err != nil {
		if errors.Is(err, service.ErrUnknownAccount) {
			util.WriteError(w, 404, "unknown_account", "account not found", middleware.RequestID(r.Context()))
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			util.WriteError(w, 404, "no_command", "no pending command", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", "internal error", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, cmd)
}

func (h *Handlers) FireAll(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		util.WriteError(w, 401, "account_required", "account query parameter is required", middleware.RequestID(r.Context()))
		return
	}
	results, err := h.svc.FireAll(r.Context(), account)
	if err != nil {
		h.writeResolveError(w, r, err, "")
		return
	}
	util.WriteJSON(w, 200, map[string]any{"results": results})
}

// DirectFire is the legacy one-shot path: GET /{alias}?account=name calls
// the alias webhook immediately and relays the remote response.
func (h *Handlers) DirectFire(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		util.WriteError(w, 401, "account_required", "account query parameter is required", middleware.RequestID(r.Context()))
		return
	}
	resp, err := h.svc.DirectFire(r.Context(), account, chi.URLParam(r, "alias"))
	if err != nil {
		if errors.Is(err, webhook.ErrTriggerFailed) {
			util.WriteError(w, 500, "trigger_failed", "webhook trigger failed", middleware.RequestID(r.Context()))
			return
		}
		h.writeResolveError(w, r, err, chi.URLParam(r, "alias"))
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

// writeResolveError maps resolution failures to responses. alias is the
// name the caller asked for, so the 404 can say which alias is missing.
func (h *Handlers) writeResolveError(w http.ResponseWriter, r *http.Request, err error, alias string) {
	switch {
	case errors.Is(err, service.ErrUnknownAccount):
		util.WriteError(w, 404, "unknown_account", "account not found", middleware.RequestID(r.Context()))
	case errors.Is(err, service.ErrUnknownAlias):
		msg := "alias not found"
		if name := normalize.Identity(alias); name != "" {
			msg = fmt.Sprintf("alias %q not found", name)
		}
		util.WriteError(w, 404, "unknown_alias", msg, middleware.RequestID(r.Context()))
	default:
		util.WriteError(w, 500, "internal_error", "internal error", middleware.RequestID(r.Context()))
	}
}

func parsePagination(r *http.Request) (int, int) {
	page := 1
	pageSize := 25
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil {
			if ps < 1 {
				ps = 1
			}
			if ps > 100 {
				ps = 100
			}
			pageSize = ps
		}
	}
	return page, pageSize
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (h *Handlers) setAuthCookies(w http.ResponseWriter, r *http.Request, sessionToken, csrfToken string) {
	secure := h.cfg.ResolveCookieSecure(r)
	maxAge := int(h.cfg.SessionAbsoluteDuration().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (h *Handlers) clearAuthCookies(w http.ResponseWriter, r *http.Request) {
	secure := h.cfg.ResolveCookieSecure(r)
	expiredAt := time.Unix(1, 0).UTC()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  expiredAt,
	})
}
