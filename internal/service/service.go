package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gaterelay/internal/auth"
	"gaterelay/internal/config"
	"gaterelay/internal/models"
	"gaterelay/internal/normalize"
	"gaterelay/internal/push"
	"gaterelay/internal/store"
	"gaterelay/internal/webhook"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("forbidden")
	// ErrUnknownAccount and ErrUnknownAlias are distinct so handlers can
	// tell "no such user" apart from "user exists but never registered
	// that gate".
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownAlias   = errors.New("unknown alias")
)

const maxAliasNameLength = 64

type Service struct {
	cfg        config.Config
	st         *store.Store
	dispatcher *push.Dispatcher
	registry   push.TokenRegistry
	trigger    *webhook.Trigger
	log        *zap.Logger
}

func New(cfg config.Config, st *store.Store, d *push.Dispatcher, reg push.TokenRegistry, tr *webhook.Trigger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{cfg: cfg, st: st, dispatcher: d, registry: reg, trigger: tr, log: log}
}

func hashUA(ua string) string {
	s := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(s[:])
}

// ---- accounts ----

func (s *Service) Register(ctx context.Context, username, password, confirm, question, answer string) (models.User, error) {
	username = normalize.Identity(username)
	if username == "" {
		return models.User{}, errors.New("username is required")
	}
	if username == "admin" {
		return models.User{}, store.ErrConflict
	}
	if password != confirm {
		return models.User{}, errors.New("passwords do not match")
	}
	if err := s.ValidatePassword(password); err != nil {
		return models.User{}, err
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" || answer == "" {
		return models.User{}, errors.New("secret question and answer are required")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	return s.st.CreateUser(ctx, username, hash, question, answer)
}

func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (rawToken string, user models.User, err error) {
	u, err := s.st.GetUserByUsername(ctx, normalize.Identity(username))
	if err != nil {
		return "", models.User{}, ErrInvalidCredentials
	}
	if !auth.VerifyPassword(u.PasswordHash, password) {
		return "", models.User{}, ErrInvalidCredentials
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return "", models.User{}, err
	}
	now := time.Now().UTC()
	sess := models.Session{
		ID:            uuid.NewString(),
		UserID:        u.ID,
		TokenHash:     tokenHash,
		IPHint:        ip,
		UserAgentHash: hashUA(userAgent),
		ExpiresAt:     now.Add(s.cfg.SessionAbsoluteDuration()),
		IdleExpiresAt: now.Add(s.cfg.SessionIdleDuration()),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := s.st.CreateSession(ctx, sess); err != nil {
		return "", models.User{}, err
	}
	_ = s.st.TouchUserLastLogin(ctx, u.ID, now)
	return raw, u, nil
}

func (s *Service) ValidateSession(ctx context.Context, rawToken string) (models.User, models.Session, error) {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	now := time.Now().UTC()
	if sess.RevokedAt != nil || now.After(sess.ExpiresAt) || now.After(sess.IdleExpiresAt) {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	_ = s.st.TouchSession(ctx, sess.ID, now.Add(s.cfg.SessionIdleDuration()))

	u, err := s.st.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return models.User{}, models.Session{}, ErrInvalidCredentials
	}
	return u, sess, nil
}

func (s *Service) Logout(ctx context.Context, rawToken string) error {
	sess, err := s.st.GetSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return nil
	}
	return s.st.RevokeSession(ctx, sess.ID)
}

// SecretQuestion returns the recovery question for an account so the
// recovery form can display it before asking for the answer.
func (s *Service) SecretQuestion(ctx context.Context, username string) (string, error) {
	u, err := s.st.GetUserByUsername(ctx, normalize.Identity(username))
	if err != nil {
		return "", ErrUnknownAccount
	}
	return u.SecretQuestion, nil
}

// RecoverPassword resets the password when the secret answer matches.
// Answers compare case-insensitively after trimming, so "Rex " recovers
// an account whose stored answer is "rex".
func (s *Service) RecoverPassword(ctx context.Context, username, answer, newPassword string) error {
	u, err := s.st.GetUserByUsername(ctx, normalize.Identity(username))
	if err != nil {
		return ErrInvalidCredentials
	}
	given := strings.ToLower(strings.TrimSpace(answer))
	stored := strings.ToLower(strings.TrimSpace(u.SecretAnswer))
	if given == "" || given != stored {
		return ErrInvalidCredentials
	}
	if err := s.ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.st.UpdateUserPasswordHash(ctx, u.ID, hash); err != nil {
		return err
	}
	return s.st.RevokeUserSessions(ctx, u.ID)
}

func (s *Service) ValidatePassword(pw string) error {
	if pw == "" {
		return errors.New("password is required")
	}
	if len(pw) < s.cfg.PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters", s.cfg.PasswordMinLength)
	}
	if len(pw) > s.cfg.PasswordMaxLength {
		return fmt.Errorf("password must be at most %d characters", s.cfg.PasswordMaxLength)
	}
	return nil
}

// ---- aliases ----

func (s *Service) AddAlias(ctx context.Context, userID, name, targetURL string) (models.Alias, error) {
	name = normalize.Identity(name)
	if name == "" {
		return models.Alias{}, errors.New("alias name is required")
	}
	if len(name) > maxAliasNameLength {
		return models.Alias{}, fmt.Errorf("alias name must be at most %d characters", maxAliasNameLength)
	}
	if err := validateTargetURL(targetURL); err != nil {
		return models.Alias{}, err
	}
	return s.st.CreateAlias(ctx, userID, name, strings.TrimSpace(targetURL))
}

func (s *Service) RemoveAlias(ctx context.Context, userID, name string) error {
	return s.st.DeleteAlias(ctx, userID, normalize.Identity(name))
}

func (s *Service) ListAliases(ctx context.Context, userID string) ([]models.Alias, error) {
	return s.st.ListAliases(ctx, userID)
}

func validateTargetURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("target URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid target URL: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("target URL must be an absolute http or https URL")
	}
	return nil
}

// resolveAlias finds the account and its alias, distinguishing an unknown
// account from an account that never registered the gate.
func (s *Service) resolveAlias(ctx context.Context, account, aliasName string) (models.User, models.Alias, error) {
	u, err := s.st.GetUserByUsername(ctx, normalize.Identity(account))
	if err != nil {
		return models.User{}, models.Alias{}, ErrUnknownAccount
	}
	a, err := s.st.GetAlias(ctx, u.ID, normalize.Identity(aliasName))
	if err != nil {
		return models.User{}, models.Alias{}, ErrUnknownAlias
	}
	return u, a, nil
}

// ---- gate commands ----

// TriggerCommand records an "open this gate" intent and notifies the
// account's devices. The ledger write happens before any push attempt so
// a device polling later still finds the command even if every push
// delivery fails.
func (s *Service) TriggerCommand(ctx context.Context, account, gateAlias, requestedBy string) (models.PendingCommand, push.DeliveryReport, error) {
	u, a, err := s.resolveAlias(ctx, account, gateAlias)
	if err != nil {
		return models.PendingCommand{}, push.DeliveryReport{}, err
	}

	requestedBy = strings.TrimSpace(requestedBy)
	if requestedBy == "" {
		requestedBy = "voice-assistant"
	}
	cmd, err := s.st.UpsertPendingCommand(ctx, u.ID, u.Username, a.Name, "open", requestedBy, s.cfg.CommandTTL())
	if err != nil {
		return models.PendingCommand{}, push.DeliveryReport{}, err
	}

	report, err := s.dispatcher.Notify(ctx, u.ID, push.Message{
		Title: "Gate command",
		Body:  fmt.Sprintf("Confirm opening %q", a.Name),
		Data: map[string]string{
			"account":    u.Username,
			"gate":       a.Name,
			"action":     cmd.Action,
			"command_id": cmd.ID,
		},
	})
	if err != nil {
		// the command is already on record; the device can still poll it
		s.log.Warn("push dispatch failed after command was recorded",
			zap.String("account", u.Username), zap.String("gate", a.Name), zap.Error(err))
		return cmd, push.DeliveryReport{}, nil
	}
	return cmd, report, nil
}

// ReadDeviceCommand hands the latest pending command for a gate to the
// device and marks it consumed so a second poll comes back empty.
func (s *Service) ReadDeviceCommand(ctx context.Context, account, gateAlias string) (models.PendingCommand, error) {
	u, err := s.st.GetUserByUsername(ctx, normalize.Identity(account))
	if err != nil {
		return models.PendingCommand{}, ErrUnknownAccount
	}
	cmd, err := s.st.ConsumePendingCommand(ctx, u.ID, normalize.Identity(gateAlias))
	if err != nil {
		return models.PendingCommand{}, err
	}
	cmd.Account = u.Username
	return cmd, nil
}

func (s *Service) RegisterDeviceToken(ctx context.Context, account, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	u, err := s.st.GetUserByUsername(ctx, normalize.Identity(account))
	if err != nil {
		return ErrUnknownAccount
	}
	return s.registry.Register(ctx, u.ID, token)
}

// ---- webhook firing ----

// DirectFire resolves the alias and calls its webhook, relaying the
// remote response. No confirmation round trip; this is the legacy
// unauthenticated path.
func (s *Service) DirectFire(ctx context.Context, account, aliasName string) (*webhook.RemoteResponse, error) {
	_, a, err := s.resolveAlias(ctx, account, aliasName)
	if err != nil {
		return nil, err
	}
	return s.trigger.Fire(ctx, a.TargetURL)
}

// FireResult is the outcome of one alias within a fire-all sweep.
type FireResult struct {
	Alias  string `json:"alias"`
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FireAll calls every alias registered for the account concurrently. One
// slow or broken webhook never blocks the rest; each alias gets exactly
// one attempt.
func (s *Service) FireAll(ctx context.Context, account string) ([]FireResult, error) {
	u, err := s.st.GetUserByUsername(ctx, normalize.Identity(account))
	if err != nil {
		return nil, ErrUnknownAccount
	}
	aliases, err := s.st.ListAliases(ctx, u.ID)
	if err != nil {
		return nil, err
	}

	results := make([]FireResult, len(aliases))
	var wg sync.WaitGroup
	for i, a := range aliases {
		wg.Add(1)
		go func(i int, a models.Alias) {
			defer wg.Done()
			resp, err := s.trigger.Fire(ctx, a.TargetURL)
			if err != nil {
				results[i] = FireResult{Alias: a.Name, Error: err.Error()}
				return
			}
			results[i] = FireResult{Alias: a.Name, OK: true, Status: resp.StatusCode}
		}(i, a)
	}
	wg.Wait()
	return results, nil
}

// ---- admin ----

// DeleteUser removes an account and everything attached to it. The
// "admin" account itself can never be deleted, not even by admin.
func (s *Service) DeleteUser(ctx context.Context, adminID, username string) error {
	username = normalize.Identity(username)
	if username == "admin" {
		return ErrForbidden
	}
	u, err := s.st.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := s.st.DeleteUser(ctx, u.ID); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"username": username, "user_id": u.ID})
	return s.st.InsertAudit(ctx, adminID, "user.delete", u.ID, string(meta))
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	return s.st.ListUsers(ctx, limit, offset)
}

func (s *Service) ListAudit(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	return s.st.ListAudit(ctx, limit, offset)
}

func (s *Service) Store() *store.Store { return s.st }
