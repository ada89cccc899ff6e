package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"gaterelay/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// Other constraint classes (CHECK, NOT NULL) must not map to ErrConflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, username, passwordHash, secretQuestion, secretAnswer string) (models.User, error) {
	now := time.Now().UTC()
	u := models.User{
		ID:             uuid.NewString(),
		Username:       username,
		PasswordHash:   passwordHash,
		SecretQuestion: secretQuestion,
		SecretAnswer:   secretAnswer,
		CreatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,username,password_hash,secret_question,secret_answer,created_at) VALUES(?,?,?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, u.SecretQuestion, u.SecretAnswer, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return models.User{}, ErrConflict
	}
	return u, err
}

func (s *Store) EnsureAdmin(ctx context.Context, passwordHash string) error {
	if passwordHash == "" {
		return nil
	}
	_, err := s.GetUserByUsername(ctx, "admin")
	if err == ErrNotFound {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users(id,username,password_hash,secret_question,secret_answer,created_at) VALUES(?,?,?,?,?,?)`,
			uuid.NewString(), "admin", passwordHash, "", "", time.Now().UTC(),
		)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE username='admin'`, passwordHash)
	return err
}

func (s *Store) scanUser(row *sql.Row) (models.User, error) {
	var u models.User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.SecretQuestion, &u.SecretAnswer, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id,username,password_hash,secret_question,secret_answer,created_at,last_login_at FROM users WHERE username=?`,
		username,
	))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id,username,password_hash,secret_question,secret_answer,created_at,last_login_at FROM users WHERE id=?`,
		id,
	))
}

func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,username,password_hash,secret_question,secret_answer,created_at,last_login_at FROM users ORDER BY username ASC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		var lastLogin sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.SecretQuestion, &u.SecretAnswer, &u.CreatedAt, &lastLogin); err != nil {
			return nil, err
		}
		if lastLogin.Valid {
			t := lastLogin.Time
			u.LastLoginAt = &t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUserPasswordHash(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, passwordHash, userID)
	return err
}

func (s *Store) TouchUserLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=? WHERE id=?`, at, userID)
	return err
}

// DeleteUser removes the account and everything hanging off it. Explicit
// per-table deletes because the sqlite connection does not enable
// foreign-key cascades.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM aliases WHERE user_id=?`,
		`DELETE FROM sessions WHERE user_id=?`,
		`DELETE FROM pending_commands WHERE user_id=?`,
		`DELETE FROM device_tokens WHERE user_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=?`, userID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ---- aliases ----

// CreateAlias persists a new alias mapping. The UNIQUE(user_id,name)
// constraint makes concurrent duplicate creation lose cleanly with
// ErrConflict instead of racing a read-then-write.
func (s *Store) CreateAlias(ctx context.Context, userID, name, targetURL string) (models.Alias, error) {
	a := models.Alias{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		TargetURL: targetURL,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases(id,user_id,name,target_url,created_at) VALUES(?,?,?,?,?)`,
		a.ID, a.UserID, a.Name, a.TargetURL, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return models.Alias{}, ErrConflict
	}
	if err != nil {
		return models.Alias{}, err
	}
	return a, nil
}

// DeleteAlias is idempotent: deleting an absent alias is a no-op success.
func (s *Store) DeleteAlias(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM aliases WHERE user_id=? AND name=?`, userID, name)
	return err
}

func (s *Store) GetAlias(ctx context.Context, userID, name string) (models.Alias, error) {
	var a models.Alias
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,name,target_url,created_at FROM aliases WHERE user_id=? AND name=?`,
		userID, name,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.TargetURL, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Alias{}, ErrNotFound
	}
	if err != nil {
		return models.Alias{}, err
	}
	return a, nil
}

func (s *Store) ListAliases(ctx context.Context, userID string) ([]models.Alias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,user_id,name,target_url,created_at FROM aliases WHERE user_id=? ORDER BY name ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alias
	for rows.Next() {
		var a models.Alias
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.TargetURL, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- sessions ----

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id,user_id,token_hash,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.IPHint, sess.UserAgentHash, sess.ExpiresAt, sess.IdleExpiresAt, sess.CreatedAt, sess.LastSeenAt,
	)
	return err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	var sess models.Session
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,token_hash,ip_hint,user_agent_hash,expires_at,idle_expires_at,created_at,last_seen_at,revoked_at FROM sessions WHERE token_hash=?`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.IPHint, &sess.UserAgentHash, &sess.ExpiresAt, &sess.IdleExpiresAt, &sess.CreatedAt, &sess.LastSeenAt, &revoked)
	if err == sql.ErrNoRows {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, idleExpiry time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at=?, idle_expires_at=? WHERE id=?`, now, idleExpiry, id)
	return err
}

func (s *Store) RevokeSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=?`, now, id)
	return err
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE user_id=? AND revoked_at IS NULL`, now, userID)
	return err
}

// ---- pending commands ----

// UpsertPendingCommand records the intent "open this gate". Last write wins
// per (user, gate); any prior record, consumed or not, is replaced.
func (s *Store) UpsertPendingCommand(ctx context.Context, userID, account, gateAlias, action, requestedBy string, ttl time.Duration) (models.PendingCommand, error) {
	now := time.Now().UTC()
	cmd := models.PendingCommand{
		ID:          uuid.NewString(),
		UserID:      userID,
		Account:     account,
		GateAlias:   gateAlias,
		Action:      action,
		RequestedBy: requestedBy,
		Status:      models.CommandPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_commands(id,user_id,gate_alias,action,requested_by,status,created_at,expires_at,consumed_at)
		 VALUES(?,?,?,?,?,?,?,?,NULL)
		 ON CONFLICT(user_id, gate_alias)
		 DO UPDATE SET id=excluded.id, action=excluded.action, requested_by=excluded.requested_by,
		               status=excluded.status, created_at=excluded.created_at,
		               expires_at=excluded.expires_at, consumed_at=NULL`,
		cmd.ID, cmd.UserID, cmd.GateAlias, cmd.Action, cmd.RequestedBy, cmd.Status, cmd.CreatedAt, cmd.ExpiresAt,
	)
	if err != nil {
		return models.PendingCommand{}, err
	}
	return cmd, nil
}

func (s *Store) GetPendingCommand(ctx context.Context, userID, gateAlias string) (models.PendingCommand, error) {
	var cmd models.PendingCommand
	var consumed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,gate_alias,action,requested_by,status,created_at,expires_at,consumed_at
		 FROM pending_commands WHERE user_id=? AND gate_alias=?`,
		userID, gateAlias,
	).Scan(&cmd.ID, &cmd.UserID, &cmd.GateAlias, &cmd.Action, &cmd.RequestedBy, &cmd.Status, &cmd.CreatedAt, &cmd.ExpiresAt, &consumed)
	if err == sql.ErrNoRows {
		return models.PendingCommand{}, ErrNotFound
	}
	if err != nil {
		return models.PendingCommand{}, err
	}
	if consumed.Valid {
		t := consumed.Time
		cmd.ConsumedAt = &t
	}
	return cmd, nil
}

// ConsumePendingCommand hands the latest unexpired pending record to the
// device and marks it consumed. The status guard on the UPDATE keeps two
// racing device reads from both winning.
func (s *Store) ConsumePendingCommand(ctx context.Context, userID, gateAlias string) (models.PendingCommand, error) {
	cmd, err := s.GetPendingCommand(ctx, userID, gateAlias)
	if err != nil {
		return models.PendingCommand{}, err
	}
	now := time.Now().UTC()
	if cmd.Status != models.CommandPending || now.After(cmd.ExpiresAt) {
		return models.PendingCommand{}, ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_commands SET status=?, consumed_at=? WHERE id=? AND status=?`,
		models.CommandConsumed, now, cmd.ID, models.CommandPending,
	)
	if err != nil {
		return models.PendingCommand{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.PendingCommand{}, err
	}
	if rows == 0 {
		return models.PendingCommand{}, ErrNotFound
	}
	cmd.Status = models.CommandConsumed
	cmd.ConsumedAt = &now
	return cmd, nil
}

func (s *Store) DeleteExpiredCommands(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_commands WHERE expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- audit ----

func (s *Store) InsertAudit(ctx context.Context, actorID, action, target, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(id,actor_user_id,action,target,metadata_json,created_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), actorID, action, target, metadata, time.Now().UTC(),
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,actor_user_id,action,target,metadata_json,created_at FROM audit_log ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, limit)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.Target, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- rate events ----

func (s *Store) IncrementRateEvent(ctx context.Context, key, route string, windowStart time.Time) (int, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_events(id,key,route,window_start,count,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(key, route, window_start)
		 DO UPDATE SET count = rate_limit_events.count + 1, updated_at = excluded.updated_at`,
		uuid.NewString(), key, route, windowStart, 1, now, now,
	)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count FROM rate_limit_events WHERE key=? AND route=? AND window_start=?`, key, route, windowStart).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) DeleteRateEvents(ctx context.Context, key, route string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_events WHERE key=? AND route=?`, key, route)
	return err
}

func (s *Store) CleanupRateEventsBefore(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_events WHERE window_start < ?`, before)
	return err
}
