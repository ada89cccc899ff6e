package push

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TokenRegistry resolves and maintains the device tokens registered for an
// account.
type TokenRegistry interface {
	Tokens(ctx context.Context, userID string) ([]string, error)
	Register(ctx context.Context, userID, token string) error
	Remove(ctx context.Context, userID, token string) error
}

// SQLRegistry stores tokens in a SQL table. By default it shares the
// application's sqlite database; deployments where the mobile backend owns
// the token table can point it at an external MySQL or Postgres DB instead.
type SQLRegistry struct {
	db     *sql.DB
	driver string
	table  string
}

// NewSQLRegistry wraps an already-open database handle.
func NewSQLRegistry(db *sql.DB, driver, table string) (*SQLRegistry, error) {
	if table == "" {
		table = "device_tokens"
	}
	if !identRx.MatchString(table) {
		return nil, fmt.Errorf("invalid SQL identifier %q", table)
	}
	return &SQLRegistry{db: db, driver: driver, table: table}, nil
}

// OpenSQLRegistry connects to an external token database.
func OpenSQLRegistry(driver, dsn, table string) (*SQLRegistry, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return NewSQLRegistry(db, driver, table)
}

func (r *SQLRegistry) ph(i int) string {
	d := strings.ToLower(r.driver)
	if strings.Contains(d, "pgx") || strings.Contains(d, "postgres") {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (r *SQLRegistry) Tokens(ctx context.Context, userID string) ([]string, error) {
	q := fmt.Sprintf("SELECT token FROM %s WHERE user_id=%s ORDER BY created_at ASC", r.table, r.ph(1))
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// Register stores the token for the account. Re-registering the same token
// is a no-op; the same token under a second account is allowed (matching
// the original design, which never enforced global token ownership).
func (r *SQLRegistry) Register(ctx context.Context, userID, token string) error {
	q := fmt.Sprintf("INSERT INTO %s (id,user_id,token,created_at) VALUES (%s,%s,%s,%s)",
		r.table, r.ph(1), r.ph(2), r.ph(3), r.ph(4))
	_, err := r.db.ExecContext(ctx, q, uuid.NewString(), userID, token, time.Now().UTC())
	if err != nil && isDuplicateTokenErr(err) {
		return nil
	}
	return err
}

func (r *SQLRegistry) Remove(ctx context.Context, userID, token string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE user_id=%s AND token=%s", r.table, r.ph(1), r.ph(2))
	_, err := r.db.ExecContext(ctx, q, userID, token)
	return err
}

func isDuplicateTokenErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
