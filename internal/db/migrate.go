package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
)

func ApplyMigrationFile(db *sql.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.Exec(string(b)); err != nil && !isDuplicateObjectErr(err) {
		return fmt.Errorf("apply migration: %w", err)
	}

	// Backward-compatible patching for early development schema revisions.
	for _, stmt := range []string{
		`ALTER TABLE pending_commands ADD COLUMN requested_by TEXT NOT NULL DEFAULT 'voice-assistant'`,
		`ALTER TABLE pending_commands ADD COLUMN consumed_at DATETIME`,
	} {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateObjectErr(err) {
			return fmt.Errorf("apply compatibility migration %q: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateObjectErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
