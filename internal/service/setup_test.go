package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gaterelay/internal/config"
	"gaterelay/internal/db"
	"gaterelay/internal/push"
	"gaterelay/internal/store"
	"gaterelay/internal/webhook"
)

func testConfig() config.Config {
	return config.Config{
		PasswordMinLength:   8,
		PasswordMaxLength:   128,
		SessionIdleMinutes:  30,
		SessionAbsoluteHour: 12,
		CommandTTLMin:       10,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 2, 1, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrationFile(database, filepath.Join("..", "..", "migrations", "001_init.sql")))

	st := store.New(database)
	reg, err := push.NewSQLRegistry(database, "sqlite", "device_tokens")
	require.NoError(t, err)
	dispatcher := push.NewDispatcher(push.NoopClient{}, reg, nil)
	trigger := webhook.NewTrigger(2*time.Second, 64*1024)
	return New(testConfig(), st, dispatcher, reg, trigger, nil)
}
