package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaterelay/internal/db"
	"gaterelay/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	require.NoError(t, db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "001_init.sql")))
	return New(sqdb)
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateUser(ctx, "joaosilva", "hash", "q", "a")
	require.NoError(t, err)

	_, err = st.CreateUser(ctx, "joaosilva", "hash2", "q", "a")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUniqueViolationClassification(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.True(t, isUniqueViolation(errors.New(`constraint failed: UNIQUE constraint failed: users.username (2067)`)))
	assert.False(t, isUniqueViolation(errors.New(`constraint failed: CHECK constraint failed: pending_commands (275)`)))
	assert.False(t, isUniqueViolation(errors.New(`constraint failed: NOT NULL constraint failed: users.password_hash (1299)`)))
}

func TestAliasAddResolveRemove(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "joao", "hash", "q", "a")
	require.NoError(t, err)

	_, err = st.CreateAlias(ctx, u.ID, "frente", "https://monkey.example/f")
	require.NoError(t, err)

	a, err := st.GetAlias(ctx, u.ID, "frente")
	require.NoError(t, err)
	assert.Equal(t, "https://monkey.example/f", a.TargetURL)

	_, err = st.CreateAlias(ctx, u.ID, "frente", "https://monkey.example/other")
	assert.ErrorIs(t, err, ErrConflict)

	// removing twice is a no-op success
	require.NoError(t, st.DeleteAlias(ctx, u.ID, "frente"))
	require.NoError(t, st.DeleteAlias(ctx, u.ID, "frente"))

	_, err = st.GetAlias(ctx, u.ID, "frente")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAliasUniquePerAccountOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u1, err := st.CreateUser(ctx, "joao", "hash", "q", "a")
	require.NoError(t, err)
	u2, err := st.CreateUser(ctx, "maria", "hash", "q", "a")
	require.NoError(t, err)

	_, err = st.CreateAlias(ctx, u1.ID, "frente", "https://monkey.example/1")
	require.NoError(t, err)
	_, err = st.CreateAlias(ctx, u2.ID, "frente", "https://monkey.example/2")
	require.NoError(t, err)
}

func TestConcurrentAliasCreateExactlyOneWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "joao", "hash", "q", "a")
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.CreateAlias(ctx, u.ID, "frente", "https://monkey.example/r")
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch err {
		case nil:
			ok++
		case ErrConflict:
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
}

func TestPendingCommandLastWriteWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "joao", "hash", "q", "a")
	require.NoError(t, err)

	first, err := st.UpsertPendingCommand(ctx, u.ID, "joao", "frente", "open", "voice-assistant", 10*time.Minute)
	require.NoError(t, err)

	second, err := st.UpsertPendingCommand(ctx, u.ID, "joao", "frente", "open", "panel", 10*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	got, err := st.GetPendingCommand(ctx, u.ID, "frente")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "panel", got.RequestedBy)
	assert.Equal(t, models.CommandPending, got.Status)
}

func TestConsumePendingCommand(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "joao", "hash", "q", "a")
	require.NoError(t, err)

	_, err = st.UpsertPendingCommand(ctx, u.ID, "joao", "frente", "open", "voice-assistant", 10*time.Minute)
	require.NoError(t, err)

	cmd, err := st.ConsumePendingCommand(ctx, u.ID, "frente")
	require.NoError(t, err)
	assert.Equal(t, models.CommandConsumed, cmd.Status)
	require.NotNil(t, cmd.ConsumedAt)

	// already consumed
	_, err = st.ConsumePendingCommand(ctx, u.ID, "frente")
	assert.ErrorIs(t, err, ErrNotFound)

	// a new trigger resets the record to pending
	_, err = st.UpsertPendingCommand(ctx, u.ID, "joao", "frente", "open", "voice-assistant", 10*time.Minute)
	require.NoError(t, err)
	cmd, err = st.ConsumePendingCommand(ctx, u.ID, "frente")
	require.NoError(t, err)
	assert.Equal(t, models.CommandConsumed, cmd.Status)
}

func TestConsumeExpiredCommandNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "joao", "hash", "q", "a")
	require.NoError(t, err)

	_, err = st.UpsertPendingCommand(ctx, u.ID, "joao", "frente", "open", "voice-assistant", -time.Minute)
	require.NoError(t, err)

	_, err = st.ConsumePendingCommand(ctx, u.ID, "frente")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := st.DeleteExpiredCommands(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestDeleteUserCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "joao", "hash", "q", "a")
	require.NoError(t, err)
	_, err = st.CreateAlias(ctx, u.ID, "frente", "https://monkey.example/f")
	require.NoError(t, err)
	_, err = st.UpsertPendingCommand(ctx, u.ID, "joao", "frente", "open", "voice-assistant", 10*time.Minute)
	require.NoError(t, err)

	require.NoError(t, st.DeleteUser(ctx, u.ID))

	_, err = st.GetUserByUsername(ctx, "joao")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetAlias(ctx, u.ID, "frente")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetPendingCommand(ctx, u.ID, "frente")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, st.DeleteUser(ctx, u.ID), ErrNotFound)
}
