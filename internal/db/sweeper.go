package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartCommandSweeper deletes expired pending-command rows on a fixed
// interval until ctx is cancelled. The ledger has no in-band completion
// signal, so expiry is the only thing keeping it bounded.
func StartCommandSweeper(ctx context.Context, db *sql.DB, interval time.Duration, log *zap.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := db.ExecContext(ctx,
					`DELETE FROM pending_commands WHERE expires_at < ?`, time.Now().UTC())
				if err != nil {
					log.Warn("command sweep failed", zap.Error(err))
					continue
				}
				if n, err := res.RowsAffected(); err == nil && n > 0 {
					log.Info("swept expired pending commands", zap.Int64("deleted", n))
				}
			}
		}
	}()
}
