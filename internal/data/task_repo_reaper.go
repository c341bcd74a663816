package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/data/pgxutil"
	"github.com/target/dubbing-api/internal/domain/model"
)

// Advisory lock namespace for reaper operations, using the two-arg form of
// pg_try_advisory_xact_lock. Major key 1000 is reserved for the reaper.
const (
	advisoryLockReaperMajor       = 1000
	advisoryLockReaperFailPending = 1 // minor key for FailStalePendingTasks
	advisoryLockReaperDelete      = 2 // minor key for DeleteOldTasks
)

// StalePendingError is recorded on tasks the reaper fails for sitting in the queue too long.
const StalePendingError = "task timed out in pending status"

// FailStalePendingTasks marks up to batchSize pending tasks created before now-maxAge as failed
// and returns their ids. Concurrent reapers skip the batch instead of blocking.
func (r *TaskRepo) FailStalePendingTasks(ctx context.Context, maxAge time.Duration, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	var ids []string
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := tryReaperLock(ctx, tx, advisoryLockReaperFailPending)
			if err != nil || !locked {
				return err
			}

			now := r.timeProvider.Now().UTC()
			rows, err := tx.QueryContext(ctx, `
				UPDATE tasks
				SET status = 'failed',
					last_error = $4,
					completed_at = $1,
					updated_at = $1
				WHERE id IN (
					SELECT id FROM tasks
					WHERE status = 'pending'
					  AND created_at < $2
					ORDER BY created_at
					LIMIT $3
				)
				RETURNING id
			`, now, now.Add(-maxAge), batchSize, StalePendingError)
			if err != nil {
				return fmt.Errorf("fail stale pending tasks: %w", err)
			}
			ids, err = collectIDs(rows)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteOldTasks deletes up to BatchSize tasks in the given terminal status that finished
// before now-MaxAge and returns their ids.
func (r *TaskRepo) DeleteOldTasks(ctx context.Context, params core.DeleteOldTasksParams) ([]string, error) {
	if params.Status != model.TaskStatusCompleted && params.Status != model.TaskStatusFailed {
		return nil, fmt.Errorf("invalid task status for deletion: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	var ids []string
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := tryReaperLock(ctx, tx, advisoryLockReaperDelete)
			if err != nil || !locked {
				return err
			}

			cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()
			rows, err := tx.QueryContext(ctx, `
				DELETE FROM tasks
				WHERE id IN (
					SELECT id FROM tasks
					WHERE status = $1
					  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $3
				)
				RETURNING id
			`, params.Status, cutoff, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old tasks: %w", err)
			}
			ids, err = collectIDs(rows)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func tryReaperLock(ctx context.Context, tx *sql.Tx, minor int) (bool, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return locked, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
