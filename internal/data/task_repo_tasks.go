package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/target/dubbing-api/internal/data/database"
	"github.com/target/dubbing-api/internal/data/pgxutil"
	"github.com/target/dubbing-api/internal/domain/model"
	apperrors "github.com/target/dubbing-api/internal/errors"
)

// txRetries bounds re-runs of a queue transaction that lost a deadlock or serialization race.
const txRetries = 2

// SQL used by ReserveNext to atomically reserve the next task.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM tasks
    WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE tasks t
  SET
    status = 'running',
    started_at = COALESCE(t.started_at, $2),
    lease_expires_at = $3,
    updated_at = $2
  FROM cte
  WHERE t.id = cte.id
  RETURNING t.id, t.type, t.status, t.priority, t.payload, t.scheduled_at, t.started_at, t.completed_at, t.retry_count, t.max_retries, t.last_error, t.lease_expires_at, t.created_at, t.updated_at`

// NotifyChannel is the LISTEN/NOTIFY channel that announces new tasks of the given type.
func NotifyChannel(taskType model.TaskType) string {
	return "task_added_" + string(taskType)
}

// Create enqueues a task keyed by its id. Submitting an id that already exists is not an error:
// the stored task is returned and created reports false.
func (r *TaskRepo) Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, bool, error) {
	if req == nil {
		return nil, false, errors.New("create task request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, false, validateErr
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.Retry.MaxAttempts
	}
	scheduledAt := r.timeProvider.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	var (
		task    *model.Task
		created bool
	)
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				INSERT INTO tasks(id, type, status, priority, payload, scheduled_at, max_retries, created_at, updated_at)
				VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $7)
				ON CONFLICT (id) DO NOTHING
				RETURNING `+taskColumns,
				req.ID, req.Type, req.Priority, []byte(req.Payload), scheduledAt, maxRetries, r.timeProvider.Now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			t, collectErr := collectTaskFromRows(rows)
			rows.Close()
			if errors.Is(collectErr, pgx.ErrNoRows) {
				existing, getErr := r.getByIDInTx(ctx, tx, req.ID)
				if getErr != nil {
					return getErr
				}
				task = existing
				return nil
			}
			if collectErr != nil {
				return fmt.Errorf("collect task: %w", collectErr)
			}

			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel(req.Type), t.ID); execErr != nil {
				return fmt.Errorf("send task notification: %w", execErr)
			}
			task, created = t, true
			return nil
		},
	})
	if txErr != nil {
		return nil, false, fmt.Errorf("create task %s: %w", req.ID, apperrors.MapDBError(txErr))
	}
	return task, created, nil
}

func (r *TaskRepo) getByIDInTx(ctx context.Context, tx pgx.Tx, id string) (*model.Task, error) {
	rows, err := tx.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer rows.Close()
	t, err := collectTaskFromRows(rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// collectTaskFromRows collects a single task from pgx rows.
func collectTaskFromRows(rows pgx.Rows) (*model.Task, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	task, err := scanTaskFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return task, nil
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

type taskRowData struct {
	payload                                []byte
	lastError                              sql.NullString
	startedAt, completedAt, leaseExpiresAt sql.NullTime
}

func (d *taskRowData) scanInto(scanner taskRowScanner, task *model.Task) error {
	return scanner.Scan(
		&task.ID,
		&task.Type,
		&task.Status,
		&task.Priority,
		&d.payload,
		&task.ScheduledAt,
		&d.startedAt,
		&d.completedAt,
		&task.RetryCount,
		&task.MaxRetries,
		&d.lastError,
		&d.leaseExpiresAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

func (d *taskRowData) apply(task *model.Task) {
	task.Payload = cloneJSON(d.payload)
	task.LastError = cloneNullableString(d.lastError)
	task.StartedAt = cloneNullableTime(d.startedAt)
	task.CompletedAt = cloneNullableTime(d.completedAt)
	task.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
}

func scanTaskFromRow(scanner taskRowScanner) (*model.Task, error) {
	task := &model.Task{}
	var data taskRowData
	if err := data.scanInto(scanner, task); err != nil {
		return nil, err
	}
	data.apply(task)
	return task, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock namespace for requeueExpired; the minor key separates task types.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(taskType model.TaskType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskType))
	hashValue := h.Sum32() & uint32(math.MaxInt32)
	return int64(hashValue)
}

// requeueExpired returns running tasks whose lease lapsed to pending. The attempt is not
// charged: a worker that died mid-run never reported a failure.
func (r *TaskRepo) requeueExpired(ctx context.Context, taskType model.TaskType) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockRequeueMinor(taskType)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
          UPDATE tasks
          SET status = 'pending', lease_expires_at = NULL, updated_at = $2
          WHERE type = $1 AND status = 'running'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
        `, taskType, now)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	if rowsAffected > 0 {
		r.logger.WarnContext(ctx, "requeued tasks with expired leases", "type", taskType, "count", rowsAffected)
	}
	return rowsAffected, nil
}

// ReserveNext reserves the next due task of the given type and leases it for leaseSeconds.
func (r *TaskRepo) ReserveNext(ctx context.Context, taskType model.TaskType, leaseSeconds int) (*model.Task, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("invalid task type: %s", taskType)
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	if _, err := r.requeueExpired(ctx, taskType); err != nil {
		return nil, fmt.Errorf("requeue expired tasks: %w", err)
	}

	var task *model.Task
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts:    &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Retries: txRetries,
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, reserveNextUpdateSQL, taskType, now, leaseExpiresAt)
			if qerr != nil {
				return fmt.Errorf("reserve task: %w", qerr)
			}
			defer rows.Close()

			t, cerr := collectTaskFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoTasksAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve task: %w", cerr)
			}
			task = t
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Heartbeat refreshes the lease on a running task. It reports false when the task is no longer running.
func (r *TaskRepo) Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, now.Add(time.Duration(leaseSeconds)*time.Second), now)
	if err != nil {
		return false, fmt.Errorf("heartbeat task: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete marks a running task as completed.
func (r *TaskRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail records a failed attempt. The task returns to pending with an exponential backoff
// delay, or becomes failed once retry_count reaches max_retries. A nil result means the
// task was not running.
func (r *TaskRepo) Fail(ctx context.Context, id, errMsg string) (*model.TaskFailure, error) {
	var out *model.TaskFailure
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Retries: txRetries,
		Fn: func(tx pgx.Tx) error {
			var retryCount, maxRetries int
			scanErr := tx.QueryRow(ctx, `
				SELECT retry_count, max_retries FROM tasks
				WHERE id = $1 AND status = 'running'
				FOR UPDATE
			`, id).Scan(&retryCount, &maxRetries)
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil
			}
			if scanErr != nil {
				return fmt.Errorf("lock task: %w", scanErr)
			}

			policy := r.cfg.Retry
			policy.MaxAttempts = maxRetries
			now := r.timeProvider.Now().UTC()
			result := &model.TaskFailure{RetryCount: retryCount + 1}

			if policy.Exhausted(retryCount) {
				result.Status = model.TaskStatusFailed
				if _, err := tx.Exec(ctx, `
					UPDATE tasks
					SET last_error = $2, retry_count = retry_count + 1, status = 'failed',
					    completed_at = $3, lease_expires_at = NULL, updated_at = $3
					WHERE id = $1
				`, id, errMsg, now); err != nil {
					return fmt.Errorf("fail task: %w", err)
				}
				out = result
				return nil
			}

			next := now.Add(policy.Delay(retryCount))
			result.Status = model.TaskStatusPending
			result.NextAttemptAt = &next
			if _, err := tx.Exec(ctx, `
				UPDATE tasks
				SET last_error = $2, retry_count = retry_count + 1, status = 'pending',
				    completed_at = NULL, lease_expires_at = NULL, scheduled_at = $3, updated_at = $4
				WHERE id = $1
			`, id, errMsg, next, now); err != nil {
				return fmt.Errorf("retry task: %w", err)
			}
			out = result
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reschedule hands a running task back to the queue after delay without charging an attempt.
func (r *TaskRepo) Reschedule(ctx context.Context, id string, delay time.Duration) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending',
		    lease_expires_at = NULL,
		    scheduled_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, now.Add(delay), now)
	if err != nil {
		return false, fmt.Errorf("reschedule task: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reschedule rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Resubmit resets a completed or failed task to pending with a fresh attempt budget.
// beforeCommit runs inside the transaction once the reset matched.
func (r *TaskRepo) Resubmit(ctx context.Context, id string, beforeCommit func(*model.Task) error) (*model.Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrTaskIDRequired
	}

	var task *model.Task
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			rows, err := tx.Query(ctx, `
				UPDATE tasks
				SET status = 'pending',
				    retry_count = 0,
				    last_error = NULL,
				    started_at = NULL,
				    completed_at = NULL,
				    lease_expires_at = NULL,
				    scheduled_at = $2,
				    updated_at = $2
				WHERE id = $1 AND status IN ('completed', 'failed')
				RETURNING `+taskColumns, id, now)
			if err != nil {
				return fmt.Errorf("resubmit task: %w", err)
			}
			t, collectErr := collectTaskFromRows(rows)
			rows.Close()
			if errors.Is(collectErr, pgx.ErrNoRows) {
				if _, getErr := r.getByIDInTx(ctx, tx, id); getErr != nil {
					return getErr
				}
				return model.ErrTaskActive
			}
			if collectErr != nil {
				return fmt.Errorf("resubmit task: %w", collectErr)
			}

			// the row stays locked until commit, so a concurrent resubmit waits and then sees
			// a pending task
			if beforeCommit != nil {
				if hookErr := beforeCommit(t); hookErr != nil {
					return hookErr
				}
			}
			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, NotifyChannel(t.Type), t.ID); execErr != nil {
				return fmt.Errorf("send task notification: %w", execErr)
			}
			task = t
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Stats returns counts of tasks of the given type per status.
func (r *TaskRepo) Stats(ctx context.Context, taskType model.TaskType) (*model.TaskStats, error) {
	var s model.TaskStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM tasks
  WHERE type = $1
  `, taskType).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get task stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a task of the given type is announced or ctx ends.
func (r *TaskRepo) WaitForNotification(ctx context.Context, taskType model.TaskType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	channel := NotifyChannel(taskType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a task by its id.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		defer rows.Close()
		t, err := collectTaskFromRows(rows)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// List returns tasks ordered newest first.
func (r *TaskRepo) List(ctx context.Context, opts *model.TaskListOptions) ([]*model.Task, error) {
	if opts == nil {
		opts = &model.TaskListOptions{}
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := max(opts.Offset, 0)

	query, args := database.BuildListQuery(database.NewListQueryOptions("tasks",
		database.WithColumns(taskColumnNames...),
		database.WithCondition(database.WhereCond("status", database.Equal, opts.Status)),
		database.WithCondition(database.WhereCond("type", database.Equal, opts.Type)),
		database.WithCondition(database.WhereCond("created_at", database.GreaterThanOrEqual, opts.CreatedAfter)),
		database.WithOrderBy("created_at", "DESC"),
		database.WithOrderBy("id", "DESC"),
		database.WithLimit(limit),
		database.WithOffset(offset),
	))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, scanErr := scanTaskFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Delete removes a task that is not pending or running.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrTaskIDRequired
	}

	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var (
				status         model.TaskStatus
				leaseExpiresAt sql.NullTime
			)
			err := tx.QueryRow(ctx, `SELECT status, lease_expires_at FROM tasks WHERE id = $1 FOR UPDATE`, id).
				Scan(&status, &leaseExpiresAt)
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrTaskNotFound
			}
			if err != nil {
				return fmt.Errorf("lock task: %w", err)
			}
			if leaseExpiresAt.Valid && leaseExpiresAt.Time.After(r.timeProvider.Now()) {
				return ErrTaskReserved
			}
			if status == model.TaskStatusPending || status == model.TaskStatusRunning {
				return model.ErrTaskActive
			}
			if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
			return nil
		},
	})
}
