// Package pgxutil runs queue statements on pgx connections borrowed from a database/sql pool.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// SQLTxConfig configures WithSQLTx.
type SQLTxConfig struct {
	Opts *sql.TxOptions
	Fn   func(*sql.Tx) error
	// Retries re-runs Fn in a fresh transaction after a serialization failure or deadlock.
	Retries int
}

// TxConfig configures WithPgxTx.
type TxConfig struct {
	Opts    *sql.TxOptions
	Fn      func(pgx.Tx) error
	Retries int
}

// retryBackoff is the pause before the first re-run; it doubles per attempt.
const retryBackoff = 20 * time.Millisecond

// IsRetryable reports whether err is a transient conflict that a new transaction can resolve.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// retry runs attempt up to retries+1 times while it fails with a retryable error.
func retry(ctx context.Context, retries int, attempt func() error) error {
	wait := retryBackoff
	for i := 0; ; i++ {
		err := attempt()
		if err == nil || i >= retries || !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// WithSQLTx runs cfg.Fn within a database/sql transaction.
func WithSQLTx(ctx context.Context, db *sql.DB, cfg SQLTxConfig) error {
	return retry(ctx, cfg.Retries, func() error { return sqlTx(ctx, db, cfg) })
}

func sqlTx(ctx context.Context, db *sql.DB, cfg SQLTxConfig) (err error) {
	tx, err := db.BeginTx(ctx, cfg.Opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = cfg.Fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ToPgxTxOptions converts sql.TxOptions to pgx.TxOptions. Levels pgx has no name for map to
// the nearest stronger level.
func ToPgxTxOptions(opts *sql.TxOptions) pgx.TxOptions {
	var out pgx.TxOptions
	if opts == nil {
		return out
	}
	switch opts.Isolation {
	case sql.LevelSerializable, sql.LevelLinearizable:
		out.IsoLevel = pgx.Serializable
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		out.IsoLevel = pgx.RepeatableRead
	case sql.LevelReadCommitted, sql.LevelWriteCommitted:
		out.IsoLevel = pgx.ReadCommitted
	case sql.LevelReadUncommitted:
		out.IsoLevel = pgx.ReadUncommitted
	default:
		// server default
	}
	out.AccessMode = pgx.ReadWrite
	if opts.ReadOnly {
		out.AccessMode = pgx.ReadOnly
	}
	return out
}

// WithPgxConn borrows a pool connection and hands fn the underlying *pgx.Conn.
func WithPgxConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T, want *stdlib.Conn", dc)
		}
		return fn(std.Conn())
	})
}

// WithPgxTx runs cfg.Fn within a pgx transaction on a borrowed pool connection.
func WithPgxTx(ctx context.Context, db *sql.DB, cfg TxConfig) error {
	return retry(ctx, cfg.Retries, func() error {
		return WithPgxConn(ctx, db, func(conn *pgx.Conn) error { return pgxTx(ctx, conn, cfg) })
	})
}

func pgxTx(ctx context.Context, conn *pgx.Conn, cfg TxConfig) error {
	tx, err := conn.BeginTx(ctx, ToPgxTxOptions(cfg.Opts))
	if err != nil {
		return fmt.Errorf("begin pgx tx: %w", err)
	}
	// Rollback after Commit returns ErrTxClosed.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := cfg.Fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit pgx tx: %w", err)
	}
	return nil
}
