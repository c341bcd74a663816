package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPgxTxOptions(t *testing.T) {
	assert.Equal(t, pgx.TxOptions{}, ToPgxTxOptions(nil))

	got := ToPgxTxOptions(&sql.TxOptions{Isolation: sql.LevelSerializable})
	assert.Equal(t, pgx.Serializable, got.IsoLevel)
	assert.Equal(t, pgx.ReadWrite, got.AccessMode)

	got = ToPgxTxOptions(&sql.TxOptions{Isolation: sql.LevelSnapshot, ReadOnly: true})
	assert.Equal(t, pgx.RepeatableRead, got.IsoLevel)
	assert.Equal(t, pgx.ReadOnly, got.AccessMode)

	got = ToPgxTxOptions(&sql.TxOptions{})
	assert.Equal(t, pgx.TxIsoLevel(""), got.IsoLevel)
}

func TestIsRetryable(t *testing.T) {
	serial := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	assert.True(t, IsRetryable(serial))
	assert.True(t, IsRetryable(fmt.Errorf("reserve task: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected})))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
}

func TestRetry(t *testing.T) {
	serial := &pgconn.PgError{Code: pgerrcode.SerializationFailure}

	t.Run("succeeds after conflict", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 2, func() error {
			calls++
			if calls == 1 {
				return serial
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after retries", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 1, func() error { calls++; return serial })
		require.ErrorIs(t, err, serial)
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := retry(context.Background(), 3, func() error { calls++; return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := retry(ctx, 3, func() error { return serial })
		require.ErrorIs(t, err, context.Canceled)
	})
}
