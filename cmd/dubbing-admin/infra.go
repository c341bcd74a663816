package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/target/dubbing-api/internal/bootstrap"
)

// withServices connects Postgres and Redis, builds the service container and runs fn with a
// bounded context. Connections are closed before it returns.
func withServices(
	cmdCtx *commandContext,
	fn func(ctx context.Context, svc *bootstrap.ServiceContainer) error,
) (err error) {
	db, redisClient, err := connectInfra(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	svc, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer svc.Tasks.StopAllListeners()

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()
	return fn(ctx, &svc)
}

// connectInfra opens both stores; on a Redis failure the database is closed again.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func connectInfra(cmdCtx *commandContext) (*sql.DB, redis.UniversalClient, error) {
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	}
	db, err := bootstrap.ConnectDB(cmdCtx.Ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	redisClient, err := bootstrap.ConnectRedis(cmdCtx.Ctx, dbCfg)
	if err != nil {
		err = fmt.Errorf("connect redis: %w", err)
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
		}
		return nil, nil, err
	}
	return db, redisClient, nil
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}
