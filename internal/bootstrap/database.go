package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/data"
)

const (
	applicationName = "dubbing-api"
	pingTimeout     = 5 * time.Second
	connectBackoff  = time.Second
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	// MaxOpenConns sizes the Postgres pool, minimum 10.
	MaxOpenConns int
	// ConnectRetries re-pings a store that is not up yet, for containers started together.
	ConnectRetries int
	Logger         *slog.Logger
}

func postgresDSN(cfg config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// pingWithRetry pings up to retries+1 times, doubling the pause between attempts.
func pingWithRetry(ctx context.Context, retries int, logger *slog.Logger, what string, ping func(context.Context) error) error {
	wait := connectBackoff
	for attempt := 0; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := ping(pctx)
		cancel()
		if err == nil || attempt >= retries {
			return err
		}
		if logger != nil {
			logger.WarnContext(ctx, what+" not ready, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// ConnectDB opens the Postgres pool through the pgx stdlib driver and waits for it to answer.
func ConnectDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(postgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	connCfg.RuntimeParams["application_name"] = applicationName

	db := stdlib.OpenDB(*connCfg)
	maxOpen := max(cfg.MaxOpenConns, 10)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(max(maxOpen/4, 2))
	db.SetConnMaxLifetime(5 * time.Minute)

	if pingErr := pingWithRetry(ctx, cfg.ConnectRetries, cfg.Logger, "database", db.PingContext); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name,
		)
	}
	return db, nil
}

// redisOptions maps RedisConfig onto go-redis universal options. The second return value
// describes the target for logs and never carries credentials.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	opts := &redis.UniversalOptions{
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: applicationName,
	}

	switch {
	case cfg.UseSentinel:
		nodes := trimmed(cfg.SentinelNodes)
		if len(nodes) == 0 {
			return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		opts.MasterName = cfg.SentinelMasterName
		opts.Addrs = nodes
		opts.SentinelPassword = cfg.SentinelPassword
		return opts, "sentinel:" + cfg.SentinelMasterName, nil

	case cfg.UseCluster:
		opts.IsClusterMode = true
		opts.DB = 0
		opts.Addrs = trimmed(cfg.ClusterNodes)
		if len(opts.Addrs) == 0 && cfg.URI != "" {
			if err := applyURI(opts, cfg.URI); err != nil {
				return nil, "", fmt.Errorf("parse redis cluster url: %w", err)
			}
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster configuration requires at least one address")
		}
		return opts, "cluster:" + strings.Join(opts.Addrs, ","), nil

	default:
		if cfg.URI == "" {
			return nil, "", errors.New("redis direct configuration requires a URI")
		}
		if err := applyURI(opts, cfg.URI); err != nil {
			return nil, "", fmt.Errorf("parse redis url: %w", err)
		}
		return opts, opts.Addrs[0], nil
	}
}

// applyURI accepts either host:port or a redis:// / rediss:// URL.
func applyURI(opts *redis.UniversalOptions, uri string) error {
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		opts.Addrs = []string{uri}
		return nil
	}
	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return err
	}
	opts.Addrs = []string{parsed.Addr}
	if parsed.Username != "" {
		opts.Username = parsed.Username
	}
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	if !opts.IsClusterMode {
		opts.DB = parsed.DB
	}
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

func trimmed(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ConnectRedis builds a direct, sentinel or cluster client and waits for it to answer.
//
//nolint:ireturn // returning redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(ctx context.Context, cfg DatabaseConfig) (redis.UniversalClient, error) {
	opts, target, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	ping := func(pctx context.Context) error { return client.Ping(pctx).Err() }
	if pingErr := pingWithRetry(ctx, cfg.ConnectRetries, cfg.Logger, "redis", ping); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "redis connected", "target", target)
	}
	return client, nil
}

// RunMigrations applies the tasks schema.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	applied, err := data.RunMigrations(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed", "applied", len(applied))
	}

	return nil
}
