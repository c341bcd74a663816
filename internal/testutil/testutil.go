// Package testutil provides Postgres and Redis fixtures for integration tests. Tests skip when
// the stores are unreachable unless TEST_REQUIRE_DB, TEST_REQUIRE_REDIS or TEST_REQUIRE_INFRA is set.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	// Import pgx driver for database/sql compatibility in tests.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/dubbing-api/internal/migrate"
)

// TestingTB is the subset of testing.TB the fixtures need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// TestDBConfig locates the test database.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig reads TEST_DB_* and falls back to the docker-compose test profile on port 55432.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "dubbing"),
		Password: envOr("TEST_DB_PASSWORD", "dubbing"),
		DBName:   envOr("TEST_DB_NAME", "dubbing"),
	}
}

// DSN renders the config as a pgx URL, optionally pinned to a search_path.
func (c TestDBConfig) DSN(schema string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", envOr("DB_SSL_MODE", "disable"))
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func requireDB() bool    { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }
func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }

func skipOrFail(t TestingTB, required bool, args ...any) {
	t.Helper()
	if required {
		t.Fatal(args...)
	}
	t.Skip(args...)
}

func closeAndLog(t TestingTB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("warning: close %s: %v", name, err)
	}
}

func openDB(t TestingTB, dsn string, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if pingErr := db.PingContext(ctx); pingErr != nil {
		closeAndLog(t, "database", db)
		return nil, pingErr
	}
	return db, nil
}

func migrateDB(ctx context.Context, db *sql.DB) error {
	_, err := migrate.Run(ctx, db, nil)
	return err
}

// SkipIfNoTestDB skips (or fails, when required) if the test database does not answer.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	db, err := openDB(t, DefaultTestDBConfig().DSN(""), 2*time.Second)
	if err != nil {
		skipOrFail(t, requireDB(), "Test database not available:", err)
		return
	}
	closeAndLog(t, "database", db)
}

// SetupTestDB connects to the shared test database, migrates it and empties the tasks table.
func SetupTestDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	db, err := openDB(t, DefaultTestDBConfig().DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("Failed to connect to test database (is docker compose up?):", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if migrateErr := migrateDB(ctx, db); migrateErr != nil {
		t.Fatal("Failed to run migrations:", migrateErr)
	}
	CleanupTestDB(t, db)
	return db
}

// CleanupTestDB deletes every task row.
func CleanupTestDB(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		t.Fatalf("Failed to clean up table tasks: %v", err)
	}
}

// TeardownTestDB empties and closes a database opened by SetupTestDB.
func TeardownTestDB(t TestingTB, db *sql.DB) {
	t.Helper()
	if db == nil {
		return
	}
	CleanupTestDB(t, db)
	if err := db.Close(); err != nil {
		t.Fatal("Failed to close database:", err)
	}
}

// WithAutoDB runs fn against a private schema when TEST_DB_EPHEMERAL is truthy and against
// the shared test database otherwise. The shared database is emptied and closed afterwards.
func WithAutoDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	if envBool("TEST_DB_EPHEMERAL") {
		fn(SetupEphemeralSchemaDB(t))
		return
	}
	db := SetupTestDB(t)
	defer TeardownTestDB(t, db)
	fn(db)
}

func newSchemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(b)
}

// SetupEphemeralSchemaDB creates a throwaway schema, migrates it and drops it on cleanup.
// Parallel packages can then share one Postgres without seeing each other's tasks.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	cfg := DefaultTestDBConfig()
	admin, err := openDB(t, cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("Failed to open admin DB:", err)
	}

	schema := newSchemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, execErr := admin.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); execErr != nil {
		closeAndLog(t, "admin DB", admin)
		t.Fatalf("Failed to create schema %s: %v", schema, execErr)
	}

	db, err := openDB(t, cfg.DSN(schema), 10*time.Second)
	if err != nil {
		closeAndLog(t, "admin DB", admin)
		t.Fatal("Failed to open schema-scoped DB:", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	t.Logf("Using ephemeral schema: %s", schema)
	drop := func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		closeAndLog(t, "schema DB", db)
		if _, dropErr := admin.ExecContext(dctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); dropErr != nil {
			t.Logf("warning: drop schema %s: %v", schema, dropErr)
		}
		closeAndLog(t, "admin DB", admin)
	}
	if tc, ok := t.(interface{ Cleanup(func()) }); ok {
		tc.Cleanup(drop)
	}

	if migrateErr := migrateDB(ctx, db); migrateErr != nil {
		t.Fatal("Failed to run migrations in ephemeral schema:", migrateErr)
	}
	return db
}

// LogTaskStates dumps every task row, which helps when a queue test fails on ordering.
func LogTaskStates(t TestingTB, db *sql.DB, message string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		`SELECT id, status, retry_count, max_retries, COALESCE(last_error, '') FROM tasks ORDER BY created_at`)
	if err != nil {
		t.Fatalf("Failed to query task states: %v", err)
	}
	defer closeAndLog(t, "task rows", rows)

	t.Logf("=== %s ===", message)
	for rows.Next() {
		var (
			id, status, lastErr string
			retries, maxRetries int
		)
		if scanErr := rows.Scan(&id, &status, &retries, &maxRetries, &lastErr); scanErr != nil {
			t.Fatalf("Failed to scan task state: %v", scanErr)
		}
		t.Logf("task %s: status=%s retries=%d/%d last_error=%q", id, status, retries, maxRetries, lastErr)
	}
	if iterErr := rows.Err(); iterErr != nil {
		t.Fatalf("Error iterating task rows: %v", iterErr)
	}
}

// ConcurrentTestRunner runs functions on separate goroutines and collects their errors.
type ConcurrentTestRunner struct {
	t TestingTB
}

// NewConcurrentTestRunner creates a runner that reports through t.
func NewConcurrentTestRunner(t TestingTB) *ConcurrentTestRunner {
	return &ConcurrentTestRunner{t: t}
}

// RunConcurrent starts every fn at once and returns their errors in argument order.
func (r *ConcurrentTestRunner) RunConcurrent(fns ...func() error) []error {
	r.t.Helper()
	type result struct {
		i   int
		err error
	}
	ch := make(chan result, len(fns))
	for i, fn := range fns {
		go func() { ch <- result{i, fn()} }()
	}
	errs := make([]error, len(fns))
	for range fns {
		res := <-ch
		errs[res.i] = res.err
	}
	return errs
}

// AssertNoErrors fails the test on the first non-nil error.
func (r *ConcurrentTestRunner) AssertNoErrors(errs []error) {
	r.t.Helper()
	for i, err := range errs {
		if err != nil {
			r.t.Fatalf("Concurrent operation %d failed: %v", i, err)
		}
	}
}

// GetTestRedisAddr finds a reachable Redis: REDIS_ADDR first, then the CI and compose defaults.
func GetTestRedisAddr(t TestingTB) (string, bool) {
	t.Helper()
	candidates := []string{"redis:6379", "localhost:6379", "localhost:56379"}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		candidates = []string{addr}
	}
	for _, addr := range candidates {
		if pingRedis(t, addr) {
			return addr, true
		}
	}
	return candidates[len(candidates)-1], false
}

func pingRedis(t TestingTB, addr string) bool {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer closeAndLog(t, "redis ping", client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Logf("Redis not available at %s: %v", addr, err)
		return false
	}
	return true
}

// reserveRedisDB claims a logical DB in 1..15 through a lock key in DB 0 so concurrent test
// packages do not flush each other. TEST_REDIS_DB overrides the search.
func reserveRedisDB(t TestingTB, addr string) int {
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
		t.Logf("Invalid TEST_REDIS_DB=%q, falling back to auto-select", v)
	}

	meta := redis.NewClient(&redis.Options{Addr: addr})
	defer closeAndLog(t, "redis meta client", meta)

	owner := fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixNano())
	for i := 1; i <= 15; i++ {
		key := fmt.Sprintf("dubbing:testutil:db_lock:%d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ok, err := meta.SetNX(ctx, key, owner, 30*time.Minute).Result()
		cancel()
		if err != nil || !ok {
			continue
		}
		if tc, isCleanup := t.(interface{ Cleanup(func()) }); isCleanup {
			tc.Cleanup(func() { releaseRedisDB(t, addr, key) })
		}
		t.Logf("Using Redis DB=%d for tests at %s", i, addr)
		return i
	}
	t.Logf("Falling back to Redis DB=1 for tests at %s", addr)
	return 1
}

func releaseRedisDB(t TestingTB, addr, key string) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	defer closeAndLog(t, "redis cleanup client", c)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Del(ctx, key).Err(); err != nil {
		t.Logf("warning: release redis db lock %s: %v", key, err)
	}
}

// SetupTestRedis returns a client on a freshly flushed, reserved logical DB.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()
	addr, ok := GetTestRedisAddr(t)
	if !ok {
		skipOrFail(t, requireRedis(), "Redis not available for testing")
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: reserveRedisDB(t, addr)})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		closeAndLog(t, "redis client", client)
		skipOrFail(t, requireRedis(), "Redis not usable for testing:", err)
		return nil
	}
	return client
}
