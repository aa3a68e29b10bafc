package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	// Import pgx driver for database/sql compatibility in tests.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobqueue/internal/migrate"
)

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// TestDBConfig locates the Postgres instance used by integration tests.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultTestDBConfig reads TEST_DB_* variables. The port defaults to 55432,
// the docker-compose test profile; CI sets TEST_DB_PORT=5432.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "jobqueue"),
		Password: envOr("TEST_DB_PASSWORD", "jobqueue"),
		DBName:   envOr("TEST_DB_NAME", "jobqueue"),
		SSLMode:  envOr("TEST_DB_SSL_MODE", "disable"),
	}
}

// DSN renders the config as a postgres URL. A non-empty schema is put first
// on the search_path.
func (c TestDBConfig) DSN(schema string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := url.Values{"sslmode": {c.SSLMode}}
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SkipIfNoTestDB skips the test when Postgres is unreachable, or fails it
// when TEST_REQUIRE_DB / TEST_REQUIRE_INFRA is set.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()

	db, err := openAndPing(DefaultTestDBConfig().DSN(""), 2*time.Second)
	if err != nil {
		if requireDB() {
			t.Fatal("Test database not available:", err)
		}
		t.Skip("Test database not available:", err)
	}
	closeAndLog(t, "probe DB", db)
}

// SetupTestDB connects to the test database, applies migrations and empties
// the job tables. With TEST_DB_EPHEMERAL set, every call gets its own schema,
// dropped again by TeardownTestDB.
func SetupTestDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	cfg := DefaultTestDBConfig()
	schema := ""
	if envBool("TEST_DB_EPHEMERAL") {
		schema = createSchema(t, cfg)
	}

	db, err := openAndPing(cfg.DSN(schema), 5*time.Second)
	if err != nil {
		t.Fatal("Failed to connect to test database. Make sure PostgreSQL is running (docker-compose up -d):", err)
	}
	db.SetMaxOpenConns(10)
	if schema != "" {
		ephemeralSchemas.Store(db, schema)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migrate.Run(ctx, db); err != nil {
		closeAndLog(t, "test DB", db)
		t.Fatal("Failed to run migrations:", err)
	}

	CleanupTestDB(t, db)
	return db
}

// CleanupTestDB removes all jobs. Dependency edges, tags and retry attempts
// go with them through cascading foreign keys.
func CleanupTestDB(t TestingTB, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "TRUNCATE jobs, job_dependencies, job_related_entities"); err != nil {
		t.Fatalf("Failed to clean up job tables: %v", err)
	}
}

// TeardownTestDB empties the tables (or drops the ephemeral schema) and
// closes db.
func TeardownTestDB(t TestingTB, db *sql.DB) {
	t.Helper()
	if db == nil {
		return
	}

	schema, ephemeral := ephemeralSchemas.LoadAndDelete(db)
	if !ephemeral {
		CleanupTestDB(t, db)
	}
	if err := db.Close(); err != nil {
		t.Fatal("Failed to close database:", err)
	}
	if ephemeral {
		dropSchema(t, DefaultTestDBConfig(), schema.(string))
	}
}

func createSchema(t TestingTB, cfg TestDBConfig) string {
	t.Helper()

	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("generate schema name: %v", err)
	}
	schema := "t_" + hex.EncodeToString(b)

	admin, err := openAndPing(cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Fatal("Failed to open admin DB:", err)
	}
	defer closeAndLog(t, "admin DB", admin)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		t.Fatalf("Failed to create schema %s: %v", schema, err)
	}
	t.Logf("Using ephemeral schema: %s", schema)
	return schema
}

func dropSchema(t TestingTB, cfg TestDBConfig, schema string) {
	admin, err := openAndPing(cfg.DSN(""), 5*time.Second)
	if err != nil {
		t.Logf("warning: cannot drop schema %s: %v", schema, err)
		return
	}
	defer closeAndLog(t, "admin DB", admin)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

func openAndPing(dsn string, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func closeAndLog(t TestingTB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("warning: failed to close %s: %v", name, err)
	}
}

// DumpJobs logs every row of the jobs table in creation order. Call it right
// before a failing assertion in integration tests.
func DumpJobs(t TestingTB, db *sql.DB, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT id::text, command, state, queue, COALESCE(original_job_id::text, '-')
		FROM jobs
		ORDER BY seq
	`)
	if err != nil {
		t.Fatalf("Failed to query jobs: %v", err)
	}
	defer closeAndLog(t, "job rows", rows)

	t.Logf("=== %s ===", message)
	for i := 1; rows.Next(); i++ {
		var id, command, state, queue, retryOf string
		if err := rows.Scan(&id, &command, &state, &queue, &retryOf); err != nil {
			t.Fatalf("Failed to scan job: %v", err)
		}
		t.Logf("job %d: id=%s command=%s state=%s queue=%s retry_of=%s", i, id, command, state, queue, retryOf)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("Error iterating over jobs: %v", err)
	}
}

// SetupTestRedis returns a client on a flushed test database. The address
// comes from REDIS_ADDR (CI) or TEST_REDIS_ADDR, defaulting to the local
// test instance; the database index from TEST_REDIS_DB, defaulting to 1.
// Tests are skipped when Redis is unreachable unless TEST_REQUIRE_REDIS or
// TEST_REQUIRE_INFRA is set.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	addr := envOr("REDIS_ADDR", envOr("TEST_REDIS_ADDR", "localhost:56379"))
	dbIndex := 1
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			t.Fatalf("invalid TEST_REDIS_DB=%q", v)
		}
		dbIndex = i
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: dbIndex})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		closeAndLog(t, "redis client", client)
		if requireRedis() {
			t.Fatalf("Redis not available for testing at %s: %v", addr, err)
		}
		t.Skipf("Redis not available for testing at %s: %v", addr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis db %d: %v", dbIndex, err)
	}
	return client
}

// TestTime returns a fixed time for testing.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

// ephemeralSchemas maps open test connections to their ephemeral schema.
var ephemeralSchemas sync.Map
