// Package testutil provides shared test infrastructure for integration tests
// that need a PostgreSQL or Redis container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc, err := testutil.StartPostgres()
//	    if err == nil {
//	        defer tc.Terminate()
//	        testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    }
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kakehashi/internal/storage"
	"github.com/ashita-ai/kakehashi/migrations"
)

// RequireDockerEnv makes container start failures fatal instead of skipping
// the dependent tests. CI sets it.
const RequireDockerEnv = "KAKEHASHI_REQUIRE_DOCKER"

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// DockerAvailable reports whether testcontainers can reach a Docker daemon.
func DockerAvailable(ctx context.Context) error {
	return guard("docker unavailable", func() error {
		p, err := testcontainers.NewDockerProvider()
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()
		return p.Health(ctx)
	})
}

// guard turns a panic from start into an error. testcontainers panics while
// resolving the Docker host when none is configured.
func guard(what string, start func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("testutil: %s: %v", what, r)
		}
	}()
	return start()
}

// startContainer checks for Docker, then starts req.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	if err := DockerAvailable(ctx); err != nil {
		return nil, err
	}
	var container testcontainers.Container
	err := guard("start container", func() error {
		var err error
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		return err
	})
	return container, err
}

// StartPostgres starts a PostgreSQL container.
func StartPostgres() (*TestContainer, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kakehashi",
			"POSTGRES_PASSWORD": "kakehashi",
			"POSTGRES_DB":       "kakehashi",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := startContainer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("testutil: start postgres: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://kakehashi:kakehashi@%s:%s/kakehashi?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}, nil
}

// MustStartPostgres is StartPostgres for TestMain. When the container cannot
// start it exits if RequireDockerEnv is set and otherwise returns nil, so
// callers can skip database tests.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres()
	if err == nil {
		return tc
	}
	if os.Getenv(RequireDockerEnv) != "" {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "testutil: postgres unavailable, database tests will skip: %v\n", err)
	return nil
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	if tc != nil {
		_ = tc.Container.Terminate(context.Background())
	}
}

// StartRedis starts a Redis container and returns it with a connected client.
func StartRedis() (*TestContainer, *redis.Client, error) {
	ctx := context.Background()
	container, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("testutil: start redis: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, fmt.Errorf("testutil: redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, fmt.Errorf("testutil: redis port: %w", err)
	}
	url := fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, fmt.Errorf("testutil: ping redis: %w", err)
	}
	return &TestContainer{Container: container, DSN: url}, rdb, nil
}

// MustStartRedis is StartRedis for TestMain, with the same skip rules as
// MustStartPostgres. Both return values are nil when Redis is unavailable.
func MustStartRedis() (*TestContainer, *redis.Client) {
	tc, rdb, err := StartRedis()
	if err == nil {
		return tc, rdb
	}
	if os.Getenv(RequireDockerEnv) != "" {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "testutil: redis unavailable, redis tests will skip: %v\n", err)
	return nil, nil
}

// RequireRedis skips t when no Redis client is available.
func RequireRedis(t testing.TB, rdb *redis.Client) {
	t.Helper()
	if rdb == nil {
		t.Skip("redis container unavailable")
	}
}

// RequireDB skips t when no database is available.
func RequireDB(t testing.TB, db *storage.DB) {
	t.Helper()
	if db == nil {
		t.Skip("postgres container unavailable")
	}
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
