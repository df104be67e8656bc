//go:build integration

// Package containers starts throwaway PostgreSQL, Redis and MinIO
// containers for integration tests. Every helper registers termination
// with t.Cleanup, so callers only need the returned endpoint:
//
//	pg := containers.Postgres(t)
//	store, err := postgres.New(ctx, postgres.Config{URI: pg.ConnString})
//
// The package carries the "integration" build tag and must only be
// imported from files with the same tag.
package containers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Images and credentials for the ephemeral containers.
const (
	PostgresImage    = "docker.io/postgres:16-alpine"
	PostgresDatabase = "selfheal_test"
	PostgresUser     = "selfheal"
	PostgresPassword = "selfheal-test"

	RedisImage = "docker.io/redis:7-alpine"

	MinIOImage     = "docker.io/minio/minio:latest"
	MinIOAccessKey = "minioadmin"
	MinIOSecretKey = "minioadmin"
)

// startTimeout bounds container startup, including image pulls.
const startTimeout = 3 * time.Minute

// PostgresResult holds the connection string of a started container.
// ConnString uses sslmode=disable.
type PostgresResult struct {
	Container  *tcpostgres.PostgresContainer
	ConnString string
}

// Postgres starts a PostgreSQL container and terminates it when t ends.
func Postgres(t testing.TB) *PostgresResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := tcpostgres.Run(ctx, PostgresImage,
		tcpostgres.WithDatabase(PostgresDatabase),
		tcpostgres.WithUsername(PostgresUser),
		tcpostgres.WithPassword(PostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "containers: failed to start postgres")
	terminateOnCleanup(t, func(ctx context.Context) error { return c.Terminate(ctx) })

	conn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "containers: failed to get postgres connection string")
	return &PostgresResult{Container: c, ConnString: conn}
}

// RedisResult holds the address of a started container in host:port form,
// ready for redis.Options.Addr.
type RedisResult struct {
	Container *tcredis.RedisContainer
	URL       string
	Addr      string
}

// Redis starts an unauthenticated Redis container and terminates it when
// t ends.
func Redis(t testing.TB) *RedisResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := tcredis.Run(ctx, RedisImage)
	require.NoError(t, err, "containers: failed to start redis")
	terminateOnCleanup(t, func(ctx context.Context) error { return c.Terminate(ctx) })

	url, err := c.ConnectionString(ctx)
	require.NoError(t, err, "containers: failed to get redis connection string")

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	return &RedisResult{Container: c, URL: url, Addr: host + ":" + port.Port()}
}

// MinIOResult holds the endpoint and root credentials of a started
// container.
type MinIOResult struct {
	Container *tcminio.MinioContainer
	Endpoint  string
	AccessKey string
	SecretKey string
}

// MinIO starts a MinIO container and terminates it when t ends.
func MinIO(t testing.TB) *MinIOResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := tcminio.Run(ctx, MinIOImage,
		tcminio.WithUsername(MinIOAccessKey),
		tcminio.WithPassword(MinIOSecretKey),
	)
	require.NoError(t, err, "containers: failed to start minio")
	terminateOnCleanup(t, func(ctx context.Context) error { return c.Terminate(ctx) })

	endpoint, err := c.ConnectionString(ctx)
	require.NoError(t, err, "containers: failed to get minio endpoint")
	return &MinIOResult{
		Container: c,
		Endpoint:  endpoint,
		AccessKey: MinIOAccessKey,
		SecretKey: MinIOSecretKey,
	}
}

func terminateOnCleanup(t testing.TB, terminate func(context.Context) error) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := terminate(ctx); err != nil {
			t.Logf("containers: terminate failed: %v", err)
		}
	})
}
