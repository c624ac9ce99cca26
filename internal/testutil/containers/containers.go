//go:build integration

// Package containers starts the backing stores used by integration tests:
// Redis for the shared tenant cache, PostgreSQL for the tenant directory and
// MinIO for policy bundles.
//
// Helpers are behind the integration build tag so Docker dependencies stay
// out of unit test builds. Every Start function returns a result whose
// Container must be terminated by the caller:
//
//	result, err := containers.StartPostgres(ctx)
//	if err != nil { ... }
//	defer result.Container.Terminate(ctx)
package containers

import (
	"context"
	"fmt"

	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/StricklySoft/plutus-security/internal/testutil/fixtures"
)

const (
	DefaultPostgresImage = "docker.io/postgres:16-alpine"
	DefaultRedisImage    = "docker.io/redis:7-alpine"
	DefaultMinIOImage    = "docker.io/minio/minio:latest"

	// MinIO root credentials. Only ever used against throwaway containers.
	DefaultMinIOAccessKey = "minioadmin"
	DefaultMinIOSecretKey = "minioadmin"
)

// PostgresResult is a running PostgreSQL container. ConnString carries
// sslmode=disable and can be passed to postgres.Config.URI.
type PostgresResult struct {
	Container  *tcpostgres.PostgresContainer
	ConnString string
}

// StartPostgres starts PostgreSQL with the tenant directory database from
// the fixtures package.
func StartPostgres(ctx context.Context) (*PostgresResult, error) {
	container, err := tcpostgres.Run(ctx,
		DefaultPostgresImage,
		tcpostgres.WithDatabase(fixtures.TestDBName),
		tcpostgres.WithUsername(fixtures.TestDBUser),
		tcpostgres.WithPassword(fixtures.TestDBPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get postgres connection string: %w", err)
	}
	return &PostgresResult{Container: container, ConnString: connStr}, nil
}

// RedisResult is a running Redis container. ConnString is a redis:// URI.
type RedisResult struct {
	Container  *tcredis.RedisContainer
	ConnString string
}

// StartRedis starts an unauthenticated Redis.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}
	return &RedisResult{Container: container, ConnString: connStr}, nil
}

// MinIOResult is a running MinIO container. Endpoint is host:port without a
// scheme.
type MinIOResult struct {
	Container *tcminio.MinioContainer
	Endpoint  string
	AccessKey string
	SecretKey string
}

// StartMinIO starts MinIO with the default root credentials.
func StartMinIO(ctx context.Context) (*MinIOResult, error) {
	container, err := tcminio.Run(ctx,
		DefaultMinIOImage,
		tcminio.WithUsername(DefaultMinIOAccessKey),
		tcminio.WithPassword(DefaultMinIOSecretKey),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start minio container: %w", err)
	}

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get minio endpoint: %w", err)
	}
	return &MinIOResult{
		Container: container,
		Endpoint:  endpoint,
		AccessKey: DefaultMinIOAccessKey,
		SecretKey: DefaultMinIOSecretKey,
	}, nil
}
