//go:build integration

package repository

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opensource-finance/clovershield/internal/domain"
)

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("clovershield_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForSQL("5432/tcp", "postgres", func(host string, port nat.Port) string {
				return fmt.Sprintf("postgres://test:test@%s:%s/clovershield_test?sslmode=disable", host, port.Port())
			}).WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	repo, err := New(domain.RepositoryConfig{
		Driver:           "postgres",
		PostgresHost:     host,
		PostgresPort:     port,
		PostgresUser:     "test",
		PostgresPassword: "test",
		PostgresDB:       "clovershield_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.SavePrediction(ctx, testRecord("p-1", "C1", 1000)))
	require.NoError(t, repo.SavePrediction(ctx, testRecord("p-2", "C1", 3000)))

	got, err := repo.GetPrediction(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, domain.DecisionBlock, got.Decision)
	require.NotNil(t, got.Explanation)

	stats, err := repo.SenderStats(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Count)
	require.InDelta(t, 2000, stats.MeanAmount, 1e-9)

	now := time.Now().UTC()
	require.NoError(t, repo.SaveModel(ctx, &domain.ModelRecord{
		ID: "m-1", Version: "v1", ArtifactPath: "/m1.json", Status: domain.ModelStatusReady, CreatedAt: now,
	}))
	require.NoError(t, repo.ActivateModel(ctx, "m-1", now))
	m, err := repo.GetModel(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModelStatusActive, m.Status)

	require.NoError(t, repo.SaveBacktest(ctx, &domain.BacktestResult{
		ID: "bt-1", Rule: "amount > 1", WindowSize: 10, Matches: 2, CreatedAt: now,
	}))
	runs, err := repo.ListBacktests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
