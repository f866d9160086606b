//go:build integration

package matchresult_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/internal/repositories/bestmatch"
	"github.com/Ramsey-B/fern/internal/repositories/matchresult"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/selector"
	"github.com/Ramsey-B/fern/pkg/sink"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func startPostgres(t *testing.T) database.Config {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "fern",
				"POSTGRES_PASSWORD": "fern",
				"POSTGRES_DB":       "fern",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return database.Config{
		Host:         host,
		Port:         port.Port(),
		User:         "fern",
		Password:     "fern",
		Name:         "fern",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}
}

func TestRerunOverwritesAndSelects(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	logger := getTestLogger()
	cfg := startPostgres(t)

	raw, err := database.Open(ctx, cfg, logger)
	require.NoError(t, err)
	defer raw.Close()

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: filepath.Join("..", "..", "..", "db", "pg"),
	})
	require.NoError(t, migrations.MigratePostgres(raw.DB, cfg.Name))

	db := database.NewDatabaseInstance(raw, logger)
	matches := matchresult.NewRepository(db, logger)
	best := bestmatch.NewRepository(db, logger)
	s := sink.New(matches, logger)

	write := func(scores map[string]float64) {
		var batch []models.MatchRecord
		for candidate, score := range scores {
			batch = append(batch, models.MatchRecord{
				Collection:     "it",
				TargetID:       "T1",
				CandidateID:    candidate,
				Scores:         models.ScoreSet{"app_name_max": score},
				AggregateScore: score,
				CreatedAt:      time.Now().UTC(),
			})
		}
		_, err := s.Write(ctx, batch)
		require.NoError(t, err)
	}

	write(map[string]float64{"C1": 0.2, "C2": 0.91, "C3": 0.5})
	write(map[string]float64{"C1": 0.95})

	rows, err := matches.ListByTarget(ctx, "it", "T1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	report, err := selector.New(selectorStore{matches, best}, logger).Run(ctx, "it")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Persisted)

	chosen, err := best.Get(ctx, "it", "T1")
	require.NoError(t, err)
	assert.Equal(t, "C1", chosen.CandidateID)
	assert.Equal(t, 0.95, chosen.AggregateScore)
}

type selectorStore struct {
	*matchresult.Repository
	best *bestmatch.Repository
}

func (s selectorStore) UpsertBestMatch(ctx context.Context, b *models.BestMatch) error {
	return s.best.UpsertBestMatch(ctx, b)
}
