package matchresult

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

func newRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewRepository(database.NewDatabaseInstance(sqlx.NewDb(raw, "postgres"), logger), logger), mock
}

func record(target, candidate string, score float64) models.MatchRecord {
	return models.MatchRecord{
		Collection:     "matches",
		TargetID:       target,
		CandidateID:    candidate,
		Scores:         models.ScoreSet{"app_name_max": score},
		AggregateScore: score,
		CreatedAt:      time.Now().UTC(),
	}
}

var matchRows = []string{"collection", "target_id", "candidate_id", "scores", "aggregate_score", "weighted_score", "linear_score", "run_id", "created_at"}

func TestUpsertMatches(t *testing.T) {
	tests := []struct {
		name      string
		records   []models.MatchRecord
		setup     func(mock sqlmock.Sqlmock)
		expected  int64
		expectErr bool
	}{
		{
			name:    "writes one statement keyed on the match identity",
			records: []models.MatchRecord{record("t1", "c1", 0.4), record("t1", "c2", 0.6)},
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO match_results") + ".*" +
					regexp.QuoteMeta("ON CONFLICT (collection, target_id, candidate_id) DO UPDATE") + ".*" +
					regexp.QuoteMeta("aggregate_score = EXCLUDED.aggregate_score")).
					WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectCommit()
			},
			expected: 2,
		},
		{
			name:    "database failure fails the batch",
			records: []models.MatchRecord{record("t1", "c1", 0.4)},
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO match_results").WillReturnError(errors.New("connection reset"))
				mock.ExpectRollback()
			},
			expectErr: true,
		},
		{
			name:    "empty batch never touches the database",
			records: nil,
			setup:   func(sqlmock.Sqlmock) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newRepo(t)
			tt.setup(mock)

			n, err := repo.UpsertMatches(context.Background(), tt.records)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, n)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpsertMatchesSplitsLargeBatches(t *testing.T) {
	repo, mock := newRepo(t)

	records := make([]models.MatchRecord, statementRows+1)
	for i := range records {
		records[i] = record("t", fmt.Sprintf("c%d", i), 0.5)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO match_results").WillReturnResult(sqlmock.NewResult(0, statementRows))
	mock.ExpectExec("INSERT INTO match_results").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := repo.UpsertMatches(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, int64(statementRows+1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTopMatch(t *testing.T) {
	t.Run("orders by score then candidate id", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE collection = $1 AND target_id = $2 ORDER BY aggregate_score DESC, candidate_id ASC LIMIT")).
			WillReturnRows(sqlmock.NewRows(matchRows).
				AddRow("matches", "t1", "c2", []byte(`{"app_name_max":0.91}`), 0.91, nil, nil, "run", time.Now()))

		top, err := repo.TopMatch(context.Background(), "matches", "t1")
		require.NoError(t, err)
		require.NotNil(t, top)
		assert.Equal(t, "c2", top.CandidateID)
		assert.Equal(t, 0.91, top.Scores["app_name_max"])
		assert.Nil(t, top.WeightedScore)
	})

	t.Run("no rows", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectQuery("FROM match_results").WillReturnRows(sqlmock.NewRows(matchRows))

		top, err := repo.TopMatch(context.Background(), "matches", "t1")
		require.NoError(t, err)
		assert.Nil(t, top)
	})
}

func TestDistinctTargets(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT target_id FROM match_results WHERE collection = $1")).
		WithArgs("matches").
		WillReturnRows(sqlmock.NewRows([]string{"target_id"}).AddRow("t1").AddRow("t2"))

	ids, err := repo.DistinctTargets(context.Background(), "matches")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)
}

func TestStream(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery("FROM match_results").
		WithArgs("matches").
		WillReturnRows(sqlmock.NewRows(matchRows).
			AddRow("matches", "t1", "c1", []byte(`{"a":0.1}`), 0.1, 0.2, 0.3, "run", time.Now()).
			AddRow("matches", "t2", "c2", []byte(`{"a":0.5}`), 0.5, nil, nil, "run", time.Now()))

	var seen []string
	err := repo.Stream(context.Background(), "matches", func(m models.MatchRecord) error {
		seen = append(seen, m.TargetID+"/"+m.CandidateID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1/c1", "t2/c2"}, seen)
}
