package apprecord

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
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

func TestUpsert(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO app_records (catalog, id, platform, name, developer, record, fingerprint, created_at, updated_at)") +
		".*ON CONFLICT \\(catalog, id\\) DO UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := repo.Upsert(context.Background(), "ios", []models.AppRecord{
		{ID: "com.a", Name: "A"},
		{ID: "com.b", Name: "B", Derived: models.Derived{Text: "dropped"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFailureRollsBack(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO app_records").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := repo.Upsert(context.Background(), "ios", []models.AppRecord{{ID: "com.a"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT record FROM app_records WHERE catalog = $1 ORDER BY id")).
		WithArgs("android").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).
			AddRow([]byte(`{"id":"com.a","name":"A","catalog":"android"}`)).
			AddRow([]byte(`{"id":"com.b","name":"B","catalog":"android"}`)))

	records, err := repo.List(context.Background(), "android")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "com.a", records[0].ID)
	assert.Equal(t, "B", records[1].Name)
}

func TestIDs(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM app_records WHERE catalog = $1")).
		WithArgs("android").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("com.a").AddRow("com.b"))

	ids, err := repo.IDs(context.Background(), "android")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "com.b")
}

func TestFingerprints(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, fingerprint FROM app_records WHERE catalog = $1")).
		WithArgs("ios").
		WillReturnRows(sqlmock.NewRows([]string{"id", "fingerprint"}).AddRow("com.a", "abc"))

	fps, err := repo.Fingerprints(context.Background(), "ios")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"com.a": "abc"}, fps)
}

func TestChanged(t *testing.T) {
	stored := models.AppRecord{ID: "com.a", Name: "A"}
	fp, err := fingerprint.Record(models.AppRecord{ID: "com.a", Name: "A", Catalog: "ios"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		records  []models.AppRecord
		expected []string
	}{
		{"unchanged record skipped", []models.AppRecord{stored}, nil},
		{"edited record kept", []models.AppRecord{{ID: "com.a", Name: "A+"}}, []string{"com.a"}},
		{"new record kept", []models.AppRecord{stored, {ID: "com.b"}}, []string{"com.b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := Changed("ios", tt.records, map[string]string{"com.a": fp})
			require.NoError(t, err)

			var ids []string
			for _, r := range changed {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}
