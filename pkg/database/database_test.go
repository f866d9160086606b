package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestOnConflictReplace(t *testing.T) {
	ib := NewInsertBuilder()
	ib.InsertInto("match_results")
	ib.Cols("collection", "target_id", "candidate_id", "aggregate_score")
	ib.Values("c", "t", "a", 0.5)
	ib.OnConflictReplace([]string{"collection", "target_id", "candidate_id"}, "aggregate_score")

	query, args := ib.Build()
	assert.Contains(t, query, "INSERT INTO match_results (collection, target_id, candidate_id, aggregate_score) VALUES ($1, $2, $3, $4)")
	assert.Contains(t, query, "ON CONFLICT (collection, target_id, candidate_id) DO UPDATE")
	assert.Contains(t, query, "aggregate_score = EXCLUDED.aggregate_score")
	assert.Len(t, args, 4)
}

func TestDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", User: "fern", Password: "secret", Name: "fern", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=fern password=secret dbname=fern sslmode=disable", cfg.DSN())
}

func TestJSONB(t *testing.T) {
	var v JSONB[map[string]float64]
	require.NoError(t, v.Scan([]byte(`{"a":0.5}`)))
	assert.Equal(t, 0.5, v.GetValue()["a"])

	require.NoError(t, v.Scan(nil))
	assert.Nil(t, v.GetValue())

	assert.Error(t, v.Scan(42))
}

func TestTransactionOwnership(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := NewDatabaseInstance(sqlx.NewDb(raw, "postgres"), testLogger())

	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx, outer, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	// a nested caller joins the open transaction and cannot end it
	_, inner, err := db.GetTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, inner.Commit(ctx))
	require.NoError(t, inner.Rollback(ctx))
	assert.True(t, outer.IsOpen())

	require.NoError(t, outer.Commit(ctx))
	require.NoError(t, outer.Rollback(ctx))
	assert.False(t, outer.IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRollback(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := NewDatabaseInstance(sqlx.NewDb(raw, "postgres"), testLogger())

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_create_app_records.up.sql",
		"000001_create_app_records.down.sql",
		"000003_create_best_matches.up.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	v, err := LatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = LatestVersion(t.TempDir())
	assert.Error(t, err)
}
