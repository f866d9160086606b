package matchresult

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const matchResultTable = "match_results"

// PostgreSQL caps a statement at 65535 bind parameters
const statementRows = 5000

var (
	matchColumns   = []string{"collection", "target_id", "candidate_id", "scores", "aggregate_score", "weighted_score", "linear_score", "run_id", "created_at"}
	identity       = []string{"collection", "target_id", "candidate_id"}
	replaceColumns = []string{"scores", "aggregate_score", "weighted_score", "linear_score", "run_id", "created_at"}
)

// Repository persists scored pairs
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertMatches writes one batch in a transaction. A rerun of the same pair
// overwrites the stored row.
func (r *Repository) UpsertMatches(ctx context.Context, records []models.MatchRecord) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "matchresult.Repository.UpsertMatches")
	defer span.End()
	defer metrics.ObserveQuery("match_upsert", time.Now())

	if len(records) == 0 {
		return 0, nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	var affected int64
	for start := 0; start < len(records); start += statementRows {
		end := min(start+statementRows, len(records))

		ib := database.NewInsertBuilder()
		ib.InsertInto(matchResultTable)
		ib.Cols(matchColumns...)
		for _, m := range records[start:end] {
			ib.Values(m.Collection, m.TargetID, m.CandidateID, m.Scores, m.AggregateScore, m.WeightedScore, m.LinearScore, m.RunID, m.CreatedAt)
		}
		ib.OnConflictReplace(identity, replaceColumns...)

		query, args := ib.Build()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("records", end-start).Error("Failed to upsert match results")
			return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert match results")
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit match results")
	}
	return affected, nil
}

// DistinctTargets lists the target ids that have at least one result
func (r *Repository) DistinctTargets(ctx context.Context, collection string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "matchresult.Repository.DistinctTargets")
	defer span.End()
	defer metrics.ObserveQuery("match_distinct_targets", time.Now())

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT target_id")
	sb.From(matchResultTable)
	sb.Where(sb.Equal("collection", collection))
	sb.OrderBy("target_id")

	query, args := sb.Build()
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("collection", collection).Error("Failed to list distinct targets")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list targets")
	}
	return ids, nil
}

// TopMatch returns the best record of a target or nil when it has none
func (r *Repository) TopMatch(ctx context.Context, collection, targetID string) (*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchresult.Repository.TopMatch")
	defer span.End()
	defer metrics.ObserveQuery("match_top", time.Now())

	matches, err := r.ListByTarget(ctx, collection, targetID, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// ListByTarget returns up to limit results of a target, best first
func (r *Repository) ListByTarget(ctx context.Context, collection, targetID string, limit int) ([]models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchresult.Repository.ListByTarget")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(matchColumns...)
	sb.From(matchResultTable)
	sb.Where(
		sb.Equal("collection", collection),
		sb.Equal("target_id", targetID),
	)
	sb.OrderBy("aggregate_score DESC", "candidate_id ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	var matches []models.MatchRecord
	if err := r.db.SelectContext(ctx, &matches, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"collection": collection,
			"target_id":  targetID,
		}).Error("Failed to list match results")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match results")
	}
	return matches, nil
}

// Stream calls fn for every result of a collection without loading them all
func (r *Repository) Stream(ctx context.Context, collection string, fn func(models.MatchRecord) error) error {
	ctx, span := tracing.StartSpan(ctx, "matchresult.Repository.Stream")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(matchColumns...)
	sb.From(matchResultTable)
	sb.Where(sb.Equal("collection", collection))

	query, args := sb.Build()
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("collection", collection).Error("Failed to stream match results")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to stream match results")
	}
	defer rows.Close()

	for rows.Next() {
		var m models.MatchRecord
		if err := rows.StructScan(&m); err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to read match result")
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}
