package bestmatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const bestMatchTable = "best_matches"

type Row struct {
	Collection     string                             `db:"collection"`
	TargetID       string                             `db:"target_id"`
	CandidateID    string                             `db:"candidate_id"`
	AggregateScore float64                            `db:"aggregate_score"`
	Match          database.JSONB[models.MatchRecord] `db:"match"`
	SelectedAt     time.Time                          `db:"selected_at"`
}

func (r Row) toModel() models.BestMatch {
	return models.BestMatch{
		Collection:     r.Collection,
		TargetID:       r.TargetID,
		CandidateID:    r.CandidateID,
		AggregateScore: r.AggregateScore,
		Match:          r.Match.GetValue(),
		SelectedAt:     r.SelectedAt,
	}
}

var bestMatchStruct = database.NewStruct(new(Row))

// Repository persists the chosen candidate per target
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

// UpsertBestMatch replaces the best match of a target
func (r *Repository) UpsertBestMatch(ctx context.Context, best *models.BestMatch) error {
	ctx, span := tracing.StartSpan(ctx, "bestmatch.Repository.UpsertBestMatch")
	defer span.End()
	defer metrics.ObserveQuery("best_match_upsert", time.Now())

	row := Row{
		Collection:     best.Collection,
		TargetID:       best.TargetID,
		CandidateID:    best.CandidateID,
		AggregateScore: best.AggregateScore,
		Match:          database.JSONB[models.MatchRecord]{Data: best.Match},
		SelectedAt:     best.SelectedAt,
	}
	ib := bestMatchStruct.InsertInto(bestMatchTable, &row)
	ib.OnConflictReplace([]string{"collection", "target_id"}, "candidate_id", "aggregate_score", "match", "selected_at")

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"collection": best.Collection,
			"target_id":  best.TargetID,
		}).Error("Failed to upsert best match")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert best match")
	}
	return nil
}

// Get returns the best match of one target
func (r *Repository) Get(ctx context.Context, collection, targetID string) (*models.BestMatch, error) {
	ctx, span := tracing.StartSpan(ctx, "bestmatch.Repository.Get")
	defer span.End()
	defer metrics.ObserveQuery("best_match_get", time.Now())

	sb := bestMatchStruct.SelectFrom(bestMatchTable)
	sb.Where(
		sb.Equal("collection", collection),
		sb.Equal("target_id", targetID),
	)

	query, args := sb.Build()
	var row Row
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("best match for %s not found", targetID))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"collection": collection,
			"target_id":  targetID,
		}).Error("Failed to get best match")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get best match")
	}

	best := row.toModel()
	return &best, nil
}

// List pages through the best matches of a collection, best first
func (r *Repository) List(ctx context.Context, collection string, limit, offset int) ([]models.BestMatch, error) {
	ctx, span := tracing.StartSpan(ctx, "bestmatch.Repository.List")
	defer span.End()
	defer metrics.ObserveQuery("best_match_list", time.Now())

	if limit < 1 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	sb := bestMatchStruct.SelectFrom(bestMatchTable)
	sb.Where(sb.Equal("collection", collection))
	sb.OrderBy("aggregate_score DESC", "target_id ASC")
	sb.Limit(limit)
	sb.Offset(offset)

	query, args := sb.Build()
	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("collection", collection).Error("Failed to list best matches")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list best matches")
	}

	matches := make([]models.BestMatch, len(rows))
	for i, row := range rows {
		matches[i] = row.toModel()
	}
	return matches, nil
}
