// Package sink persists scored pairs in unordered, validated batches.
package sink

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultBatchSize is the number of buffered records that triggers a flush
const DefaultBatchSize = 10000

// Writer upserts match records keyed by (collection, target_id, candidate_id)
type Writer interface {
	UpsertMatches(ctx context.Context, records []models.MatchRecord) (int64, error)
}

// Sink validates and deduplicates records before handing them to a Writer
type Sink struct {
	writer   Writer
	validate *validator.Validate
	logger   ectologger.Logger
}

func New(writer Writer, logger ectologger.Logger) *Sink {
	return &Sink{
		writer:   writer,
		validate: validator.New(),
		logger:   logger,
	}
}

// Result describes what happened to one batch
type Result struct {
	Persisted  int64
	Invalid    int
	Duplicates int
}

// Write stores one batch. Invalid records are dropped and logged while the
// rest are still written. Within the batch the last record for a key wins.
func (s *Sink) Write(ctx context.Context, records []models.MatchRecord) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sink.Sink.Write")
	defer span.End()

	var res Result
	if len(records) == 0 {
		return res, nil
	}

	type identity struct {
		collection string
		key        models.MatchKey
	}
	position := make(map[identity]int, len(records))
	batch := make([]models.MatchRecord, 0, len(records))

	for i := range records {
		r := records[i]
		if err := s.validate.Struct(r); err != nil {
			res.Invalid++
			s.logger.WithContext(ctx).WithError(err).WithFields(appctx.Fields(ctx)).WithFields(map[string]any{
				"collection":   r.Collection,
				"target_id":    r.TargetID,
				"candidate_id": r.CandidateID,
			}).Warn("Dropping invalid match record")
			continue
		}

		id := identity{collection: r.Collection, key: r.Key()}
		if pos, dup := position[id]; dup {
			res.Duplicates++
			batch[pos] = r
			continue
		}
		position[id] = len(batch)
		batch = append(batch, r)
	}

	metrics.RecordRecords("invalid", res.Invalid)
	metrics.RecordRecords("duplicate", res.Duplicates)

	if len(batch) == 0 {
		return res, nil
	}

	n, err := s.writer.UpsertMatches(ctx, batch)
	if err != nil {
		metrics.RecordBatch("failed")
		return res, err
	}
	res.Persisted = n
	metrics.RecordBatch("ok")
	metrics.RecordRecords("persisted", int(n))
	return res, nil
}
