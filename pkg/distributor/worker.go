package distributor

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ProtocolError marks a shared memory failure. The worker process must exit on it.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "shared memory protocol: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Worker scores one chunk of targets against all candidates
type Worker struct {
	sink   *sink.Sink
	logger ectologger.Logger
}

func NewWorker(s *sink.Sink, logger ectologger.Logger) *Worker {
	return &Worker{sink: s, logger: logger}
}

type scorer struct {
	pipeline *pipeline.Pipeline
	primary  pipeline.Aggregator
	extra    []pipeline.Aggregator
	mods     bool
}

func newScorer(a Assignment) (*scorer, error) {
	p, err := pipeline.Named(a.Pipeline)
	if err != nil {
		return nil, err
	}
	primary, err := pipeline.NewAggregator(a.Aggregator)
	if err != nil {
		return nil, err
	}

	s := &scorer{pipeline: p, primary: primary, mods: pipeline.NeedsModifiers(primary)}
	if a.ExtraScores {
		for _, name := range []string{pipeline.AggregatorWeighted, pipeline.AggregatorLinear} {
			agg, _ := pipeline.NewAggregator(name)
			s.extra = append(s.extra, agg)
			s.mods = s.mods || pipeline.NeedsModifiers(agg)
		}
	}
	return s, nil
}

// Run evaluates the assignment. A returned error is always a *ProtocolError;
// every other failure is reported in the Outcome.
func (w *Worker) Run(ctx context.Context, a Assignment) (out Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "distributor.Worker.Run")
	defer span.End()

	out.ChunkIndex = a.ChunkIndex
	ctx = appctx.SetChunk(appctx.SetRunID(ctx, a.RunID), a.ChunkIndex)
	log := w.logger.WithContext(ctx).WithFields(appctx.Fields(ctx)).WithFields(map[string]any{
		"offset":  a.Offset,
		"targets": len(a.Targets),
	})

	defer func() {
		if r := recover(); r != nil {
			out.Error = fmt.Sprintf("worker panic: %v", r)
			log.WithField("panic", r).Error("Worker failed")
		}
	}()

	if len(a.Targets) == 0 {
		return out, nil
	}

	sc, err := newScorer(a)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}

	var index pipeline.Lookup
	if sc.pipeline.NeedsIndex() {
		ix := similarity.Attach(a.ShmDir, a.Regions)
		defer ix.Detach()

		if err := checkShape(ix, a); err != nil {
			out.Error = err.Error()
			out.Protocol = true
			return out, &ProtocolError{Err: err}
		}
		index = ix
	}

	start := time.Now()
	log.Info("Worker started")

	batchSize := a.BatchSize
	if batchSize <= 0 {
		batchSize = sink.DefaultBatchSize
	}
	buffer := make([]models.MatchRecord, 0, min(batchSize, len(a.Targets)*len(a.Candidates)))
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		res, err := w.sink.Write(ctx, buffer)
		if err != nil {
			out.FailedBatches++
			log.WithError(err).WithField("records", len(buffer)).Error("Dropping failed batch")
		}
		out.Persisted += res.Persisted
		buffer = buffer[:0]
	}

	for i := range a.Targets {
		target := &a.Targets[i]
		for j := range a.Candidates {
			candidate := &a.Candidates[j]
			rec, err := sc.score(pipeline.Pair{
				Target:         target,
				Candidate:      candidate,
				TargetIndex:    a.Offset + i,
				CandidateIndex: j,
				Index:          index,
			})
			if err != nil {
				out.Skipped++
				metrics.RecordPair(a.Pipeline, "skipped")
				log.WithError(err).WithFields(map[string]any{
					"target_id":    target.ID,
					"candidate_id": candidate.ID,
				}).Warn("Skipping pair")
				continue
			}

			rec.Collection = a.Destination
			rec.RunID = a.RunID
			buffer = append(buffer, rec)
			out.Scored++
			metrics.RecordPair(a.Pipeline, "scored")

			if len(buffer) >= batchSize {
				flush()
			}
		}
	}
	flush()

	metrics.WorkerChunkDuration.WithLabelValues(a.Pipeline).Observe(time.Since(start).Seconds())
	log.WithFields(map[string]any{
		"scored":    out.Scored,
		"skipped":   out.Skipped,
		"persisted": out.Persisted,
	}).Info("Worker finished")
	return out, nil
}

// checkShape attaches the index and verifies it covers this chunk
func checkShape(ix *similarity.Index, a Assignment) error {
	rows, cols, err := ix.Shape()
	if err != nil {
		return err
	}
	if rows < a.Offset+len(a.Targets) || cols != len(a.Candidates) {
		return errors.Wrapf(similarity.ErrProtocol, "index shape %dx%d does not cover rows %d..%d of %d candidates",
			rows, cols, a.Offset, a.Offset+len(a.Targets), len(a.Candidates))
	}
	return nil
}

// score evaluates one pair. Panics are turned into errors so one pair never aborts the chunk.
func (s *scorer) score(pair pipeline.Pair) (rec models.MatchRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matcher panic: %v", r)
		}
	}()

	scores, err := s.pipeline.Score(pair)
	if err != nil {
		return rec, err
	}

	var mods map[string]bool
	if s.mods {
		if mods, err = s.pipeline.Modifiers(pair); err != nil {
			return rec, err
		}
	}

	aggregate, err := s.primary.Aggregate(scores, mods)
	if err != nil {
		return rec, err
	}

	rec = models.MatchRecord{
		TargetID:       pair.Target.ID,
		CandidateID:    pair.Candidate.ID,
		Scores:         scores,
		AggregateScore: aggregate,
		CreatedAt:      time.Now().UTC(),
	}

	for _, agg := range s.extra {
		v, err := agg.Aggregate(scores, mods)
		if err != nil {
			return rec, err
		}
		switch agg.Name() {
		case pipeline.AggregatorWeighted:
			rec.WeightedScore = &v
		case pipeline.AggregatorLinear:
			rec.LinearScore = &v
		}
	}
	return rec, nil
}
