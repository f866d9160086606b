// Package events publishes selection and run lifecycle events
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/distributor"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/selector"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Publisher sends encoded events
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

// Emitter turns engine results into events
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

// BestMatchSelected implements selector.Notifier
func (e *Emitter) BestMatchSelected(ctx context.Context, best *models.BestMatch) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.BestMatchSelected")
	defer span.End()

	event := BestMatchSelectedEvent{
		BaseEvent:      newBase(EventTypeBestMatchSelected, best.Collection, best.Match.RunID),
		TargetID:       best.TargetID,
		CandidateID:    best.CandidateID,
		AggregateScore: best.AggregateScore,
		Scores:         best.Match.Scores,
	}

	return e.publisher.Publish(ctx, kafka.Event{
		Key:     best.Collection + "/" + best.TargetID,
		Type:    string(EventTypeBestMatchSelected),
		Payload: event,
	})
}

// RunCompleted publishes the summary of a run. sel may be nil when selection was skipped.
func (e *Emitter) RunCompleted(ctx context.Context, run *distributor.RunReport, sel *selector.Report) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.RunCompleted")
	defer span.End()

	event := RunCompletedEvent{
		BaseEvent:     newBase(EventTypeRunCompleted, run.Destination, run.RunID),
		Pipeline:      run.Pipeline,
		Aggregator:    run.Aggregator,
		Targets:       run.Targets,
		Candidates:    run.Candidates,
		Scored:        run.Scored,
		Skipped:       run.Skipped,
		Persisted:     run.Persisted,
		FailedBatches: run.FailedBatches,
		FailedWorkers: run.FailedWorkers,
		DurationSecs:  run.Duration.Seconds(),
	}
	if sel != nil {
		event.Selected = sel.Persisted
	}

	if err := e.publisher.Publish(ctx, kafka.Event{Key: run.RunID, Type: string(EventTypeRunCompleted), Payload: event}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("run_id", run.RunID).Error("Failed to emit run.completed event")
		return err
	}
	return nil
}

var _ selector.Notifier = (*Emitter)(nil)
