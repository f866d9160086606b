// Package selector picks the best scoring candidate for every target of a collection.
package selector

import (
	"context"
	"sync/atomic"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultWindow is the number of lookups allowed in flight at once
const DefaultWindow = 1000

// Store reads persisted matches and writes best matches
type Store interface {
	DistinctTargets(ctx context.Context, collection string) ([]string, error)
	// TopMatch returns the highest scoring record of a target, ties going to the
	// smallest candidate id, or nil when the target has no records.
	TopMatch(ctx context.Context, collection, targetID string) (*models.MatchRecord, error)
	UpsertBestMatch(ctx context.Context, best *models.BestMatch) error
}

// Notifier is told about every persisted best match
type Notifier interface {
	BestMatchSelected(ctx context.Context, best *models.BestMatch) error
}

// Report summarizes one selector pass
type Report struct {
	Targets   int `json:"targets"`
	Persisted int `json:"persisted"`
	NotFound  int `json:"not_found"`
	Failed    int `json:"failed"`
}

type Selector struct {
	store    Store
	notifier Notifier
	window   int
	logger   ectologger.Logger
}

// Option configures a Selector
type Option func(*Selector)

// WithNotifier sends an event for every persisted best match
func WithNotifier(n Notifier) Option {
	return func(s *Selector) { s.notifier = n }
}

// WithWindow bounds the number of lookups in flight
func WithWindow(window int) Option {
	return func(s *Selector) {
		if window > 0 {
			s.window = window
		}
	}
}

func New(store Store, logger ectologger.Logger, opts ...Option) *Selector {
	s := &Selector{store: store, window: DefaultWindow, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run selects and persists the best match of every target in collection.
// Failures are logged and counted per target and never stop the pass.
func (s *Selector) Run(ctx context.Context, collection string) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "selector.Selector.Run")
	defer span.End()

	targets, err := s.store.DistinctTargets(ctx, collection)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list targets")
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"collection": collection,
		"targets":    len(targets),
		"window":     s.window,
	}).Info("Selecting best matches")

	var persisted, notFound, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.window)
	for _, targetID := range targets {
		g.Go(func() error {
			metrics.SelectorInFlight.Inc()
			defer metrics.SelectorInFlight.Dec()

			switch err := s.selectOne(ctx, collection, targetID); {
			case errors.Is(err, errNotFound):
				notFound.Add(1)
				metrics.RecordSelection("not_found")
			case err != nil:
				failed.Add(1)
				metrics.RecordSelection("failed")
				s.logger.WithContext(ctx).WithError(err).WithField("target_id", targetID).Error("Failed to select best match")
			default:
				persisted.Add(1)
				metrics.RecordSelection("persisted")
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Targets:   len(targets),
		Persisted: int(persisted.Load()),
		NotFound:  int(notFound.Load()),
		Failed:    int(failed.Load()),
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"collection": collection,
		"persisted":  report.Persisted,
		"not_found":  report.NotFound,
		"failed":     report.Failed,
	}).Info("Best match selection finished")
	return report, nil
}

var errNotFound = errors.New("no match records for target")

func (s *Selector) selectOne(ctx context.Context, collection, targetID string) error {
	top, err := s.store.TopMatch(ctx, collection, targetID)
	if err != nil {
		return errors.Wrap(err, "failed to query top match")
	}
	if top == nil {
		s.logger.WithContext(ctx).WithField("target_id", targetID).Warn("No match records for target")
		return errNotFound
	}

	best := models.NewBestMatch(*top)
	if err := s.store.UpsertBestMatch(ctx, best); err != nil {
		return errors.Wrap(err, "failed to persist best match")
	}

	if s.notifier != nil {
		if err := s.notifier.BestMatchSelected(ctx, best); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("target_id", targetID).Warn("Failed to publish best match event")
		}
	}
	return nil
}
