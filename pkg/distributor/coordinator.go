package distributor

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Spawner runs one assignment to completion, usually in another process
type Spawner interface {
	Spawn(ctx context.Context, a Assignment) (Outcome, error)
}

// RunConfig holds the parameters of one run
type RunConfig struct {
	RunID        string
	Destination  string
	Pipeline     string
	Aggregator   string
	ExtraScores  bool
	Workers      int
	BatchSize    int
	ShmDir       string
	StopWordsDir string
	// DeveloperStopWordsDir falls back to StopWordsDir when empty
	DeveloperStopWordsDir string
}

// Coordinator prepares the records, publishes the similarity index and fans
// chunks out to workers
type Coordinator struct {
	spawner Spawner
	logger  ectologger.Logger
}

func NewCoordinator(spawner Spawner, logger ectologger.Logger) *Coordinator {
	return &Coordinator{spawner: spawner, logger: logger}
}

// Run scores every target against every candidate. Worker failures are
// counted in the report; only preparation errors fail the run.
func (c *Coordinator) Run(ctx context.Context, cfg RunConfig, targets, candidates []models.AppRecord) (*RunReport, error) {
	ctx, span := tracing.StartSpan(ctx, "distributor.Coordinator.Run")
	defer span.End()

	start := time.Now()
	p, err := pipeline.Named(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.NewAggregator(cfg.Aggregator); err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = DefaultWorkers()
	}

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":      cfg.RunID,
		"pipeline":    cfg.Pipeline,
		"destination": cfg.Destination,
	})

	names := similarity.NamesForRun(cfg.RunID)
	publisher := similarity.NewPublisher(cfg.ShmDir, names, c.logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Error("Failed to tear down similarity index")
		}
	}()

	prepStart := time.Now()
	env := &pipeline.Env{Logger: c.logger, Publisher: publisher, StopWordsDir: cfg.StopWordsDir, DeveloperStopWordsDir: cfg.DeveloperStopWordsDir}
	if err := p.Prepare(ctx, env, targets, candidates); err != nil {
		return nil, errors.Wrap(err, "failed to prepare records")
	}
	if p.NeedsIndex() {
		metrics.IndexBuildDuration.Observe(time.Since(prepStart).Seconds())
	}

	report := &RunReport{
		RunID:       cfg.RunID,
		Pipeline:    cfg.Pipeline,
		Aggregator:  cfg.Aggregator,
		Destination: cfg.Destination,
		Workers:     workers,
		Targets:     len(targets),
		Candidates:  len(candidates),
	}

	log.WithFields(map[string]any{
		"targets":    len(targets),
		"candidates": len(candidates),
		"workers":    workers,
	}).Info("Distributing work")

	chunks := Chunk(len(targets), workers)
	outcomes := make([]Outcome, len(chunks))

	var wg sync.WaitGroup
	for i, r := range chunks {
		wg.Add(1)
		go func(i int, r Range) {
			defer wg.Done()
			a := Assignment{
				RunID:       cfg.RunID,
				ChunkIndex:  i,
				Offset:      r.Start,
				Targets:     targets[r.Start:r.End],
				Candidates:  candidates,
				Pipeline:    cfg.Pipeline,
				Aggregator:  cfg.Aggregator,
				ExtraScores: cfg.ExtraScores,
				Destination: cfg.Destination,
				ShmDir:      cfg.ShmDir,
				Regions:     names,
				BatchSize:   cfg.BatchSize,
				TraceParent: tracing.GetTraceParent(ctx),
			}
			outcomes[i] = c.spawn(ctx, a)
		}(i, r)
	}
	wg.Wait()

	for _, o := range outcomes {
		report.add(o)
		if o.Failed() {
			metrics.RecordWorker("failed")
			log.WithFields(map[string]any{
				"chunk":    o.ChunkIndex,
				"error":    o.Error,
				"protocol": o.Protocol,
			}).Error("Worker failed")
			continue
		}
		metrics.RecordWorker("ok")
	}

	report.Duration = time.Since(start)
	metrics.RunDuration.WithLabelValues(cfg.Pipeline).Observe(report.Duration.Seconds())
	log.WithFields(map[string]any{
		"scored":         report.Scored,
		"skipped":        report.Skipped,
		"persisted":      report.Persisted,
		"failed_batches": report.FailedBatches,
		"failed_workers": report.FailedWorkers,
		"duration":       report.Duration.String(),
	}).Info("Run finished")
	return report, nil
}

func (c *Coordinator) spawn(ctx context.Context, a Assignment) Outcome {
	out, err := c.spawner.Spawn(ctx, a)
	out.ChunkIndex = a.ChunkIndex
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	return out
}
