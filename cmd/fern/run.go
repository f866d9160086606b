package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/apprecord"
	"github.com/Ramsey-B/fern/internal/repositories/bestmatch"
	"github.com/Ramsey-B/fern/internal/repositories/matchresult"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/distributor"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/selector"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type runOptions struct {
	targets     string
	candidates  string
	destination string
	workers     int
	pipeline    string
	aggregator  string
	local       bool
	selectAfter bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Score every target against every candidate and persist the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatching(cmd.Context(), ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.targets, "targets", "", "Catalog holding the target records")
	cmd.Flags().StringVar(&opts.candidates, "candidates", "", "Catalog holding the candidate records")
	cmd.Flags().StringVar(&opts.destination, "destination", "", "Collection the match results are written to")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Number of worker processes (default WORKERS or NumCPU-2)")
	cmd.Flags().StringVar(&opts.pipeline, "pipeline", "", "Named pipeline configuration (default PIPELINE)")
	cmd.Flags().StringVar(&opts.aggregator, "aggregator", "", "Aggregator: mean, weighted or linear (default AGGREGATOR)")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Run workers in this process instead of spawning processes")
	cmd.Flags().BoolVar(&opts.selectAfter, "select", false, "Select best matches once scoring finishes")
	_ = cmd.MarkFlagRequired("targets")
	_ = cmd.MarkFlagRequired("candidates")
	_ = cmd.MarkFlagRequired("destination")

	return cmd
}

func (o runOptions) apply(cfg distributor.RunConfig) distributor.RunConfig {
	cfg.Destination = o.destination
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	if o.pipeline != "" {
		cfg.Pipeline = o.pipeline
	}
	if o.aggregator != "" {
		cfg.Aggregator = o.aggregator
	}
	return cfg
}

func runMatching(ctx context.Context, c *commandContext, opts runOptions) error {
	if err := c.startTracing(ctx); err != nil {
		return err
	}
	cfg, logger := c.config, c.logger

	runCfg := opts.apply(cfg.Run())
	runCfg.RunID = uuid.NewString()
	ctx = appctx.SetRunID(ctx, runCfg.RunID)

	ctx, span := tracing.StartSpan(ctx, "fern.run")
	defer span.End()

	_, db, err := c.openDB(ctx)
	if err != nil {
		return err
	}

	if client := c.redisClient(); client != nil {
		lock, err := redis.NewLocker(client, "").Hold(ctx, "run:"+runCfg.Destination, time.Duration(cfg.RunLockTTL)*time.Second)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return fmt.Errorf("another run is writing to %s", runCfg.Destination)
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	records := apprecord.NewRepository(db, logger)
	targets, err := records.List(ctx, opts.targets)
	if err != nil {
		return err
	}
	candidates, err := records.List(ctx, opts.candidates)
	if err != nil {
		return err
	}

	matches := matchresult.NewRepository(db, logger)

	var spawner distributor.Spawner
	if opts.local {
		spawner = distributor.LocalSpawner{Worker: distributor.NewWorker(sink.New(matches, logger), logger)}
	} else {
		ps, err := distributor.NewProcessSpawner()
		if err != nil {
			return err
		}
		spawner = ps
	}

	report, err := distributor.NewCoordinator(spawner, logger).Run(ctx, runCfg, targets, candidates)
	if err != nil {
		return err
	}

	emitter := c.emitter()

	var selReport *selector.Report
	if opts.selectAfter {
		selOpts := []selector.Option{selector.WithWindow(cfg.SelectWindow)}
		if emitter != nil {
			selOpts = append(selOpts, selector.WithNotifier(emitter))
		}
		store := selectorStore{Repository: matches, best: bestmatch.NewRepository(db, logger)}
		selReport, err = selector.New(store, logger, selOpts...).Run(ctx, runCfg.Destination)
		if err != nil {
			return err
		}
	}

	if emitter != nil {
		_ = emitter.RunCompleted(ctx, report, selReport)
	}
	c.pushMetrics(ctx, "fern_run", map[string]string{"run_id": runCfg.RunID})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Run       *distributor.RunReport `json:"run"`
		Selection *selector.Report       `json:"selection,omitempty"`
	}{report, selReport})
}
