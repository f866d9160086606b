package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/apprecord"
	"github.com/Ramsey-B/fern/internal/repositories/matchresult"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// groundTruth holds the id sets of a pairs file
type groundTruth struct {
	targets    map[string]struct{}
	candidates map[string]struct{}
}

func (g groundTruth) keep(m *models.MatchRecord) bool {
	_, t := g.targets[m.TargetID]
	_, c := g.candidates[m.CandidateID]
	return t && c
}

// readPairs parses target_id,candidate_id rows. A leading header row is
// skipped. When known is not nil, pairs whose candidate is missing from it
// are ignored.
func readPairs(r io.Reader, known map[string]struct{}) (groundTruth, error) {
	g := groundTruth{targets: map[string]struct{}{}, candidates: map[string]struct{}{}}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true

	for first := true; ; first = false {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return g, nil
		}
		if err != nil {
			return g, err
		}
		target, candidate := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])
		if first && target == "target_id" {
			continue
		}
		if target == "" || candidate == "" {
			continue
		}
		if known != nil {
			if _, ok := known[candidate]; !ok {
				continue
			}
		}
		g.targets[target] = struct{}{}
		g.candidates[candidate] = struct{}{}
	}
}

type matchStreamer interface {
	Stream(ctx context.Context, collection string, fn func(models.MatchRecord) error) error
}

// copyGroundTruth copies the results of source whose ids are both in the
// ground truth into destination, flushing every batchSize records
func copyGroundTruth(ctx context.Context, src matchStreamer, dst *sink.Sink, truth groundTruth, source, destination string, batchSize int, logger ectologger.Logger) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "fern.copyGroundTruth")
	defer span.End()

	var copied int64
	buffer := make([]models.MatchRecord, 0, batchSize)
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		res, err := dst.Write(ctx, buffer)
		copied += res.Persisted
		buffer = buffer[:0]
		return err
	}

	err := src.Stream(ctx, source, func(m models.MatchRecord) error {
		if !truth.keep(&m) {
			return nil
		}
		m.Collection = destination
		buffer = append(buffer, m)
		if len(buffer) >= batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}

	logger.WithContext(ctx).WithFields(map[string]any{
		"source":      source,
		"destination": destination,
		"copied":      copied,
	}).Info("Copied ground truth matches")
	return copied, err
}

func newGroundTruthCommand(ctx *commandContext) *cobra.Command {
	var source, destination, candidates string

	cmd := &cobra.Command{
		Use:   "ground-truth PAIRS.csv",
		Short: "Copy the results of known pairs into a separate collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			_, db, err := ctx.openDB(c)
			if err != nil {
				return err
			}

			var known map[string]struct{}
			if candidates != "" {
				known, err = apprecord.NewRepository(db, ctx.logger).IDs(c, candidates)
				if err != nil {
					return err
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			truth, err := readPairs(f, known)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			repo := matchresult.NewRepository(db, ctx.logger)
			copied, err := copyGroundTruth(c, repo, sink.New(repo, ctx.logger), truth, source, destination, sink.DefaultBatchSize, ctx.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d matches into %s\n", copied, destination)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Collection to copy from")
	cmd.Flags().StringVar(&destination, "destination", "", "Collection to copy into")
	cmd.Flags().StringVar(&candidates, "candidates", "", "Only count pairs whose candidate exists in this catalog")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}
