package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/bestmatch"
	"github.com/Ramsey-B/fern/internal/repositories/matchresult"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/selector"
)

// selectorStore reads from match_results and writes to best_matches
type selectorStore struct {
	*matchresult.Repository
	best *bestmatch.Repository
}

func (s selectorStore) UpsertBestMatch(ctx context.Context, b *models.BestMatch) error {
	return s.best.UpsertBestMatch(ctx, b)
}

func newSelectCommand(ctx *commandContext) *cobra.Command {
	var collection string
	var window int

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick and persist the best candidate of every target in a collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			if err := ctx.startTracing(c); err != nil {
				return err
			}
			_, db, err := ctx.openDB(c)
			if err != nil {
				return err
			}

			if window <= 0 {
				window = ctx.config.SelectWindow
			}
			opts := []selector.Option{selector.WithWindow(window)}
			if emitter := ctx.emitter(); emitter != nil {
				opts = append(opts, selector.WithNotifier(emitter))
			}

			store := selectorStore{
				Repository: matchresult.NewRepository(db, ctx.logger),
				best:       bestmatch.NewRepository(db, ctx.logger),
			}
			report, err := selector.New(store, ctx.logger, opts...).Run(c, collection)
			if err != nil {
				return err
			}
			ctx.pushMetrics(c, "fern_select", map[string]string{"collection": collection})
			return json.NewEncoder(os.Stdout).Encode(report)
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "Collection to select from")
	cmd.Flags().IntVar(&window, "window", 0, "Lookups in flight (default SELECT_WINDOW)")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

var _ selector.Store = selectorStore{}
