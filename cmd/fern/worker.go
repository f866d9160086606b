package main

import (
	"errors"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/matchresult"
	"github.com/Ramsey-B/fern/pkg/distributor"
	"github.com/Ramsey-B/fern/pkg/sink"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Score one assignment read from stdin (spawned by run)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()
			if err := ctx.startTracing(c); err != nil {
				return err
			}

			_, db, err := ctx.openDB(c)
			if err != nil {
				return err
			}

			w := distributor.NewWorker(sink.New(matchresult.NewRepository(db, ctx.logger), ctx.logger), ctx.logger)
			err = distributor.ServeAssignment(c, w, os.Stdin, os.Stdout)
			ctx.pushMetrics(c, "fern_worker", map[string]string{"pid": strconv.Itoa(os.Getpid())})

			var protocolErr *distributor.ProtocolError
			if errors.As(err, &protocolErr) {
				ctx.logger.WithError(err).Error("Worker exiting on protocol error")
				return &exitError{code: distributor.ExitProtocol, err: err}
			}
			return err
		},
	}
}
