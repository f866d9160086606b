package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/database"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var down bool
	var version uint
	var force int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _, err := ctx.openDB(cmd.Context())
			if err != nil {
				return err
			}

			mcfg := ctx.config.Migration()
			mcfg.Down = down
			if cmd.Flags().Changed("version") {
				mcfg.Version = version
			}
			if cmd.Flags().Changed("force") {
				mcfg.Force = force
			}
			return database.NewMigrationService(ctx.logger, mcfg).MigratePostgres(raw.DB, ctx.config.DatabaseName)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll every migration back")
	cmd.Flags().UintVar(&version, "version", 0, "Migrate to this version instead of the latest")
	cmd.Flags().IntVar(&force, "force", 0, "Force the schema version before migrating")
	return cmd
}
