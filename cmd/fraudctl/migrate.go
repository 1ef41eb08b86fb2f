package main

import (
	"fmt"

	infraBQ "github.com/dvloznov/fraud-monitor/internal/infra/bigquery"
	"github.com/spf13/cobra"
)

func migrateCmd(env *cliEnv) *cobra.Command {
	var (
		dryRun    bool
		appliedBy string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending BigQuery migrations",
		Long: `Migrate creates the transactions table and its views by applying the SQL
migrations embedded in this binary. Applied versions are recorded in the
dataset's schema_migrations table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env.load()
			if err != nil {
				return err
			}
			ctx := env.commandContext(cmd, log)

			repo, err := infraBQ.NewBigQueryTransactionRepository(ctx, cfg.ProjectID, cfg.BigQuery.Dataset, cfg.BigQuery.Table)
			if err != nil {
				return err
			}
			defer repo.Close()

			migrator := infraBQ.NewMigrator(repo.Client(), infraBQ.Target{
				ProjectID: cfg.ProjectID,
				DatasetID: cfg.BigQuery.Dataset,
				TableID:   cfg.BigQuery.Table,
			}, appliedBy)

			out := cmd.OutOrStdout()

			if dryRun {
				pending, err := migrator.Pending(ctx)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintln(out, "No pending migrations.")
					return nil
				}
				for _, m := range pending {
					fmt.Fprintf(out, "Pending: %04d_%s\n", m.Version, m.Name)
				}
				fmt.Fprintln(out, "Dry run - no changes made")
				return nil
			}

			n, err := migrator.Apply(ctx)
			if err != nil {
				return fmt.Errorf("applied %d migration(s) before failing: %w", n, err)
			}
			fmt.Fprintf(out, "Applied %d migration(s).\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending migrations without applying them")
	cmd.Flags().StringVar(&appliedBy, "applied-by", "fraudctl", "Name recorded in schema_migrations")

	return cmd
}
