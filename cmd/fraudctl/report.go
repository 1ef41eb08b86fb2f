package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	infraBQ "github.com/dvloznov/fraud-monitor/internal/infra/bigquery"
	"github.com/spf13/cobra"
)

func reportCmd(env *cliEnv) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "List the most recent suspicious transactions",
		Args:  cobra.NoArgs,
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

			rows, err := repo.QuerySuspicious(ctx, limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			return writeReport(cmd.OutOrStdout(), rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum rows")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	return cmd
}

func writeReport(w io.Writer, rows []*domain.DurableRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No suspicious transactions found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSACTION\tUSER\tAMOUNT\tCOUNTRY\tTIMESTAMP")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.TransactionID,
			r.UserID,
			strconv.FormatFloat(r.Amount, 'f', 2, 64),
			r.Country,
			r.Timestamp,
		)
	}
	return tw.Flush()
}
