package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/spf13/cobra"
)

func classifyCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "classify [file]",
		Short: "Decode and classify a JSON payload with the configured rules",
		Long: `Classify runs a single payload through the decoder and classifier without
touching any broker or store, and prints the classification together with the
alert and row that the consumer would produce. Reads stdin when no file or "-"
is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := env.load()
			if err != nil {
				return err
			}
			rules, err := cfg.ClassifierRules()
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}

			out, err := classifyPayload(raw, pipeline.NewClassifier(rules), time.Now())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

type classifyOutput struct {
	IsSuspicious bool                `json:"isSuspicious"`
	Reason       domain.Reason       `json:"reason"`
	Warnings     []pipeline.Warning  `json:"warnings,omitempty"`
	Alert        *domain.AlertRecord `json:"alert,omitempty"`
	Row          *domain.DurableRow  `json:"row"`
}

// classifyPayload mirrors the consumer's decode and classify stages. Alert is
// set only for suspicious transactions.
func classifyPayload(raw []byte, c *pipeline.Classifier, now time.Time) (classifyOutput, error) {
	event, warnings, err := pipeline.Decode(raw)
	if err != nil {
		return classifyOutput{}, err
	}

	tx := c.Classify(event)
	out := classifyOutput{
		IsSuspicious: tx.IsSuspicious,
		Reason:       tx.Reason,
		Warnings:     warnings,
		Row:          domain.NewDurableRow(tx),
	}
	if tx.IsSuspicious {
		alert := domain.NewAlertRecord(tx, now)
		out.Alert = &alert
	}
	return out, nil
}
