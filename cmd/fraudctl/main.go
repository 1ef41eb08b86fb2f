// Command fraudctl is the operator CLI for the fraud monitor: replaying
// sample traffic, applying table migrations, reporting suspicious rows and
// classifying or simulating payloads offline.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dvloznov/fraud-monitor/internal/config"
	"github.com/dvloznov/fraud-monitor/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fraudctl",
		Short:         "Operator tooling for the fraud monitor",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("FRAUD_CONFIG"), "Path to YAML config file (or set FRAUD_CONFIG)")

	env := &cliEnv{configPath: &configPath}

	rootCmd.AddCommand(replayCmd(env))
	rootCmd.AddCommand(reportCmd(env))
	rootCmd.AddCommand(migrateCmd(env))
	rootCmd.AddCommand(classifyCmd(env))
	rootCmd.AddCommand(simulateCmd(env))
	rootCmd.AddCommand(configCmd(env))

	return rootCmd
}

// cliEnv resolves configuration and logging lazily so that --config is
// parsed before it is read.
type cliEnv struct {
	configPath *string
}

func (e *cliEnv) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(*e.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	log, err := logger.NewWithOptions(logger.Options{
		Level:  cfg.Log.Level,
		Format: logger.Format(cfg.Log.Format),
		Out:    os.Stderr,
	})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// commandContext returns the command context carrying the logger.
func (e *cliEnv) commandContext(cmd *cobra.Command, log zerolog.Logger) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logger.WithContext(ctx, log)
}
