// Command consumer reads transactions from a Pub/Sub subscription, classifies
// them, persists every one to BigQuery and publishes alerts for suspicious ones.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/api"
	"github.com/dvloznov/fraud-monitor/internal/api/handlers"
	"github.com/dvloznov/fraud-monitor/internal/config"
	infraBQ "github.com/dvloznov/fraud-monitor/internal/infra/bigquery"
	"github.com/dvloznov/fraud-monitor/internal/infra/gcs"
	infraPubSub "github.com/dvloznov/fraud-monitor/internal/infra/pubsub"
	"github.com/dvloznov/fraud-monitor/internal/ingest"
	"github.com/dvloznov/fraud-monitor/internal/logger"
	"github.com/dvloznov/fraud-monitor/internal/metrics"
	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("FRAUD_CONFIG"), "Path to YAML config file (or set FRAUD_CONFIG)")
	flag.Parse()

	bootLog := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}

	log, err := logger.NewWithOptions(logger.Options{
		Level:  cfg.Log.Level,
		Format: logger.Format(cfg.Log.Format),
	})
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to create logger")
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutting down consumer...")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("Consumer exited with error")
		os.Exit(1)
	}

	log.Info().Msg("Consumer exited")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	rules, err := cfg.ClassifierRules()
	if err != nil {
		return err
	}

	psClient, err := infraPubSub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return err
	}
	defer psClient.Close()

	repo, err := infraBQ.NewBigQueryTransactionRepository(ctx, cfg.ProjectID, cfg.BigQuery.Dataset, cfg.BigQuery.Table)
	if err != nil {
		return err
	}
	defer repo.Close()

	checks := []resourceCheck{
		{"subscription " + cfg.PubSub.Subscription, func(ctx context.Context) (bool, error) {
			return psClient.SubscriptionExists(ctx, cfg.PubSub.Subscription)
		}},
		{"topic " + cfg.PubSub.AlertTopic, func(ctx context.Context) (bool, error) {
			return psClient.TopicExists(ctx, cfg.PubSub.AlertTopic)
		}},
		{"table " + cfg.BigQuery.Dataset + "." + cfg.BigQuery.Table, repo.TableExists},
	}

	var deadLetter pipeline.DeadLetterSink
	if cfg.DeadLetter.Bucket != "" {
		gcsClient, err := gcs.NewClient(ctx)
		if err != nil {
			return err
		}
		defer gcsClient.Close()

		bucket := cfg.DeadLetter.Bucket
		checks = append(checks, resourceCheck{"bucket " + bucket, func(ctx context.Context) (bool, error) {
			return gcsClient.BucketExists(ctx, bucket)
		}})
		deadLetter = gcsClient.DeadLetter(bucket, cfg.DeadLetter.Prefix)
	} else {
		log.Warn().Msg("No dead-letter bucket configured; undecodable messages will be dropped")
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, 30*time.Second)
	err = verifyResources(checkCtx, checks)
	cancelCheck()
	if err != nil {
		return err
	}

	alerts := psClient.Publisher(cfg.PubSub.AlertTopic)
	defer alerts.Stop()

	m := metrics.New()

	proc, err := pipeline.NewProcessor(pipeline.Deps{
		Classifier: pipeline.NewClassifier(rules),
		Alerts: pipeline.NewAlertNotifier(alerts, pipeline.AlertConfig{
			Timeout:     cfg.Alerts.Timeout,
			MaxAttempts: cfg.Alerts.MaxAttempts,
			Backoff:     cfg.Alerts.Backoff,
		}),
		Sink:              pipeline.NewSinkWriter(repo, cfg.Sink.Timeout),
		DeadLetter:        deadLetter,
		DeadLetterTimeout: cfg.DeadLetter.Timeout,
		Recorder:          m,
		Log:               log,
	})
	if err != nil {
		return err
	}

	loop := ingest.New(
		psClient.Subscriber(cfg.PubSub.Subscription, cfg.Ingest.MaxOutstanding),
		proc,
		ingest.Config{Concurrency: cfg.Ingest.Concurrency, ShutdownGrace: cfg.Ingest.ShutdownGrace},
		m,
		log,
	)

	server := api.NewServer(cfg.Metrics.ListenAddress, m.Handler(), map[string]handlers.Check{
		"ingest": func(context.Context) error {
			if !loop.Ready() {
				return errors.New("not receiving")
			}
			return nil
		},
	}, log)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ops server forced to shutdown")
		}
	}()

	log.Info().
		Str("project_id", cfg.ProjectID).
		Str("subscription", cfg.PubSub.Subscription).
		Str("alert_topic", cfg.PubSub.AlertTopic).
		Str("table", repo.FullTableName()).
		Str("threshold", rules.AmountThreshold.String()).
		Strs("high_risk_countries", rules.HighRiskCountries).
		Msg("Starting consumer")

	return loop.Run(ctx)
}

// resourceCheck verifies that one external resource exists.
type resourceCheck struct {
	name   string
	exists func(ctx context.Context) (bool, error)
}

// verifyResources runs every check and reports all missing or unreachable
// resources together.
func verifyResources(ctx context.Context, checks []resourceCheck) error {
	var errs []error
	for _, c := range checks {
		ok, err := c.exists(ctx)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		case !ok:
			errs = append(errs, fmt.Errorf("%s: does not exist", c.name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("verifyResources: %w", errors.Join(errs...))
	}
	return nil
}
