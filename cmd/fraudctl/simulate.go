package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/dvloznov/fraud-monitor/internal/ingest"
	"github.com/dvloznov/fraud-monitor/internal/logger"
	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/dvloznov/fraud-monitor/internal/transport/memory"
	"github.com/spf13/cobra"
)

func simulateCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <file.csv | gs://bucket/object.csv>",
		Short: "Run CSV rows through the consumer pipeline locally",
		Long: `Simulate feeds each CSV row through an in-memory broker into the same
ingest loop and processor the consumer uses, with the configured rules. Rows and
alerts are printed as JSON lines instead of being written to BigQuery and
Pub/Sub.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env.load()
			if err != nil {
				return err
			}
			ctx := env.commandContext(cmd, log)

			rules, err := cfg.ClassifierRules()
			if err != nil {
				return err
			}

			src, closeSrc, err := openSource(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeSrc()

			sum, err := simulate(ctx, src, rules, cfg.Ingest.Concurrency, cmd.OutOrStdout())
			log.Info().
				Int("published", sum.Published).
				Int("acked", sum.Acked).
				Int("dead", sum.Dead).
				Msg("Simulation finished")
			return err
		},
	}
}

type simulateSummary struct {
	Published int
	Acked     int
	Dead      int
}

// simulate runs src through a local pipeline and waits until every message
// is settled for good.
func simulate(ctx context.Context, src io.Reader, rules pipeline.Rules, concurrency int, out io.Writer) (simulateSummary, error) {
	log := logger.FromContext(ctx)

	inbox := memory.NewBroker(memory.Options{MaxDeliveries: 3, RedeliveryDelay: 10 * time.Millisecond})
	defer inbox.Close()

	sink := &jsonLines{enc: json.NewEncoder(out)}

	proc, err := pipeline.NewProcessor(pipeline.Deps{
		Classifier: pipeline.NewClassifier(rules),
		Alerts:     pipeline.NewAlertNotifier(sink, pipeline.AlertConfig{Timeout: time.Second, MaxAttempts: 1}),
		Sink:       pipeline.NewSinkWriter(sink, time.Second),
		Log:        log,
	})
	if err != nil {
		return simulateSummary{}, err
	}

	loop := ingest.New(inbox, proc, ingest.Config{Concurrency: concurrency, ShutdownGrace: time.Second}, nil, log)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(runCtx) }()

	var sum simulateSummary
	err = csvRecords(src, func(line int, payload []byte) error {
		if _, err := inbox.Publish(ctx, payload, map[string]string{"source": "simulate", "line": fmt.Sprint(line)}); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		sum.Published++
		return nil
	})
	if err != nil {
		stop()
		<-runErr
		return sum, fmt.Errorf("simulate: %w", err)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		counts := inbox.Ledger().Counts()
		sum.Acked, sum.Dead = counts[memory.StatusAcked], counts[memory.StatusDead]
		if sum.Acked+sum.Dead >= sum.Published {
			break
		}
		select {
		case <-ctx.Done():
			stop()
			<-runErr
			return sum, ctx.Err()
		case <-ticker.C:
		}
	}

	stop()
	if err := <-runErr; err != nil {
		return sum, fmt.Errorf("simulate: %w", err)
	}
	return sum, nil
}

// jsonLines stands in for both the alert topic and the durable table.
type jsonLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (j *jsonLines) Publish(_ context.Context, data []byte, _ map[string]string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return "", j.enc.Encode(map[string]json.RawMessage{"alert": data})
}

func (j *jsonLines) InsertRows(_ context.Context, rows []*domain.DurableRow) ([]domain.RowError, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range rows {
		if err := j.enc.Encode(map[string]*domain.DurableRow{"row": r}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
