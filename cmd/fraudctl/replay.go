package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/infra/gcs"
	infraPubSub "github.com/dvloznov/fraud-monitor/internal/infra/pubsub"
	"github.com/dvloznov/fraud-monitor/internal/logger"
	"github.com/spf13/cobra"
)

type publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

type replayOptions struct {
	Interval time.Duration
	Limit    int
}

func replayCmd(env *cliEnv) *cobra.Command {
	var (
		topic string
		opts  replayOptions
	)

	cmd := &cobra.Command{
		Use:   "replay <file.csv | gs://bucket/object.csv>",
		Short: "Publish CSV rows as JSON transactions to the input topic",
		Long: `Replay reads a CSV file with a header row and publishes each data row as
a JSON object keyed by the header to the input topic.

Examples:
  fraudctl replay testdata/transactions.csv
  fraudctl replay gs://fraud-samples/transactions.csv --interval 100ms --limit 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := env.load()
			if err != nil {
				return err
			}
			ctx := env.commandContext(cmd, log)

			if topic == "" {
				topic = cfg.PubSub.InputTopic
			}
			if topic == "" {
				return errors.New("replay: no topic; set --topic or pubsub.input_topic")
			}

			src, closeSrc, err := openSource(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeSrc()

			client, err := infraPubSub.NewClient(ctx, cfg.ProjectID)
			if err != nil {
				return err
			}
			defer client.Close()

			pub := client.Publisher(topic)
			defer pub.Stop()

			n, err := replay(ctx, src, pub, opts)
			log.Info().Int("published", n).Str("topic", topic).Msg("Replay finished")
			return err
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic to publish to (defaults to pubsub.input_topic)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 500*time.Millisecond, "Delay between messages")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Stop after this many rows (0 means all)")

	return cmd
}

// openSource opens a local file or a gs:// object.
func openSource(ctx context.Context, path string) (io.Reader, func(), error) {
	if !gcs.IsURI(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("openSource: %w", err)
		}
		return f, func() { f.Close() }, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	rc, err := client.Open(ctx, path)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return rc, func() {
		rc.Close()
		client.Close()
	}, nil
}

// replay publishes every row of src and returns how many were published.
func replay(ctx context.Context, src io.Reader, pub publisher, opts replayOptions) (int, error) {
	log := logger.FromContext(ctx)

	published := 0
	err := csvRecords(src, func(line int, payload []byte) error {
		if opts.Limit > 0 && published >= opts.Limit {
			return errStopReplay
		}
		if published > 0 && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Interval):
			}
		}

		id, err := pub.Publish(ctx, payload, map[string]string{"source": "replay"})
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		published++

		log.Debug().Int("line", line).Str("message_id", id).Msg("Published row")
		return nil
	})
	if errors.Is(err, errStopReplay) {
		err = nil
	}
	if err != nil {
		return published, fmt.Errorf("replay: %w", err)
	}
	return published, nil
}

var errStopReplay = errors.New("stop replay")

// csvRecords converts each data row to a JSON object keyed by the header.
// Missing trailing cells are omitted, extra cells are ignored and empty
// header names are skipped. line is the 1-based CSV line of the row.
func csvRecords(r io.Reader, fn func(line int, payload []byte) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return errors.New("csv is empty")
	}
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading row: %w", err)
		}
		line, _ := cr.FieldPos(0)

		row := make(map[string]string, len(header))
		for i, name := range header {
			name = strings.TrimSpace(name)
			if name == "" || i >= len(record) {
				continue
			}
			row[name] = record[i]
		}

		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(line, payload); err != nil {
			return err
		}
	}
}
