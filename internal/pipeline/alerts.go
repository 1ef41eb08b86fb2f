package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/dvloznov/fraud-monitor/internal/logger"
)

// AlertConfig bounds each publish attempt and the retry budget.
type AlertConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration // attempt n waits n*Backoff before retrying
}

// AlertNotifier serializes AlertRecords and hands them to the alert transport.
// Duplicate alerts on retry are acceptable; a missing alert is not, so every
// attempt failure is retried until the budget runs out.
type AlertNotifier struct {
	transport AlertTransport
	cfg       AlertConfig
	now       func() time.Time
}

// NewAlertNotifier creates a notifier. Zero values in cfg fall back to one
// attempt with a 5s timeout.
func NewAlertNotifier(transport AlertTransport, cfg AlertConfig) *AlertNotifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &AlertNotifier{transport: transport, cfg: cfg, now: time.Now}
}

// Notify publishes the alert for a suspicious transaction.
func (n *AlertNotifier) Notify(ctx context.Context, tx domain.ClassifiedTransaction) error {
	record := domain.NewAlertRecord(tx, n.now())
	data, err := json.Marshal(record)
	if err != nil {
		return &PublishError{Code: AlertPublishFailed, Err: fmt.Errorf("Notify: marshal alert: %w", err)}
	}
	attrs := map[string]string{
		"transactionId": tx.TransactionID,
		"reason":        string(tx.Reason),
	}

	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * n.cfg.Backoff
			select {
			case <-ctx.Done():
				return &PublishError{Code: AlertPublishFailed, Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}

		id, err := n.publishOnce(ctx, data, attrs)
		if err == nil {
			log.Debug().
				Str("alert_id", id).
				Int("attempt", attempt).
				Msg("Alert published")
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", n.cfg.MaxAttempts).
			Msg("Alert publish attempt failed")
	}

	return &PublishError{Code: AlertPublishFailed, Attempts: n.cfg.MaxAttempts, Err: lastErr}
}

func (n *AlertNotifier) publishOnce(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	return n.transport.Publish(ctx, data, attrs)
}
