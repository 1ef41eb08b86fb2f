package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/dvloznov/fraud-monitor/internal/logger"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Stage is how far a message got through the processor.
type Stage string

const (
	StageReceived   Stage = "received"
	StageDecoding   Stage = "decoding"
	StageClassified Stage = "classified"
	StageFanout     Stage = "fanout"
)

// Outcome is the acknowledgment decision for one message.
type Outcome string

const (
	// OutcomeAcked: the row is durably written (alert outcome irrelevant).
	OutcomeAcked Outcome = "acked"
	// OutcomeNacked: the message must be redelivered.
	OutcomeNacked Outcome = "nacked"
	// OutcomeRejected: the payload can never be processed; it was dead-lettered
	// (or there is no dead-letter sink) and must not be redelivered.
	OutcomeRejected Outcome = "rejected"
)

// Result describes what happened to one message.
type Result struct {
	Outcome     Outcome
	Stage       Stage
	Transaction *domain.ClassifiedTransaction
	Warnings    []Warning
	AlertErr    error
	Err         error
}

// Deps wires a Processor. DeadLetter and Recorder are optional.
type Deps struct {
	Classifier        *Classifier
	Alerts            *AlertNotifier
	Sink              *SinkWriter
	DeadLetter        DeadLetterSink
	DeadLetterTimeout time.Duration
	Recorder          Recorder
	Log               zerolog.Logger
}

// Processor runs decode -> classify -> fanout for one message at a time. It
// keeps no state between messages, so one instance serves every worker.
type Processor struct {
	classifier        *Classifier
	alerts            *AlertNotifier
	sink              *SinkWriter
	deadLetter        DeadLetterSink
	deadLetterTimeout time.Duration
	rec               Recorder
	log               zerolog.Logger
	now               func() time.Time
}

// NewProcessor validates deps and builds a Processor.
func NewProcessor(deps Deps) (*Processor, error) {
	if deps.Classifier == nil || deps.Alerts == nil || deps.Sink == nil {
		return nil, errors.New("NewProcessor: classifier, alerts and sink are required")
	}
	rec := deps.Recorder
	if rec == nil {
		rec = NopRecorder{}
	}
	timeout := deps.DeadLetterTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Processor{
		classifier:        deps.Classifier,
		alerts:            deps.Alerts,
		sink:              deps.Sink,
		deadLetter:        deps.DeadLetter,
		deadLetterTimeout: timeout,
		rec:               rec,
		log:               deps.Log,
		now:               time.Now,
	}, nil
}

// Process decides the outcome for msg. It never acks or nacks; the caller
// resolves the outcome against the transport. A panic is reported as
// OutcomeNacked at the stage where it happened.
func (p *Processor) Process(ctx context.Context, msg Message) (res Result) {
	log := p.log.With().Str("message_id", msg.ID()).Logger()
	res = Result{Stage: StageReceived}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("stage", string(res.Stage)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered while processing message")
			res.Outcome = OutcomeNacked
			res.Err = fmt.Errorf("Process: panic at stage %s: %v", res.Stage, r)
		}
	}()

	res.Stage = StageDecoding
	event, warnings, err := Decode(msg.Data())
	if err != nil {
		return p.reject(ctx, log, msg, res, err)
	}
	res.Warnings = warnings

	log = log.With().Str("transaction_id", event.TransactionID).Logger()
	ctx = logger.WithContext(ctx, log)

	for _, w := range warnings {
		p.rec.DecodeWarning(string(w))
		log.Warn().
			Str("warning", string(w)).
			Str("user_id", event.UserID).
			Msg("Amount coerced to zero during decoding")
	}

	tx := p.classifier.Classify(event)
	res.Stage = StageClassified
	res.Transaction = &tx
	p.rec.Classified(string(tx.Reason))

	log.Info().
		Str("user_id", tx.UserID).
		Str("amount", tx.Amount.String()).
		Str("country", tx.Country).
		Bool("source_flag", tx.SourceSuspiciousFlag).
		Bool("suspicious", tx.IsSuspicious).
		Str("reason", string(tx.Reason)).
		Msg("Transaction classified")

	res.Stage = StageFanout
	alertErr, writeErr := p.fanout(ctx, tx)
	res.AlertErr = alertErr

	if alertErr != nil {
		log.Error().
			Err(alertErr).
			Str("reason", string(tx.Reason)).
			Msg("Alert not delivered; continuing with durable write")
	}

	if writeErr != nil {
		p.rec.RowWritten(false)
		log.Error().Err(writeErr).Msg("Durable write failed; message will be redelivered")
		res.Outcome = OutcomeNacked
		res.Err = writeErr
		return res
	}

	p.rec.RowWritten(true)
	log.Debug().Msg("Transaction persisted")
	res.Outcome = OutcomeAcked
	return res
}

// fanout runs the durable write and, for suspicious transactions, the alert
// concurrently. The alert branch never fails the group.
func (p *Processor) fanout(ctx context.Context, tx domain.ClassifiedTransaction) (alertErr, writeErr error) {
	var g errgroup.Group

	if tx.IsSuspicious {
		g.Go(func() error {
			err := guard("alert", func() error { return p.alerts.Notify(ctx, tx) })
			p.rec.AlertPublished(err == nil)
			alertErr = err
			return nil
		})
	}

	g.Go(func() error {
		return guard("sink", func() error { return p.sink.Write(ctx, tx) })
	})

	writeErr = g.Wait()
	return alertErr, writeErr
}

func (p *Processor) reject(ctx context.Context, log zerolog.Logger, msg Message, res Result, decodeErr error) Result {
	res.Err = decodeErr

	if p.deadLetter == nil {
		log.Error().Err(decodeErr).Msg("Dropping undecodable message")
		res.Outcome = OutcomeRejected
		return res
	}

	dlCtx, cancel := context.WithTimeout(ctx, p.deadLetterTimeout)
	defer cancel()

	err := p.deadLetter.Store(dlCtx, RejectedMessage{
		MessageID:  msg.ID(),
		Attributes: msg.Attributes(),
		Reason:     decodeErr.Error(),
		Payload:    msg.Data(),
		RejectedAt: p.now().UTC(),
	})
	p.rec.DeadLettered(err == nil)
	if err != nil {
		log.Error().
			AnErr("decode_error", decodeErr).
			Err(err).
			Msg("Dead-letter archive failed; message will be redelivered")
		res.Outcome = OutcomeNacked
		res.Err = fmt.Errorf("dead-letter: %w", err)
		return res
	}

	log.Error().Err(decodeErr).Msg("Undecodable message archived to dead-letter")
	res.Outcome = OutcomeRejected
	return res
}

// guard converts a panic inside a fanout branch into an error, since it runs
// on its own goroutine and cannot be recovered by the caller.
func guard(branch string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v\n%s", branch, r, debug.Stack())
		}
	}()
	return fn()
}
