// Package ingest runs the long-lived receive loop that feeds messages from a
// Source into a bounded pool of workers and resolves each message's outcome
// against the transport.
package ingest

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/rs/zerolog"
)

// Source delivers inbound messages. Receive blocks until ctx is done or the
// source fails, calling fn for every message. fn may be called concurrently.
type Source interface {
	Receive(ctx context.Context, fn func(context.Context, pipeline.Message)) error
}

// Handler decides the outcome of one message.
type Handler interface {
	Process(ctx context.Context, msg pipeline.Message) pipeline.Result
}

// Config sizes the worker pool and bounds shutdown.
type Config struct {
	Concurrency   int
	ShutdownGrace time.Duration
}

// inFlightTracker is implemented by recorders that expose an in-flight gauge.
type inFlightTracker interface {
	InFlight(delta int)
}

type job struct {
	msg      pipeline.Message
	received time.Time
}

// Loop is the ingestion loop. It is single use: call Run once.
type Loop struct {
	source  Source
	handler Handler
	cfg     Config
	rec     pipeline.Recorder
	log     zerolog.Logger

	jobChan  chan job
	stopping chan struct{}
	wg       sync.WaitGroup
	ready    atomic.Bool
}

// New creates a loop. rec may be nil.
func New(source Source, handler Handler, cfg Config, rec pipeline.Recorder, log zerolog.Logger) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if rec == nil {
		rec = pipeline.NopRecorder{}
	}
	return &Loop{
		source:   source,
		handler:  handler,
		cfg:      cfg,
		rec:      rec,
		log:      log,
		jobChan:  make(chan job, cfg.Concurrency),
		stopping: make(chan struct{}),
	}
}

// Ready reports whether the loop is receiving.
func (l *Loop) Ready() bool { return l.ready.Load() }

// Run receives until ctx is cancelled or the source fails, then drains:
// queued messages that were never started are nacked, in-flight messages get
// ShutdownGrace to finish before their context is cancelled. The returned
// error is the source's failure, if any; cancellation of ctx is a clean stop.
func (l *Loop) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	for i := 0; i < l.cfg.Concurrency; i++ {
		l.wg.Add(1)
		go l.worker(workCtx)
	}

	l.log.Info().
		Int("concurrency", l.cfg.Concurrency).
		Msg("Ingestion loop started")

	l.ready.Store(true)
	recvErr := l.source.Receive(ctx, func(rctx context.Context, msg pipeline.Message) {
		select {
		case l.jobChan <- job{msg: msg, received: time.Now()}:
		case <-rctx.Done():
			msg.Nack()
			l.rec.MessageHandled(string(pipeline.OutcomeNacked), 0)
		}
	})
	l.ready.Store(false)

	if recvErr != nil && ctx.Err() == nil {
		l.log.Error().Err(recvErr).Msg("Receive failed; draining")
	} else {
		l.log.Info().Msg("Receive stopped; draining")
	}

	close(l.stopping)
	l.nackQueued()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(l.cfg.ShutdownGrace):
		l.log.Warn().
			Dur("grace", l.cfg.ShutdownGrace).
			Msg("Shutdown grace elapsed; cancelling in-flight messages")
		cancelWork()
		<-done
	}

	l.log.Info().Msg("Ingestion loop stopped")

	if recvErr != nil && ctx.Err() == nil {
		return fmt.Errorf("Run: receive: %w", recvErr)
	}
	return nil
}

func (l *Loop) worker(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopping:
			return
		case j := <-l.jobChan:
			select {
			case <-l.stopping:
				l.nack(j)
				continue
			default:
			}
			l.handle(ctx, j)
		}
	}
}

// nackQueued releases every message that was handed off but never started.
func (l *Loop) nackQueued() {
	for {
		select {
		case j := <-l.jobChan:
			l.nack(j)
		default:
			return
		}
	}
}

func (l *Loop) nack(j job) {
	j.msg.Nack()
	l.rec.MessageHandled(string(pipeline.OutcomeNacked), time.Since(j.received))
	l.log.Debug().Str("message_id", j.msg.ID()).Msg("Nacked queued message during shutdown")
}

// handle runs one message and settles it. A panic anywhere below is
// converted into a nack; the worker survives.
func (l *Loop) handle(ctx context.Context, j job) {
	if t, ok := l.rec.(inFlightTracker); ok {
		t.InFlight(1)
		defer t.InFlight(-1)
	}

	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Str("message_id", j.msg.ID()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered while processing message")
			j.msg.Nack()
			l.rec.MessageHandled(string(pipeline.OutcomeNacked), time.Since(j.received))
		}
	}()

	l.settle(j, l.handler.Process(ctx, j.msg))
}

func (l *Loop) settle(j job, res pipeline.Result) {
	level := zerolog.InfoLevel
	switch res.Outcome {
	case pipeline.OutcomeAcked:
		j.msg.Ack()
	case pipeline.OutcomeRejected:
		j.msg.Ack()
		level = zerolog.WarnLevel
	default:
		res.Outcome = pipeline.OutcomeNacked
		j.msg.Nack()
		level = zerolog.WarnLevel
	}

	elapsed := time.Since(j.received)
	l.rec.MessageHandled(string(res.Outcome), elapsed)

	evt := l.log.WithLevel(level).
		Str("message_id", j.msg.ID()).
		Str("outcome", string(res.Outcome)).
		Str("stage", string(res.Stage)).
		Dur("elapsed", elapsed)
	if res.Transaction != nil {
		evt = evt.
			Str("transaction_id", res.Transaction.TransactionID).
			Str("reason", string(res.Transaction.Reason))
	}
	if res.Err != nil {
		evt = evt.Err(res.Err)
	}
	evt.Msg("Message settled")
}
