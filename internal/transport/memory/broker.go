// Package memory provides an in-process message broker with Pub/Sub-like
// delivery semantics: at-least-once, redelivery on nack, bounded attempts.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/google/uuid"
)

// ErrClosed is returned when publishing to or receiving from a closed broker.
var ErrClosed = errors.New("memory broker is closed")

// Options tunes redelivery. Zero values select the defaults.
type Options struct {
	// BufferSize is how many messages can be queued before Publish blocks.
	BufferSize int
	// MaxDeliveries caps delivery attempts per message; after that a nacked
	// message is marked dead and dropped.
	MaxDeliveries int
	// RedeliveryDelay is multiplied by the delivery count before a nacked
	// message is queued again.
	RedeliveryDelay time.Duration
}

// Broker is a single-subscription topic held in memory. It implements
// pipeline.AlertTransport on the publish side and ingest.Source on the
// receive side, and is safe for concurrent use.
type Broker struct {
	msgChan   chan *message
	closeChan chan struct{}
	mu        sync.RWMutex
	closed    bool
	opts      Options
	ledger    *Ledger
}

// NewBroker creates an empty broker.
func NewBroker(opts Options) *Broker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.RedeliveryDelay < 0 {
		opts.RedeliveryDelay = 0
	}
	return &Broker{
		msgChan:   make(chan *message, opts.BufferSize),
		closeChan: make(chan struct{}),
		opts:      opts,
		ledger:    NewLedger(),
	}
}

// Publish enqueues a message and returns its generated ID.
func (b *Broker) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	m := &message{
		broker: b,
		id:     uuid.New().String(),
		data:   append([]byte(nil), data...),
		attrs:  copyAttrs(attrs),
	}
	b.ledger.save(Record{ID: m.id, Data: m.data, Attributes: m.attrs, Status: StatusPending})

	if err := b.enqueue(ctx, m); err != nil {
		b.ledger.remove(m.id)
		return "", err
	}
	return m.id, nil
}

// enqueue must not hold mu while blocked on the send: Close takes the write
// lock before closing closeChan, which is what releases a blocked sender.
func (b *Broker) enqueue(ctx context.Context, m *message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	select {
	case b.msgChan <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closeChan:
		return ErrClosed
	}
}

// Receive delivers messages to fn one at a time until ctx is done or the
// broker is closed. fn is expected to hand the message off quickly; it owns
// the Ack or Nack.
func (b *Broker) Receive(ctx context.Context, fn func(context.Context, pipeline.Message)) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closeChan:
			return nil
		case m := <-b.msgChan:
			d := m.deliver()
			b.ledger.markDelivered(m.id)
			fn(ctx, d)
		}
	}
}

// Ledger exposes per-message delivery state.
func (b *Broker) Ledger() *Ledger { return b.ledger }

// Close stops the broker. Pending redeliveries are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeChan)
	return nil
}

func (b *Broker) settle(m *message, ack bool) {
	if ack {
		b.ledger.setStatus(m.id, StatusAcked)
		return
	}

	attempts := m.attempts()
	if attempts >= b.opts.MaxDeliveries {
		b.ledger.setStatus(m.id, StatusDead)
		return
	}

	b.ledger.setStatus(m.id, StatusPending)
	delay := time.Duration(attempts) * b.opts.RedeliveryDelay
	time.AfterFunc(delay, func() {
		if err := b.enqueue(context.Background(), m); err != nil {
			b.ledger.setStatus(m.id, StatusDead)
		}
	})
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

var _ pipeline.AlertTransport = (*Broker)(nil)
