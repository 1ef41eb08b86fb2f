package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receiveAsync runs Receive in the background and returns the delivered
// messages through a channel.
func receiveAsync(t *testing.T, b *Broker) (<-chan pipeline.Message, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan pipeline.Message, 100)
	go func() {
		_ = b.Receive(ctx, func(_ context.Context, m pipeline.Message) { out <- m })
	}()
	t.Cleanup(cancel)
	return out, cancel
}

func next(t *testing.T, ch <-chan pipeline.Message) pipeline.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestBroker_PublishAndAck(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	id, err := b.Publish(context.Background(), []byte(`{"a":1}`), map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, _ := receiveAsync(t, b)
	m := next(t, msgs)
	assert.Equal(t, id, m.ID())
	assert.Equal(t, []byte(`{"a":1}`), m.Data())
	assert.Equal(t, "v", m.Attributes()["k"])

	rec, ok := b.Ledger().Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusInFlight, rec.Status)

	m.Ack()
	m.Nack() // ignored after the first settlement

	rec, _ = b.Ledger().Get(id)
	assert.Equal(t, StatusAcked, rec.Status)
	assert.Equal(t, 1, rec.Deliveries)
}

func TestBroker_NackRedelivers(t *testing.T) {
	b := NewBroker(Options{MaxDeliveries: 3, RedeliveryDelay: time.Millisecond})
	defer b.Close()

	id, err := b.Publish(context.Background(), []byte("x"), nil)
	require.NoError(t, err)

	msgs, _ := receiveAsync(t, b)
	next(t, msgs).Nack()
	m := next(t, msgs)
	assert.Equal(t, id, m.ID())
	m.Ack()

	rec, _ := b.Ledger().Get(id)
	assert.Equal(t, StatusAcked, rec.Status)
	assert.Equal(t, 2, rec.Deliveries)
}

func TestBroker_MaxDeliveries(t *testing.T) {
	b := NewBroker(Options{MaxDeliveries: 2, RedeliveryDelay: time.Millisecond})
	defer b.Close()

	id, err := b.Publish(context.Background(), []byte("x"), nil)
	require.NoError(t, err)

	msgs, _ := receiveAsync(t, b)
	next(t, msgs).Nack()
	next(t, msgs).Nack()

	rec, _ := b.Ledger().Get(id)
	assert.Equal(t, StatusDead, rec.Status)
	assert.Equal(t, 2, rec.Deliveries)

	select {
	case <-msgs:
		t.Fatal("dead message redelivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_Closed(t *testing.T) {
	b := NewBroker(Options{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), []byte("x"), nil)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, b.Receive(context.Background(), func(context.Context, pipeline.Message) {}), ErrClosed)
	assert.Empty(t, b.Ledger().List(""))
}

func TestBroker_PublishBlocksUntilContextDone(t *testing.T) {
	b := NewBroker(Options{BufferSize: 1})
	defer b.Close()

	_, err := b.Publish(context.Background(), []byte("first"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Publish(ctx, []byte("second"), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, b.Ledger().List(StatusPending), 1)
}

func TestBroker_ReceiveStopsOnCancel(t *testing.T) {
	b := NewBroker(Options{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Receive(ctx, func(context.Context, pipeline.Message) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return")
	}
}

func TestLedger_Counts(t *testing.T) {
	l := NewLedger()
	l.save(Record{ID: "a", Status: StatusPending})
	l.save(Record{ID: "b", Status: StatusPending})
	l.setStatus("b", StatusAcked)
	l.setStatus("missing", StatusAcked)

	assert.Equal(t, map[Status]int{StatusPending: 1, StatusAcked: 1}, l.Counts())
	assert.Equal(t, "a", l.List(StatusPending)[0].ID)
	assert.Len(t, l.List(""), 2)
}

func closeWithin(t *testing.T, b *Broker, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("Close did not return")
	}
}

func TestBroker_CloseReleasesBlockedPublish(t *testing.T) {
	b := NewBroker(Options{BufferSize: 1})
	_, err := b.Publish(context.Background(), []byte("first"), nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Publish(context.Background(), []byte("second"), nil)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closeWithin(t, b, 2*time.Second)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Publish was not released")
	}
}

func TestBroker_CloseReleasesBlockedRedelivery(t *testing.T) {
	b := NewBroker(Options{BufferSize: 1, MaxDeliveries: 5})

	id, err := b.Publish(context.Background(), []byte("first"), nil)
	require.NoError(t, err)
	d := (<-b.msgChan).deliver()

	_, err = b.Publish(context.Background(), []byte("second"), nil)
	require.NoError(t, err)

	// The buffer is full and nobody receives, so the redelivery blocks.
	d.Nack()
	time.Sleep(20 * time.Millisecond)

	closeWithin(t, b, 2*time.Second)

	assert.Eventually(t, func() bool {
		r, ok := b.Ledger().Get(id)
		return ok && r.Status == StatusDead
	}, 2*time.Second, 10*time.Millisecond)
}
