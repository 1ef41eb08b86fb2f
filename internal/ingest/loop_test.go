package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/dvloznov/fraud-monitor/internal/transport/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	rows     []*domain.DurableRow
}

func (s *flakyStore) InsertRows(_ context.Context, rows []*domain.DurableRow) ([]domain.RowError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("bigquery unavailable")
	}
	s.rows = append(s.rows, rows...)
	return nil, nil
}

func (s *flakyStore) Rows() []*domain.DurableRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.DurableRow(nil), s.rows...)
}

type outcomeRecorder struct {
	pipeline.NopRecorder
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *outcomeRecorder) MessageHandled(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *outcomeRecorder) Count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

func newProcessor(t *testing.T, store pipeline.RowStore, alerts pipeline.AlertTransport) *pipeline.Processor {
	t.Helper()
	p, err := pipeline.NewProcessor(pipeline.Deps{
		Classifier: pipeline.NewClassifier(pipeline.Rules{
			AmountThreshold:   pipeline.DefaultAmountThreshold,
			HighRiskCountries: []string{"GT"},
		}),
		Alerts: pipeline.NewAlertNotifier(alerts, pipeline.AlertConfig{Timeout: time.Second, MaxAttempts: 2}),
		Sink:   pipeline.NewSinkWriter(store, time.Second),
		Log:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return p
}

// start runs the loop in the background and returns a function that stops it
// and reports Run's error.
func start(t *testing.T, l *Loop) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func publish(t *testing.T, b *memory.Broker, body string) string {
	t.Helper()
	id, err := b.Publish(context.Background(), []byte(body), nil)
	require.NoError(t, err)
	return id
}

func settled(b *memory.Broker, id string, want memory.Status) func() bool {
	return func() bool {
		r, ok := b.Ledger().Get(id)
		return ok && r.Status == want
	}
}

func TestLoop_EndToEnd(t *testing.T) {
	input := memory.NewBroker(memory.Options{})
	alerts := memory.NewBroker(memory.Options{})
	store := &flakyStore{}
	rec := &outcomeRecorder{}

	high := publish(t, input, `{"transactionId":"T1","userId":"U1","amount":"15000","country":"FR","isSuspicious":false}`)
	normal := publish(t, input, `{"transactionId":"T3","userId":"U3","country":"FR"}`)
	bad := publish(t, input, `{"transactionId":`)

	l := New(input, newProcessor(t, store, alerts), Config{Concurrency: 4}, rec, zerolog.Nop())
	stop := start(t, l)

	for _, id := range []string{high, normal, bad} {
		require.Eventually(t, settled(input, id, memory.StatusAcked), 2*time.Second, 5*time.Millisecond)
	}
	assert.True(t, l.Ready())
	require.NoError(t, stop())
	assert.False(t, l.Ready())

	// one alert, two rows, malformed payload acked without a row
	alertRecords := alerts.Ledger().List("")
	require.Len(t, alertRecords, 1)
	assert.Equal(t, "T1", alertRecords[0].Attributes["transactionId"])
	assert.Len(t, store.Rows(), 2)
	assert.Equal(t, 2, rec.Count("acked"))
	assert.Equal(t, 1, rec.Count("rejected"))
}

func TestLoop_WriteFailureIsRedelivered(t *testing.T) {
	input := memory.NewBroker(memory.Options{RedeliveryDelay: time.Millisecond})
	store := &flakyStore{failures: 1}
	rec := &outcomeRecorder{}

	id := publish(t, input, `{"transactionId":"T7","amount":"1"}`)

	l := New(input, newProcessor(t, store, memory.NewBroker(memory.Options{})), Config{Concurrency: 1}, rec, zerolog.Nop())
	stop := start(t, l)

	require.Eventually(t, settled(input, id, memory.StatusAcked), 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	r, _ := input.Ledger().Get(id)
	assert.Equal(t, 2, r.Deliveries)
	assert.Equal(t, 1, rec.Count("nacked"))
	assert.Equal(t, 1, rec.Count("acked"))
	assert.Len(t, store.Rows(), 1)
}

type handlerFunc func(ctx context.Context, msg pipeline.Message) pipeline.Result

func (f handlerFunc) Process(ctx context.Context, msg pipeline.Message) pipeline.Result {
	return f(ctx, msg)
}

func TestLoop_PanicIsNackedAndLoopContinues(t *testing.T) {
	input := memory.NewBroker(memory.Options{MaxDeliveries: 1})
	rec := &outcomeRecorder{}

	boom := publish(t, input, "boom")
	fine := publish(t, input, "fine")

	h := handlerFunc(func(_ context.Context, msg pipeline.Message) pipeline.Result {
		if string(msg.Data()) == "boom" {
			panic("unexpected nil")
		}
		return pipeline.Result{Outcome: pipeline.OutcomeAcked}
	})

	l := New(input, h, Config{Concurrency: 1}, rec, zerolog.Nop())
	stop := start(t, l)

	require.Eventually(t, settled(input, boom, memory.StatusDead), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, settled(input, fine, memory.StatusAcked), 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, 1, rec.Count("nacked"))
}

func TestLoop_BoundedConcurrency(t *testing.T) {
	input := memory.NewBroker(memory.Options{})
	var inFlight, peak, done atomic.Int32

	h := handlerFunc(func(_ context.Context, _ pipeline.Message) pipeline.Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return pipeline.Result{Outcome: pipeline.OutcomeAcked}
	})

	for i := 0; i < 12; i++ {
		publish(t, input, "{}")
	}

	l := New(input, h, Config{Concurrency: 3}, nil, zerolog.Nop())
	start(t, l)

	require.Eventually(t, func() bool { return done.Load() == 12 }, 3*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestLoop_ShutdownCancelsAfterGrace(t *testing.T) {
	input := memory.NewBroker(memory.Options{MaxDeliveries: 1})
	startedCh := make(chan struct{})

	h := handlerFunc(func(ctx context.Context, _ pipeline.Message) pipeline.Result {
		close(startedCh)
		<-ctx.Done()
		return pipeline.Result{Outcome: pipeline.OutcomeNacked, Err: ctx.Err()}
	})

	id := publish(t, input, "{}")
	l := New(input, h, Config{Concurrency: 1, ShutdownGrace: 50 * time.Millisecond}, nil, zerolog.Nop())
	stop := start(t, l)

	<-startedCh
	begin := time.Now()
	require.NoError(t, stop())
	assert.Less(t, time.Since(begin), 2*time.Second)

	r, _ := input.Ledger().Get(id)
	assert.Equal(t, memory.StatusDead, r.Status)
}

func TestLoop_ShutdownWaitsForInFlight(t *testing.T) {
	input := memory.NewBroker(memory.Options{})
	startedCh := make(chan struct{})
	release := make(chan struct{})

	h := handlerFunc(func(ctx context.Context, _ pipeline.Message) pipeline.Result {
		close(startedCh)
		<-release
		if ctx.Err() != nil {
			return pipeline.Result{Outcome: pipeline.OutcomeNacked}
		}
		return pipeline.Result{Outcome: pipeline.OutcomeAcked}
	})

	id := publish(t, input, "{}")
	l := New(input, h, Config{Concurrency: 1, ShutdownGrace: 5 * time.Second}, nil, zerolog.Nop())
	stop := start(t, l)

	<-startedCh
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, stop())

	r, _ := input.Ledger().Get(id)
	assert.Equal(t, memory.StatusAcked, r.Status)
}

type failingSource struct{ err error }

func (s failingSource) Receive(context.Context, func(context.Context, pipeline.Message)) error {
	return s.err
}

func TestLoop_SourceFailure(t *testing.T) {
	cause := errors.New("subscription deleted")
	l := New(failingSource{err: cause}, handlerFunc(nil), Config{}, nil, zerolog.Nop())

	err := l.Run(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.False(t, l.Ready())
}
