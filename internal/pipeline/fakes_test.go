package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/rs/zerolog"
)

type fakeMessage struct {
	id    string
	data  []byte
	attrs map[string]string

	mu    sync.Mutex
	acks  int
	nacks int
}

func newMessage(id, body string) *fakeMessage {
	return &fakeMessage{id: id, data: []byte(body)}
}

func (m *fakeMessage) ID() string                    { return m.id }
func (m *fakeMessage) Data() []byte                  { return m.data }
func (m *fakeMessage) Attributes() map[string]string { return m.attrs }
func (m *fakeMessage) Ack()                          { m.mu.Lock(); m.acks++; m.mu.Unlock() }
func (m *fakeMessage) Nack()                         { m.mu.Lock(); m.nacks++; m.mu.Unlock() }

// fakeTransport fails the first failures calls, then succeeds.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	panics   bool
	calls    int
	payloads [][]byte
	attrs    []map[string]string
}

func (f *fakeTransport) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("alert transport exploded")
	}
	if f.calls <= f.failures {
		return "", errors.New("pubsub unavailable")
	}
	f.payloads = append(f.payloads, data)
	f.attrs = append(f.attrs, attrs)
	return "srv-id", nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu      sync.Mutex
	rows    []*domain.DurableRow
	callErr error
	rowErrs []domain.RowError
	block   bool
}

func (f *fakeStore) InsertRows(ctx context.Context, rows []*domain.DurableRow) ([]domain.RowError, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	if len(f.rowErrs) > 0 {
		return f.rowErrs, nil
	}
	f.rows = append(f.rows, rows...)
	return nil, nil
}

func (f *fakeStore) Rows() []*domain.DurableRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.DurableRow(nil), f.rows...)
}

type fakeDeadLetter struct {
	mu     sync.Mutex
	err    error
	stored []RejectedMessage
}

func (f *fakeDeadLetter) Store(ctx context.Context, msg RejectedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, msg)
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	warnings map[string]int
	reasons  map[string]int
	alerts   map[bool]int
	rows     map[bool]int
	dead     map[bool]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		outcomes: map[string]int{},
		warnings: map[string]int{},
		reasons:  map[string]int{},
		alerts:   map[bool]int{},
		rows:     map[bool]int{},
		dead:     map[bool]int{},
	}
}

func (r *countingRecorder) MessageHandled(o string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes[o]++
	r.mu.Unlock()
}
func (r *countingRecorder) DecodeWarning(w string) { r.mu.Lock(); r.warnings[w]++; r.mu.Unlock() }
func (r *countingRecorder) Classified(s string)    { r.mu.Lock(); r.reasons[s]++; r.mu.Unlock() }
func (r *countingRecorder) AlertPublished(ok bool) { r.mu.Lock(); r.alerts[ok]++; r.mu.Unlock() }
func (r *countingRecorder) RowWritten(ok bool)     { r.mu.Lock(); r.rows[ok]++; r.mu.Unlock() }
func (r *countingRecorder) DeadLettered(ok bool)   { r.mu.Lock(); r.dead[ok]++; r.mu.Unlock() }

type harness struct {
	transport  *fakeTransport
	store      *fakeStore
	deadLetter *fakeDeadLetter
	rec        *countingRecorder
	processor  *Processor
}

func newHarness(countries ...string) *harness {
	h := &harness{
		transport:  &fakeTransport{},
		store:      &fakeStore{},
		deadLetter: &fakeDeadLetter{},
		rec:        newCountingRecorder(),
	}
	p, err := NewProcessor(Deps{
		Classifier: NewClassifier(Rules{AmountThreshold: DefaultAmountThreshold, HighRiskCountries: countries}),
		Alerts:     NewAlertNotifier(h.transport, AlertConfig{Timeout: time.Second, MaxAttempts: 3, Backoff: time.Millisecond}),
		Sink:       NewSinkWriter(h.store, time.Second),
		DeadLetter: h.deadLetter,
		Recorder:   h.rec,
		Log:        zerolog.Nop(),
	})
	if err != nil {
		panic(err)
	}
	h.processor = p
	return h
}
