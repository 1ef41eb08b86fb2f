package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_HighAmountScenario(t *testing.T) {
	h := newHarness("GT")
	msg := newMessage("m-1", `{"transactionId":"T1","userId":"U1","amount":"15000","country":"FR","isSuspicious":false}`)

	res := h.processor.Process(context.Background(), msg)

	require.Equal(t, OutcomeAcked, res.Outcome)
	require.NotNil(t, res.Transaction)
	assert.True(t, res.Transaction.IsSuspicious)
	assert.Equal(t, domain.ReasonHighAmount, res.Transaction.Reason)

	require.Len(t, h.transport.payloads, 1)
	var alert domain.AlertRecord
	require.NoError(t, json.Unmarshal(h.transport.payloads[0], &alert))
	assert.Equal(t, "T1", alert.TransactionID)
	assert.Equal(t, "U1", alert.UserID)
	assert.Equal(t, 15000.0, alert.Amount)
	assert.Equal(t, domain.ReasonHighAmount, alert.Reason)
	_, err := time.Parse(time.RFC3339Nano, alert.DetectedAt)
	assert.NoError(t, err)
	assert.Equal(t, "high_amount", h.transport.attrs[0]["reason"])

	rows := h.store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 15000.0, rows[0].Amount)
	assert.True(t, rows[0].IsSuspicious)

	// the processor never resolves the message itself
	assert.Zero(t, msg.acks+msg.nacks)
}

func TestProcessor_RiskyCountryScenario(t *testing.T) {
	h := newHarness("GT")
	res := h.processor.Process(context.Background(),
		newMessage("m-2", `{"transactionId":"T2","amount":"100","country":"GT","isSuspicious":false}`))

	require.Equal(t, OutcomeAcked, res.Outcome)
	assert.True(t, res.Transaction.IsSuspicious)
	assert.Equal(t, domain.ReasonRiskyCountry, res.Transaction.Reason)
	assert.Len(t, h.transport.payloads, 1)
}

func TestProcessor_MissingAmountScenario(t *testing.T) {
	h := newHarness("GT")
	res := h.processor.Process(context.Background(),
		newMessage("m-3", `{"transactionId":"T3","userId":"U3","country":"FR"}`))

	require.Equal(t, OutcomeAcked, res.Outcome)
	assert.False(t, res.Transaction.IsSuspicious)
	assert.Equal(t, domain.ReasonNone, res.Transaction.Reason)
	assert.Equal(t, []Warning{WarnAmountMissing}, res.Warnings)
	assert.Equal(t, 1, h.rec.warnings[string(WarnAmountMissing)])

	// no alert for normal transactions, but the row is still written
	assert.Zero(t, h.transport.Calls())
	rows := h.store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0, rows[0].Amount)
	assert.False(t, rows[0].IsSuspicious)
}

func TestProcessor_RowPreservesPassthroughFields(t *testing.T) {
	h := newHarness()
	raw := `{"transactionId":"T4","userId":"U4","amount":42.5,"country":" ES ","timestamp":"2025-05-10T10:00:00Z","cardholderId":"CH-1"}`

	res := h.processor.Process(context.Background(), newMessage("m-4", raw))
	require.Equal(t, OutcomeAcked, res.Outcome)

	rows := h.store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, &domain.DurableRow{
		TransactionID: "T4",
		UserID:        "U4",
		Amount:        42.5,
		Timestamp:     "2025-05-10T10:00:00Z",
		Country:       "ES",
		CardholderID:  "CH-1",
		IsSuspicious:  false,
	}, rows[0])
}

func TestProcessor_WriteFailureNacksRegardlessOfAlert(t *testing.T) {
	tests := []struct {
		name          string
		alertFailures int
		wantAlertErr  bool
	}{
		{"alert succeeded", 0, false},
		{"alert failed", 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.transport.failures = tt.alertFailures
			h.store.callErr = errors.New("bigquery: 503")

			res := h.processor.Process(context.Background(),
				newMessage("m", `{"transactionId":"T","amount":"20000"}`))

			assert.Equal(t, OutcomeNacked, res.Outcome)
			assert.Equal(t, StageFanout, res.Stage)
			var writeErr *WriteError
			require.True(t, errors.As(res.Err, &writeErr))
			assert.Equal(t, tt.wantAlertErr, res.AlertErr != nil)
			assert.Equal(t, 1, h.rec.rows[false])
		})
	}
}

func TestProcessor_PerRowErrorNacks(t *testing.T) {
	h := newHarness()
	h.store.rowErrs = []domain.RowError{{Index: 0, Message: "no such field: amount"}}

	res := h.processor.Process(context.Background(), newMessage("m", `{"transactionId":"T"}`))

	assert.Equal(t, OutcomeNacked, res.Outcome)
	var writeErr *WriteError
	require.True(t, errors.As(res.Err, &writeErr))
	assert.Equal(t, h.store.rowErrs, writeErr.RowErrors)
	assert.Contains(t, writeErr.Error(), "row 0: no such field: amount")
}

func TestProcessor_AlertFailureStillAcks(t *testing.T) {
	h := newHarness()
	h.transport.failures = 100

	res := h.processor.Process(context.Background(),
		newMessage("m", `{"transactionId":"T","amount":"1","isSuspicious":"TRUE"}`))

	assert.Equal(t, OutcomeAcked, res.Outcome)
	assert.Equal(t, domain.ReasonFlagged, res.Transaction.Reason)

	var pubErr *PublishError
	require.True(t, errors.As(res.AlertErr, &pubErr))
	assert.Equal(t, 3, pubErr.Attempts)
	assert.Equal(t, 3, h.transport.Calls())
	assert.Len(t, h.store.Rows(), 1)
	assert.Equal(t, 1, h.rec.alerts[false])
}

func TestProcessor_AlertPanicIsContained(t *testing.T) {
	h := newHarness()
	h.transport.panics = true

	res := h.processor.Process(context.Background(),
		newMessage("m", `{"transactionId":"T","amount":"99999"}`))

	assert.Equal(t, OutcomeAcked, res.Outcome)
	require.Error(t, res.AlertErr)
	assert.Contains(t, res.AlertErr.Error(), "alert transport exploded")
	assert.Len(t, h.store.Rows(), 1)
}

func TestProcessor_MalformedPayloadIsDeadLettered(t *testing.T) {
	h := newHarness()
	msg := newMessage("m-bad", `{"transactionId":`)
	msg.attrs = map[string]string{"origin": "replay"}

	res := h.processor.Process(context.Background(), msg)

	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, StageDecoding, res.Stage)
	var decodeErr *DecodeError
	require.True(t, errors.As(res.Err, &decodeErr))

	require.Len(t, h.deadLetter.stored, 1)
	stored := h.deadLetter.stored[0]
	assert.Equal(t, "m-bad", stored.MessageID)
	assert.Equal(t, []byte(`{"transactionId":`), stored.Payload)
	assert.Equal(t, "replay", stored.Attributes["origin"])
	assert.Contains(t, stored.Reason, string(MalformedPayload))

	assert.Empty(t, h.store.Rows())
	assert.Zero(t, h.transport.Calls())
}

func TestProcessor_DeadLetterFailureNacks(t *testing.T) {
	h := newHarness()
	h.deadLetter.err = errors.New("gcs: permission denied")

	res := h.processor.Process(context.Background(), newMessage("m", "not json"))

	assert.Equal(t, OutcomeNacked, res.Outcome)
	assert.Equal(t, 1, h.rec.dead[false])
}

func TestProcessor_MalformedWithoutDeadLetterIsDropped(t *testing.T) {
	p, err := NewProcessor(Deps{
		Classifier: NewClassifier(Rules{AmountThreshold: DefaultAmountThreshold}),
		Alerts:     NewAlertNotifier(&fakeTransport{}, AlertConfig{}),
		Sink:       NewSinkWriter(&fakeStore{}, time.Second),
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)

	res := p.Process(context.Background(), newMessage("m", "[1,2,3]"))
	assert.Equal(t, OutcomeRejected, res.Outcome)
}

func TestProcessor_SinkTimeoutNacks(t *testing.T) {
	store := &fakeStore{block: true}
	p, err := NewProcessor(Deps{
		Classifier: NewClassifier(Rules{AmountThreshold: DefaultAmountThreshold}),
		Alerts:     NewAlertNotifier(&fakeTransport{}, AlertConfig{}),
		Sink:       NewSinkWriter(store, 20*time.Millisecond),
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)

	start := time.Now()
	res := p.Process(context.Background(), newMessage("m", `{"transactionId":"T"}`))

	assert.Equal(t, OutcomeNacked, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewProcessor_RequiresCollaborators(t *testing.T) {
	_, err := NewProcessor(Deps{})
	assert.Error(t, err)
}
