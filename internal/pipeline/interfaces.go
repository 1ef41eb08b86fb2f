package pipeline

import (
	"context"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
)

// Message is one inbound delivery from the transport. Exactly one of Ack or
// Nack is called per delivery.
type Message interface {
	ID() string
	Data() []byte
	Attributes() map[string]string
	// Ack removes the message from redelivery.
	Ack()
	// Nack makes the message available for redelivery.
	Nack()
}

// AlertTransport publishes serialized alerts to the alert destination.
// Implementations must be safe for concurrent use.
type AlertTransport interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// RowStore appends rows to the durable table. A nil error with a non-empty
// slice means some rows were rejected; a non-nil error means the call failed.
// Implementations must be safe for concurrent use.
type RowStore interface {
	InsertRows(ctx context.Context, rows []*domain.DurableRow) ([]domain.RowError, error)
}

// RejectedMessage is what gets archived when a payload cannot be decoded.
type RejectedMessage struct {
	MessageID  string            `json:"messageId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Reason     string            `json:"reason"`
	Payload    []byte            `json:"payload"`
	RejectedAt time.Time         `json:"rejectedAt"`
}

// DeadLetterSink archives payloads that will never decode.
type DeadLetterSink interface {
	Store(ctx context.Context, msg RejectedMessage) error
}

// Recorder receives per-message measurements. See internal/metrics.
type Recorder interface {
	MessageHandled(outcome string, elapsed time.Duration)
	DecodeWarning(warning string)
	Classified(reason string)
	AlertPublished(ok bool)
	RowWritten(ok bool)
	DeadLettered(ok bool)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) MessageHandled(string, time.Duration) {}
func (NopRecorder) DecodeWarning(string)                 {}
func (NopRecorder) Classified(string)                    {}
func (NopRecorder) AlertPublished(bool)                  {}
func (NopRecorder) RowWritten(bool)                      {}
func (NopRecorder) DeadLettered(bool)                    {}
