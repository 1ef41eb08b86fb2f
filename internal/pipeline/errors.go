package pipeline

import (
	"fmt"
	"strings"

	"github.com/dvloznov/fraud-monitor/internal/domain"
)

// ErrorCode identifies the kind of failure for logging and metrics.
type ErrorCode string

const (
	// MalformedPayload means the message body is not a UTF-8 JSON object.
	MalformedPayload ErrorCode = "malformed_payload"
	// AlertPublishFailed means every alert publish attempt failed.
	AlertPublishFailed ErrorCode = "alert_publish_failed"
	// RowInsertFailed means the durable store rejected the row or the call.
	RowInsertFailed ErrorCode = "row_insert_failed"
)

// DecodeError is returned by Decode. It is never retryable.
type DecodeError struct {
	Code ErrorCode
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PublishError is returned by the alert notifier after its retry budget is spent.
type PublishError struct {
	Code     ErrorCode
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Code, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// WriteError is returned by the sink writer. RowErrors is empty for call-level failures.
type WriteError struct {
	Code      ErrorCode
	RowErrors []domain.RowError
	Err       error
}

func (e *WriteError) Error() string {
	if len(e.RowErrors) == 0 {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	msgs := make([]string, 0, len(e.RowErrors))
	for _, re := range e.RowErrors {
		msgs = append(msgs, fmt.Sprintf("row %d: %s", re.Index, re.Message))
	}
	return fmt.Sprintf("%s: %s", e.Code, strings.Join(msgs, "; "))
}

func (e *WriteError) Unwrap() error { return e.Err }
