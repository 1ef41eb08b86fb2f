package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"
	"unicode/utf8"

	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"github.com/google/uuid"
)

// DeadLetterStore archives rejected messages as JSON objects under
// prefix/YYYY/MM/DD/<messageID>-<uuid>.json.
type DeadLetterStore struct {
	client *Client
	bucket string
	prefix string
	newID  func() string
}

// DeadLetter returns a store writing into bucket under prefix.
func (c *Client) DeadLetter(bucket, prefix string) *DeadLetterStore {
	return &DeadLetterStore{
		client: c,
		bucket: bucket,
		prefix: prefix,
		newID:  uuid.NewString,
	}
}

// deadLetterRecord is the archived object body. Payload is the raw message
// body (base64 in JSON); PayloadText repeats it when it is valid UTF-8.
type deadLetterRecord struct {
	MessageID   string            `json:"messageId"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Reason      string            `json:"reason"`
	RejectedAt  time.Time         `json:"rejectedAt"`
	Payload     []byte            `json:"payload"`
	PayloadText string            `json:"payloadText,omitempty"`
}

// Store writes msg to the bucket. The object is only visible once the upload
// is finalized.
func (s *DeadLetterStore) Store(ctx context.Context, msg pipeline.RejectedMessage) error {
	body, err := encodeRecord(msg)
	if err != nil {
		return fmt.Errorf("Store: %w", err)
	}

	name := ObjectName(s.prefix, msg.MessageID, msg.RejectedAt, s.newID())
	w := s.client.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"message_id": msg.MessageID}

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("Store: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Store: finalize %s: %w", name, err)
	}
	return nil
}

// ObjectName builds the archive path for a rejected message.
func ObjectName(prefix, messageID string, at time.Time, id string) string {
	if messageID == "" {
		messageID = "unknown"
	}
	at = at.UTC()
	return path.Join(
		prefix,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		fmt.Sprintf("%s-%s.json", messageID, id),
	)
}

func encodeRecord(msg pipeline.RejectedMessage) ([]byte, error) {
	rec := deadLetterRecord{
		MessageID:  msg.MessageID,
		Attributes: msg.Attributes,
		Reason:     msg.Reason,
		RejectedAt: msg.RejectedAt.UTC(),
		Payload:    msg.Payload,
	}
	if utf8.Valid(msg.Payload) {
		rec.PayloadText = string(msg.Payload)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding dead-letter record: %w", err)
	}
	return body, nil
}

var _ pipeline.DeadLetterSink = (*DeadLetterStore)(nil)
